package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"coinbot/internal/config"
	"coinbot/internal/store"
	"coinbot/pkg/types"
)

const (
	pingInterval     = 20 * time.Second // keep-alive cadence expected by the feed
	readTimeout      = 60 * time.Second // ~3 missed pings triggers reconnect
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second

	// feedStream is the checkpoint stream recording the last event id the
	// feed inserted. The websocket cannot resume from a cursor; the value
	// exists for operational inspection only.
	feedStream = "trade_feed"

	// maxSeedRows bounds the activity pages scanned when seeding asset ids.
	maxSeedRows = 1000
)

// TradeFeed subscribes to the CLOB market websocket and emits the watched
// wallet's fills with lower latency than the poller. The market channel
// requires an asset-id subscription list, so each (re)connect first seeds
// the id set from the wallet's REST activity history, then sends one
// subscribe frame. Fills seen here race the poller; the shared dedupe set
// decides the winner.
type TradeFeed struct {
	wsURL       string
	client      *resty.Client
	wallet      string
	walletLower string
	cfg         config.WatcherConfig
	store       *store.Store
	ingress     *Ingress
	onState     func(connected bool)
	logger      *slog.Logger
}

// NewTradeFeed creates the websocket intake producer. onState is invoked
// with the connection state on every transition (may be nil).
func NewTradeFeed(cfg config.Config, st *store.Store, ingress *Ingress, onState func(bool), logger *slog.Logger) *TradeFeed {
	client := resty.New().
		SetBaseURL(cfg.API.DataAPIURL).
		SetTimeout(4 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "coinbot/0.1")

	return &TradeFeed{
		wsURL:       cfg.API.WSBaseURL,
		client:      client,
		wallet:      cfg.Copy.SourceWallet,
		walletLower: strings.ToLower(cfg.Copy.SourceWallet),
		cfg:         cfg.Watcher,
		store:       st,
		ingress:     ingress,
		onState:     onState,
		logger:      logger.With("component", "trade_feed"),
	}
}

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled. Backoff starts at 1s, doubles to a 30s cap, and resets once
// a connection is established.
func (f *TradeFeed) Run(ctx context.Context) {
	backoff := time.Second

	for {
		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		f.setState(false)
		if connected {
			backoff = time.Second
		}

		f.logger.Warn("trade feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// connectAndRead runs one connection: seed, dial, subscribe, read until
// error. The bool reports whether the subscription was established, which
// gates the backoff reset.
func (f *TradeFeed) connectAndRead(ctx context.Context) (bool, error) {
	assetIDs, err := f.seedAssetIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("seed asset ids: %w", err)
	}
	if len(assetIDs) == 0 {
		// A wallet with no history yet; connect anyway, the poller covers
		// intake until the next reconnect picks up ids.
		f.logger.Warn("no asset ids found for wallet", "wallet", f.wallet)
	}

	url := f.wsURL + "/market"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := types.WSSubscribeMsg{
		Type:                 "market",
		AssetIDs:             assetIDs,
		CustomFeatureEnabled: true,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("trade feed connected", "url", url, "assets", len(assetIDs))
	f.setState(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

// seedAssetIDs pages the wallet's activity history and collects the distinct
// asset ids it has traded.
func (f *TradeFeed) seedAssetIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	limit := f.cfg.FetchLimit
	for offset := 0; offset < maxSeedRows; offset += limit {
		resp, err := f.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":   f.wallet,
				"type":   "TRADE",
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
			}).
			Get("/activity")
		if err != nil {
			return nil, fmt.Errorf("fetch activity page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch activity: status %d", resp.StatusCode())
		}
		rows, err := decodeActivityRows(resp.Body())
		if err != nil {
			return nil, err
		}

		for _, raw := range rows {
			if id := stringAt(raw, "asset", "asset_id"); id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(rows) < limit {
			break
		}
	}
	return ids, nil
}

func (f *TradeFeed) handleMessage(data []byte) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return
	}

	// The feed delivers either a single envelope object or an array of them.
	var envelopes []map[string]any
	switch v := payload.(type) {
	case map[string]any:
		envelopes = append(envelopes, v)
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				envelopes = append(envelopes, obj)
			}
		}
	}

	for _, env := range envelopes {
		for _, row := range extractTradeRows(env) {
			if !walletMatches(row, f.walletLower) {
				continue
			}
			ev, ok := normalizeFeedTrade(row, f.wallet)
			if !ok {
				continue
			}
			f.dispatch(ev)
		}
	}
}

func (f *TradeFeed) dispatch(ev types.TradeEvent) {
	inserted, err := f.store.MarkSeen(types.EventKey{
		EventID:    ev.EventID,
		TxHash:     ev.TxHash,
		Sequence:   ev.Sequence,
		MarketID:   ev.MarketID,
		SeenAtUnix: time.Now().Unix(),
	})
	if err != nil {
		f.logger.Error("dedupe insert failed", "event_id", ev.EventID, "error", err)
		return
	}
	if !inserted {
		// The poller got there first.
		return
	}

	f.ingress.Publish(ev)
	if err := f.store.CheckpointSet(feedStream, ev.EventID); err != nil {
		f.logger.Warn("trade feed checkpoint failed", "error", err)
	}
}

func (f *TradeFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TradeFeed) setState(connected bool) {
	if f.onState != nil {
		f.onState(connected)
	}
}
