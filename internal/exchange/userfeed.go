// userfeed.go implements the authenticated user channel of the Polymarket
// WebSocket. It reports our own order placements and fills so lifecycle
// state and realized PnL track venue truth instead of optimistic acks.
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to every watched market on reconnection. A read deadline
// detects silent server failures within ~2 missed pings.

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinbot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	fillBufferSize   = 64
)

// UserFeed is the authenticated WebSocket feed for our own trade and order
// events. Markets are watched by condition id; the engine adds one the
// first time it submits an order there. Live mode only; dry-run acks
// synchronously and never opens the channel.
type UserFeed struct {
	wsURL  string
	auth   *Auth
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	markets map[string]bool // condition ids to (re)subscribe

	fills  chan types.WSTradeEvent
	orders chan types.WSOrderEvent
}

// NewUserFeed creates the user-channel feed. The base URL is the WS root;
// the channel path is appended at dial time.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		wsURL:   wsURL,
		auth:    auth,
		markets: make(map[string]bool),
		fills:   make(chan types.WSTradeEvent, fillBufferSize),
		orders:  make(chan types.WSOrderEvent, fillBufferSize),
		logger:  logger.With("component", "user_feed"),
	}
}

// Fills returns the read-only channel of our fill notifications.
func (f *UserFeed) Fills() <-chan types.WSTradeEvent { return f.fills }

// Orders returns the read-only channel of our order lifecycle events.
func (f *UserFeed) Orders() <-chan types.WSOrderEvent { return f.orders }

// Watch adds markets to the subscription set. When connected, new ids are
// subscribed immediately; otherwise the next (re)connect picks them up.
func (f *UserFeed) Watch(marketIDs ...string) {
	f.mu.Lock()
	var fresh []string
	for _, id := range marketIDs {
		if id != "" && !f.markets[id] {
			f.markets[id] = true
			fresh = append(fresh, id)
		}
	}
	connected := f.conn != nil
	f.mu.Unlock()

	if len(fresh) == 0 || !connected {
		return
	}
	msg := types.WSUpdateMsg{Operation: "subscribe", Markets: fresh}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("subscribe update failed", "markets", fresh, "error", err)
	}
}

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled. Backoff resets once a connection is established.
func (f *UserFeed) Run(ctx context.Context) {
	backoff := time.Second

	for {
		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}

		f.logger.Warn("user feed disconnected, reconnecting",
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

// connectAndRead runs one connection: dial, authenticate, subscribe, read
// until error. The bool reports whether the subscription went out, which
// gates the backoff reset.
func (f *UserFeed) connectAndRead(ctx context.Context) (bool, error) {
	url := f.wsURL + "/user"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	ids := make([]string, 0, len(f.markets))
	for id := range f.markets {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		conn.Close()
		f.conn = nil
		f.mu.Unlock()
	}()

	sub := types.WSSubscribeMsg{
		Type:    "user",
		Auth:    f.auth.WSAuthPayload(),
		Markets: ids,
	}
	if err := f.writeJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("user feed connected", "url", url, "markets", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *UserFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.fills <- evt:
		default:
			f.logger.Warn("fill channel full, dropping event", "id", evt.ID)
		}

	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orders <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "id", evt.ID)
		}

	default:
		f.logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
}

func (f *UserFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeText("PING"); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *UserFeed) writeJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *UserFeed) writeText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, []byte(s))
}
