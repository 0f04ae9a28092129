package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"coinbot/internal/config"
	"coinbot/internal/store"
	"coinbot/pkg/types"
)

// maxPollBackoff caps the error sleep so a flapping API does not stall
// intake for long.
const maxPollBackoff = 5 * time.Second

// ActivityPoller polls the data API activity feed for the watched wallet's
// fills. The newest-first response is scanned down to the stored checkpoint,
// the fresh rows are dispatched oldest-first, and the checkpoint advances
// per event so a crash mid-batch resumes without loss. On the very first
// boot the poller anchors the checkpoint at the newest fill and dispatches
// nothing, so a fresh database does not replay the wallet's history.
type ActivityPoller struct {
	client  *resty.Client
	wallet  string
	cfg     config.WatcherConfig
	store   *store.Store
	ingress *Ingress
	logger  *slog.Logger
}

// NewActivityPoller creates the REST intake producer.
func NewActivityPoller(cfg config.Config, st *store.Store, ingress *Ingress, logger *slog.Logger) *ActivityPoller {
	client := resty.New().
		SetBaseURL(cfg.API.DataAPIURL).
		SetTimeout(4 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "coinbot/0.1")

	return &ActivityPoller{
		client:  client,
		wallet:  cfg.Copy.SourceWallet,
		cfg:     cfg.Watcher,
		store:   st,
		ingress: ingress,
		logger:  logger.With("component", "activity_poller"),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried
// after min(2×interval, 5s).
func (p *ActivityPoller) Run(ctx context.Context) {
	p.logger.Info("activity poller starting",
		"wallet", p.wallet,
		"interval", p.cfg.PollInterval,
		"limit", p.cfg.FetchLimit,
	)

	for {
		wait := p.cfg.PollInterval
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("activity poll failed", "error", err)
			wait = 2 * p.cfg.PollInterval
			if wait > maxPollBackoff {
				wait = maxPollBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *ActivityPoller) pollOnce(ctx context.Context) error {
	rows, err := p.fetchActivity(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	fetchedAt := time.Now().UTC()

	checkpoint, found, err := p.store.CheckpointGet(p.cfg.StreamName)
	if err != nil {
		return err
	}
	if !found {
		ev, ok := normalizeActivity(rows[0], p.wallet, fetchedAt)
		if !ok {
			return nil
		}
		if err := p.store.CheckpointSet(p.cfg.StreamName, ev.EventID); err != nil {
			return err
		}
		p.logger.Info("checkpoint anchored, skipping history",
			"stream", p.cfg.StreamName,
			"event_id", ev.EventID,
		)
		return nil
	}

	// Rows arrive newest-first; everything above the checkpoint is new.
	var fresh []types.TradeEvent
	for _, raw := range rows {
		ev, ok := normalizeActivity(raw, p.wallet, fetchedAt)
		if !ok {
			continue
		}
		if ev.EventID == checkpoint {
			break
		}
		fresh = append(fresh, ev)
	}

	// Dispatch oldest-first so downstream sees execution order. The
	// checkpoint advances even when the dedupe set already held the event
	// (the websocket got there first); otherwise the same rows would be
	// rescanned every tick.
	for i := len(fresh) - 1; i >= 0; i-- {
		ev := fresh[i]
		inserted, err := p.store.MarkSeen(types.EventKey{
			EventID:    ev.EventID,
			TxHash:     ev.TxHash,
			Sequence:   ev.Sequence,
			MarketID:   ev.MarketID,
			SeenAtUnix: time.Now().Unix(),
		})
		if err != nil {
			return err
		}
		if inserted {
			ev.ReceivedTS = time.Now().UTC()
			ev.FetchToEmitMs = clampMs(ev.ReceivedTS.Sub(fetchedAt))
			ev.PollCycleMs = float64(p.cfg.PollInterval) / float64(time.Millisecond)
			p.ingress.Publish(ev)
		}
		if err := p.store.CheckpointSet(p.cfg.StreamName, ev.EventID); err != nil {
			return err
		}
	}
	return nil
}

func (p *ActivityPoller) fetchActivity(ctx context.Context) ([]map[string]any, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  p.wallet,
			"type":  "TRADE",
			"limit": strconv.Itoa(p.cfg.FetchLimit),
		}).
		Get("/activity")
	if err != nil {
		return nil, fmt.Errorf("fetch activity: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch activity: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decodeActivityRows(resp.Body())
}

// decodeActivityRows accepts both envelope shapes the API serves: a bare
// array, or an object with the array under "data".
func decodeActivityRows(body []byte) ([]map[string]any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}

	var list []any
	switch v := payload.(type) {
	case []any:
		list = v
	case map[string]any:
		if inner, ok := v["data"].([]any); ok {
			list = inner
		}
	}

	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			rows = append(rows, obj)
		}
	}
	return rows, nil
}
