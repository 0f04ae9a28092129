// Package watcher ingests the watched wallet's fills from two independent
// sources and feeds them to the engine as normalized TradeEvents.
//
// Two producers run concurrently:
//
//   - ActivityPoller: polls the data API activity feed (REST) on a short
//     interval, with a durable checkpoint so restarts do not replay history.
//
//   - TradeFeed: subscribes to the CLOB market websocket for the asset ids
//     the wallet trades, for lower-latency delivery of the same fills.
//
// Both producers push every event through the shared dedupe set before
// publishing, so the engine sees each fill exactly once regardless of which
// source won the race. Events are handed off through a bounded Ingress
// queue; a full queue drops the event after a bounded wait rather than
// stalling intake.
package watcher

import (
	"log/slog"
	"time"

	"coinbot/pkg/types"
)

// publishWait bounds how long a producer blocks on a full ingress queue
// before dropping the event. Intake latency matters more than completeness
// here; a queue that stays full for a second means the engine is wedged.
const publishWait = time.Second

// Ingress is the bounded handoff between intake producers and the engine.
type Ingress struct {
	ch     chan types.TradeEvent
	logger *slog.Logger
}

// NewIngress creates an ingress queue with the given capacity.
func NewIngress(size int, logger *slog.Logger) *Ingress {
	return &Ingress{
		ch:     make(chan types.TradeEvent, size),
		logger: logger.With("component", "ingress"),
	}
}

// Events returns the channel the engine consumes.
func (q *Ingress) Events() <-chan types.TradeEvent {
	return q.ch
}

// Publish enqueues an event, waiting up to publishWait when the queue is
// full, then dropping with a warning.
func (q *Ingress) Publish(ev types.TradeEvent) {
	select {
	case q.ch <- ev:
		return
	default:
	}

	timer := time.NewTimer(publishWait)
	defer timer.Stop()
	select {
	case q.ch <- ev:
	case <-timer.C:
		q.logger.Warn("ingress queue full, dropping event",
			"event_id", ev.EventID,
			"market", ev.MarketID,
			"source", ev.SourcePath,
		)
	}
}

// Len reports the queue depth, for telemetry.
func (q *Ingress) Len() int {
	return len(q.ch)
}
