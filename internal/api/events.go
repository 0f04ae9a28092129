package api

import (
	"time"

	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

// DashboardEvent is the wrapper for all events pushed to dashboard clients.
type DashboardEvent struct {
	Type      string    `json:"type"`                // "snapshot", "order", "block", "kill"
	Timestamp time.Time `json:"timestamp"`           // event time
	MarketID  string    `json:"market_id,omitempty"` // empty for global events
	Data      any       `json:"data"`                // event-specific payload
}

// OrderEvent reports one order submission outcome.
type OrderEvent struct {
	CorrelationID string          `json:"correlation_id"`
	ClientOrderID string          `json:"client_order_id"`
	MarketID      string          `json:"market_id"`
	Outcome       string          `json:"outcome"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Status        string          `json:"status"`
	ErrorCode     string          `json:"error_code,omitempty"`
}

// BlockEvent reports one intent stopped by a policy or risk gate.
type BlockEvent struct {
	CorrelationID     string          `json:"correlation_id"`
	MarketID          string          `json:"market_id"`
	WindowID          string          `json:"window_id,omitempty"`
	Reason            string          `json:"reason"`
	TargetNotionalUSD decimal.Decimal `json:"target_notional_usd"`
}

// KillEvent reports a kill-switch transition.
type KillEvent struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// NewOrderEvent builds an order event from a submission result.
func NewOrderEvent(correlationID string, intent *types.ExecutionIntent, sub *types.OrderSubmission) DashboardEvent {
	return DashboardEvent{
		Type:      "order",
		Timestamp: time.Now().UTC(),
		MarketID:  intent.MarketID,
		Data: OrderEvent{
			CorrelationID: correlationID,
			ClientOrderID: sub.ClientOrderID,
			MarketID:      intent.MarketID,
			Outcome:       intent.Outcome,
			Side:          string(intent.Side),
			Price:         sub.Price,
			Size:          sub.Size,
			Status:        sub.Status,
			ErrorCode:     sub.ErrorCode,
		},
	}
}

// NewBlockEvent builds a block event for a gated intent.
func NewBlockEvent(correlationID string, intent *types.ExecutionIntent, reason string) DashboardEvent {
	return DashboardEvent{
		Type:      "block",
		Timestamp: time.Now().UTC(),
		MarketID:  intent.MarketID,
		Data: BlockEvent{
			CorrelationID:     correlationID,
			MarketID:          intent.MarketID,
			WindowID:          intent.WindowID,
			Reason:            reason,
			TargetNotionalUSD: intent.TargetNotionalUSD,
		},
	}
}

// NewKillEvent builds a kill-switch transition event.
func NewKillEvent(active bool, reason string) DashboardEvent {
	return DashboardEvent{
		Type:      "kill",
		Timestamp: time.Now().UTC(),
		Data:      KillEvent{Active: active, Reason: reason},
	}
}

// NewSnapshotEvent wraps a status snapshot for the event stream.
func NewSnapshotEvent(snap StatusSnapshot) DashboardEvent {
	return DashboardEvent{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      snap,
	}
}
