// Package policy applies the pre-trade guards and sizing rules that turn a
// coalesced intent into an order-ready intent, or block it with a reason.
//
// Guard order is fixed: near-expiry first (a window about to resolve is
// untradeable regardless of size), then source staleness, then sizing, then
// the minimum-notional check on the sized result. Blocked reasons are the
// exact strings the audit trail and metrics count on.
package policy

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

// Policy holds the sizing and execution knobs the guards read.
type Policy struct {
	sizing    config.SizingConfig
	execution config.ExecutionConfig
	logger    *slog.Logger
}

// New creates a policy from config.
func New(cfg config.Config, logger *slog.Logger) *Policy {
	return &Policy{
		sizing:    cfg.Sizing,
		execution: cfg.Execution,
		logger:    logger.With("component", "policy"),
	}
}

// Apply runs the guards against an intent. On pass it returns a copy with
// target_notional_usd replaced by the sized value and an empty reason; on
// block the returned intent is zero and the reason names the guard.
func (p *Policy) Apply(intent types.ExecutionIntent, now time.Time) (types.ExecutionIntent, string) {
	if p.nearExpiry(intent.Window, now) {
		return types.ExecutionIntent{}, types.BlockNearExpiry
	}

	staleness := now.Sub(intent.LastExecutedTS)
	if staleness > time.Duration(p.execution.MaxSourceStalenessMs)*time.Millisecond {
		p.logger.Debug("source stale",
			"intent", intent.IntentID,
			"staleness_ms", staleness.Milliseconds(),
		)
		return types.ExecutionIntent{}, types.BlockSourceStale
	}

	sized := p.sizeNotional(intent.TargetNotionalUSD)
	if sized.LessThan(decimal.NewFromFloat(p.sizing.MinOrderNotionalUSD)) {
		return types.ExecutionIntent{}, types.BlockBelowMin
	}

	out := intent
	out.TargetNotionalUSD = sized
	out.MaxSlippageBps = p.execution.MaxSlippageBps
	return out, ""
}

// sizeNotional maps the source notional through the configured mode. The
// per-order cap applies after scaling in every mode, which also makes
// proportional and capped_proportional equivalent.
func (p *Policy) sizeNotional(source decimal.Decimal) decimal.Decimal {
	var sized decimal.Decimal
	if p.sizing.Mode == "fixed" {
		sized = decimal.NewFromFloat(p.sizing.FixedOrderNotionalUSD)
	} else {
		sized = source.Mul(decimal.NewFromFloat(p.sizing.SizeMultiplier))
	}

	perOrderCap := decimal.NewFromFloat(p.sizing.MaxNotionalPerOrderUSD)
	if sized.GreaterThan(perOrderCap) {
		sized = perOrderCap
	}
	return sized
}

func (p *Policy) nearExpiry(window *types.MarketWindow, now time.Time) bool {
	if window == nil {
		return false
	}
	remaining := window.EndTS.Sub(now)
	return remaining <= time.Duration(p.execution.NearExpiryCutoffSeconds)*time.Second
}
