// Package risk enforces the notional budgets and operates the kill switch.
//
// Tracker meters traded volume against three caps: per 15-minute window,
// per market, and per UTC day. These are trade-volume budgets, not exposure:
// committed notional never decreases, and a blocked intent commits nothing.
// KillSwitch and AutoKillGuard gate execution on operational health.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

// Tracker meters intent notional against the window, market, and daily caps.
type Tracker struct {
	cfg    config.SizingConfig
	logger *slog.Logger

	mu             sync.Mutex
	windowNotional map[string]decimal.Decimal
	marketNotional map[string]decimal.Decimal
	dailyNotional  decimal.Decimal
	day            string // UTC date the daily counter belongs to
}

// NewTracker creates a tracker with all counters at zero.
func NewTracker(cfg config.SizingConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:            cfg,
		logger:         logger.With("component", "risk"),
		windowNotional: make(map[string]decimal.Decimal),
		marketNotional: make(map[string]decimal.Decimal),
	}
}

// CheckAndApply evaluates an intent against the caps in fixed order:
// window, then market, then daily. A breach blocks without committing
// anything; otherwise all three counters admit the target notional and the
// returned snapshot reflects the post-admission totals.
func (t *Tracker) CheckAndApply(intent *types.ExecutionIntent, now time.Time) types.RiskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDay(now)

	wKey := t.windowKey(intent, now)
	target := intent.TargetNotionalUSD

	window := t.windowNotional[wKey]
	market := t.marketNotional[intent.MarketID]

	if window.Add(target).GreaterThan(decimal.NewFromFloat(t.cfg.MaxTotalNotionalPer15mWindowUSD)) {
		return t.blockedSnapshot(intent.MarketID, window, market, types.BlockWindowCap)
	}
	if market.Add(target).GreaterThan(decimal.NewFromFloat(t.cfg.MaxNotionalPerMarketUSD)) {
		return t.blockedSnapshot(intent.MarketID, window, market, types.BlockMarketCap)
	}
	if t.dailyNotional.Add(target).GreaterThan(decimal.NewFromFloat(t.cfg.MaxDailyTradedVolumeUSD)) {
		return t.blockedSnapshot(intent.MarketID, window, market, types.BlockDailyCap)
	}

	t.windowNotional[wKey] = window.Add(target)
	t.marketNotional[intent.MarketID] = market.Add(target)
	t.dailyNotional = t.dailyNotional.Add(target)

	return types.RiskSnapshot{
		TotalNotionalTodayUSD:  t.dailyNotional,
		TotalNotionalWindowUSD: t.windowNotional[wKey],
		MarketExposureUSD: map[string]decimal.Decimal{
			intent.MarketID: t.marketNotional[intent.MarketID],
		},
	}
}

func (t *Tracker) blockedSnapshot(marketID string, window, market decimal.Decimal, reason string) types.RiskSnapshot {
	return types.RiskSnapshot{
		TotalNotionalTodayUSD:  t.dailyNotional,
		TotalNotionalWindowUSD: window,
		MarketExposureUSD:      map[string]decimal.Decimal{marketID: market},
		Blocked:                true,
		BlockedReason:          reason,
	}
}

// windowKey buckets the intent for the window cap. Intents from window
// markets use the market's own window id; everything else shares a rolling
// 15-minute UTC bucket so the budget still turns over.
func (t *Tracker) windowKey(intent *types.ExecutionIntent, now time.Time) string {
	if intent.WindowID != "" && intent.WindowID != "na" {
		return intent.WindowID
	}
	return "na:" + now.UTC().Truncate(15*time.Minute).Format("20060102T1504")
}

// rollDay resets the daily counter at UTC midnight and prunes finished
// window buckets. Market totals never reset.
func (t *Tracker) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if t.day == "" {
		t.day = day
		return
	}
	if day == t.day {
		return
	}

	t.logger.Info("daily budget reset",
		"previous_day", t.day,
		"traded_usd", t.dailyNotional,
	)
	t.day = day
	t.dailyNotional = decimal.Zero
	t.windowNotional = make(map[string]decimal.Decimal)
}
