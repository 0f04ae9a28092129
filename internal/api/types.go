package api

import (
	"time"

	"coinbot/internal/config"
	"coinbot/internal/pnl"
	"coinbot/internal/telemetry"
)

// StatusSnapshot is the complete dashboard state: pipeline metrics, PnL,
// alert and kill-switch status, and the operator-relevant config. Served by
// /api/snapshot and pushed to WebSocket clients on connect and on every
// telemetry cycle.
type StatusSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	DryRun        bool      `json:"dry_run"`
	SourceWallet  string    `json:"source_wallet"`

	Metrics             telemetry.DashboardSnapshot `json:"metrics"`
	PnL                 pnl.Snapshot                `json:"pnl"`
	Alerts              telemetry.AlertState        `json:"alerts"`
	Kill                KillStatus                  `json:"kill"`
	OpenOrders          int                         `json:"open_orders"`
	WSDisconnectSeconds float64                     `json:"ws_disconnect_seconds"`

	Config ConfigSummary `json:"config"`
}

// KillStatus reports the kill switch.
type KillStatus struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// ConfigSummary is the slice of the running config shown on the dashboard.
// Credentials never appear here.
type ConfigSummary struct {
	// Copy parameters
	CopyMode          string `json:"copy_mode"`
	CoalesceMs        int    `json:"coalesce_ms"`
	NetOppositeTrades bool   `json:"net_opposite_trades"`

	// Sizing parameters
	SizingMode                      string  `json:"sizing_mode"`
	FixedOrderNotionalUSD           float64 `json:"fixed_order_notional_usd"`
	SizeMultiplier                  float64 `json:"size_multiplier"`
	MinOrderNotionalUSD             float64 `json:"min_order_notional_usd"`
	MaxNotionalPerOrderUSD          float64 `json:"max_notional_per_order_usd"`
	MaxNotionalPerMarketUSD         float64 `json:"max_notional_per_market_usd"`
	MaxDailyTradedVolumeUSD         float64 `json:"max_daily_traded_volume_usd"`
	MaxTotalNotionalPer15mWindowUSD float64 `json:"max_total_notional_per_15m_window_usd"`

	// Execution parameters
	MaxSlippageBps          int `json:"max_slippage_bps"`
	NearExpiryCutoffSeconds int `json:"near_expiry_cutoff_seconds"`
	MaxSourceStalenessMs    int `json:"max_source_staleness_ms"`
	FeeBps                  int `json:"fee_bps"`

	// Telemetry thresholds
	SnapshotInterval  string  `json:"snapshot_interval"`
	MaxWSDisconnectS  float64 `json:"max_ws_disconnect_s"`
	MaxRejectRate     float64 `json:"max_reject_rate"`
	MaxP95CopyDelayMs float64 `json:"max_p95_copy_delay_ms"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// NewConfigSummary builds the dashboard config view.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		CopyMode:          cfg.Copy.Mode,
		CoalesceMs:        cfg.Copy.CoalesceMs,
		NetOppositeTrades: cfg.Copy.NetOppositeTrades,

		SizingMode:                      cfg.Sizing.Mode,
		FixedOrderNotionalUSD:           cfg.Sizing.FixedOrderNotionalUSD,
		SizeMultiplier:                  cfg.Sizing.SizeMultiplier,
		MinOrderNotionalUSD:             cfg.Sizing.MinOrderNotionalUSD,
		MaxNotionalPerOrderUSD:          cfg.Sizing.MaxNotionalPerOrderUSD,
		MaxNotionalPerMarketUSD:         cfg.Sizing.MaxNotionalPerMarketUSD,
		MaxDailyTradedVolumeUSD:         cfg.Sizing.MaxDailyTradedVolumeUSD,
		MaxTotalNotionalPer15mWindowUSD: cfg.Sizing.MaxTotalNotionalPer15mWindowUSD,

		MaxSlippageBps:          cfg.Execution.MaxSlippageBps,
		NearExpiryCutoffSeconds: cfg.Execution.NearExpiryCutoffSeconds,
		MaxSourceStalenessMs:    cfg.Execution.MaxSourceStalenessMs,
		FeeBps:                  cfg.Execution.FeeBps,

		SnapshotInterval:  cfg.Telemetry.SnapshotInterval.String(),
		MaxWSDisconnectS:  cfg.Telemetry.MaxWSDisconnectS,
		MaxRejectRate:     cfg.Telemetry.MaxRejectRate,
		MaxP95CopyDelayMs: cfg.Telemetry.MaxP95CopyDelayMs,

		DryRun: cfg.Execution.DryRun,
	}
}
