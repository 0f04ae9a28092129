package telemetry

import "coinbot/internal/config"

// AlertState is the set of threshold breaches for one snapshot cycle.
// Alerts are signal only; the auto-kill guard is what acts.
type AlertState struct {
	WebsocketDisconnectBreach bool `json:"websocket_disconnect_breach"`
	RejectSpikeBreach         bool `json:"reject_spike_breach"`
	P95LatencyBreach          bool `json:"p95_latency_breach"`
}

// AlertEvaluator compares snapshots against the configured thresholds.
type AlertEvaluator struct {
	cfg config.TelemetryConfig
}

// NewAlertEvaluator builds an evaluator from the telemetry config.
func NewAlertEvaluator(cfg config.TelemetryConfig) *AlertEvaluator {
	return &AlertEvaluator{cfg: cfg}
}

// Evaluate checks one snapshot plus the current feed downtime.
func (a *AlertEvaluator) Evaluate(snap DashboardSnapshot, wsDisconnectS float64) AlertState {
	var p95 float64
	if snap.CopyDelayMs != nil {
		p95 = snap.CopyDelayMs.P95
	}
	return AlertState{
		WebsocketDisconnectBreach: wsDisconnectS > a.cfg.MaxWSDisconnectS,
		RejectSpikeBreach:         snap.RejectRate > a.cfg.MaxRejectRate,
		P95LatencyBreach:          p95 > a.cfg.MaxP95CopyDelayMs,
	}
}
