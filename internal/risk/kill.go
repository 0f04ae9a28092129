package risk

import (
	"log/slog"
	"sync"
	"time"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

// KillSwitch is the binary execution gate. While active, every intent is
// blocked with the switch's current reason.
type KillSwitch struct {
	logger *slog.Logger

	mu          sync.Mutex
	active      bool
	reason      string
	activatedAt time.Time
}

// NewKillSwitch returns an inactive switch.
func NewKillSwitch(logger *slog.Logger) *KillSwitch {
	return &KillSwitch{logger: logger.With("component", "kill_switch")}
}

// Activate trips the switch. Re-activating while already tripped updates
// the reason without logging again.
func (k *KillSwitch) Activate(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active {
		k.reason = reason
		return
	}
	k.active = true
	k.reason = reason
	k.activatedAt = time.Now()
	k.logger.Error("KILL SWITCH ACTIVATED — blocking all execution", "reason", reason)
}

// Deactivate clears the switch. No-op when already inactive.
func (k *KillSwitch) Deactivate() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.active {
		return
	}
	k.logger.Warn("kill switch deactivated",
		"reason", k.reason,
		"active_for", time.Since(k.activatedAt).Round(time.Second),
	)
	k.active = false
	k.reason = ""
}

// State reports whether the switch is tripped and why.
func (k *KillSwitch) State() (bool, string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active, k.reason
}

// AutoKillGuard drives the switch from telemetry snapshots with hysteresis:
// one bad reading trips it, deactivation needs recovery_consecutive_snapshots
// healthy readings in a row below the (stricter) recover thresholds.
type AutoKillGuard struct {
	cfg    config.AutoKillConfig
	kill   *KillSwitch
	logger *slog.Logger

	mu     sync.Mutex
	streak int
}

// NewAutoKillGuard wires the guard to an existing switch.
func NewAutoKillGuard(cfg config.AutoKillConfig, kill *KillSwitch, logger *slog.Logger) *AutoKillGuard {
	return &AutoKillGuard{
		cfg:    cfg,
		kill:   kill,
		logger: logger.With("component", "auto_kill"),
	}
}

// Evaluate runs once per telemetry snapshot. Trip thresholds are checked
// first, error rate before latency; any trip resets the healthy streak.
func (g *AutoKillGuard) Evaluate(errorRate, p95LatencyMs float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case errorRate > g.cfg.MaxErrorRate:
		g.streak = 0
		g.kill.Activate(types.KillReasonErrorRate)

	case p95LatencyMs > g.cfg.MaxP95LatencyMs:
		g.streak = 0
		g.kill.Activate(types.KillReasonLatency)

	default:
		active, _ := g.kill.State()
		if !active {
			g.streak = 0
			return
		}
		if errorRate > g.cfg.RecoverMaxErrorRate || p95LatencyMs > g.cfg.RecoverMaxP95LatencyMs {
			// Between the trip and recover thresholds: not bad enough to
			// re-trip, not good enough to count toward recovery.
			g.streak = 0
			return
		}
		g.streak++
		g.logger.Info("healthy reading while tripped",
			"streak", g.streak,
			"need", g.cfg.RecoveryConsecutiveSnapshots,
			"error_rate", errorRate,
			"p95_latency_ms", p95LatencyMs,
		)
		if g.streak >= g.cfg.RecoveryConsecutiveSnapshots {
			g.kill.Deactivate()
			g.streak = 0
		}
	}
}
