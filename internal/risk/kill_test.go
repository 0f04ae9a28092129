package risk

import (
	"testing"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

func testAutoKillConfig() config.AutoKillConfig {
	return config.AutoKillConfig{
		MaxErrorRate:                 0.2,
		MaxP95LatencyMs:              1200,
		RecoverMaxErrorRate:          0.1,
		RecoverMaxP95LatencyMs:       800,
		RecoveryConsecutiveSnapshots: 2,
	}
}

func newTestGuard() (*AutoKillGuard, *KillSwitch) {
	kill := NewKillSwitch(testLogger())
	return NewAutoKillGuard(testAutoKillConfig(), kill, testLogger()), kill
}

func TestKillSwitchManualActivate(t *testing.T) {
	t.Parallel()
	kill := NewKillSwitch(testLogger())

	if active, _ := kill.State(); active {
		t.Fatal("fresh switch should be inactive")
	}

	kill.Activate("manual_operator_stop")

	active, reason := kill.State()
	if !active {
		t.Error("switch should be active after Activate")
	}
	if reason != "manual_operator_stop" {
		t.Errorf("reason = %q, want manual_operator_stop", reason)
	}

	kill.Deactivate()
	if active, reason := kill.State(); active || reason != "" {
		t.Errorf("after Deactivate: active=%v reason=%q, want inactive with empty reason", active, reason)
	}
}

func TestGuardTripsOnErrorRate(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	guard.Evaluate(0.25, 100) // err 0.25 > 0.2

	active, reason := kill.State()
	if !active {
		t.Fatal("guard should trip on error rate")
	}
	if reason != types.KillReasonErrorRate {
		t.Errorf("reason = %q, want %q", reason, types.KillReasonErrorRate)
	}
}

func TestGuardErrorRateCheckedBeforeLatency(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	// Both thresholds breached; error rate wins.
	guard.Evaluate(0.5, 5000)

	if _, reason := kill.State(); reason != types.KillReasonErrorRate {
		t.Errorf("reason = %q, want %q", reason, types.KillReasonErrorRate)
	}
}

func TestGuardHysteresisRecovery(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	guard.Evaluate(0, 1500) // p95 1500 > 1200
	active, reason := kill.State()
	if !active || reason != types.KillReasonLatency {
		t.Fatalf("after trip: active=%v reason=%q, want active/%s", active, reason, types.KillReasonLatency)
	}

	guard.Evaluate(0.05, 700) // healthy, streak 1 of 2
	if active, _ := kill.State(); !active {
		t.Fatal("one healthy reading should not deactivate")
	}

	guard.Evaluate(0.05, 700) // streak 2 of 2
	if active, _ := kill.State(); active {
		t.Error("two consecutive healthy readings should deactivate")
	}
}

func TestGuardGrayZoneReadingResetsStreak(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	guard.Evaluate(0, 1500)   // trip
	guard.Evaluate(0.05, 700) // streak 1
	guard.Evaluate(0, 900)    // 900 is below trip (1200) but above recover (800)
	guard.Evaluate(0.05, 700) // streak restarts at 1

	if active, _ := kill.State(); !active {
		t.Fatal("gray-zone reading should have reset the streak")
	}

	guard.Evaluate(0.05, 700) // streak 2
	if active, _ := kill.State(); active {
		t.Error("switch should deactivate once the streak completes")
	}
}

func TestGuardReTripResetsStreak(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	guard.Evaluate(0, 1500)   // trip: latency
	guard.Evaluate(0.05, 700) // streak 1
	guard.Evaluate(0.3, 100)  // re-trip: error rate, streak back to 0

	if _, reason := kill.State(); reason != types.KillReasonErrorRate {
		t.Fatalf("re-trip should update reason, got %q", reason)
	}

	guard.Evaluate(0.05, 700)
	if active, _ := kill.State(); !active {
		t.Error("single healthy reading after re-trip should not deactivate")
	}
	guard.Evaluate(0.05, 700)
	if active, _ := kill.State(); active {
		t.Error("streak should complete after two fresh healthy readings")
	}
}

func TestGuardHealthyWhileInactiveStaysInactive(t *testing.T) {
	t.Parallel()
	guard, kill := newTestGuard()

	guard.Evaluate(0.01, 200)
	guard.Evaluate(0.02, 300)

	if active, _ := kill.State(); active {
		t.Error("healthy readings should never activate the switch")
	}
}
