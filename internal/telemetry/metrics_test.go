package telemetry

import (
	"testing"
	"time"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

func TestCollectorStageDelays(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	c.RecordEventReceive("corr-1", base)
	c.RecordDecision("corr-1", base.Add(40*time.Millisecond))
	c.RecordOrderSubmit("corr-1", base.Add(120*time.Millisecond))
	c.RecordAck("corr-1", base.Add(300*time.Millisecond), true, "")

	snap := c.Snapshot()
	if snap.SourceFills != 1 || snap.DestinationOrders != 1 || snap.Submissions != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1",
			snap.SourceFills, snap.DestinationOrders, snap.Submissions)
	}
	if snap.DecisionDelayMs == nil || snap.DecisionDelayMs.P50 != 40 {
		t.Errorf("decision delay = %+v, want p50 40", snap.DecisionDelayMs)
	}
	if snap.CopyDelayMs == nil || snap.CopyDelayMs.P50 != 120 {
		t.Errorf("copy delay = %+v, want p50 120", snap.CopyDelayMs)
	}
	if snap.SubmitToAckMs == nil || snap.SubmitToAckMs.P50 != 180 {
		t.Errorf("submit-to-ack = %+v, want p50 180", snap.SubmitToAckMs)
	}
	if snap.RejectRate != 0 {
		t.Errorf("reject rate = %v, want 0", snap.RejectRate)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	// 101 copy delays of 0..100ms: index round(p/100 × 100) lands on the
	// percentile value itself.
	for i := 0; i <= 100; i++ {
		id := "corr-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		c.RecordEventReceive(id, base)
		c.RecordOrderSubmit(id, base.Add(time.Duration(i)*time.Millisecond))
	}

	snap := c.Snapshot()
	if snap.CopyDelayMs == nil {
		t.Fatal("expected copy delay summary")
	}
	if got := snap.CopyDelayMs.P50; got != 50 {
		t.Errorf("p50 = %v, want 50", got)
	}
	if got := snap.CopyDelayMs.P95; got != 95 {
		t.Errorf("p95 = %v, want 95", got)
	}
	if got := snap.CopyDelayMs.P99; got != 99 {
		t.Errorf("p99 = %v, want 99", got)
	}
}

func TestPercentileSingleSample(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	c.RecordEventReceive("corr-1", base)
	c.RecordOrderSubmit("corr-1", base.Add(77*time.Millisecond))

	snap := c.Snapshot()
	if snap.CopyDelayMs.P50 != 77 || snap.CopyDelayMs.P95 != 77 || snap.CopyDelayMs.P99 != 77 {
		t.Errorf("single-sample summary = %+v, want all 77", snap.CopyDelayMs)
	}
}

func TestSnapshotWindowResets(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	c.RecordEventReceive("corr-1", base)
	c.RecordOrderSubmit("corr-1", base.Add(100*time.Millisecond))

	win := c.SnapshotWindow()
	if win.CopyDelayMs == nil || win.CopyDelayMs.P95 != 100 {
		t.Fatalf("first window = %+v, want p95 100", win.CopyDelayMs)
	}

	// Fresh window only sees the new sample.
	c.RecordEventReceive("corr-2", base)
	c.RecordOrderSubmit("corr-2", base.Add(500*time.Millisecond))

	win = c.SnapshotWindow()
	if win.CopyDelayMs == nil || win.CopyDelayMs.P50 != 500 {
		t.Errorf("second window = %+v, want p50 500 only", win.CopyDelayMs)
	}
	if win.SourceFills != 1 {
		t.Errorf("window fills = %d, want 1", win.SourceFills)
	}

	// Cumulative view still carries both.
	if snap := c.Snapshot(); snap.SourceFills != 2 {
		t.Errorf("cumulative fills = %d, want 2", snap.SourceFills)
	}
}

func TestRejectRateExcludesMinSize(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	c.RecordEventReceive("corr-1", base)
	c.RecordOrderSubmit("corr-1", base)
	c.RecordAck("corr-1", base, false, "provider_rejected")

	c.RecordEventReceive("corr-2", base)
	c.RecordOrderSubmit("corr-2", base)
	c.RecordAck("corr-2", base, true, "")

	before := c.Snapshot().RejectRate
	if before != 0.5 {
		t.Fatalf("reject rate = %v, want 0.5", before)
	}

	// A below-minimum reject moves neither side of the rate.
	c.RecordEventReceive("corr-3", base)
	c.RecordOrderSubmit("corr-3", base)
	c.RecordAck("corr-3", base, false, types.ErrCodeMinSize)

	after := c.Snapshot()
	if after.RejectRate != before {
		t.Errorf("reject rate after min_size = %v, want %v unchanged", after.RejectRate, before)
	}
	if after.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", after.Rejections)
	}
	if after.Submissions != 3 {
		t.Errorf("submissions = %d, want 3", after.Submissions)
	}
}

func TestCoalescingEfficiency(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	if eff := c.Snapshot().CoalescingEfficiency; eff != nil {
		t.Errorf("efficiency with no orders = %v, want nil", *eff)
	}

	c.RecordEventReceive("corr-1", base)
	c.RecordEventReceive("corr-2", base)
	c.RecordEventReceive("corr-3", base)
	c.RecordOrderSubmit("corr-3", base)

	snap := c.Snapshot()
	if snap.CoalescingEfficiency == nil || *snap.CoalescingEfficiency != 3 {
		t.Errorf("efficiency = %v, want 3", snap.CoalescingEfficiency)
	}
}

func TestRecordBlockedCountsByReason(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	base := time.UnixMilli(1_700_000_000_000)

	c.RecordEventReceive("corr-1", base)
	c.RecordBlocked("corr-1", types.BlockSourceStale)
	c.RecordEventReceive("corr-2", base)
	c.RecordBlocked("corr-2", types.BlockSourceStale)
	c.RecordEventReceive("corr-3", base)
	c.RecordBlocked("corr-3", types.BlockWindowCap)

	snap := c.Snapshot()
	if snap.BlockedByReason[types.BlockSourceStale] != 2 {
		t.Errorf("stale blocks = %d, want 2", snap.BlockedByReason[types.BlockSourceStale])
	}
	if snap.BlockedByReason[types.BlockWindowCap] != 1 {
		t.Errorf("window-cap blocks = %d, want 1", snap.BlockedByReason[types.BlockWindowCap])
	}
}

func TestWSDisconnectSeconds(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.SetWSConnected(true)
	if s := c.WSDisconnectSeconds(time.Now()); s != 0 {
		t.Errorf("disconnect while connected = %v, want 0", s)
	}

	c.SetWSConnected(false)
	if s := c.WSDisconnectSeconds(time.Now().Add(42 * time.Second)); s < 41 {
		t.Errorf("disconnect seconds = %v, want ≥ 41", s)
	}
}

func TestAlertEvaluator(t *testing.T) {
	t.Parallel()
	eval := NewAlertEvaluator(config.TelemetryConfig{
		MaxWSDisconnectS:  20,
		MaxRejectRate:     0.1,
		MaxP95CopyDelayMs: 800,
	})

	tests := []struct {
		name   string
		snap   DashboardSnapshot
		wsDown float64
		want   AlertState
	}{
		{
			name: "all healthy",
			snap: DashboardSnapshot{RejectRate: 0.05, CopyDelayMs: &PercentileSummary{P95: 300}},
			want: AlertState{},
		},
		{
			name:   "ws down too long",
			snap:   DashboardSnapshot{},
			wsDown: 25,
			want:   AlertState{WebsocketDisconnectBreach: true},
		},
		{
			name: "reject spike",
			snap: DashboardSnapshot{RejectRate: 0.5},
			want: AlertState{RejectSpikeBreach: true},
		},
		{
			name: "latency breach",
			snap: DashboardSnapshot{CopyDelayMs: &PercentileSummary{P95: 1500}},
			want: AlertState{P95LatencyBreach: true},
		},
		{
			name: "no samples means no latency breach",
			snap: DashboardSnapshot{},
			want: AlertState{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := eval.Evaluate(tt.snap, tt.wsDown); got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
