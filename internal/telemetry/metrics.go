// Package telemetry measures the pipeline and persists its audit trails.
//
// The Collector keys stage timestamps by correlation id and aggregates them
// into delay percentiles and throughput counters. Sinks append JSONL rows
// (copy audit, shadow decisions) and periodic CSV/JSONL snapshots under the
// telemetry output directory.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	"coinbot/pkg/types"
)

// stageTimes holds the epoch-millisecond stage stamps for one correlation.
// Zero means the stage has not been reached.
type stageTimes struct {
	eventReceiveMs int64
	decisionMs     int64
	orderSubmitMs  int64
	ackMs          int64
}

// PercentileSummary is a nearest-rank p50/p95/p99 over one delay series.
type PercentileSummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// DashboardSnapshot is the aggregated view served to the dashboard and the
// auto-kill guard. Percentile fields are nil until a sample exists;
// CoalescingEfficiency is nil until an order has been placed.
type DashboardSnapshot struct {
	CopyDelayMs          *PercentileSummary `json:"copy_delay_ms,omitempty"`
	DecisionDelayMs      *PercentileSummary `json:"decision_delay_ms,omitempty"`
	SubmitToAckMs        *PercentileSummary `json:"submit_to_ack_ms,omitempty"`
	SourceFills          int                `json:"source_fills"`
	DestinationOrders    int                `json:"destination_orders"`
	Submissions          int                `json:"submissions"`
	Rejections           int                `json:"rejections"`
	BlockedByReason      map[string]int     `json:"blocked_by_reason,omitempty"`
	CoalescingEfficiency *float64           `json:"coalescing_efficiency,omitempty"`
	RejectRate           float64            `json:"reject_rate"`
}

// series is one accumulation scope: the collector keeps a cumulative one
// for the lifetime view and a window one that SnapshotWindow drains.
type series struct {
	copyDelays     []float64
	decisionDelays []float64
	submitToAck    []float64

	sourceFills       int
	destinationOrders int
	submissions       int
	rejections        int
	minSizeRejects    int
	blockedByReason   map[string]int
}

func newSeries() *series {
	return &series{blockedByReason: make(map[string]int)}
}

func (s *series) snapshot() DashboardSnapshot {
	snap := DashboardSnapshot{
		CopyDelayMs:       summarize(s.copyDelays),
		DecisionDelayMs:   summarize(s.decisionDelays),
		SubmitToAckMs:     summarize(s.submitToAck),
		SourceFills:       s.sourceFills,
		DestinationOrders: s.destinationOrders,
		Submissions:       s.submissions,
		Rejections:        s.rejections,
	}
	if len(s.blockedByReason) > 0 {
		snap.BlockedByReason = make(map[string]int, len(s.blockedByReason))
		for reason, n := range s.blockedByReason {
			snap.BlockedByReason[reason] = n
		}
	}
	if s.destinationOrders > 0 {
		eff := float64(s.sourceFills) / float64(s.destinationOrders)
		snap.CoalescingEfficiency = &eff
	}
	// Below-minimum rejects drop out of both sides so benign venue
	// rejections cannot move the rate.
	if rated := s.submissions - s.minSizeRejects; rated > 0 {
		snap.RejectRate = float64(s.rejections) / float64(rated)
	}
	return snap
}

// Collector records stage timestamps per correlation id and rolls them up
// into dashboard snapshots. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	stages map[string]*stageTimes
	total  *series
	window *series

	wsConnected      bool
	wsDisconnectedAt time.Time
}

// NewCollector returns an empty collector. The websocket is considered
// disconnected from construction until SetWSConnected(true).
func NewCollector() *Collector {
	return &Collector{
		stages:           make(map[string]*stageTimes),
		total:            newSeries(),
		window:           newSeries(),
		wsDisconnectedAt: time.Now(),
	}
}

// RecordEventReceive stamps the intake stage and counts a source fill.
func (c *Collector) RecordEventReceive(correlationID string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stage(correlationID).eventReceiveMs = ts.UnixMilli()
	c.total.sourceFills++
	c.window.sourceFills++
}

// RecordDecision stamps the decision stage and derives the decision delay.
func (c *Collector) RecordDecision(correlationID string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stage := c.stage(correlationID)
	stage.decisionMs = ts.UnixMilli()
	if stage.eventReceiveMs != 0 {
		delay := float64(stage.decisionMs - stage.eventReceiveMs)
		c.total.decisionDelays = append(c.total.decisionDelays, delay)
		c.window.decisionDelays = append(c.window.decisionDelays, delay)
	}
}

// RecordOrderSubmit stamps the submit stage, counts the outgoing order, and
// derives the copy delay.
func (c *Collector) RecordOrderSubmit(correlationID string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stage := c.stage(correlationID)
	stage.orderSubmitMs = ts.UnixMilli()
	c.total.destinationOrders++
	c.window.destinationOrders++
	c.total.submissions++
	c.window.submissions++
	if stage.eventReceiveMs != 0 {
		delay := float64(stage.orderSubmitMs - stage.eventReceiveMs)
		c.total.copyDelays = append(c.total.copyDelays, delay)
		c.window.copyDelays = append(c.window.copyDelays, delay)
	}
}

// RecordAck stamps the terminal stage, derives submit-to-ack, and counts the
// rejection unless it was a below-minimum reject. The correlation's stage
// entry is released.
func (c *Collector) RecordAck(correlationID string, ts time.Time, accepted bool, errorCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stage := c.stage(correlationID)
	stage.ackMs = ts.UnixMilli()
	if stage.orderSubmitMs != 0 {
		delay := float64(stage.ackMs - stage.orderSubmitMs)
		c.total.submitToAck = append(c.total.submitToAck, delay)
		c.window.submitToAck = append(c.window.submitToAck, delay)
	}
	if !accepted {
		if errorCode == types.ErrCodeMinSize {
			c.total.minSizeRejects++
			c.window.minSizeRejects++
		} else {
			c.total.rejections++
			c.window.rejections++
		}
	}
	delete(c.stages, correlationID)
}

// RecordBlocked counts a pipeline block and releases the correlation's
// stage entry; a blocked flow never reaches the ack stage.
func (c *Collector) RecordBlocked(correlationID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total.blockedByReason[reason]++
	c.window.blockedByReason[reason]++
	delete(c.stages, correlationID)
}

// Discard releases a correlation's stage entry without counting anything.
// Used for events folded into a coalesced intent whose lead event carries
// the pipeline timing.
func (c *Collector) Discard(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stages, correlationID)
}

// SetWSConnected tracks the trade feed's connection state for the
// disconnect-duration alert.
func (c *Collector) SetWSConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if connected {
		c.wsConnected = true
		return
	}
	if c.wsConnected {
		c.wsDisconnectedAt = time.Now()
	}
	c.wsConnected = false
}

// WSDisconnectSeconds reports how long the trade feed has been down,
// zero while connected.
func (c *Collector) WSDisconnectSeconds(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsConnected {
		return 0
	}
	return now.Sub(c.wsDisconnectedAt).Seconds()
}

// Snapshot returns the cumulative view since process start.
func (c *Collector) Snapshot() DashboardSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total.snapshot()
}

// SnapshotWindow returns the view since the previous SnapshotWindow call
// and resets the window.
func (c *Collector) SnapshotWindow() DashboardSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.window.snapshot()
	c.window = newSeries()
	return snap
}

func (c *Collector) stage(correlationID string) *stageTimes {
	st, ok := c.stages[correlationID]
	if !ok {
		st = &stageTimes{}
		c.stages[correlationID] = st
	}
	return st
}

func summarize(values []float64) *PercentileSummary {
	if len(values) == 0 {
		return nil
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	return &PercentileSummary{
		P50: percentile(ordered, 50),
		P95: percentile(ordered, 95),
		P99: percentile(ordered, 99),
	}
}

// percentile is nearest-rank: index round(p/100 × (n−1)) into the sorted
// series.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(math.Round(p / 100 * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
