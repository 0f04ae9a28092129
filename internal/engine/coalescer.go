package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

// Coalescer groups source fills into buckets keyed by market, window, and
// outcome, and converts each bucket into at most one net execution intent
// once the bucket has aged past the quiet period. A burst of same-direction
// fills becomes one order; an exact buy/sell cancellation becomes nothing.
//
// In fill_by_fill mode every event gets its own bucket with no quiet
// period, so each source fill mirrors one-to-one through the same flush
// path.
//
// The orchestrator owns the clock: it calls Add on arrival and Flush on its
// tick, so no locking happens here.
type Coalescer struct {
	quiet       time.Duration
	netOpposite bool
	perFill     bool
	slippageBps int
	buckets     map[string]*bucket
	logger      *slog.Logger
}

type bucket struct {
	firstSeen time.Time
	events    []types.TradeEvent
}

// NewCoalescer creates a coalescer from the copy/execution config.
func NewCoalescer(cfg config.Config, logger *slog.Logger) *Coalescer {
	perFill := cfg.Copy.Mode == "fill_by_fill"
	quiet := time.Duration(cfg.Copy.CoalesceMs) * time.Millisecond
	if perFill {
		quiet = 0
	}
	return &Coalescer{
		quiet:       quiet,
		netOpposite: cfg.Copy.NetOppositeTrades,
		perFill:     perFill,
		slippageBps: cfg.Execution.MaxSlippageBps,
		buckets:     make(map[string]*bucket),
		logger:      logger.With("component", "coalescer"),
	}
}

// Add places an event into its bucket, opening the bucket stamped at now
// for the first event of a key.
func (c *Coalescer) Add(ev types.TradeEvent, now time.Time) {
	key := c.bucketKey(&ev)
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{firstSeen: now}
		c.buckets[key] = b
	}
	b.events = append(b.events, ev)
}

// Pending reports the number of open buckets.
func (c *Coalescer) Pending() int {
	return len(c.buckets)
}

// Flush takes every bucket whose quiet period has elapsed and converts it to
// an intent. Keys flush in sorted order so multi-bucket ticks are
// deterministic. The second return lists the event ids of buckets that
// netted to zero, so the caller can release their correlation state.
func (c *Coalescer) Flush(now time.Time) ([]types.ExecutionIntent, []string) {
	var expired []string
	for key, b := range c.buckets {
		if now.Sub(b.firstSeen) >= c.quiet {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)

	var intents []types.ExecutionIntent
	var netted []string
	for _, key := range expired {
		b := c.buckets[key]
		delete(c.buckets, key)
		if intent, ok := c.buildIntent(b.events, now); ok {
			intents = append(intents, intent)
		} else {
			c.logger.Debug("bucket netted to zero", "key", key, "events", len(b.events))
			for i := range b.events {
				netted = append(netted, b.events[i].EventID)
			}
		}
	}
	return intents, netted
}

// bucketKey is market:window:outcome, with the side appended when opposite
// trades are kept separate instead of netted, and the event id appended in
// fill_by_fill mode so nothing ever shares a bucket.
func (c *Coalescer) bucketKey(ev *types.TradeEvent) string {
	key := ev.MarketID + ":" + ev.WindowID() + ":" + ev.Outcome
	if !c.netOpposite {
		key += ":" + string(ev.Side)
	}
	if c.perFill {
		key += ":" + ev.EventID
	}
	return key
}

func (c *Coalescer) buildIntent(events []types.TradeEvent, now time.Time) (types.ExecutionIntent, bool) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ExecutedTS.Before(events[j].ExecutedTS)
	})

	net := decimal.Zero
	abs := decimal.Zero
	ids := make([]string, len(events))
	firstReceived := events[0].ReceivedTS
	for i := range events {
		ev := &events[i]
		net = net.Add(ev.Side.Sign().Mul(ev.NotionalUSD))
		abs = abs.Add(ev.NotionalUSD.Abs())
		ids[i] = ev.EventID
		if ev.ReceivedTS.Before(firstReceived) {
			firstReceived = ev.ReceivedTS
		}
	}

	side := types.BUY
	target := net.Abs()
	if c.netOpposite {
		if net.IsZero() {
			return types.ExecutionIntent{}, false
		}
		if net.IsNegative() {
			side = types.SELL
		}
	} else {
		side = events[0].Side
		target = abs
	}

	last := &events[len(events)-1]
	intent := types.ExecutionIntent{
		MarketID:          events[0].MarketID,
		MarketSlug:        events[0].MarketSlug,
		Outcome:           events[0].Outcome,
		Side:              side,
		TargetNotionalUSD: target,
		MaxSlippageBps:    c.slippageBps,
		CoalescedEventIDs: ids,
		WindowID:          events[0].WindowID(),
		CreatedTS:         now,

		Window:               last.Window,
		SourceNetNotionalUSD: net,
		SourceAbsNotionalUSD: abs,
		SourcePrice:          last.Price,
		LastExecutedTS:       last.ExecutedTS,
		FirstReceivedTS:      firstReceived,
		EventCount:           len(events),
	}
	intent.IntentID = intentID(&intent)
	return intent, true
}

// intentID derives a stable id from the intent's identity payload, so the
// same coalesced group always produces the same id.
func intentID(intent *types.ExecutionIntent) string {
	sum := sha256.Sum256([]byte(intent.CanonicalString()))
	return "in-" + hex.EncodeToString(sum[:])[:16]
}
