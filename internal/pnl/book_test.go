package pnl

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

func newTestBook(feeBps int) *Book {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBook(feeBps, logger)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestApplyFillWeightedAverage(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("10"), dec("0.50"))
	b.ApplyFill("m1", "Up", types.BUY, dec("10"), dec("0.60"))

	pos := b.Position("m1", "Up")
	if !pos.Qty.Equal(dec("20")) {
		t.Errorf("qty = %v, want 20", pos.Qty)
	}
	// (10×0.50 + 10×0.60) / 20 = 0.55
	if !pos.AvgPrice.Equal(dec("0.55")) {
		t.Errorf("avg = %v, want 0.55", pos.AvgPrice)
	}
}

func TestApplyFillRealizesOnClose(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("10"), dec("0.50"))
	b.ApplyFill("m1", "Up", types.SELL, dec("4"), dec("0.70"))

	snap := b.Snapshot()
	// (0.70 − 0.50) × 4 = 0.8
	if !snap.RealizedTradingUSD.Equal(dec("0.8")) {
		t.Errorf("realized trading = %v, want 0.8", snap.RealizedTradingUSD)
	}

	pos := b.Position("m1", "Up")
	if !pos.Qty.Equal(dec("6")) {
		t.Errorf("qty = %v, want 6", pos.Qty)
	}
	if !pos.AvgPrice.Equal(dec("0.50")) {
		t.Errorf("avg = %v, want 0.50 (unchanged on partial close)", pos.AvgPrice)
	}
}

func TestApplyFillFullCloseZeroesAvg(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("5"), dec("0.40"))
	b.ApplyFill("m1", "Up", types.SELL, dec("5"), dec("0.40"))

	pos := b.Position("m1", "Up")
	if !pos.Qty.IsZero() || !pos.AvgPrice.IsZero() {
		t.Errorf("position = %+v, want flat with zero avg", pos)
	}
}

func TestApplyFillResidualFlipsShort(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("5"), dec("0.50"))
	b.ApplyFill("m1", "Up", types.SELL, dec("8"), dec("0.60"))

	// Close 5 at 0.60 realizes (0.60−0.50)×5 = 0.5; residual 3 goes short at 0.60.
	snap := b.Snapshot()
	if !snap.RealizedTradingUSD.Equal(dec("0.5")) {
		t.Errorf("realized trading = %v, want 0.5", snap.RealizedTradingUSD)
	}

	pos := b.Position("m1", "Up")
	if !pos.Qty.Equal(dec("-3")) {
		t.Errorf("qty = %v, want -3", pos.Qty)
	}
	if !pos.AvgPrice.Equal(dec("0.60")) {
		t.Errorf("avg = %v, want 0.60", pos.AvgPrice)
	}
}

func TestApplyFillShortCoverRealizes(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.SELL, dec("6"), dec("0.70"))
	b.ApplyFill("m1", "Up", types.BUY, dec("6"), dec("0.55"))

	// Buying back below the short entry: (0.70 − 0.55) × 6 = 0.9 gain.
	snap := b.Snapshot()
	if !snap.RealizedTradingUSD.Equal(dec("0.9")) {
		t.Errorf("realized trading = %v, want 0.9", snap.RealizedTradingUSD)
	}
	if pos := b.Position("m1", "Up"); !pos.Qty.IsZero() {
		t.Errorf("qty = %v, want flat", pos.Qty)
	}
}

func TestFeesAccrueOnEveryFill(t *testing.T) {
	t.Parallel()
	b := newTestBook(50) // 50 bps

	b.ApplyFill("m1", "Up", types.BUY, dec("10"), dec("0.50"))  // notional 5
	b.ApplyFill("m1", "Up", types.SELL, dec("10"), dec("0.50")) // notional 5

	snap := b.Snapshot()
	// 2 × 5 × 50/10000 = 0.05
	if !snap.FeesUSD.Equal(dec("0.05")) {
		t.Errorf("fees = %v, want 0.05", snap.FeesUSD)
	}
	if !snap.NetUSD.Equal(dec("-0.05")) {
		t.Errorf("net = %v, want -0.05 (fees only)", snap.NetUSD)
	}
}

func TestSettleMarketWinner(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m2", "Down", types.BUY, dec("4"), dec("0.40"))

	n := b.SettleMarket("m2", "Down", nil)
	if n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}

	snap := b.Snapshot()
	// (1 − 0.40) × 4 = 2.4
	if !snap.RealizedSettledUSD.Equal(dec("2.4")) {
		t.Errorf("realized settled = %v, want 2.4", snap.RealizedSettledUSD)
	}
	if !snap.UnrealizedUSD.IsZero() {
		t.Errorf("unrealized = %v, want 0 after settlement", snap.UnrealizedUSD)
	}
	if n := len(b.OpenMarkets()); n != 0 {
		t.Errorf("open markets = %d, want 0", n)
	}
}

func TestSettleMarketLoserGoesToZero(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m2", "Up", types.BUY, dec("10"), dec("0.30"))

	n := b.SettleMarket("m2", "Down", nil)
	if n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}

	snap := b.Snapshot()
	// (0 − 0.30) × 10 = −3
	if !snap.RealizedSettledUSD.Equal(dec("-3")) {
		t.Errorf("realized settled = %v, want -3", snap.RealizedSettledUSD)
	}
}

func TestSettleMarketExplicitPrices(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m3", "Up", types.BUY, dec("10"), dec("0.50"))
	b.ApplyFill("m3", "Down", types.BUY, dec("10"), dec("0.50"))

	n := b.SettleMarket("m3", "", map[string]decimal.Decimal{
		"Up":   dec("1"),
		"Down": dec("0"),
	})
	if n != 2 {
		t.Fatalf("settled = %d, want 2", n)
	}

	snap := b.Snapshot()
	// (1−0.5)×10 + (0−0.5)×10 = 0
	if !snap.RealizedSettledUSD.IsZero() {
		t.Errorf("realized settled = %v, want 0", snap.RealizedSettledUSD)
	}
}

func TestSettleMarketOnlyTouchesThatMarket(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("5"), dec("0.50"))
	b.ApplyFill("m2", "Up", types.BUY, dec("5"), dec("0.50"))

	if n := b.SettleMarket("m1", "Up", nil); n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}

	open := b.OpenMarkets()
	if len(open) != 1 || open[0] != "m2" {
		t.Errorf("open markets = %v, want [m2]", open)
	}
}

func TestSettleMarketWithoutResolutionLeavesOpen(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("5"), dec("0.50"))

	if n := b.SettleMarket("m1", "", nil); n != 0 {
		t.Errorf("settled = %d, want 0 with no winner and no prices", n)
	}
	if len(b.OpenMarkets()) != 1 {
		t.Error("position should remain open")
	}
}

func TestUnrealizedUsesLatestMark(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("m1", "Up", types.BUY, dec("10"), dec("0.50"))

	// No mark yet: unrealized is zero.
	if snap := b.Snapshot(); !snap.UnrealizedUSD.IsZero() {
		t.Errorf("unrealized before mark = %v, want 0", snap.UnrealizedUSD)
	}

	b.SetMark("m1", "Up", dec("0.62"))

	snap := b.Snapshot()
	// (0.62 − 0.50) × 10 = 1.2
	if !snap.UnrealizedUSD.Equal(dec("1.2")) {
		t.Errorf("unrealized = %v, want 1.2", snap.UnrealizedUSD)
	}
	if snap.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", snap.OpenPositions)
	}
	if !snap.NetUSD.Equal(dec("1.2")) {
		t.Errorf("net = %v, want 1.2", snap.NetUSD)
	}
}

func TestOpenMarketsSorted(t *testing.T) {
	t.Parallel()
	b := newTestBook(0)

	b.ApplyFill("zeta", "Up", types.BUY, dec("1"), dec("0.50"))
	b.ApplyFill("alpha", "Up", types.BUY, dec("1"), dec("0.50"))
	b.ApplyFill("mid", "Down", types.SELL, dec("1"), dec("0.50"))

	open := b.OpenMarkets()
	want := []string{"alpha", "mid", "zeta"}
	if len(open) != len(want) {
		t.Fatalf("open markets = %v, want %v", open, want)
	}
	for i := range want {
		if open[i] != want[i] {
			t.Errorf("open[%d] = %q, want %q", i, open[i], want[i])
		}
	}
}
