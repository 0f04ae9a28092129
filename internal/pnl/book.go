// Package pnl tracks positions and profit per (market, outcome) leg.
//
// Realized PnL splits into two ledgers: trading (closing against the other
// direction) and settlement (market resolution at 0/1 or explicit prices).
// Fees accrue on every fill. Positions are signed; a fill past flat flips
// the book into the opposite direction at the fill price.
package pnl

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

// Position is one signed leg: qty > 0 long, qty < 0 short.
type Position struct {
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Snapshot is the cumulative PnL picture at a point in time.
type Snapshot struct {
	RealizedTradingUSD decimal.Decimal `json:"realized_trading_usd"`
	RealizedSettledUSD decimal.Decimal `json:"realized_settled_usd"`
	UnrealizedUSD      decimal.Decimal `json:"unrealized_usd"`
	FeesUSD            decimal.Decimal `json:"fees_usd"`
	NetUSD             decimal.Decimal `json:"net_usd"`
	OpenPositions      int             `json:"open_positions"`
}

type posKey struct {
	market  string
	outcome string
}

// Book is the PnL tracker. All methods are safe for concurrent use.
type Book struct {
	feeBps decimal.Decimal
	logger *slog.Logger

	mu              sync.Mutex
	positions       map[posKey]*Position
	marks           map[posKey]decimal.Decimal
	realizedTrading decimal.Decimal
	realizedSettled decimal.Decimal
	fees            decimal.Decimal
}

// NewBook creates an empty book charging feeBps on every fill's notional.
func NewBook(feeBps int, logger *slog.Logger) *Book {
	return &Book{
		feeBps:    decimal.NewFromInt(int64(feeBps)),
		logger:    logger.With("component", "pnl"),
		positions: make(map[posKey]*Position),
		marks:     make(map[posKey]decimal.Decimal),
	}
}

// ApplyFill books one execution. Fills in the position's direction extend it
// at the weighted-average price; fills against it realize
// `(fill − avg) × closed_qty` (sign-adjusted for shorts) into the trading
// ledger, and any residual past flat reopens at the fill price.
func (b *Book) ApplyFill(market, outcome string, side types.Side, qty, price decimal.Decimal) {
	if qty.IsZero() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.fees = b.fees.Add(qty.Mul(price).Abs().Mul(b.feeBps).Div(decimal.NewFromInt(10000)))

	key := posKey{market, outcome}
	pos, ok := b.positions[key]
	if !ok {
		pos = &Position{}
		b.positions[key] = pos
	}

	signed := qty.Mul(side.Sign())

	// Same direction (or flat): extend at the weighted average.
	if pos.Qty.IsZero() || pos.Qty.Sign() == signed.Sign() {
		newQty := pos.Qty.Add(signed)
		cost := pos.AvgPrice.Mul(pos.Qty.Abs()).Add(price.Mul(qty))
		pos.Qty = newQty
		pos.AvgPrice = cost.Div(newQty.Abs())
		return
	}

	// Opposite direction: realize the closed portion.
	closeQty := decimal.Min(qty, pos.Qty.Abs())
	gain := price.Sub(pos.AvgPrice).Mul(closeQty)
	if pos.Qty.Sign() < 0 {
		gain = gain.Neg()
	}
	b.realizedTrading = b.realizedTrading.Add(gain)

	remaining := pos.Qty.Add(signed)
	switch {
	case remaining.IsZero():
		pos.Qty = decimal.Zero
		pos.AvgPrice = decimal.Zero
	case remaining.Sign() == pos.Qty.Sign():
		pos.Qty = remaining
	default:
		// Flipped through flat: the residual is a fresh position.
		pos.Qty = remaining
		pos.AvgPrice = price
	}
}

// SetMark records the latest observed price for a leg.
func (b *Book) SetMark(market, outcome string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[posKey{market, outcome}] = price
}

// SettleMarket resolves every open leg of a market and returns how many it
// closed. Per leg the settle price is the explicit price when given, else 1
// for the winning outcome and 0 otherwise; without either input the leg is
// left open. The realized amount lands in the settlement ledger and the
// settle price becomes the leg's mark.
func (b *Book) SettleMarket(market, winningOutcome string, settlePrices map[string]decimal.Decimal) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	settled := 0
	for key, pos := range b.positions {
		if key.market != market || pos.Qty.IsZero() {
			continue
		}

		var settlePx decimal.Decimal
		if px, ok := settlePrices[key.outcome]; ok {
			settlePx = px
		} else if winningOutcome != "" {
			if key.outcome == winningOutcome {
				settlePx = decimal.NewFromInt(1)
			}
		} else {
			continue
		}

		gain := settlePx.Sub(pos.AvgPrice).Mul(pos.Qty)
		b.realizedSettled = b.realizedSettled.Add(gain)
		b.logger.Info("position settled",
			"market", market,
			"outcome", key.outcome,
			"qty", pos.Qty,
			"avg_price", pos.AvgPrice,
			"settle_price", settlePx,
			"realized_usd", gain,
		)
		pos.Qty = decimal.Zero
		pos.AvgPrice = decimal.Zero
		b.marks[key] = settlePx
		settled++
	}
	return settled
}

// OpenMarkets lists the markets with at least one open leg, sorted.
func (b *Book) OpenMarkets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{})
	for key, pos := range b.positions {
		if !pos.Qty.IsZero() {
			seen[key.market] = struct{}{}
		}
	}
	markets := make([]string, 0, len(seen))
	for m := range seen {
		markets = append(markets, m)
	}
	sort.Strings(markets)
	return markets
}

// Position returns a copy of one leg, zero-valued when never traded.
func (b *Book) Position(market, outcome string) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.positions[posKey{market, outcome}]; ok {
		return *pos
	}
	return Position{}
}

// Snapshot computes the cumulative PnL. Unrealized marks open legs at the
// latest observed price, or their entry price when no mark has been seen.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	unrealized := decimal.Zero
	open := 0
	for key, pos := range b.positions {
		if pos.Qty.IsZero() {
			continue
		}
		open++
		mark, ok := b.marks[key]
		if !ok {
			mark = pos.AvgPrice
		}
		unrealized = unrealized.Add(mark.Sub(pos.AvgPrice).Mul(pos.Qty))
	}

	net := b.realizedTrading.Add(b.realizedSettled).Add(unrealized).Sub(b.fees)
	return Snapshot{
		RealizedTradingUSD: b.realizedTrading,
		RealizedSettledUSD: b.realizedSettled,
		UnrealizedUSD:      unrealized,
		FeesUSD:            b.fees,
		NetUSD:             net,
		OpenPositions:      open,
	}
}
