package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

var (
	one       = decimal.NewFromInt(1)
	tenK      = decimal.NewFromInt(10000)
	usdcScale = decimal.NewFromInt(1_000_000) // USDC 6 decimals
)

// MarketableLimit derives the limit price and share size for one intent.
//
// The price starts from the source fill price pushed through the slippage
// allowance toward the taker side, then is quantized to the market tick
// rounding INTO the allowance, so the order never pays more (BUY) or accepts
// less (SELL) than max_slippage_bps permits. Unknown source prices fall back
// to the most aggressive price the book allows. Size is the target notional
// at that price, truncated to the 2-decimal share precision the CLOB accepts.
func MarketableLimit(intent *types.ExecutionIntent, tickSize string) (price, size decimal.Decimal) {
	tick, err := decimal.NewFromString(tickSize)
	if err != nil || !tick.IsPositive() {
		tick = decimal.NewFromFloat(0.01)
	}
	maxPrice := one.Sub(tick)

	base := intent.SourcePrice
	if !base.IsPositive() {
		if intent.Side == types.BUY {
			base = maxPrice
		} else {
			base = tick
		}
	}

	slip := decimal.NewFromInt(int64(intent.MaxSlippageBps)).Div(tenK)
	if intent.Side == types.BUY {
		price = base.Mul(one.Add(slip)).Div(tick).Floor().Mul(tick)
	} else {
		price = base.Mul(one.Sub(slip)).Div(tick).Ceil().Mul(tick)
	}

	if price.GreaterThan(maxPrice) {
		price = maxPrice
	}
	if price.LessThan(tick) {
		price = tick
	}

	size = intent.TargetNotionalUSD.Div(price).RoundDown(2)
	return price, size
}

// PriceToAmounts converts a price and size to makerAmount and takerAmount
// as big.Int values scaled to 6 decimals (USDC).
//
// For BUY: you pay makerAmount USDC, you receive takerAmount tokens.
// For SELL: you give makerAmount tokens, you receive takerAmount USDC.
func PriceToAmounts(price, size decimal.Decimal, side types.Side) (makerAmt, takerAmt *big.Int) {
	tokens := size.Mul(usdcScale).Floor().BigInt()
	usdc := size.Mul(price).Mul(usdcScale).Floor().BigInt()

	if side == types.BUY {
		return usdc, tokens
	}
	return tokens, usdc
}
