package watcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinbot/internal/market"
	"coinbot/pkg/types"
)

// Upstream record shapes are loose: the activity API and the websocket use
// different field names for the same facts, numbers arrive as strings or
// floats, and timestamps are epoch seconds or ISO-8601. The normalizers in
// this file fold all of that into types.TradeEvent.

// normalizeActivity converts one activity API row. Returns false when the
// row has no usable market id.
func normalizeActivity(raw map[string]any, wallet string, fetchedAt time.Time) (types.TradeEvent, bool) {
	marketID := stringAt(raw, "market", "marketId", "conditionId", "asset")
	if marketID == "" {
		return types.TradeEvent{}, false
	}

	eventID := stringAt(raw, "id", "activityId")
	if eventID == "" {
		eventID = fingerprintEventID(raw, marketID)
	}
	if eventID == "" {
		return types.TradeEvent{}, false
	}

	title := stringAt(raw, "marketTitle", "title")
	executed := parseEventTime(raw["timestamp"], fetchedAt)

	ev := types.TradeEvent{
		EventID:      eventID,
		SourceWallet: wallet,
		MarketID:     marketID,
		MarketSlug:   stringAt(raw, "slug"),
		MarketTitle:  title,
		Outcome:      stringAt(raw, "outcome"),
		Side:         types.NormalizeSide(stringAt(raw, "side")),
		Price:        decAt(raw, "price"),
		Shares:       decAt(raw, "size", "shares"),
		NotionalUSD:  decAt(raw, "amount", "usdcSize"),
		ExecutedTS:   executed,
		Window:       market.ParseWindow(title, executed),
		SourcePath:   types.SourceActivityAPI,
		TxHash:       stringAt(raw, "transactionHash"),
		Sequence:     stringAt(raw, "sequence"),
	}
	ev.ExecToFetchMs = clampMs(fetchedAt.Sub(executed))
	return ev, true
}

// normalizeFeedTrade converts one websocket trade row. The feed carries no
// market title, so websocket events never have a window; the poller fills
// that in when it sees the same market.
func normalizeFeedTrade(raw map[string]any, wallet string) (types.TradeEvent, bool) {
	marketID := stringAt(raw, "market", "market_id", "condition_id", "asset_id", "token_id")
	if marketID == "" {
		return types.TradeEvent{}, false
	}

	eventID := stringAt(raw, "id", "trade_id")
	if eventID == "" {
		eventID = fingerprintEventID(raw, marketID)
	}
	if eventID == "" {
		return types.TradeEvent{}, false
	}

	price := decAt(raw, "price")
	shares := decAt(raw, "size", "shares")
	notional := decAt(raw, "usdcSize", "notional", "amount")
	if notional.IsZero() {
		notional = shares.Mul(price)
	}

	side := strings.ToUpper(stringAt(raw, "side", "direction"))
	var normalized types.Side
	if side == "BUY" || side == "BID" {
		normalized = types.BUY
	} else {
		normalized = types.SELL
	}

	now := time.Now().UTC()
	executed := parseEventTime(raw["timestamp"], now)

	ev := types.TradeEvent{
		EventID:      eventID,
		SourceWallet: wallet,
		MarketID:     marketID,
		MarketSlug:   stringAt(raw, "market_slug", "slug"),
		Outcome:      stringAt(raw, "outcome"),
		Side:         normalized,
		Price:        price,
		Shares:       shares,
		NotionalUSD:  notional,
		ExecutedTS:   executed,
		ReceivedTS:   now,
		SourcePath:   types.SourceClobWS,
		TxHash:       stringAt(raw, "transaction_hash", "transactionHash"),
		Sequence:     stringAt(raw, "sequence"),
	}
	ev.ExecToFetchMs = clampMs(now.Sub(executed))
	return ev, true
}

// fingerprintEventID builds the fallback id for rows without a native id:
// tx hash + market + timestamp + size. Weaker than a native id but stable
// across both intake paths for the same fill.
func fingerprintEventID(raw map[string]any, marketID string) string {
	tx := stringAt(raw, "transaction_hash", "transactionHash")
	ts := stringAt(raw, "timestamp")
	size := stringAt(raw, "size", "shares", "usdcSize")
	if tx == "" && ts == "" && size == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s:%s", tx, marketID, ts, size)
}

// looksLikeTrade reports whether a payload has the key shape of a fill.
func looksLikeTrade(raw map[string]any) bool {
	keys := make(map[string]bool, len(raw))
	for k := range raw {
		keys[strings.ToLower(k)] = true
	}
	if keys["price"] && keys["size"] {
		return true
	}
	if keys["usdcsize"] || keys["notional"] {
		return true
	}
	if keys["trade_id"] {
		return true
	}
	et := strings.ToLower(stringAt(raw, "event_type"))
	return et == "trade" || et == "fill"
}

// addressKeys are the flat fields a trade row may carry the wallet in.
var addressKeys = []string{
	"owner", "user", "trader", "address", "proxy_wallet",
	"maker", "maker_address", "taker", "taker_address",
}

// walletMatches reports whether any address field on the row (or on its
// nested maker/taker orders) equals the wallet, case-insensitively.
func walletMatches(raw map[string]any, walletLower string) bool {
	for _, key := range addressKeys {
		if s, ok := raw[key].(string); ok && strings.ToLower(s) == walletLower {
			return true
		}
	}
	for k, v := range raw {
		if !strings.HasPrefix(strings.ToLower(k), "wallet") {
			continue
		}
		if s, ok := v.(string); ok && strings.ToLower(s) == walletLower {
			return true
		}
	}
	for _, key := range []string{"maker_orders", "taker_orders"} {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok && walletMatches(obj, walletLower) {
				return true
			}
		}
	}
	return false
}

// extractTradeRows pulls candidate trade rows out of the envelope shapes the
// feed uses: the message itself, data, data.trade, events[*],
// events[*].trade, events[*].event, trade.
func extractTradeRows(msg map[string]any) []map[string]any {
	var out []map[string]any
	appendIfTrade := func(v any) {
		if obj, ok := v.(map[string]any); ok && looksLikeTrade(obj) {
			out = append(out, obj)
		}
	}

	appendIfTrade(msg)

	switch data := msg["data"].(type) {
	case map[string]any:
		appendIfTrade(data)
		appendIfTrade(data["trade"])
	case []any:
		for _, item := range data {
			appendIfTrade(item)
		}
	}

	if events, ok := msg["events"].([]any); ok {
		for _, item := range events {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if looksLikeTrade(obj) {
				out = append(out, obj)
				continue
			}
			appendIfTrade(obj["trade"])
			appendIfTrade(obj["event"])
		}
	}

	appendIfTrade(msg["trade"])
	return out
}

// stringAt returns the first present, non-empty field as a string. Numeric
// values are rendered without a float exponent so ids survive intact.
func stringAt(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// decAt parses the first present field as a decimal, zero when absent or
// unparsable.
func decAt(raw map[string]any, keys ...string) decimal.Decimal {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case string:
			if v == "" {
				continue
			}
			if d, err := decimal.NewFromString(v); err == nil {
				return d
			}
		case float64:
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.Zero
}

// parseEventTime handles epoch seconds (number or numeric string) and
// ISO-8601; anything else falls back to the supplied default.
func parseEventTime(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case float64:
		return epochToTime(t)
	case string:
		if t == "" {
			break
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UTC()
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return epochToTime(f)
		}
	}
	return fallback.UTC()
}

func epochToTime(seconds float64) time.Time {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func clampMs(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		return 0
	}
	return ms
}
