// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — source trade events,
// coalesced execution intents, order submissions, market metadata, and
// WebSocket payloads. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// NormalizeSide maps an upstream side string to BUY or SELL.
// Upstream feeds are inconsistent about casing; anything that is not
// recognizably a buy is treated as a SELL.
func NormalizeSide(s string) Side {
	if strings.ToUpper(strings.TrimSpace(s)) == "BUY" {
		return BUY
	}
	return SELL
}

// Sign returns +1 for BUY and -1 for SELL, used for net-notional math.
func (s Side) Sign() decimal.Decimal {
	if s == BUY {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// SourcePath identifies which intake produced a TradeEvent.
const (
	SourceActivityAPI = "activity_api" // polled REST activity feed
	SourceClobWS      = "clob_ws"      // websocket trade stream
)

// Submission statuses returned by the order client.
const (
	StatusAcknowledged = "acknowledged"
	StatusDryRunAck    = "dry_run_acknowledged"
	StatusRejected     = "rejected"
)

// Order lifecycle states. Transitions only move forward:
// created → {acknowledged|rejected}; acknowledged → partial_fill* → filled.
const (
	LifecycleCreated     = "created"
	LifecycleAckd        = "acknowledged"
	LifecycleRejected    = "rejected"
	LifecyclePartialFill = "partial_fill"
	LifecycleFilled      = "filled"
)

// Blocked reasons surfaced by policy and risk checks. These appear verbatim
// in audit rows and shadow decision logs.
const (
	BlockNearExpiry  = "near_expiry_cutoff"
	BlockSourceStale = "source_stale"
	BlockBelowMin    = "below_min_order_notional"
	BlockWindowCap   = "window_cap_exceeded"
	BlockMarketCap   = "market_cap_exceeded"
	BlockDailyCap    = "daily_cap_exceeded"
	BlockKillSwitch  = "kill_switch_active"
)

// Kill-switch reasons set by the auto guard. Manual activations carry
// whatever reason the operator supplies.
const (
	KillReasonErrorRate = "auto_error_rate_threshold"
	KillReasonLatency   = "auto_latency_threshold"
)

// Error codes assigned by the order client's reject classifier.
const (
	// ErrCodeMinSize marks provider rejects for orders below the venue
	// minimum. Excluded from reject-rate accounting.
	ErrCodeMinSize = "min_size"
)

// ————————————————————————————————————————————————————————————————————————
// Source trade events
// ————————————————————————————————————————————————————————————————————————

// MarketWindow is the time bucket parsed from an "up or down" market title,
// e.g. "Bitcoin Up or Down - July 15, 3:00PM-3:15PM ET". Absent for markets
// that do not resolve over a fixed short interval.
type MarketWindow struct {
	Asset           string    `json:"asset"`
	StartTS         time.Time `json:"start_ts"` // UTC
	EndTS           time.Time `json:"end_ts"`   // UTC
	DurationSeconds int       `json:"duration_seconds"`
	WindowID        string    `json:"window_id"` // lowercase(asset):YYYYMMDDTHHMM (market-local start)
}

// TradeEvent is one observed fill on the watched wallet, normalized from
// either intake source. Immutable once published to the ingress queue.
type TradeEvent struct {
	EventID      string          `json:"event_id"`
	SourceWallet string          `json:"source_wallet"`
	MarketID     string          `json:"market_id"`
	MarketSlug   string          `json:"market_slug,omitempty"`
	MarketTitle  string          `json:"market_title,omitempty"`
	Outcome      string          `json:"outcome"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Shares       decimal.Decimal `json:"shares"`
	NotionalUSD  decimal.Decimal `json:"notional_usd"`
	ExecutedTS   time.Time       `json:"executed_ts"`
	ReceivedTS   time.Time       `json:"received_ts"`
	Window       *MarketWindow   `json:"window,omitempty"`
	SourcePath   string          `json:"source_path"` // activity_api or clob_ws
	TxHash       string          `json:"tx_hash,omitempty"`
	Sequence     string          `json:"sequence,omitempty"`

	// Stage timing annotations, milliseconds.
	ExecToFetchMs float64 `json:"exec_to_fetch_ms,omitempty"`
	FetchToEmitMs float64 `json:"fetch_to_emit_ms,omitempty"`
	PollCycleMs   float64 `json:"poll_cycle_ms,omitempty"`
}

// WindowID returns the event's window id, or "na" when the market has no
// parsed window. Used as the window component of coalesce keys.
func (e *TradeEvent) WindowID() string {
	if e.Window == nil || e.Window.WindowID == "" {
		return "na"
	}
	return e.Window.WindowID
}

// EventKey carries the identifying fields used to build a dedupe
// fingerprint. Sequence stays a string because upstream encodes it
// inconsistently. SeenAtUnix backs the last-resort fallback key.
type EventKey struct {
	EventID    string
	TxHash     string
	Sequence   string
	MarketID   string
	SeenAtUnix int64
}

// DedupeKey builds the priority-ordered fingerprint for the dedupe set.
// Upstream omits stable ids in some record shapes, so the hierarchy falls
// back from the native id to tx-derived keys to a market+time composite.
func (k EventKey) DedupeKey() string {
	switch {
	case k.EventID != "":
		return "id:" + k.EventID
	case k.TxHash != "" && k.Sequence != "":
		return fmt.Sprintf("txseq:%s:%s", k.TxHash, k.Sequence)
	case k.TxHash != "":
		return fmt.Sprintf("tx:%s:%s", k.TxHash, k.MarketID)
	default:
		return fmt.Sprintf("fallback:%s:%d", k.MarketID, k.SeenAtUnix)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Execution intents and decisions
// ————————————————————————————————————————————————————————————————————————

// ExecutionIntent is the coalesced, signed decision to place exactly one
// order. TargetNotionalUSD is always positive; Side carries the direction.
type ExecutionIntent struct {
	IntentID          string          `json:"intent_id"`
	CorrelationID     string          `json:"correlation_id"`
	MarketID          string          `json:"market_id"`
	MarketSlug        string          `json:"market_slug,omitempty"`
	Outcome           string          `json:"outcome"`
	Side              Side            `json:"side"`
	TargetNotionalUSD decimal.Decimal `json:"target_notional_usd"`
	MaxSlippageBps    int             `json:"max_slippage_bps"`
	CoalescedEventIDs []string        `json:"coalesced_event_ids"`
	WindowID          string          `json:"window_id,omitempty"`
	CreatedTS         time.Time       `json:"created_ts"`

	// Source context carried through for policy guards and audit rows.
	// Window is the most recent source event's window, nil for markets
	// without one.
	Window               *MarketWindow   `json:"window,omitempty"`
	SourceNetNotionalUSD decimal.Decimal `json:"source_net_notional_usd"`
	SourceAbsNotionalUSD decimal.Decimal `json:"source_abs_notional_usd"`
	SourcePrice          decimal.Decimal `json:"source_price"`
	LastExecutedTS       time.Time       `json:"last_executed_ts"`
	FirstReceivedTS      time.Time       `json:"first_received_ts"`
	EventCount           int             `json:"event_count"`
}

// CanonicalString is the stable identity payload for an intent. The order
// client hashes it to derive the deterministic client order id, so identical
// intents retry idempotently at the provider.
func (in *ExecutionIntent) CanonicalString() string {
	windowID := in.WindowID
	if windowID == "" {
		windowID = "na"
	}
	return strings.Join([]string{
		in.MarketID,
		in.Outcome,
		string(in.Side),
		windowID,
		strings.Join(in.CoalescedEventIDs, ","),
		in.TargetNotionalUSD.String(),
	}, "|")
}

// RiskSnapshot is the outcome of a pre-trade risk check. When not blocked,
// totals reflect state after the intent was admitted.
type RiskSnapshot struct {
	TotalNotionalTodayUSD  decimal.Decimal            `json:"total_notional_today_usd"`
	TotalNotionalWindowUSD decimal.Decimal            `json:"total_notional_current_15m_window_usd"`
	MarketExposureUSD      map[string]decimal.Decimal `json:"market_exposure_usd"`
	Blocked                bool                       `json:"blocked"`
	BlockedReason          string                     `json:"blocked_reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderSubmission is the result of attempting to submit one intent.
type OrderSubmission struct {
	ClientOrderID   string          `json:"client_order_id"`
	Endpoint        string          `json:"endpoint,omitempty"`
	Payload         map[string]any  `json:"payload,omitempty"`
	Accepted        bool            `json:"accepted"`
	Status          string          `json:"status"` // acknowledged | dry_run_acknowledged | rejected
	Response        string          `json:"response,omitempty"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
}

// OrderLifecycle is the mutable state of a submitted order.
type OrderLifecycle struct {
	ClientOrderID     string          `json:"client_order_id"`
	Status            string          `json:"status"`
	FilledNotionalUSD decimal.Decimal `json:"filled_notional_usd"`
	UpdateTS          time.Time       `json:"update_ts"`
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens.
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC.
type SignedOrder struct {
	Salt          string   `json:"salt"`
	Maker         string   `json:"maker"`  // funder/proxy wallet address
	Signer        string   `json:"signer"` // EOA that signs the order
	Taker         string   `json:"taker"`  // zero address = open order
	TokenID       string   `json:"tokenId"`
	MakerAmount   *big.Int `json:"makerAmount"`
	TakerAmount   *big.Int `json:"takerAmount"`
	Side          Side     `json:"side"`
	Expiration    string   `json:"expiration"`
	Nonce         string   `json:"nonce"`
	FeeRateBps    string   `json:"feeRateBps"`
	SignatureType int      `json:"signatureType"` // 0 EOA, 1 proxy, 2 safe
	Signature     string   `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // GTC for marketable limits
}

// OrderResponse is the CLOB's reply to an order placement.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// CancelResponse is the CLOB's reply to a cancel request.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // order ID -> reason
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketMetadata is the cached per-market record served by the metadata
// cache: liveness flags, outcome labels mapped to CLOB token ids, and
// settlement data once the market resolves.
type MarketMetadata struct {
	MarketID        string                     `json:"market_id"`
	Slug            string                     `json:"slug,omitempty"`
	Title           string                     `json:"title,omitempty"`
	Active          bool                       `json:"active"`
	Closed          bool                       `json:"closed"`
	TickSize        string                     `json:"tick_size,omitempty"`
	OutcomeTokenIDs map[string]string          `json:"outcome_token_ids"`
	OutcomePrices   map[string]decimal.Decimal `json:"outcome_prices,omitempty"`
	WinningOutcome  string                     `json:"winning_outcome,omitempty"`
	FetchedAt       time.Time                  `json:"fetched_at"`
}

// TokenIDFor resolves the CLOB token id for an outcome label,
// case-insensitively.
func (m *MarketMetadata) TokenIDFor(outcome string) (string, bool) {
	if id, ok := m.OutcomeTokenIDs[outcome]; ok {
		return id, true
	}
	want := strings.ToLower(strings.TrimSpace(outcome))
	for label, id := range m.OutcomeTokenIDs {
		if strings.ToLower(strings.TrimSpace(label)) == want {
			return id, true
		}
	}
	return "", false
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames of the Polymarket WebSocket.
// Market channel carries public trades; the authenticated user channel
// carries our own order and fill notifications.

// WSSubscribeMsg is the initial subscription frame sent on connect.
// For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth                 *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type                 string   `json:"type"`                 // "market" or "user"
	Markets              []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs             []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	CustomFeatureEnabled bool     `json:"custom_feature_enabled,omitempty"`
}

// WSUpdateMsg adds or removes subscriptions on an open connection.
type WSUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
}

// WSAuth contains the L2 API credentials for the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Market    string `json:"market"`     // condition ID
	AssetID   string `json:"asset_id"`   // token ID that was traded
	Side      string `json:"side"`       // our side: "BUY" or "SELL"
	Size      string `json:"size"`       // filled quantity
	Price     string `json:"price"`      // fill price
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
	TakerOID  string `json:"taker_order_id,omitempty"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"` // always "order"
	ID           string `json:"id"`         // provider order ID
	Market       string `json:"market"`     // condition ID
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"` // cumulative filled
	Outcome      string `json:"outcome"`
	Owner        string `json:"owner"` // API key
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}
