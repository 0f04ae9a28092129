// Package exchange implements the Polymarket CLOB order client.
//
// The REST client (Client) turns coalesced execution intents into signed
// marketable limit orders:
//   - SubmitMarketableLimit: POST /order              — sign and place one order
//   - CancelAll:             DELETE /cancel-all       — safety hatch for live shutdown
//   - DeriveAPIKey:          GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers. Client order
// ids are derived from the intent hash, so a resubmitted intent reaches the
// venue under the same id. Provider rejects are classified so benign
// below-minimum errors stay out of the reject rate.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

// zeroAddress as taker leaves the order open for anyone to fill.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// MetadataSource resolves market metadata for CLOB token id lookups.
// market.Cache satisfies it.
type MetadataSource interface {
	Get(ctx context.Context, key string) (*types.MarketMetadata, error)
}

// Client is the Polymarket CLOB order client. It wraps a resty HTTP client
// with rate limiting, retry, and auth. In dry-run mode auth and metadata may
// be nil; submissions short-circuit before any network call.
type Client struct {
	http     *resty.Client // signed-order path, retries on 5xx
	raw      *resty.Client // fallback path, retry schedule handled per attempt
	auth     *Auth
	rl       *RateLimiter
	metadata MetadataSource
	execCfg  config.ExecutionConfig
	baseURL  string
	dryRun   bool
	logger   *slog.Logger
}

// NewClient creates an order client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, metadata MetadataSource, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	rawClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(3 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		raw:      rawClient,
		auth:     auth,
		rl:       NewRateLimiter(),
		metadata: metadata,
		execCfg:  cfg.Execution,
		baseURL:  cfg.API.CLOBBaseURL,
		dryRun:   cfg.Execution.DryRun,
		logger:   logger.With("component", "order_client"),
	}
}

// ClientOrderID derives the deterministic client order id for an intent.
// Identical intents hash to the same id, so a retried submission lands on
// the provider as the same order instead of a duplicate.
func ClientOrderID(intent *types.ExecutionIntent) string {
	digest := sha256.Sum256([]byte(intent.CanonicalString()))
	return "cb-" + hex.EncodeToString(digest[:])[:24]
}

// SubmitMarketableLimit places one order for a coalesced intent at the given
// price and size. Dry-run mode acknowledges without touching the network.
// Live submissions prefer the signed-order path; when no token id can be
// resolved for the market the client falls back to posting the plain payload.
// The returned submission is always populated; rejects are reported through
// its Accepted/Error fields rather than the error return.
func (c *Client) SubmitMarketableLimit(ctx context.Context, intent *types.ExecutionIntent, price, size decimal.Decimal) (types.OrderSubmission, error) {
	if c.execCfg.OrderType != "marketable_limit" {
		return types.OrderSubmission{}, fmt.Errorf("unsupported order type: %s", c.execCfg.OrderType)
	}

	cid := ClientOrderID(intent)
	sub := types.OrderSubmission{
		ClientOrderID: cid,
		Endpoint:      c.baseURL + "/order",
		Payload: map[string]any{
			"client_order_id":  cid,
			"market_id":        intent.MarketID,
			"outcome":          intent.Outcome,
			"side":             string(intent.Side),
			"price":            price.String(),
			"size":             size.String(),
			"order_type":       c.execCfg.OrderType,
			"max_slippage_bps": intent.MaxSlippageBps,
		},
		Price: price,
		Size:  size,
	}

	if c.dryRun {
		sub.Accepted = true
		sub.Status = types.StatusDryRunAck
		sub.Response = `{"dry_run":true}`
		return sub, nil
	}

	if c.metadata != nil && c.auth != nil && c.submitSigned(ctx, intent, price, size, &sub) {
		return sub, nil
	}

	c.postRawWithRetry(ctx, &sub)
	return sub, nil
}

// submitSigned builds, signs, and posts the order through the signed CLOB
// endpoint. Returns false when no token id is available, in which case the
// caller falls back to the raw endpoint. Everything past token resolution is
// terminal: errors reject the submission rather than falling through.
func (c *Client) submitSigned(ctx context.Context, intent *types.ExecutionIntent, price, size decimal.Decimal, sub *types.OrderSubmission) bool {
	tokenID := c.resolveTokenID(ctx, intent)
	if tokenID == "" {
		c.logger.Warn("token id missing, using raw endpoint",
			"market", intent.MarketID, "outcome", intent.Outcome)
		return false
	}

	if !c.auth.HasL2Credentials() {
		if _, err := c.DeriveAPIKey(ctx); err != nil {
			c.reject(sub, fmt.Errorf("derive api key: %w", err))
			return true
		}
	}

	result, raw, err := c.postOrder(ctx, intent, tokenID, price, size)
	if err != nil && staleCredentials(err) {
		// Derive a fresh credential set once, re-sign, and retry.
		if _, derr := c.DeriveAPIKey(ctx); derr == nil {
			result, raw, err = c.postOrder(ctx, intent, tokenID, price, size)
		}
	}
	if err != nil {
		c.logger.Warn("signed order submit failed", "client_order_id", sub.ClientOrderID, "error", err)
		c.reject(sub, err)
		return true
	}

	sub.Accepted = true
	sub.Status = types.StatusAcknowledged
	sub.Response = raw
	sub.ProviderOrderID = result.OrderID
	return true
}

// postOrder signs and posts a single order, returning the parsed response
// and raw body. Each call signs fresh so a retry carries a new salt.
func (c *Client) postOrder(ctx context.Context, intent *types.ExecutionIntent, tokenID string, price, size decimal.Decimal) (*types.OrderResponse, string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, "", err
	}

	makerAmt, takerAmt := PriceToAmounts(price, size, intent.Side)
	order := &types.SignedOrder{
		Maker:         c.auth.funderAddress.Hex(),
		Signer:        c.auth.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          intent.Side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(order); err != nil {
		return nil, "", fmt.Errorf("sign order: %w", err)
	}

	payload := types.OrderPayload{Order: *order, Owner: c.auth.creds.ApiKey, OrderType: "GTC"}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, "", fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, "", fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, resp.String(), nil
}

// postRawWithRetry posts the plain payload with static credential headers.
// Non-2xx statuses count as failures; attempts back off linearly and the
// last error rejects the submission.
func (c *Client) postRawWithRetry(ctx context.Context, sub *types.OrderSubmission) {
	headers := map[string]string{}
	if c.auth != nil {
		headers["POLY_API_KEY"] = c.auth.creds.ApiKey
		headers["POLY_API_SECRET"] = c.auth.creds.Secret
		headers["POLY_PASSPHRASE"] = c.auth.creds.Passphrase
	}

	maxRetries := c.execCfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.rl.Order.Wait(ctx); err != nil {
			c.reject(sub, err)
			return
		}

		resp, err := c.raw.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(sub.Payload).
			Post("/order")
		switch {
		case err != nil:
			lastErr = fmt.Errorf("post order: %w", err)
		case resp.StatusCode() >= 300:
			lastErr = fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
		default:
			sub.Accepted = true
			sub.Status = types.StatusAcknowledged
			sub.Response = resp.String()
			return
		}

		c.logger.Warn("order submit retry",
			"client_order_id", sub.ClientOrderID, "attempt", attempt, "error", lastErr)
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				c.reject(sub, ctx.Err())
				return
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	c.reject(sub, lastErr)
}

// resolveTokenID maps the intent's outcome label to its CLOB token id,
// preferring the slug key since the metadata API indexes by slug.
func (c *Client) resolveTokenID(ctx context.Context, intent *types.ExecutionIntent) string {
	for _, key := range []string{intent.MarketSlug, intent.MarketID} {
		if key == "" {
			continue
		}
		meta, err := c.metadata.Get(ctx, key)
		if err != nil {
			continue
		}
		if tokenID, ok := meta.TokenIDFor(intent.Outcome); ok {
			return tokenID
		}
	}
	return ""
}

func (c *Client) reject(sub *types.OrderSubmission, err error) {
	sub.Accepted = false
	sub.Status = types.StatusRejected
	sub.Error = err.Error()
	sub.ErrorCode = classifyErrorCode(err.Error())
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and installs
// them on the auth provider.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// staleCredentials reports whether a submit error looks like an expired or
// revoked L2 credential set, which a one-time re-derive can fix.
func staleCredentials(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key")
}

// classifyErrorCode buckets provider reject strings. Below-minimum size
// rejects get their own code so telemetry can keep them out of the reject
// rate.
func classifyErrorCode(errText string) string {
	normalized := strings.ToLower(errText)
	if strings.Contains(normalized, "size") && strings.Contains(normalized, "lower than the minimum") {
		return types.ErrCodeMinSize
	}
	return ""
}
