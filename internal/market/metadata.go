package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

// ErrMarketNotFound is returned when no probe yields a market record. For
// settlement reconciliation this usually means the market has not resolved
// into the metadata API yet, so callers retry on the next cycle.
var ErrMarketNotFound = errors.New("market not found")

// MetadataFetcher retrieves one market's metadata by id or slug.
type MetadataFetcher interface {
	Fetch(ctx context.Context, key string) (*types.MarketMetadata, error)
}

// Fetcher resolves market metadata from the Gamma API. The API serves the
// same record under several URL shapes depending on deployment, and the key
// we hold may be an id or a slug, so Fetch probes a fixed candidate list and
// accepts the first response that looks like a market record.
type Fetcher struct {
	client *resty.Client
	logger *slog.Logger
}

// NewFetcher creates a Gamma API metadata fetcher.
func NewFetcher(gammaBaseURL string, logger *slog.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(4 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "coinbot/0.1")

	return &Fetcher{
		client: client,
		logger: logger.With("component", "metadata_fetcher"),
	}
}

// probe is one candidate URL shape: path + the query param carrying the key.
type probe struct {
	path  string
	param string
}

var metadataProbes = []probe{
	{"/markets", "id"},
	{"/api/markets", "id"},
	{"/markets", "slug"},
	{"/api/markets", "slug"},
}

// Fetch probes the candidate URL shapes in order and parses the first
// market-shaped response. Returns ErrMarketNotFound when every probe 404s
// or yields no recognizable record.
func (f *Fetcher) Fetch(ctx context.Context, key string) (*types.MarketMetadata, error) {
	var lastErr error

	for _, p := range metadataProbes {
		resp, err := f.client.R().
			SetContext(ctx).
			SetQueryParam(p.param, key).
			Get(p.path)
		if err != nil {
			lastErr = fmt.Errorf("get %s: %w", p.path, err)
			continue
		}
		if resp.StatusCode() == 404 {
			lastErr = ErrMarketNotFound
			continue
		}
		if resp.StatusCode() != 200 {
			lastErr = fmt.Errorf("get %s: status %d: %s", p.path, resp.StatusCode(), resp.String())
			continue
		}

		var payload any
		if err := json.Unmarshal(resp.Body(), &payload); err != nil {
			lastErr = fmt.Errorf("decode %s: %w", p.path, err)
			continue
		}
		item := firstItem(payload)
		if !looksLikeMarket(item) {
			if lastErr == nil {
				lastErr = ErrMarketNotFound
			}
			continue
		}
		return buildMetadata(key, item), nil
	}

	if lastErr == nil {
		lastErr = ErrMarketNotFound
	}
	return nil, lastErr
}

// buildMetadata converts a raw market record into typed metadata. The API is
// inconsistent about encoding: outcomes/token ids/prices arrive as arrays,
// arrays of objects, or JSON arrays serialized into strings.
func buildMetadata(key string, item map[string]any) *types.MarketMetadata {
	labels := outcomeLabels(item["outcomes"])
	tokenIDs := tokenIDList(item)

	outcomeTokens := make(map[string]string)
	if len(labels) > 0 && len(labels) == len(tokenIDs) {
		for i, label := range labels {
			outcomeTokens[label] = tokenIDs[i]
		}
	} else if rawList, ok := item["outcomes"].([]any); ok {
		// Object-form outcomes carry their own token ids.
		for _, raw := range rawList {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			label := stringField(obj, "name", "outcome")
			tokenID := stringField(obj, "tokenId", "token_id")
			if label != "" && tokenID != "" {
				outcomeTokens[label] = tokenID
			}
		}
	}

	prices := outcomePrices(item, labels)

	meta := &types.MarketMetadata{
		MarketID:        key,
		Slug:            stringField(item, "slug"),
		Title:           stringField(item, "question", "title"),
		Active:          boolField(item, "active", true),
		Closed:          boolField(item, "closed", false),
		TickSize:        tickSize(item),
		OutcomeTokenIDs: outcomeTokens,
		OutcomePrices:   prices,
		WinningOutcome:  winningOutcome(item, prices),
		FetchedAt:       time.Now().UTC(),
	}
	return meta
}

func firstItem(payload any) map[string]any {
	switch v := payload.(type) {
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return m
			}
		}
	case map[string]any:
		if list, ok := v["data"].([]any); ok && len(list) > 0 {
			if m, ok := list[0].(map[string]any); ok {
				return m
			}
			return map[string]any{}
		}
		return v
	}
	return map[string]any{}
}

func looksLikeMarket(item map[string]any) bool {
	if len(item) == 0 {
		return false
	}
	for _, key := range []string{"conditionId", "slug", "outcomes", "outcomePrices"} {
		if v, ok := item[key]; ok && v != nil {
			return true
		}
	}
	return false
}

// outcomeLabels normalizes the outcomes field into a label list. Accepted
// shapes: JSON array in a string, array of strings, array of objects with
// name/outcome keys.
func outcomeLabels(raw any) []string {
	if s, ok := raw.(string); ok {
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil
		}
		raw = parsed
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if v != "" {
				labels = append(labels, v)
			}
		case map[string]any:
			if label := stringField(v, "name", "outcome"); label != "" {
				labels = append(labels, label)
			}
		}
	}
	return labels
}

func tokenIDList(item map[string]any) []string {
	raw := item["clobTokenIds"]
	if raw == nil || raw == "" {
		raw = item["tokenIds"]
	}
	if s, ok := raw.(string); ok {
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil
		}
		raw = parsed
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if id := anyToString(v); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// outcomePrices zips the price list against labels positionally, skipping
// values that do not parse.
func outcomePrices(item map[string]any, labels []string) map[string]decimal.Decimal {
	raw := item["outcomePrices"]
	if s, ok := raw.(string); ok {
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil
		}
		raw = parsed
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	prices := make(map[string]decimal.Decimal)
	for i, v := range list {
		if i >= len(labels) || labels[i] == "" {
			continue
		}
		px, err := decimal.NewFromString(anyToString(v))
		if err != nil {
			continue
		}
		prices[labels[i]] = px
	}
	if len(prices) == 0 {
		return nil
	}
	return prices
}

func winningOutcome(item map[string]any, prices map[string]decimal.Decimal) string {
	for _, key := range []string{"winningOutcome", "resolvedOutcome", "winner", "winnerOutcome", "result"} {
		if s, ok := item[key].(string); ok && s != "" {
			return s
		}
	}
	// A resolved market prices the winner at exactly 1. Only trust the
	// inference when it is unambiguous.
	var winner string
	count := 0
	for label, px := range prices {
		if px.Equal(decimal.NewFromInt(1)) {
			winner = label
			count++
		}
	}
	if count == 1 {
		return winner
	}
	return ""
}

func tickSize(item map[string]any) string {
	if s := stringField(item, "minimumTickSize", "tickSize"); s != "" {
		return s
	}
	return "0.01"
}

func stringField(item map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := anyToString(item[key]); s != "" {
			return s
		}
	}
	return ""
}

func boolField(item map[string]any, key string, def bool) bool {
	if b, ok := item[key].(bool); ok {
		return b
	}
	return def
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Cache is a TTL cache over a MetadataFetcher. Entries refresh lazily on
// Get; Warm preloads a key set at startup. Reads are concurrent; a stale
// entry is refetched outside the lock, so two callers racing on the same
// cold key may both hit the API (harmless, last write wins).
type Cache struct {
	fetcher MetadataFetcher
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	meta      *types.MarketMetadata
	fetchedAt time.Time
}

// NewCache creates a metadata cache with the given TTL.
func NewCache(fetcher MetadataFetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.With("component", "metadata_cache"),
		entries: make(map[string]cacheEntry),
	}
}

// Get returns metadata for a market id or slug, fetching when the cached
// entry is absent or older than the TTL.
func (c *Cache) Get(ctx context.Context, key string) (*types.MarketMetadata, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.meta, nil
	}

	meta, err := c.fetcher.Fetch(ctx, key)
	if err != nil {
		// Serve stale data over nothing when the upstream flakes.
		if ok {
			c.logger.Warn("metadata refresh failed, serving stale entry", "market", key, "error", err)
			return entry.meta, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{meta: meta, fetchedAt: time.Now()}
	c.mu.Unlock()
	return meta, nil
}

// Warm preloads metadata for a set of keys, logging and continuing past
// failures.
func (c *Cache) Warm(ctx context.Context, keys []string) {
	for _, key := range keys {
		if _, err := c.Get(ctx, key); err != nil {
			c.logger.Warn("metadata warm failed", "market", key, "error", err)
		}
	}
}
