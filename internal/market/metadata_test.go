package market

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"coinbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFetcherProbesUntilMarketShaped(t *testing.T) {
	t.Parallel()

	// /markets?id= serves an empty list; /api/markets?id= has the record
	// with every list field JSON-encoded into a string.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/markets":
			w.Write([]byte(`[]`))
		case "/api/markets":
			w.Write([]byte(`[{
				"conditionId": "0xabc",
				"slug": "btc-up-15m",
				"question": "Bitcoin Up or Down - July 15, 3:00PM-3:15PM ET",
				"active": true,
				"closed": false,
				"minimumTickSize": "0.01",
				"outcomes": "[\"Up\",\"Down\"]",
				"clobTokenIds": "[\"tok-up\",\"tok-down\"]",
				"outcomePrices": "[\"0.55\",\"0.45\"]"
			}]`))
		default:
			w.WriteHeader(404)
		}
	}))
	defer ts.Close()

	f := NewFetcher(ts.URL, testLogger())
	meta, err := f.Fetch(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if !meta.Active || meta.Closed {
		t.Errorf("flags = active:%v closed:%v", meta.Active, meta.Closed)
	}
	if id, ok := meta.TokenIDFor("Up"); !ok || id != "tok-up" {
		t.Errorf("TokenIDFor(Up) = %q, %v", id, ok)
	}
	if id, ok := meta.TokenIDFor("down"); !ok || id != "tok-down" {
		t.Errorf("TokenIDFor(down) = %q, %v (case-insensitive lookup)", id, ok)
	}
	if px, ok := meta.OutcomePrices["Up"]; !ok || px.String() != "0.55" {
		t.Errorf("OutcomePrices[Up] = %v, %v", px, ok)
	}
	if meta.WinningOutcome != "" {
		t.Errorf("WinningOutcome = %q, want empty for unresolved market", meta.WinningOutcome)
	}
}

func TestFetcherNotFound(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer ts.Close()

	f := NewFetcher(ts.URL, testLogger())
	_, err := f.Fetch(context.Background(), "0xmissing")
	if !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("err = %v, want ErrMarketNotFound", err)
	}
}

func TestFetcherDataEnvelope(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{
			"conditionId": "0xabc",
			"closed": true,
			"outcomes": ["Up","Down"],
			"clobTokenIds": ["tok-up","tok-down"],
			"outcomePrices": ["1","0"]
		}]}`))
	}))
	defer ts.Close()

	f := NewFetcher(ts.URL, testLogger())
	meta, err := f.Fetch(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !meta.Closed {
		t.Errorf("Closed = false, want true")
	}
	if meta.WinningOutcome != "Up" {
		t.Errorf("WinningOutcome = %q, want Up (inferred from unique 1.0 price)", meta.WinningOutcome)
	}
}

func TestWinningOutcomeExplicitBeatsInference(t *testing.T) {
	t.Parallel()
	item := map[string]any{
		"winningOutcome": "Down",
		"outcomes":       []any{"Up", "Down"},
		"outcomePrices":  []any{"1", "0"},
	}
	meta := buildMetadata("m1", item)
	if meta.WinningOutcome != "Down" {
		t.Errorf("WinningOutcome = %q, want explicit Down", meta.WinningOutcome)
	}
}

func TestWinningOutcomeAmbiguousPricesNotInferred(t *testing.T) {
	t.Parallel()
	item := map[string]any{
		"outcomes":      []any{"Up", "Down"},
		"outcomePrices": []any{"1", "1"},
	}
	meta := buildMetadata("m1", item)
	if meta.WinningOutcome != "" {
		t.Errorf("WinningOutcome = %q, want empty when two outcomes price at 1", meta.WinningOutcome)
	}
}

func TestObjectFormOutcomes(t *testing.T) {
	t.Parallel()
	item := map[string]any{
		"conditionId": "0xabc",
		"outcomes": []any{
			map[string]any{"name": "Up", "tokenId": "tok-up"},
			map[string]any{"name": "Down", "tokenId": "tok-down"},
		},
	}
	meta := buildMetadata("m1", item)
	if id, ok := meta.TokenIDFor("Up"); !ok || id != "tok-up" {
		t.Errorf("TokenIDFor(Up) = %q, %v", id, ok)
	}
}

// fakeFetcher counts calls and serves a fixed record.
type fakeFetcher struct {
	calls atomic.Int64
	meta  *types.MarketMetadata
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string) (*types.MarketMetadata, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.meta, nil
}

func TestCacheServesWithinTTL(t *testing.T) {
	t.Parallel()
	ff := &fakeFetcher{meta: &types.MarketMetadata{MarketID: "m1"}}
	c := NewCache(ff, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "m1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := ff.calls.Load(); n != 1 {
		t.Errorf("fetcher calls = %d, want 1 (TTL cache)", n)
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	t.Parallel()
	ff := &fakeFetcher{meta: &types.MarketMetadata{MarketID: "m1"}}
	c := NewCache(ff, time.Millisecond, testLogger())

	if _, err := c.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if n := ff.calls.Load(); n != 2 {
		t.Errorf("fetcher calls = %d, want 2", n)
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	ff := &fakeFetcher{meta: &types.MarketMetadata{MarketID: "m1"}}
	c := NewCache(ff, time.Millisecond, testLogger())

	if _, err := c.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ff.err = errors.New("gamma down")
	time.Sleep(5 * time.Millisecond)
	meta, err := c.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Get with failing refresh: %v", err)
	}
	if meta.MarketID != "m1" {
		t.Errorf("stale meta = %+v", meta)
	}
}
