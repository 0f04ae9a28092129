package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"coinbot/internal/config"
	"coinbot/pkg/types"
)

func testClientConfig(baseURL string) config.Config {
	return config.Config{
		API: config.APIConfig{CLOBBaseURL: baseURL},
		Execution: config.ExecutionConfig{
			OrderType:      "marketable_limit",
			MaxSlippageBps: 50,
			MaxRetries:     2,
		},
	}
}

func submitIntent(t *testing.T) *types.ExecutionIntent {
	t.Helper()
	return &types.ExecutionIntent{
		IntentID:          "int-1",
		MarketID:          "mkt-1",
		Outcome:           "Up",
		Side:              types.BUY,
		TargetNotionalUSD: dec(t, "25"),
		MaxSlippageBps:    50,
		CoalescedEventIDs: []string{"evt-1", "evt-2"},
		WindowID:          "btc:20250715T1500",
	}
}

type stubMetadata struct {
	meta *types.MarketMetadata
	err  error
}

func (s *stubMetadata) Get(ctx context.Context, key string) (*types.MarketMetadata, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.meta, nil
}

func TestClientOrderIDDeterministic(t *testing.T) {
	t.Parallel()

	intent := submitIntent(t)
	id1 := ClientOrderID(intent)
	id2 := ClientOrderID(intent)

	if id1 != id2 {
		t.Errorf("same intent produced different ids: %s vs %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "cb-") {
		t.Errorf("id = %q, want cb- prefix", id1)
	}
	if len(id1) != len("cb-")+24 {
		t.Errorf("id length = %d, want %d", len(id1), len("cb-")+24)
	}

	other := submitIntent(t)
	other.TargetNotionalUSD = dec(t, "26")
	if ClientOrderID(other) == id1 {
		t.Error("different notional produced the same id")
	}
}

func TestClientOrderIDTreatsEmptyWindowAsNA(t *testing.T) {
	t.Parallel()

	blank := submitIntent(t)
	blank.WindowID = ""
	explicit := submitIntent(t)
	explicit.WindowID = "na"

	if ClientOrderID(blank) != ClientOrderID(explicit) {
		t.Error("empty window id should hash identically to \"na\"")
	}
}

func TestSubmitDryRunAcknowledges(t *testing.T) {
	t.Parallel()

	cfg := testClientConfig("http://localhost:0")
	cfg.Execution.DryRun = true
	c := NewClient(cfg, nil, nil, testLogger())

	intent := submitIntent(t)
	sub, err := c.SubmitMarketableLimit(context.Background(), intent, dec(t, "0.56"), dec(t, "44.64"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if !sub.Accepted {
		t.Error("Accepted = false, want true")
	}
	if sub.Status != types.StatusDryRunAck {
		t.Errorf("Status = %q, want %q", sub.Status, types.StatusDryRunAck)
	}
	if sub.Response != `{"dry_run":true}` {
		t.Errorf("Response = %q, want dry-run marker", sub.Response)
	}
	if sub.ClientOrderID != ClientOrderID(intent) {
		t.Errorf("ClientOrderID = %q, want %q", sub.ClientOrderID, ClientOrderID(intent))
	}
	if !strings.HasSuffix(sub.Endpoint, "/order") {
		t.Errorf("Endpoint = %q, want /order suffix", sub.Endpoint)
	}
	if got := sub.Payload["price"]; got != "0.56" {
		t.Errorf("payload price = %v, want \"0.56\"", got)
	}
	if got := sub.Payload["order_type"]; got != "marketable_limit" {
		t.Errorf("payload order_type = %v, want marketable_limit", got)
	}
	if got := sub.Payload["max_slippage_bps"]; got != 50 {
		t.Errorf("payload max_slippage_bps = %v, want 50", got)
	}
	if !sub.Price.Equal(dec(t, "0.56")) || !sub.Size.Equal(dec(t, "44.64")) {
		t.Errorf("Price/Size = %s/%s, want 0.56/44.64", sub.Price, sub.Size)
	}
}

func TestSubmitRejectsUnsupportedOrderType(t *testing.T) {
	t.Parallel()

	cfg := testClientConfig("http://localhost:0")
	cfg.Execution.OrderType = "market"
	c := NewClient(cfg, nil, nil, testLogger())

	if _, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.5"), dec(t, "10")); err == nil {
		t.Error("expected error for unsupported order type")
	}
}

func TestSubmitRawPathAcknowledges(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &gotBody)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"orderID":"0xraw","success":true}`)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL), nil, nil, testLogger())
	intent := submitIntent(t)

	sub, err := c.SubmitMarketableLimit(context.Background(), intent, dec(t, "0.56"), dec(t, "44.64"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if !sub.Accepted || sub.Status != types.StatusAcknowledged {
		t.Errorf("Accepted/Status = %v/%q, want true/%q", sub.Accepted, sub.Status, types.StatusAcknowledged)
	}
	if !strings.Contains(sub.Response, "0xraw") {
		t.Errorf("Response = %q, want provider body", sub.Response)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody["client_order_id"] != sub.ClientOrderID {
		t.Errorf("posted client_order_id = %v, want %s", gotBody["client_order_id"], sub.ClientOrderID)
	}
	if gotBody["side"] != "BUY" {
		t.Errorf("posted side = %v, want BUY", gotBody["side"])
	}
}

func TestSubmitRawPathRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL), nil, nil, testLogger())

	sub, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.5"), dec(t, "10"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if sub.Accepted {
		t.Error("Accepted = true, want false after exhausted retries")
	}
	if sub.Status != types.StatusRejected {
		t.Errorf("Status = %q, want %q", sub.Status, types.StatusRejected)
	}
	if !strings.Contains(sub.Error, "status 500") {
		t.Errorf("Error = %q, want status 500 mention", sub.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("attempts = %d, want 2", hits)
	}
}

func TestSubmitClassifiesMinSizeReject(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"order cb-abc is invalid. Size (3.98) lower than the minimum: 5"}`)
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.Execution.MaxRetries = 1
	c := NewClient(cfg, nil, nil, testLogger())

	sub, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.5"), dec(t, "3.98"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if sub.Accepted {
		t.Error("Accepted = true, want false")
	}
	if sub.ErrorCode != types.ErrCodeMinSize {
		t.Errorf("ErrorCode = %q, want %q", sub.ErrorCode, types.ErrCodeMinSize)
	}
}

func TestClassifyErrorCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  string
		want string
	}{
		{"min size phrase", "order x is invalid. Size (3.98) lower than the minimum: 5", types.ErrCodeMinSize},
		{"case insensitive", "SIZE (1) LOWER THAN THE MINIMUM: 5", types.ErrCodeMinSize},
		{"size without minimum", "size field malformed", ""},
		{"unrelated error", "insufficient balance", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyErrorCode(tt.err); got != tt.want {
				t.Errorf("classifyErrorCode(%q) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestSubmitSignedOrderPostsSignedPayload(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var posted types.OrderPayload
	var polyAddress string
	deriveHits, orderHits := 0, 0

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deriveHits++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Credentials{ApiKey: "key-1", Secret: "c2VjcmV0LWJ5dGVz", Passphrase: "pass-1"})
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		orderHits++
		json.Unmarshal(body, &posted)
		polyAddress = r.Header.Get("POLY_ADDRESS")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.OrderResponse{Success: true, OrderID: "0xoid", Status: "live"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := newTestAuth(t, config.WalletConfig{})
	metadata := &stubMetadata{meta: &types.MarketMetadata{
		MarketID:        "mkt-1",
		OutcomeTokenIDs: map[string]string{"Up": "7000123", "Down": "7000124"},
	}}
	c := NewClient(testClientConfig(srv.URL), auth, metadata, testLogger())

	sub, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.56"), dec(t, "44.64"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if !sub.Accepted || sub.Status != types.StatusAcknowledged {
		t.Fatalf("Accepted/Status = %v/%q, want true/acknowledged (error %q)", sub.Accepted, sub.Status, sub.Error)
	}
	if sub.ProviderOrderID != "0xoid" {
		t.Errorf("ProviderOrderID = %q, want 0xoid", sub.ProviderOrderID)
	}

	mu.Lock()
	defer mu.Unlock()
	if deriveHits != 1 {
		t.Errorf("derive calls = %d, want 1", deriveHits)
	}
	if orderHits != 1 {
		t.Errorf("order posts = %d, want 1", orderHits)
	}
	if posted.Order.TokenID != "7000123" {
		t.Errorf("posted tokenId = %q, want 7000123", posted.Order.TokenID)
	}
	if posted.Order.Side != types.BUY {
		t.Errorf("posted side = %q, want BUY", posted.Order.Side)
	}
	if !strings.HasPrefix(posted.Order.Signature, "0x") || len(posted.Order.Signature) != 132 {
		t.Errorf("posted signature = %q, want 65-byte hex", posted.Order.Signature)
	}
	// 44.64 * 0.56 = 24.9984 USDC for 44.64 tokens, in 6-decimal units.
	if posted.Order.MakerAmount.Int64() != 24_998_400 {
		t.Errorf("makerAmount = %s, want 24998400", posted.Order.MakerAmount)
	}
	if posted.Order.TakerAmount.Int64() != 44_640_000 {
		t.Errorf("takerAmount = %s, want 44640000", posted.Order.TakerAmount)
	}
	if posted.Owner != "key-1" {
		t.Errorf("owner = %q, want derived api key", posted.Owner)
	}
	if posted.OrderType != "GTC" {
		t.Errorf("orderType = %q, want GTC", posted.OrderType)
	}
	if !strings.EqualFold(polyAddress, testKeyAddress) {
		t.Errorf("POLY_ADDRESS = %q, want signer address", polyAddress)
	}
}

func TestSubmitSignedRefreshesStaleCredentialsOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var salts []string
	var owners []string
	deriveHits, orderHits := 0, 0

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/derive-api-key", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deriveHits++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Credentials{ApiKey: "key-fresh", Secret: "c2VjcmV0LWJ5dGVz", Passphrase: "pass-2"})
	})
	mux.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload types.OrderPayload
		json.Unmarshal(body, &payload)

		mu.Lock()
		orderHits++
		hit := orderHits
		salts = append(salts, payload.Order.Salt)
		owners = append(owners, payload.Owner)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if hit == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"unauthorized"}`)
			return
		}
		json.NewEncoder(w).Encode(types.OrderResponse{Success: true, OrderID: "0xoid2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := newTestAuth(t, config.WalletConfig{
		ApiKey:     "key-stale",
		Secret:     "c2VjcmV0LWJ5dGVz",
		Passphrase: "pass-1",
	})
	metadata := &stubMetadata{meta: &types.MarketMetadata{
		MarketID:        "mkt-1",
		OutcomeTokenIDs: map[string]string{"Up": "7000123"},
	}}
	c := NewClient(testClientConfig(srv.URL), auth, metadata, testLogger())

	sub, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.56"), dec(t, "44.64"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}

	if !sub.Accepted {
		t.Fatalf("Accepted = false, error %q", sub.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if deriveHits != 1 {
		t.Errorf("derive calls = %d, want exactly 1", deriveHits)
	}
	if orderHits != 2 {
		t.Fatalf("order posts = %d, want 2", orderHits)
	}
	if owners[0] != "key-stale" || owners[1] != "key-fresh" {
		t.Errorf("owners = %v, want [key-stale key-fresh]", owners)
	}
	// The retry re-signs rather than replaying the first signature.
	if salts[0] == salts[1] {
		t.Errorf("retry reused salt %s", salts[0])
	}
}

func TestSubmitFallsBackToRawWhenTokenMissing(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sawSignedShape bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var probe map[string]any
		json.Unmarshal(body, &probe)
		mu.Lock()
		_, sawSignedShape = probe["order"]
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	auth := newTestAuth(t, config.WalletConfig{
		ApiKey: "k", Secret: "c2VjcmV0", Passphrase: "p",
	})
	// Metadata resolves, but the outcome label has no token.
	metadata := &stubMetadata{meta: &types.MarketMetadata{
		MarketID:        "mkt-1",
		OutcomeTokenIDs: map[string]string{"Down": "7000124"},
	}}
	c := NewClient(testClientConfig(srv.URL), auth, metadata, testLogger())

	sub, err := c.SubmitMarketableLimit(context.Background(), submitIntent(t), dec(t, "0.56"), dec(t, "44.64"))
	if err != nil {
		t.Fatalf("SubmitMarketableLimit: %v", err)
	}
	if !sub.Accepted {
		t.Fatalf("Accepted = false, error %q", sub.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if sawSignedShape {
		t.Error("expected plain payload on the raw path, saw signed order envelope")
	}
}
