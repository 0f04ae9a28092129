package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"coinbot/internal/config"
	"coinbot/internal/store"
	"coinbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// activityServer serves a mutable newest-first activity list.
type activityServer struct {
	mu   sync.Mutex
	rows []map[string]any
}

func (s *activityServer) setRows(rows []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
}

func (s *activityServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.rows)
	}
}

func activityRow(id string, notional float64) map[string]any {
	return map[string]any{
		"id":        id,
		"market":    "0xmarket",
		"outcome":   "Up",
		"side":      "BUY",
		"price":     "0.5",
		"size":      "10",
		"amount":    notional,
		"timestamp": float64(time.Now().Unix()),
	}
}

func newTestPoller(t *testing.T, baseURL string) (*ActivityPoller, *Ingress) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ingress := NewIngress(64, testLogger())
	poller := &ActivityPoller{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(2 * time.Second),
		wallet: "0x1111111111111111111111111111111111111111",
		cfg: config.WatcherConfig{
			PollInterval: 50 * time.Millisecond,
			FetchLimit:   200,
			QueueSize:    64,
			StreamName:   "activity",
		},
		store:   st,
		ingress: ingress,
		logger:  testLogger(),
	}
	return poller, ingress
}

func drainEvents(ingress *Ingress) []types.TradeEvent {
	var out []types.TradeEvent
	for {
		select {
		case ev := <-ingress.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPollerAnchorsOnFirstBoot(t *testing.T) {
	t.Parallel()
	srv := &activityServer{}
	srv.setRows([]map[string]any{activityRow("evt-3", 3), activityRow("evt-2", 2)})
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, ingress := newTestPoller(t, ts.URL)

	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if got := drainEvents(ingress); len(got) != 0 {
		t.Errorf("first boot dispatched %d events, want 0", len(got))
	}
	cp, found, err := poller.store.CheckpointGet("activity")
	if err != nil || !found {
		t.Fatalf("checkpoint missing after anchor: %v", err)
	}
	if cp != "evt-3" {
		t.Errorf("checkpoint = %q, want evt-3 (newest)", cp)
	}
}

func TestPollerDispatchesOldestFirstAndAdvances(t *testing.T) {
	t.Parallel()
	srv := &activityServer{}
	srv.setRows([]map[string]any{activityRow("evt-1", 1)})
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, ingress := newTestPoller(t, ts.URL)

	// Anchor at evt-1.
	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("anchor poll: %v", err)
	}

	// Two new fills appear above the checkpoint, newest first.
	srv.setRows([]map[string]any{
		activityRow("evt-3", 3),
		activityRow("evt-2", 2),
		activityRow("evt-1", 1),
	})
	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	got := drainEvents(ingress)
	if len(got) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(got))
	}
	if got[0].EventID != "evt-2" || got[1].EventID != "evt-3" {
		t.Errorf("dispatch order = [%s %s], want oldest-first [evt-2 evt-3]",
			got[0].EventID, got[1].EventID)
	}

	cp, _, err := poller.store.CheckpointGet("activity")
	if err != nil {
		t.Fatalf("checkpoint get: %v", err)
	}
	if cp != "evt-3" {
		t.Errorf("checkpoint = %q, want evt-3", cp)
	}

	// Nothing new: the same poll must not re-dispatch.
	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("repeat poll: %v", err)
	}
	if again := drainEvents(ingress); len(again) != 0 {
		t.Errorf("repeat poll dispatched %d events, want 0", len(again))
	}
}

func TestPollerSkipsAlreadySeenButAdvancesCheckpoint(t *testing.T) {
	t.Parallel()
	srv := &activityServer{}
	srv.setRows([]map[string]any{activityRow("evt-1", 1)})
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, ingress := newTestPoller(t, ts.URL)
	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("anchor poll: %v", err)
	}

	// Simulate the websocket having already inserted evt-2.
	if _, err := poller.store.MarkSeen(types.EventKey{EventID: "evt-2", MarketID: "0xmarket", SeenAtUnix: 1}); err != nil {
		t.Fatalf("pre-insert: %v", err)
	}

	srv.setRows([]map[string]any{
		activityRow("evt-2", 2),
		activityRow("evt-1", 1),
	})
	if err := poller.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if got := drainEvents(ingress); len(got) != 0 {
		t.Errorf("dispatched %d duplicate events, want 0", len(got))
	}
	cp, _, _ := poller.store.CheckpointGet("activity")
	if cp != "evt-2" {
		t.Errorf("checkpoint = %q, want evt-2 (advances past duplicates)", cp)
	}
}

func TestDecodeActivityRowsEnvelopes(t *testing.T) {
	t.Parallel()

	bare := `[{"id":"a"},{"id":"b"}]`
	rows, err := decodeActivityRows([]byte(bare))
	if err != nil {
		t.Fatalf("decode bare array: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("bare array rows = %d, want 2", len(rows))
	}

	wrapped := `{"data":[{"id":"a"}]}`
	rows, err = decodeActivityRows([]byte(wrapped))
	if err != nil {
		t.Fatalf("decode wrapped: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("wrapped rows = %d, want 1", len(rows))
	}

	if _, err := decodeActivityRows([]byte("not json")); err == nil {
		t.Errorf("expected error for malformed body")
	}
}

func TestIngressPublishAndDrop(t *testing.T) {
	t.Parallel()
	q := NewIngress(1, testLogger())

	q.Publish(types.TradeEvent{EventID: "evt-1"})
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	// Queue full and no consumer: the second publish must drop after the
	// bounded wait rather than block forever.
	done := make(chan struct{})
	go func() {
		q.Publish(types.TradeEvent{EventID: "evt-2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Publish blocked past the bounded wait")
	}

	ev := <-q.Events()
	if ev.EventID != "evt-1" {
		t.Errorf("queued event = %q, want evt-1", ev.EventID)
	}
}
