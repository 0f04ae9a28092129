package exchange

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinbot/pkg/types"
)

// LifecycleStore tracks submitted orders by client order id through
// created → {acknowledged|rejected} → partial_fill* → filled. Transitions
// only move forward; fills reported for unknown or terminal orders are
// logged and dropped so a late WS frame cannot resurrect a closed order.
type LifecycleStore struct {
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*types.OrderLifecycle
}

// NewLifecycleStore creates an empty lifecycle store.
func NewLifecycleStore(logger *slog.Logger) *LifecycleStore {
	return &LifecycleStore{
		logger: logger.With("component", "lifecycle"),
		orders: make(map[string]*types.OrderLifecycle),
	}
}

// Register records the outcome of a submission attempt and returns the
// resulting lifecycle. Accepted submissions start acknowledged, everything
// else lands rejected.
func (s *LifecycleStore) Register(sub types.OrderSubmission) types.OrderLifecycle {
	status := types.LifecycleAckd
	if !sub.Accepted {
		status = types.LifecycleRejected
	}
	lc := &types.OrderLifecycle{
		ClientOrderID: sub.ClientOrderID,
		Status:        status,
		UpdateTS:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.orders[sub.ClientOrderID] = lc
	s.mu.Unlock()
	return *lc
}

// MarkPartialFill accumulates a fill onto an open order.
func (s *LifecycleStore) MarkPartialFill(clientOrderID string, filledNotionalUSD decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lc, ok := s.open(clientOrderID, "partial fill")
	if !ok {
		return
	}
	lc.Status = types.LifecyclePartialFill
	lc.FilledNotionalUSD = lc.FilledNotionalUSD.Add(filledNotionalUSD)
	lc.UpdateTS = time.Now().UTC()
}

// MarkFilled closes an order with its total filled notional.
func (s *LifecycleStore) MarkFilled(clientOrderID string, filledNotionalUSD decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lc, ok := s.open(clientOrderID, "fill")
	if !ok {
		return
	}
	lc.Status = types.LifecycleFilled
	lc.FilledNotionalUSD = filledNotionalUSD
	lc.UpdateTS = time.Now().UTC()
}

// Get returns a copy of the lifecycle for a client order id.
func (s *LifecycleStore) Get(clientOrderID string) (types.OrderLifecycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lc, ok := s.orders[clientOrderID]
	if !ok {
		return types.OrderLifecycle{}, false
	}
	return *lc, true
}

// OpenCount reports how many orders are still acknowledged or partially
// filled.
func (s *LifecycleStore) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, lc := range s.orders {
		if lc.Status == types.LifecycleAckd || lc.Status == types.LifecyclePartialFill {
			n++
		}
	}
	return n
}

// open fetches an order that can still receive fills. Callers hold the lock.
func (s *LifecycleStore) open(clientOrderID, action string) (*types.OrderLifecycle, bool) {
	lc, ok := s.orders[clientOrderID]
	if !ok {
		s.logger.Warn("ignoring "+action+" for unknown order", "client_order_id", clientOrderID)
		return nil, false
	}
	if lc.Status != types.LifecycleAckd && lc.Status != types.LifecyclePartialFill {
		s.logger.Warn("ignoring "+action+" on terminal order",
			"client_order_id", clientOrderID, "status", lc.Status)
		return nil, false
	}
	return lc, true
}
