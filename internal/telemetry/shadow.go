package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const shadowFileName = "shadow_decisions.jsonl"

// ShadowDecision is the compact would-trade record written for every
// decision, letting a dry run be replayed against live outcomes.
type ShadowDecision struct {
	TS                string `json:"ts"`
	CorrelationID     string `json:"correlation_id"`
	MarketID          string `json:"market_id"`
	WindowID          string `json:"window_id"`
	TargetNotionalUSD string `json:"target_notional_usd"`
	BlockedReason     string `json:"blocked_reason"`
	Executed          bool   `json:"executed"`
}

// ShadowLogger appends shadow decisions to shadow_decisions.jsonl.
type ShadowLogger struct {
	mu sync.Mutex
	f  *os.File
}

// NewShadowLogger opens (or creates) the shadow file under outDir.
func NewShadowLogger(outDir string) (*ShadowLogger, error) {
	f, err := openAppend(outDir, shadowFileName)
	if err != nil {
		return nil, err
	}
	return &ShadowLogger{f: f}, nil
}

// Write appends one decision record.
func (s *ShadowLogger) Write(correlationID, marketID, windowID string, target decimal.Decimal, blockedReason string, executed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := ShadowDecision{
		TS:                time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID:     correlationID,
		MarketID:          marketID,
		WindowID:          windowID,
		TargetNotionalUSD: target.String(),
		BlockedReason:     blockedReason,
		Executed:          executed,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal shadow decision: %w", err)
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append shadow decision: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *ShadowLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
