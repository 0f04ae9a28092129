package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const auditFileName = "copy_audit.jsonl"

// AuditRow is one decision outcome in the copy audit trail: a block, a
// venue rejection, or a successful submission, with full pipeline context.
type AuditRow struct {
	TS                   string          `json:"ts"`
	CorrelationID        string          `json:"correlation_id"`
	IntentID             string          `json:"intent_id,omitempty"`
	ClientOrderID        string          `json:"client_order_id,omitempty"`
	MarketID             string          `json:"market_id"`
	Outcome              string          `json:"outcome,omitempty"`
	Side                 string          `json:"side,omitempty"`
	WindowID             string          `json:"window_id,omitempty"`
	EventCount           int             `json:"event_count,omitempty"`
	SourceNetNotionalUSD decimal.Decimal `json:"source_net_notional_usd"`
	SourceAbsNotionalUSD decimal.Decimal `json:"source_abs_notional_usd"`
	SourcePrice          decimal.Decimal `json:"source_price"`
	TargetNotionalUSD    decimal.Decimal `json:"target_notional_usd"`
	BotPrice             decimal.Decimal `json:"bot_price"`
	BotSize              decimal.Decimal `json:"bot_size"`
	SizeRatio            decimal.Decimal `json:"size_ratio"`
	CopyDelayMs          int64           `json:"copy_delay_ms,omitempty"`
	DecisionDelayMs      int64           `json:"decision_delay_ms,omitempty"`
	SubmitToAckMs        int64           `json:"submit_to_ack_ms,omitempty"`
	Status               string          `json:"status,omitempty"`
	ErrorCode            string          `json:"error_code,omitempty"`
	BlockedReason        string          `json:"blocked_reason,omitempty"`
}

// AuditLogger appends audit rows to copy_audit.jsonl, one JSON object per
// line. Writes are serialized; the file stays open for the process lifetime.
type AuditLogger struct {
	mu sync.Mutex
	f  *os.File
}

// NewAuditLogger opens (or creates) the audit file under outDir.
func NewAuditLogger(outDir string) (*AuditLogger, error) {
	f, err := openAppend(outDir, auditFileName)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{f: f}, nil
}

// Write appends one row, stamping it with the current UTC time.
func (a *AuditLogger) Write(row AuditRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	row.TS = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal audit row: %w", err)
	}
	if _, err := a.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

func openAppend(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}
