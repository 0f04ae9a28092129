package telemetry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	snapshotCSVName   = "snapshots.csv"
	snapshotJSONLName = "snapshots.jsonl"
)

// snapshotFields is the fixed CSV column set, written once per file. New
// fields go to the JSONL stream only; the CSV layout stays stable for
// downstream spreadsheets.
var snapshotFields = []string{
	"ts",
	"copy_delay_p50_ms",
	"copy_delay_p95_ms",
	"copy_delay_p99_ms",
	"source_fills",
	"destination_orders",
	"coalescing_efficiency",
	"reject_rate",
	"alert_ws_disconnect",
	"alert_reject_spike",
	"alert_p95_latency",
	"kill_switch_active",
	"kill_switch_reason",
	"realized_pnl_usd",
	"realized_settled_pnl_usd",
	"unrealized_pnl_usd",
	"fees_usd",
	"net_pnl_usd",
}

// SnapshotRow is one periodic dashboard record. Pointer fields are omitted
// as empty cells in CSV and null in JSONL while no sample exists.
type SnapshotRow struct {
	TS                    string          `json:"ts"`
	CopyDelayP50Ms        *float64        `json:"copy_delay_p50_ms"`
	CopyDelayP95Ms        *float64        `json:"copy_delay_p95_ms"`
	CopyDelayP99Ms        *float64        `json:"copy_delay_p99_ms"`
	SourceFills           int             `json:"source_fills"`
	DestinationOrders     int             `json:"destination_orders"`
	Submissions           int             `json:"submissions"`
	Rejections            int             `json:"rejections"`
	CoalescingEfficiency  *float64        `json:"coalescing_efficiency"`
	RejectRate            float64         `json:"reject_rate"`
	WSDisconnectS         float64         `json:"ws_disconnect_s"`
	AlertWSDisconnect     bool            `json:"alert_ws_disconnect"`
	AlertRejectSpike      bool            `json:"alert_reject_spike"`
	AlertP95Latency       bool            `json:"alert_p95_latency"`
	KillSwitchActive      bool            `json:"kill_switch_active"`
	KillSwitchReason      string          `json:"kill_switch_reason"`
	RealizedPnLUSD        decimal.Decimal `json:"realized_pnl_usd"`
	RealizedSettledPnLUSD decimal.Decimal `json:"realized_settled_pnl_usd"`
	UnrealizedPnLUSD      decimal.Decimal `json:"unrealized_pnl_usd"`
	FeesUSD               decimal.Decimal `json:"fees_usd"`
	NetPnLUSD             decimal.Decimal `json:"net_pnl_usd"`
}

// Exporter appends dashboard snapshots to snapshots.csv and
// snapshots.jsonl under the telemetry output directory.
type Exporter struct {
	mu    sync.Mutex
	csvF  *os.File
	csvW  *csv.Writer
	jsonF *os.File
}

// NewExporter opens both sink files, writing the CSV header only when the
// file is new so restarts keep appending to one coherent table.
func NewExporter(outDir string) (*Exporter, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}

	csvPath := filepath.Join(outDir, snapshotCSVName)
	_, statErr := os.Stat(csvPath)
	needHeader := os.IsNotExist(statErr)

	csvF, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", snapshotCSVName, err)
	}
	csvW := csv.NewWriter(csvF)
	if needHeader {
		if err := csvW.Write(snapshotFields); err != nil {
			csvF.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		csvW.Flush()
		if err := csvW.Error(); err != nil {
			csvF.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	jsonF, err := openAppend(outDir, snapshotJSONLName)
	if err != nil {
		csvF.Close()
		return nil, err
	}

	return &Exporter{csvF: csvF, csvW: csvW, jsonF: jsonF}, nil
}

// WriteSnapshot stamps the row with the current UTC time and appends it to
// both sinks.
func (e *Exporter) WriteSnapshot(row SnapshotRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	row.TS = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := e.jsonF.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append snapshot jsonl: %w", err)
	}

	if err := e.csvW.Write(csvRecord(row)); err != nil {
		return fmt.Errorf("append snapshot csv: %w", err)
	}
	e.csvW.Flush()
	if err := e.csvW.Error(); err != nil {
		return fmt.Errorf("flush snapshot csv: %w", err)
	}
	return nil
}

// Close flushes and closes both sinks.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.csvW.Flush()
	csvErr := e.csvF.Close()
	jsonErr := e.jsonF.Close()
	if csvErr != nil {
		return csvErr
	}
	return jsonErr
}

func csvRecord(row SnapshotRow) []string {
	return []string{
		row.TS,
		fmtFloatPtr(row.CopyDelayP50Ms),
		fmtFloatPtr(row.CopyDelayP95Ms),
		fmtFloatPtr(row.CopyDelayP99Ms),
		strconv.Itoa(row.SourceFills),
		strconv.Itoa(row.DestinationOrders),
		fmtFloatPtr(row.CoalescingEfficiency),
		fmtFloat(row.RejectRate),
		strconv.FormatBool(row.AlertWSDisconnect),
		strconv.FormatBool(row.AlertRejectSpike),
		strconv.FormatBool(row.AlertP95Latency),
		strconv.FormatBool(row.KillSwitchActive),
		row.KillSwitchReason,
		row.RealizedPnLUSD.String(),
		row.RealizedSettledPnLUSD.String(),
		row.UnrealizedPnLUSD.String(),
		row.FeesUSD.String(),
		row.NetPnLUSD.String(),
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtFloat(*v)
}
