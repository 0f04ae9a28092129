// Package config loads and validates bot configuration.
//
// Config is loaded from a YAML file (default: configs/config.yaml) with
// environment overrides applied afterwards. Every operational knob the bot
// recognizes has a named env var (COPY_*, SIZING_*, EXECUTION_*,
// AUTO_KILL_*, POLYMARKET_*), so the bot runs from env alone when no file
// is present. Validation fails loudly at startup on any constraint breach.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Copy      CopyConfig      `mapstructure:"copy"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Execution ExecutionConfig `mapstructure:"execution"`
	AutoKill  AutoKillConfig  `mapstructure:"auto_kill"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	API       APIConfig       `mapstructure:"api"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CopyConfig selects the wallet to mirror and how its fills are grouped.
type CopyConfig struct {
	SourceWallet      string `mapstructure:"source_wallet"`
	Mode              string `mapstructure:"mode"`        // intent_net | fill_by_fill
	CoalesceMs        int    `mapstructure:"coalesce_ms"` // quiet period per bucket
	NetOppositeTrades bool   `mapstructure:"net_opposite_trades"`
}

// SizingConfig controls how a source notional becomes a bot-side order size
// and the notional budgets the risk tracker enforces. All values are USD.
type SizingConfig struct {
	Mode                            string  `mapstructure:"mode"` // fixed | proportional | capped_proportional
	FixedOrderNotionalUSD           float64 `mapstructure:"fixed_order_notional_usd"`
	SizeMultiplier                  float64 `mapstructure:"size_multiplier"`
	MinOrderNotionalUSD             float64 `mapstructure:"min_order_notional_usd"`
	MaxNotionalPerOrderUSD          float64 `mapstructure:"max_notional_per_order_usd"`
	MaxNotionalPerMarketUSD         float64 `mapstructure:"max_notional_per_market_usd"`
	MaxDailyTradedVolumeUSD         float64 `mapstructure:"max_daily_traded_volume_usd"`
	MaxTotalNotionalPer15mWindowUSD float64 `mapstructure:"max_total_notional_per_15m_window_usd"`
}

// ExecutionConfig controls order placement.
type ExecutionConfig struct {
	OrderType               string `mapstructure:"order_type"` // must be marketable_limit
	MaxSlippageBps          int    `mapstructure:"max_slippage_bps"`
	NearExpiryCutoffSeconds int    `mapstructure:"near_expiry_cutoff_seconds"`
	MaxSourceStalenessMs    int    `mapstructure:"max_source_staleness_ms"`
	FeeBps                  int    `mapstructure:"fee_bps"`
	DryRun                  bool   `mapstructure:"dry_run"`
	MaxRetries              int    `mapstructure:"max_retries"`
}

// AutoKillConfig holds the telemetry thresholds that drive the automatic
// kill switch. Recovery thresholds must sit below the trip thresholds to
// provide hysteresis.
type AutoKillConfig struct {
	MaxErrorRate                 float64 `mapstructure:"max_error_rate"`
	MaxP95LatencyMs              float64 `mapstructure:"max_p95_latency_ms"`
	RecoverMaxErrorRate          float64 `mapstructure:"recover_max_error_rate"`
	RecoverMaxP95LatencyMs       float64 `mapstructure:"recover_max_p95_latency_ms"`
	RecoveryConsecutiveSnapshots int     `mapstructure:"recovery_consecutive_snapshots"`
}

// WatcherConfig tunes the two intake producers.
type WatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FetchLimit   int           `mapstructure:"fetch_limit"`
	QueueSize    int           `mapstructure:"queue_size"`
	StreamName   string        `mapstructure:"stream_name"`
	EnableWS     bool          `mapstructure:"enable_ws"`
}

// APIConfig holds Polymarket endpoint URLs.
type APIConfig struct {
	DataAPIURL   string        `mapstructure:"data_api_url"`
	GammaBaseURL string        `mapstructure:"gamma_base_url"`
	CLOBBaseURL  string        `mapstructure:"clob_base_url"`
	WSBaseURL    string        `mapstructure:"ws_base_url"`
	MetadataTTL  time.Duration `mapstructure:"metadata_ttl"`
}

// WalletConfig holds signing and API credentials. Only required in live
// mode; the API key triple can be derived from the private key at startup.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	SignatureType int    `mapstructure:"signature_type"` // 0 EOA, 1 proxy, 2 safe
	ChainID       int    `mapstructure:"chain_id"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`
}

// StoreConfig locates the embedded state database.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// TelemetryConfig controls snapshot cadence, output files, and alert
// thresholds. Alerts are signal only; the auto-kill guard performs actions.
type TelemetryConfig struct {
	OutDir            string        `mapstructure:"out_dir"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	MaxWSDisconnectS  float64       `mapstructure:"max_ws_disconnect_s"`
	MaxRejectRate     float64       `mapstructure:"max_reject_rate"`
	MaxP95CopyDelayMs float64       `mapstructure:"max_p95_copy_delay_ms"`
}

// DashboardConfig controls the embedded HTTP/WebSocket dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// Load reads config from a YAML file (if present) with env var overrides.
// Sensitive fields always come from env: POLYMARKET_PRIVATE_KEY,
// POLYMARKET_API_KEY, POLYMARKET_API_SECRET, POLYMARKET_API_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COINBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("copy.mode", "intent_net")
	v.SetDefault("copy.coalesce_ms", 300)
	v.SetDefault("copy.net_opposite_trades", true)

	v.SetDefault("sizing.mode", "capped_proportional")
	v.SetDefault("sizing.fixed_order_notional_usd", 10.0)
	v.SetDefault("sizing.size_multiplier", 1.0)
	v.SetDefault("sizing.min_order_notional_usd", 1.0)
	v.SetDefault("sizing.max_notional_per_order_usd", 25.0)
	v.SetDefault("sizing.max_notional_per_market_usd", 150.0)
	v.SetDefault("sizing.max_daily_traded_volume_usd", 1000.0)
	v.SetDefault("sizing.max_total_notional_per_15m_window_usd", 400.0)

	v.SetDefault("execution.order_type", "marketable_limit")
	v.SetDefault("execution.max_slippage_bps", 120)
	v.SetDefault("execution.near_expiry_cutoff_seconds", 25)
	v.SetDefault("execution.max_source_staleness_ms", 4000)
	v.SetDefault("execution.fee_bps", 0)
	v.SetDefault("execution.dry_run", true)
	v.SetDefault("execution.max_retries", 3)

	v.SetDefault("auto_kill.max_error_rate", 0.2)
	v.SetDefault("auto_kill.max_p95_latency_ms", 1200.0)
	v.SetDefault("auto_kill.recover_max_error_rate", 0.1)
	v.SetDefault("auto_kill.recover_max_p95_latency_ms", 800.0)
	v.SetDefault("auto_kill.recovery_consecutive_snapshots", 2)

	v.SetDefault("watcher.poll_interval", 700*time.Millisecond)
	v.SetDefault("watcher.fetch_limit", 200)
	v.SetDefault("watcher.queue_size", 5000)
	v.SetDefault("watcher.stream_name", "activity")
	v.SetDefault("watcher.enable_ws", true)

	v.SetDefault("api.data_api_url", "https://data-api.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.ws_base_url", "wss://ws-subscriptions-clob.polymarket.com/ws")
	v.SetDefault("api.metadata_ttl", time.Minute)

	v.SetDefault("wallet.signature_type", 0)
	v.SetDefault("wallet.chain_id", 137)

	v.SetDefault("store.db_path", "data/coinbot.db")

	v.SetDefault("telemetry.out_dir", "runs/telemetry")
	v.SetDefault("telemetry.snapshot_interval", 30*time.Second)
	v.SetDefault("telemetry.max_ws_disconnect_s", 30.0)
	v.SetDefault("telemetry.max_reject_rate", 0.2)
	v.SetDefault("telemetry.max_p95_copy_delay_ms", 1500.0)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the bot's published env vars onto the config.
// These names predate the YAML layout and do not share a prefix, so they
// are applied explicitly rather than through viper's automatic binding.
func applyEnvOverrides(cfg *Config) error {
	envStr("COPY_SOURCE_WALLET", &cfg.Copy.SourceWallet)
	envStr("COPY_MODE", &cfg.Copy.Mode)
	if err := envInt("COPY_COALESCE_MS", &cfg.Copy.CoalesceMs); err != nil {
		return err
	}
	if err := envBool("COPY_NET_OPPOSITE_TRADES", &cfg.Copy.NetOppositeTrades); err != nil {
		return err
	}

	envStr("SIZING_MODE", &cfg.Sizing.Mode)
	if err := envFloat("SIZING_FIXED_ORDER_NOTIONAL_USD", &cfg.Sizing.FixedOrderNotionalUSD); err != nil {
		return err
	}
	if err := envFloat("SIZING_SIZE_MULTIPLIER", &cfg.Sizing.SizeMultiplier); err != nil {
		return err
	}
	if err := envFloat("SIZING_MIN_ORDER_NOTIONAL_USD", &cfg.Sizing.MinOrderNotionalUSD); err != nil {
		return err
	}
	if err := envFloat("SIZING_MAX_NOTIONAL_PER_ORDER_USD", &cfg.Sizing.MaxNotionalPerOrderUSD); err != nil {
		return err
	}
	if err := envFloat("SIZING_MAX_NOTIONAL_PER_MARKET_USD", &cfg.Sizing.MaxNotionalPerMarketUSD); err != nil {
		return err
	}
	if err := envFloat("SIZING_MAX_DAILY_TRADED_VOLUME_USD", &cfg.Sizing.MaxDailyTradedVolumeUSD); err != nil {
		return err
	}
	if err := envFloat("SIZING_MAX_TOTAL_NOTIONAL_PER_15M_WINDOW_USD", &cfg.Sizing.MaxTotalNotionalPer15mWindowUSD); err != nil {
		return err
	}

	envStr("EXECUTION_ORDER_TYPE", &cfg.Execution.OrderType)
	if err := envInt("EXECUTION_MAX_SLIPPAGE_BPS", &cfg.Execution.MaxSlippageBps); err != nil {
		return err
	}
	if err := envInt("EXECUTION_NEAR_EXPIRY_CUTOFF_SECONDS", &cfg.Execution.NearExpiryCutoffSeconds); err != nil {
		return err
	}
	if err := envInt("EXECUTION_MAX_SOURCE_STALENESS_MS", &cfg.Execution.MaxSourceStalenessMs); err != nil {
		return err
	}
	if err := envInt("EXECUTION_FEE_BPS", &cfg.Execution.FeeBps); err != nil {
		return err
	}
	if err := envBool("EXECUTION_DRY_RUN", &cfg.Execution.DryRun); err != nil {
		return err
	}

	if err := envFloat("AUTO_KILL_MAX_ERROR_RATE", &cfg.AutoKill.MaxErrorRate); err != nil {
		return err
	}
	if err := envFloat("AUTO_KILL_MAX_P95_LATENCY_MS", &cfg.AutoKill.MaxP95LatencyMs); err != nil {
		return err
	}
	if err := envFloat("AUTO_KILL_RECOVER_MAX_ERROR_RATE", &cfg.AutoKill.RecoverMaxErrorRate); err != nil {
		return err
	}
	if err := envFloat("AUTO_KILL_RECOVER_MAX_P95_LATENCY_MS", &cfg.AutoKill.RecoverMaxP95LatencyMs); err != nil {
		return err
	}
	if err := envInt("AUTO_KILL_RECOVERY_CONSECUTIVE_SNAPSHOTS", &cfg.AutoKill.RecoveryConsecutiveSnapshots); err != nil {
		return err
	}

	envStr("POLYMARKET_DATA_API_URL", &cfg.API.DataAPIURL)
	envStr("POLYMARKET_GAMMA_API_URL", &cfg.API.GammaBaseURL)
	envStr("POLYMARKET_CLOB_API_URL", &cfg.API.CLOBBaseURL)
	envStr("POLYMARKET_WS_URL", &cfg.API.WSBaseURL)
	envStr("POLYMARKET_PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	envStr("POLYMARKET_FUNDER", &cfg.Wallet.FunderAddress)
	envStr("POLYMARKET_API_KEY", &cfg.Wallet.ApiKey)
	envStr("POLYMARKET_API_SECRET", &cfg.Wallet.Secret)
	envStr("POLYMARKET_API_PASSPHRASE", &cfg.Wallet.Passphrase)

	return nil
}

func envStr(key string, dst *string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw
	}
}

func envBool(key string, dst *bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s: invalid bool %q", key, raw)
	}
	return nil
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid int %q", key, raw)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, raw)
	}
	*dst = f
	return nil
}

var walletRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Copy.SourceWallet == "" {
		return fmt.Errorf("copy.source_wallet is required (set COPY_SOURCE_WALLET)")
	}
	if !walletRe.MatchString(c.Copy.SourceWallet) {
		return fmt.Errorf("copy.source_wallet must be a 42-char 0x address, got %q", c.Copy.SourceWallet)
	}
	if c.Copy.Mode != "intent_net" && c.Copy.Mode != "fill_by_fill" {
		return fmt.Errorf("copy.mode must be intent_net or fill_by_fill, got %q", c.Copy.Mode)
	}
	if c.Copy.CoalesceMs <= 0 {
		return fmt.Errorf("copy.coalesce_ms must be > 0")
	}

	switch c.Sizing.Mode {
	case "fixed", "proportional", "capped_proportional":
	default:
		return fmt.Errorf("sizing.mode must be one of: fixed, proportional, capped_proportional, got %q", c.Sizing.Mode)
	}
	if c.Sizing.Mode == "fixed" && c.Sizing.FixedOrderNotionalUSD <= 0 {
		return fmt.Errorf("sizing.fixed_order_notional_usd must be > 0 in fixed mode")
	}
	if c.Sizing.Mode != "fixed" && c.Sizing.SizeMultiplier <= 0 {
		return fmt.Errorf("sizing.size_multiplier must be > 0 in proportional modes")
	}
	if c.Sizing.MinOrderNotionalUSD < 0 {
		return fmt.Errorf("sizing.min_order_notional_usd must be >= 0")
	}
	if c.Sizing.MaxNotionalPerOrderUSD < c.Sizing.MinOrderNotionalUSD {
		return fmt.Errorf("sizing.max_notional_per_order_usd (%.2f) must be >= min_order_notional_usd (%.2f)",
			c.Sizing.MaxNotionalPerOrderUSD, c.Sizing.MinOrderNotionalUSD)
	}
	if c.Sizing.MaxNotionalPerMarketUSD <= 0 {
		return fmt.Errorf("sizing.max_notional_per_market_usd must be > 0")
	}
	if c.Sizing.MaxDailyTradedVolumeUSD <= 0 {
		return fmt.Errorf("sizing.max_daily_traded_volume_usd must be > 0")
	}
	if c.Sizing.MaxTotalNotionalPer15mWindowUSD <= 0 {
		return fmt.Errorf("sizing.max_total_notional_per_15m_window_usd must be > 0")
	}

	if c.Execution.OrderType != "marketable_limit" {
		return fmt.Errorf("execution.order_type must be marketable_limit, got %q", c.Execution.OrderType)
	}
	if c.Execution.MaxSlippageBps <= 0 {
		return fmt.Errorf("execution.max_slippage_bps must be > 0")
	}
	if c.Execution.NearExpiryCutoffSeconds < 0 {
		return fmt.Errorf("execution.near_expiry_cutoff_seconds must be >= 0")
	}
	if c.Execution.MaxSourceStalenessMs <= 0 {
		return fmt.Errorf("execution.max_source_staleness_ms must be > 0")
	}
	if c.Execution.FeeBps < 0 {
		return fmt.Errorf("execution.fee_bps must be >= 0")
	}
	if c.Execution.MaxRetries < 1 {
		return fmt.Errorf("execution.max_retries must be >= 1")
	}
	if !c.Execution.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required in live mode (set POLYMARKET_PRIVATE_KEY)")
		}
		if c.Wallet.FunderAddress != "" && !walletRe.MatchString(c.Wallet.FunderAddress) {
			return fmt.Errorf("wallet.funder_address must be a 42-char 0x address, got %q", c.Wallet.FunderAddress)
		}
	}

	if c.AutoKill.MaxErrorRate <= 0 || c.AutoKill.MaxErrorRate > 1 {
		return fmt.Errorf("auto_kill.max_error_rate must be in (0, 1]")
	}
	if c.AutoKill.MaxP95LatencyMs <= 0 {
		return fmt.Errorf("auto_kill.max_p95_latency_ms must be > 0")
	}
	if c.AutoKill.RecoverMaxErrorRate >= c.AutoKill.MaxErrorRate {
		return fmt.Errorf("auto_kill.recover_max_error_rate (%.3f) must be < max_error_rate (%.3f)",
			c.AutoKill.RecoverMaxErrorRate, c.AutoKill.MaxErrorRate)
	}
	if c.AutoKill.RecoverMaxP95LatencyMs >= c.AutoKill.MaxP95LatencyMs {
		return fmt.Errorf("auto_kill.recover_max_p95_latency_ms (%.0f) must be < max_p95_latency_ms (%.0f)",
			c.AutoKill.RecoverMaxP95LatencyMs, c.AutoKill.MaxP95LatencyMs)
	}
	if c.AutoKill.RecoveryConsecutiveSnapshots < 1 {
		return fmt.Errorf("auto_kill.recovery_consecutive_snapshots must be >= 1")
	}

	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be > 0")
	}
	if c.Watcher.FetchLimit <= 0 {
		return fmt.Errorf("watcher.fetch_limit must be > 0")
	}
	if c.Watcher.QueueSize <= 0 {
		return fmt.Errorf("watcher.queue_size must be > 0")
	}

	if c.API.DataAPIURL == "" {
		return fmt.Errorf("api.data_api_url is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.MetadataTTL <= 0 {
		return fmt.Errorf("api.metadata_ttl must be > 0")
	}

	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	if c.Telemetry.OutDir == "" {
		return fmt.Errorf("telemetry.out_dir is required")
	}
	if c.Telemetry.SnapshotInterval <= 0 {
		return fmt.Errorf("telemetry.snapshot_interval must be > 0")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in 1..65535")
	}

	return nil
}
