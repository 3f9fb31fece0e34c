package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Trading    TradingConfig    `yaml:"trading"`
	FeedHealth FeedHealthConfig `yaml:"feed_health"`
	Validation ValidationConfig `yaml:"validation"`
	Selector   SelectorConfig   `yaml:"selector"`
	Probe      ProbeConfig      `yaml:"probe"`
	Engine     EngineConfig     `yaml:"engine"`
	Assets     []string         `yaml:"assets"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SpotConfirmWait   time.Duration `yaml:"spot_confirm_wait"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// TradingConfig holds fee, slippage and sizing knobs. Slippage values are
// accepted either as raw rates (values in (0,1)) or basis points (values >= 1).
type TradingConfig struct {
	QuoteAsset       string  `yaml:"quote_asset"`
	MinPositionSize  float64 `yaml:"min_position_size"`
	MinEdgeRate      float64 `yaml:"min_edge_rate"`
	SpotFeeMode      string  `yaml:"spot_fee_mode"`
	PerpFeeMode      string  `yaml:"perp_fee_mode"`
	MakerFeeSpot     float64 `yaml:"maker_fee_spot"`
	MakerFeePerp     float64 `yaml:"maker_fee_perp"`
	TakerFeeSpot     float64 `yaml:"taker_fee_spot"`
	TakerFeePerp     float64 `yaml:"taker_fee_perp"`
	SlippageRate     float64 `yaml:"slippage_rate"`
	SlippageBuffer   float64 `yaml:"slippage_buffer"`
	MaxSpotSpreadBps float64 `yaml:"max_spot_spread_bps"`
}

type FeedHealthConfig struct {
	StaleMS     int64         `yaml:"stale_ms"`
	OutOfSyncMS int64         `yaml:"out_of_sync_ms"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	LogInterval time.Duration `yaml:"log_interval"`
}

type ValidationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	BatchSize      int           `yaml:"batch_size"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

type SelectorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Limit            int           `yaml:"limit"`
	MajorAsset       string        `yaml:"major_asset"`
	PreflightTimeout time.Duration `yaml:"preflight_timeout"`
	PreflightPoll    time.Duration `yaml:"preflight_poll"`
	WarmupTimeout    time.Duration `yaml:"warmup_timeout"`
	MaxFailures      int           `yaml:"max_failures"`
}

type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type EngineConfig struct {
	WouldTrade        bool          `yaml:"would_trade"`
	TraceEvery        time.Duration `yaml:"trace_every"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = time.Second
	}
	if cfg.WS.MaxReconnectDelay == 0 {
		cfg.WS.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.WS.IdleTimeout == 0 {
		cfg.WS.IdleTimeout = 20 * time.Second
	}
	if cfg.WS.SpotConfirmWait == 0 {
		cfg.WS.SpotConfirmWait = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-paper-arb.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9184"
	}
	if cfg.Trading.QuoteAsset == "" {
		cfg.Trading.QuoteAsset = "USDC"
	}
	if cfg.Trading.MinPositionSize == 0 {
		cfg.Trading.MinPositionSize = 1
	}
	if cfg.Trading.SpotFeeMode == "" {
		cfg.Trading.SpotFeeMode = "taker"
	}
	if cfg.Trading.PerpFeeMode == "" {
		cfg.Trading.PerpFeeMode = "taker"
	}
	if cfg.Trading.TakerFeeSpot == 0 {
		cfg.Trading.TakerFeeSpot = 0.001
	}
	if cfg.Trading.TakerFeePerp == 0 {
		cfg.Trading.TakerFeePerp = 0.0005
	}
	if cfg.Trading.MaxSpotSpreadBps == 0 {
		cfg.Trading.MaxSpotSpreadBps = 100
	}
	if cfg.FeedHealth.StaleMS == 0 {
		cfg.FeedHealth.StaleMS = 1500
	}
	if cfg.FeedHealth.OutOfSyncMS == 0 {
		cfg.FeedHealth.OutOfSyncMS = 1000
	}
	if cfg.FeedHealth.DedupTTL == 0 {
		cfg.FeedHealth.DedupTTL = 2 * time.Second
	}
	if cfg.FeedHealth.LogInterval == 0 {
		cfg.FeedHealth.LogInterval = 10 * time.Second
	}
	if cfg.Validation.SampleInterval == 0 {
		cfg.Validation.SampleInterval = 250 * time.Millisecond
	}
	if cfg.Validation.BatchSize == 0 {
		cfg.Validation.BatchSize = 50
	}
	if cfg.Validation.StatsInterval == 0 {
		cfg.Validation.StatsInterval = 5 * time.Second
	}
	if cfg.Selector.Limit == 0 {
		cfg.Selector.Limit = 15
	}
	if cfg.Selector.MajorAsset == "" {
		cfg.Selector.MajorAsset = "ETH"
	}
	if cfg.Selector.PreflightTimeout == 0 {
		cfg.Selector.PreflightTimeout = 6 * time.Second
	}
	if cfg.Selector.PreflightPoll == 0 {
		cfg.Selector.PreflightPoll = 250 * time.Millisecond
	}
	if cfg.Selector.WarmupTimeout == 0 {
		cfg.Selector.WarmupTimeout = 3 * time.Second
	}
	if cfg.Selector.MaxFailures == 0 {
		cfg.Selector.MaxFailures = 3
	}
	if cfg.Probe.MinDelay == 0 {
		cfg.Probe.MinDelay = 500 * time.Millisecond
	}
	if cfg.Probe.MaxAge == 0 {
		cfg.Probe.MaxAge = 10 * time.Second
	}
	if cfg.Engine.TraceEvery == 0 {
		cfg.Engine.TraceEvery = 10 * time.Second
	}
	if cfg.Engine.HeartbeatInterval == 0 {
		cfg.Engine.HeartbeatInterval = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Assets) == 0 && !cfg.Selector.Enabled {
		return errors.New("assets list is required when selector is disabled")
	}
	if cfg.Trading.MinPositionSize < 0 {
		return errors.New("trading.min_position_size must be >= 0")
	}
	if cfg.Trading.MinEdgeRate < 0 {
		return errors.New("trading.min_edge_rate must be >= 0")
	}
	if mode := cfg.Trading.SpotFeeMode; mode != "maker" && mode != "taker" {
		return errors.New("trading.spot_fee_mode must be maker or taker")
	}
	if mode := cfg.Trading.PerpFeeMode; mode != "maker" && mode != "taker" {
		return errors.New("trading.perp_fee_mode must be maker or taker")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
