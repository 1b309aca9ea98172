package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pairarb/internal/domain/model"
)

// Duration decodes "150ms" / "10s" from both toml and yaml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Config struct {
	App struct {
		LogLevel     string   `toml:"log_level" yaml:"log_level"`
		PollInterval Duration `toml:"poll_interval" yaml:"poll_interval"`
		PrintEvery   Duration `toml:"print_every" yaml:"print_every"`
	} `toml:"app" yaml:"app"`

	Arbitrage struct {
		Reference          string   `toml:"reference" yaml:"reference"`
		LeadTime           Duration `toml:"lead_time" yaml:"lead_time"`
		Window             Duration `toml:"window" yaml:"window"`
		WindowStep         Duration `toml:"window_step" yaml:"window_step"`
		BucketInterval     Duration `toml:"bucket_interval" yaml:"bucket_interval"`
		FirstBucketDelay   Duration `toml:"first_bucket_delay" yaml:"first_bucket_delay"`
		FirstMissThreshold float64  `toml:"first_miss_threshold_pct" yaml:"first_miss_threshold_pct"`
		MissThreshold      float64  `toml:"miss_threshold_pct" yaml:"miss_threshold_pct"`
		MaxMisses          int      `toml:"max_misses" yaml:"max_misses"`
		MinNotional        float64  `toml:"min_notional" yaml:"min_notional"`
		// nil 表示未配置，默认 true
		CloseOnFirstBucket *bool `toml:"close_on_first_bucket" yaml:"close_on_first_bucket"`
	} `toml:"arbitrage" yaml:"arbitrage"`

	Selling struct {
		LeadTime        Duration `toml:"lead_time" yaml:"lead_time"`
		SellDelay       Duration `toml:"sell_delay" yaml:"sell_delay"`
		DiscardTop      int      `toml:"discard_top" yaml:"discard_top"`
		LimitSettle     Duration `toml:"limit_settle" yaml:"limit_settle"`
		ConversionAsset string   `toml:"conversion_asset" yaml:"conversion_asset"`
		ConversionShare float64  `toml:"conversion_share" yaml:"conversion_share"`
		WithdrawAddress string   `toml:"withdraw_address" yaml:"withdraw_address"`
		WithdrawDelay   Duration `toml:"withdraw_delay" yaml:"withdraw_delay"`
	} `toml:"selling" yaml:"selling"`

	Retry struct {
		MaxAttempts     uint     `toml:"max_attempts" yaml:"max_attempts"`
		MaxElapsed      Duration `toml:"max_elapsed" yaml:"max_elapsed"`
		InitialInterval Duration `toml:"initial_interval" yaml:"initial_interval"`
		MaxInterval     Duration `toml:"max_interval" yaml:"max_interval"`
	} `toml:"retry" yaml:"retry"`

	Timesync struct {
		Samples  int      `toml:"samples" yaml:"samples"`
		Interval Duration `toml:"interval" yaml:"interval"`
	} `toml:"timesync" yaml:"timesync"`

	Exchange struct {
		Binance struct {
			APIKey         string   `toml:"api_key" yaml:"api_key"`
			APISecret      string   `toml:"api_secret" yaml:"api_secret"`
			BaseURL        string   `toml:"base_url" yaml:"base_url"`
			WsURL          string   `toml:"ws_url" yaml:"ws_url"`
			Timeout        Duration `toml:"timeout" yaml:"timeout"`
			RequestsPerSec float64  `toml:"requests_per_sec" yaml:"requests_per_sec"`
			Burst          int      `toml:"burst" yaml:"burst"`
		} `toml:"binance" yaml:"binance"`
	} `toml:"exchange" yaml:"exchange"`

	Storage struct {
		Driver string `toml:"driver" yaml:"driver"` // sqlite | postgres | mysql
		DSN    string `toml:"dsn" yaml:"dsn"`
	} `toml:"storage" yaml:"storage"`

	Redis struct {
		Enabled        bool   `toml:"enabled" yaml:"enabled"`
		Addr           string `toml:"addr" yaml:"addr"`
		Password       string `toml:"password" yaml:"password"`
		DB             int    `toml:"db" yaml:"db"`
		Prefix         string `toml:"prefix" yaml:"prefix"`
		DecisionStream string `toml:"decision_stream" yaml:"decision_stream"`
		NotifyChannel  string `toml:"notify_channel" yaml:"notify_channel"`
		StreamMaxLen   int64  `toml:"stream_max_len" yaml:"stream_max_len"`
	} `toml:"redis" yaml:"redis"`

	Telemetry struct {
		Endpoint    string   `toml:"endpoint" yaml:"endpoint"`
		Insecure    bool     `toml:"insecure" yaml:"insecure"`
		ServiceName string   `toml:"service_name" yaml:"service_name"`
		Interval    Duration `toml:"interval" yaml:"interval"`
	} `toml:"telemetry" yaml:"telemetry"`
}

// Load 按扩展名解析 toml 或 yaml，然后依次应用默认值、环境变量覆盖和校验
func Load(path string) (*Config, error) {
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml", "":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDur(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	setDur(&cfg.App.PollInterval, 10*time.Second)
	setDur(&cfg.App.PrintEvery, time.Minute)

	a := &cfg.Arbitrage
	if a.Reference == "" {
		a.Reference = string(model.QuoteBUSD)
	}
	setDur(&a.LeadTime, time.Minute)
	setDur(&a.Window, 10*time.Second)
	setDur(&a.WindowStep, 50*time.Millisecond)
	setDur(&a.BucketInterval, 50*time.Millisecond)
	setDur(&a.FirstBucketDelay, 1900*time.Millisecond)
	if a.FirstMissThreshold <= 0 {
		a.FirstMissThreshold = 0.1
	}
	if a.MissThreshold <= 0 {
		a.MissThreshold = 2
	}
	if a.MaxMisses <= 0 {
		a.MaxMisses = 5
	}
	if a.MinNotional <= 0 {
		a.MinNotional = 10
	}
	if a.CloseOnFirstBucket == nil {
		v := true
		a.CloseOnFirstBucket = &v
	}

	s := &cfg.Selling
	setDur(&s.LeadTime, 5*time.Minute)
	setDur(&s.SellDelay, 1100*time.Millisecond)
	if s.DiscardTop <= 0 {
		s.DiscardTop = 5
	}
	setDur(&s.LimitSettle, 150*time.Millisecond)
	if s.ConversionAsset == "" {
		s.ConversionAsset = string(model.QuoteETH)
	}
	if s.ConversionShare <= 0 {
		s.ConversionShare = 0.998
	}
	setDur(&s.WithdrawDelay, 70*time.Second)

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 8
	}
	setDur(&r.MaxElapsed, 30*time.Second)
	setDur(&r.InitialInterval, 100*time.Millisecond)
	setDur(&r.MaxInterval, 2*time.Second)

	if cfg.Timesync.Samples <= 0 {
		cfg.Timesync.Samples = 20
	}
	setDur(&cfg.Timesync.Interval, 500*time.Millisecond)

	b := &cfg.Exchange.Binance
	if b.BaseURL == "" {
		b.BaseURL = "https://api.binance.com"
	}
	if b.WsURL == "" {
		b.WsURL = "wss://stream.binance.com:9443"
	}
	setDur(&b.Timeout, 30*time.Second)
	if b.RequestsPerSec <= 0 {
		b.RequestsPerSec = 10
	}
	if b.Burst <= 0 {
		b.Burst = 20
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "data/pairarb.db"
	}

	rd := &cfg.Redis
	if rd.Addr == "" {
		rd.Addr = "127.0.0.1:6379"
	}
	if rd.Prefix == "" {
		rd.Prefix = "pairarb:"
	}
	if rd.DecisionStream == "" {
		rd.DecisionStream = "decisions"
	}
	if rd.NotifyChannel == "" {
		rd.NotifyChannel = "notifications"
	}
	if rd.StreamMaxLen <= 0 {
		rd.StreamMaxLen = 10000
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "pairarb"
	}
	setDur(&cfg.Telemetry.Interval, 15*time.Second)
}

// applyEnv 凭据和 DSN 允许从环境变量覆盖（main 里先 godotenv.Load）
func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&cfg.Exchange.Binance.APIKey, "BINANCE_API_KEY")
	override(&cfg.Exchange.Binance.APISecret, "BINANCE_API_SECRET")
	override(&cfg.Storage.DSN, "PAIRARB_STORAGE_DSN")
	override(&cfg.Redis.Password, "PAIRARB_REDIS_PASSWORD")
}

func validate(cfg *Config) error {
	ref, ok := model.ParseQuoteBase(cfg.Arbitrage.Reference)
	if !ok || !ref.IsStable() {
		return fmt.Errorf("arbitrage.reference %q must be a stable quote base", cfg.Arbitrage.Reference)
	}
	cfg.Arbitrage.Reference = string(ref)

	conv, ok := model.ParseQuoteBase(cfg.Selling.ConversionAsset)
	if !ok {
		return fmt.Errorf("selling.conversion_asset %q is not a quote base", cfg.Selling.ConversionAsset)
	}
	cfg.Selling.ConversionAsset = string(conv)
	if cfg.Selling.ConversionShare > 1 {
		return errors.New("selling.conversion_share must be <= 1")
	}
	if cfg.Arbitrage.WindowStep.Duration > cfg.Arbitrage.Window.Duration {
		return errors.New("arbitrage.window_step exceeds arbitrage.window")
	}

	switch cfg.Storage.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("storage.driver %q unsupported", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		return errors.New("storage.dsn is empty")
	}
	if strings.TrimSpace(cfg.Exchange.Binance.WsURL) == "" {
		return errors.New("exchange.binance.ws_url is empty")
	}
	return nil
}

// HasCredentials reports whether signed endpoints can be used.
func (c *Config) HasCredentials() bool {
	return c.Exchange.Binance.APIKey != "" && c.Exchange.Binance.APISecret != ""
}

func (c *Config) ReferenceBase() model.QuoteBase { return model.QuoteBase(c.Arbitrage.Reference) }

func (c *Config) ConversionBase() model.QuoteBase { return model.QuoteBase(c.Selling.ConversionAsset) }
