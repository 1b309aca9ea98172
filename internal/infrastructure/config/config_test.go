package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/domain/model"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTOMLDefaults(t *testing.T) {
	path := write(t, "config.toml", `
[app]
log_level = "debug"

[arbitrage]
bucket_interval = "100ms"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.Arbitrage.BucketInterval.Duration)
	assert.Equal(t, 1900*time.Millisecond, cfg.Arbitrage.FirstBucketDelay.Duration)
	assert.Equal(t, 10*time.Second, cfg.Arbitrage.Window.Duration)
	assert.Equal(t, 5, cfg.Arbitrage.MaxMisses)
	assert.True(t, *cfg.Arbitrage.CloseOnFirstBucket)
	assert.Equal(t, model.QuoteBUSD, cfg.ReferenceBase())
	assert.Equal(t, uint(8), cfg.Retry.MaxAttempts)
	assert.Equal(t, 20, cfg.Timesync.Samples)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Selling.DiscardTop)
	assert.Equal(t, model.QuoteETH, cfg.ConversionBase())
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "config.yaml", `
arbitrage:
  reference: USDT
  close_on_first_bucket: false
  miss_threshold_pct: 1.5
storage:
  driver: postgres
  dsn: postgres://localhost/pairarb
selling:
  limit_settle: 200ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, model.QuoteUSDT, cfg.ReferenceBase())
	assert.False(t, *cfg.Arbitrage.CloseOnFirstBucket)
	assert.Equal(t, 1.5, cfg.Arbitrage.MissThreshold)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 200*time.Millisecond, cfg.Selling.LimitSettle.Duration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("PAIRARB_STORAGE_DSN", "/tmp/other.db")

	cfg, err := Load(write(t, "config.toml", `[exchange.binance]
api_key = "from-file"
`))
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.Exchange.Binance.APIKey)
	assert.True(t, cfg.HasCredentials())
	assert.Equal(t, "/tmp/other.db", cfg.Storage.DSN)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"crypto reference": "[arbitrage]\nreference = \"bnb\"\n",
		"unknown driver":   "[storage]\ndriver = \"oracle\"\n",
		"postgres no dsn":  "[storage]\ndriver = \"postgres\"\n",
		"bad duration":     "[arbitrage]\nwindow = \"soon\"\n",
		"share above one":  "[selling]\nconversion_share = 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, "config.toml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(write(t, "config.json", "{}"))
	assert.Error(t, err)
}
