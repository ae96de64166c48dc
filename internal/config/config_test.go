package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
business:
  poll_interval: 2s
packages:
  - id: starter
    credits: 10
    price_usd: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Business.QuotaEnabled)
	assert.Equal(t, 2, cfg.Business.DailyFreeAllowance)
	assert.Equal(t, 1, cfg.Business.MaxConcurrentGenerations)
	assert.Equal(t, 2*time.Second, cfg.Business.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Business.PollTimeout)
	assert.InDelta(t, 0.02, cfg.Business.AmountTolerance, 1e-9)
	assert.Equal(t, "local", cfg.Ledger.Lock)
	assert.Equal(t, "actually_paid_at_fiat", cfg.Payment.PaidAmountField)

	pkg, ok := cfg.Package("starter")
	require.True(t, ok)
	assert.Equal(t, int64(10), pkg.Credits)
	_, ok = cfg.Package("missing")
	assert.False(t, ok)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GENRELAY_LEDGER_LOCK", "redis")
	t.Setenv("GENRELAY_BUSINESS_DAILY_FREE_ALLOWANCE", "5")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Ledger.Lock)
	assert.Equal(t, 5, cfg.Business.DailyFreeAllowance)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			Business: BusinessConfig{
				DailyFreeAllowance:       2,
				MaxConcurrentGenerations: 1,
				PollInterval:             time.Second,
				PollTimeout:              time.Minute,
				AmountTolerance:          0.02,
			},
			Ledger: LedgerConfig{Lock: "local"},
		}
	}

	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"missing token":   func(c *Config) { c.Telegram.Token = "" },
		"zero concurrent": func(c *Config) { c.Business.MaxConcurrentGenerations = 0 },
		"tolerance":       func(c *Config) { c.Business.AmountTolerance = 1.5 },
		"lock kind":       func(c *Config) { c.Ledger.Lock = "etcd" },
		"poll timeout":    func(c *Config) { c.Business.PollTimeout = time.Millisecond },
		"duplicate package": func(c *Config) {
			c.Packages = []PackageConfig{{ID: "a", Credits: 1, PriceUSD: 1}, {ID: "a", Credits: 2, PriceUSD: 2}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
