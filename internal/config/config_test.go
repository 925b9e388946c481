package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadRunDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("BILLING_RUN_INTERVAL", "")
	t.Setenv("BILLING_MAX_ATTEMPTS", "")

	cfg := Load()
	assert.Equal(t, StoreDriverGorm, cfg.StoreDriver)
	assert.Equal(t, 24*time.Hour, cfg.Run.Interval)
	assert.Equal(t, 3, cfg.Run.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Run.RetryDelay)
}

func TestLoadRunOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("BILLING_RUN_INTERVAL", "6h")
	t.Setenv("BILLING_RETRY_DELAY", "5")
	t.Setenv("BILLING_DRY_RUN", "yes")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, 6*time.Hour, cfg.Run.Interval)
	assert.Equal(t, 5*time.Second, cfg.Run.RetryDelay)
	assert.True(t, cfg.Run.DefaultDryRun)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestValidatePricing(t *testing.T) {
	require.NoError(t, ValidatePricing(DefaultPricing()))

	bad := DefaultPricing()
	bad.RateCentsPerHour = 0
	assert.Error(t, ValidatePricing(bad))

	bad = DefaultPricing()
	bad.MaxBillableMinutes = 30
	assert.Error(t, ValidatePricing(bad))

	bad = DefaultPricing()
	bad.Timezone = "Mars/Olympus"
	assert.Error(t, ValidatePricing(bad))
}

func TestPricingHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewPricingHolder(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultPricing(), holder.Get())
	assert.Equal(t, time.UTC, holder.Get().Location())
}

func TestPricingHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	body := "pricing:\n  rateCentsPerHour: 2500\n  holdThreshold: 4\n  timezone: America/New_York\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pricing.yml"), []byte(body), 0o600))

	holder, err := NewPricingHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, int64(2500), got.RateCentsPerHour)
	assert.Equal(t, int64(4), got.HoldThreshold)
	assert.Equal(t, int64(800), got.TaxBasisPoints)
	assert.Equal(t, int64(60), got.MinBillableMinutes)
	assert.Equal(t, int64(480), got.MaxBillableMinutes)
	assert.Equal(t, "America/New_York", got.Location().String())
}

func TestDecodePricingKeepsDefaultsForMissingKeys(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yml")
	require.NoError(t, v.ReadConfig(strings.NewReader("pricing:\n  lateFeeCents: 750\n")))

	got, err := decodePricing(v)
	require.NoError(t, err)

	want := DefaultPricing()
	want.LateFeeCents = 750
	assert.Equal(t, want, got)
}

func TestDecodePricingRejectsInvalidValues(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yml")
	require.NoError(t, v.ReadConfig(strings.NewReader("pricing:\n  minBillableMinutes: 600\n")))

	_, err := decodePricing(v)
	assert.Error(t, err)
}

func TestPricingHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pricing.yml"), []byte("pricing:\n  rateCentsPerHour: -1\n"), 0o600))

	_, err := NewPricingHolder(zap.NewNop())
	assert.Error(t, err)
}
