package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Pricing holds the billing knobs that operators tune without a deploy.
type Pricing struct {
	RateCentsPerHour       int64  `mapstructure:"rateCentsPerHour"`
	MinBillableMinutes     int64  `mapstructure:"minBillableMinutes"`
	MaxBillableMinutes     int64  `mapstructure:"maxBillableMinutes"`
	LatePickupAfterMinutes int64  `mapstructure:"latePickupAfterMinutes"`
	LatePickupCents        int64  `mapstructure:"latePickupCents"`
	TaxBasisPoints         int64  `mapstructure:"taxBasisPoints"`
	LateFeeCents           int64  `mapstructure:"lateFeeCents"`
	HoldThreshold          int64  `mapstructure:"holdThreshold"`
	DefaultDueDays         int    `mapstructure:"defaultDueDays"`
	Timezone               string `mapstructure:"timezone"`
}

func DefaultPricing() Pricing {
	return Pricing{
		RateCentsPerHour:       2000,
		MinBillableMinutes:     60,
		MaxBillableMinutes:     480,
		LatePickupAfterMinutes: 240,
		LatePickupCents:        500,
		TaxBasisPoints:         800,
		LateFeeCents:           500,
		HoldThreshold:          2,
		DefaultDueDays:         7,
		Timezone:               "UTC",
	}
}

// Location resolves Timezone, falling back to UTC.
func (p Pricing) Location() *time.Location {
	name := strings.TrimSpace(p.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type PricingHolder struct {
	current atomic.Value // holds Pricing
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(p Pricing) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(p)
	return holder
}

func NewPricingHolder(log *zap.Logger) (*PricingHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/daycare/config")
	v.AddConfigPath("/etc/daycare")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DAYCARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricing()
	v.SetDefault("pricing.rateCentsPerHour", defaults.RateCentsPerHour)
	v.SetDefault("pricing.minBillableMinutes", defaults.MinBillableMinutes)
	v.SetDefault("pricing.maxBillableMinutes", defaults.MaxBillableMinutes)
	v.SetDefault("pricing.latePickupAfterMinutes", defaults.LatePickupAfterMinutes)
	v.SetDefault("pricing.latePickupCents", defaults.LatePickupCents)
	v.SetDefault("pricing.taxBasisPoints", defaults.TaxBasisPoints)
	v.SetDefault("pricing.lateFeeCents", defaults.LateFeeCents)
	v.SetDefault("pricing.holdThreshold", defaults.HoldThreshold)
	v.SetDefault("pricing.defaultDueDays", defaults.DefaultDueDays)
	v.SetDefault("pricing.timezone", defaults.Timezone)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodePricing(v)
	if err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		log.Info("pricing.config.defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePricing(v)
		if err != nil {
			log.Warn("pricing.config.reload_rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing.config.reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodePricing overlays the keys present under "pricing" on the defaults.
func decodePricing(v *viper.Viper) (Pricing, error) {
	cfg := DefaultPricing()
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return Pricing{}, err
	}
	if err := ValidatePricing(cfg); err != nil {
		return Pricing{}, err
	}
	return cfg, nil
}

func (h *PricingHolder) Get() Pricing {
	return h.current.Load().(Pricing)
}

func ValidatePricing(p Pricing) error {
	if p.RateCentsPerHour <= 0 {
		return errors.New("pricing.rateCentsPerHour must be positive")
	}
	if p.MinBillableMinutes <= 0 || p.MaxBillableMinutes < p.MinBillableMinutes {
		return errors.New("pricing.minBillableMinutes and maxBillableMinutes are out of order")
	}
	if p.TaxBasisPoints < 0 || p.LateFeeCents < 0 || p.LatePickupCents < 0 {
		return errors.New("pricing amounts cannot be negative")
	}
	if p.HoldThreshold < 0 {
		return errors.New("pricing.holdThreshold cannot be negative")
	}
	if p.DefaultDueDays < 0 {
		return errors.New("pricing.defaultDueDays cannot be negative")
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.New("pricing.timezone is not a known location")
		}
	}
	return nil
}
