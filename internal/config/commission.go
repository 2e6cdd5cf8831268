package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierThreshold maps a trailing volume (minor units) to a vendor tier level.
type TierThreshold struct {
	Level     string
	MinVolume int64
}

// CommissionConfig is the hot-reloadable policy configuration for clearance and vendor tiers.
type CommissionConfig struct {
	DefaultClearanceWindow time.Duration
	// OwnerClearanceWindows overrides the default per rule owner (keyed by owner id).
	OwnerClearanceWindows map[string]time.Duration
	ClearanceChunkSize    int
	ClearanceConcurrency  int
	RuleCacheTTL          time.Duration
	TierWindow            time.Duration
	TierThresholds        []TierThreshold
}

func DefaultCommissionConfig() CommissionConfig {
	return CommissionConfig{
		DefaultClearanceWindow: 14 * 24 * time.Hour,
		OwnerClearanceWindows:  map[string]time.Duration{},
		ClearanceChunkSize:     50,
		ClearanceConcurrency:   4,
		RuleCacheTTL:           time.Minute,
		TierWindow:             30 * 24 * time.Hour,
		TierThresholds: []TierThreshold{
			{Level: "standard", MinVolume: 0},
			{Level: "silver", MinVolume: 1_000_000},
			{Level: "gold", MinVolume: 10_000_000},
		},
	}
}

// ClearanceWindow returns the clearance window configured for the owner, falling back to the default.
func (c CommissionConfig) ClearanceWindow(ownerID string) time.Duration {
	if w, ok := c.OwnerClearanceWindows[strings.ToLower(strings.TrimSpace(ownerID))]; ok {
		return w
	}
	return c.DefaultClearanceWindow
}

// TierFor returns the highest tier level whose threshold the volume reaches.
func (c CommissionConfig) TierFor(volume int64) string {
	level := ""
	var best int64 = -1
	for _, t := range c.TierThresholds {
		if volume >= t.MinVolume && t.MinVolume > best {
			best = t.MinVolume
			level = t.Level
		}
	}
	return level
}

type CommissionConfigHolder struct {
	current atomic.Value // holds CommissionConfig
}

// NewStaticCommissionConfigHolder wraps a fixed configuration, used by tests and the CLI.
func NewStaticCommissionConfigHolder(cfg CommissionConfig) (*CommissionConfigHolder, error) {
	if err := validateCommissionConfig(cfg); err != nil {
		return nil, err
	}
	holder := &CommissionConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewCommissionConfigHolder(log *zap.Logger) (*CommissionConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("commission")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/revshare/config")
	v.AddConfigPath("/etc/revshare")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REVSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCommissionConfig()
	v.SetDefault("commission.defaultClearanceWindow", defaults.DefaultClearanceWindow)
	v.SetDefault("commission.ownerClearanceWindows", defaults.OwnerClearanceWindows)
	v.SetDefault("commission.clearanceChunkSize", defaults.ClearanceChunkSize)
	v.SetDefault("commission.clearanceConcurrency", defaults.ClearanceConcurrency)
	v.SetDefault("commission.ruleCacheTTL", defaults.RuleCacheTTL)
	v.SetDefault("commission.tierWindow", defaults.TierWindow)
	v.SetDefault("commission.tierThresholds", defaults.TierThresholds)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeCommissionConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &CommissionConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCommissionConfig(v)
		if err != nil {
			log.Warn("commission config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("commission config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CommissionConfigHolder) Get() CommissionConfig {
	return h.current.Load().(CommissionConfig)
}

func decodeCommissionConfig(v *viper.Viper) (CommissionConfig, error) {
	// file values and defaults merge per leaf
	var wrapped struct{ Commission CommissionConfig }
	if err := v.Unmarshal(&wrapped); err != nil {
		return CommissionConfig{}, err
	}
	cfg := wrapped.Commission
	if cfg.OwnerClearanceWindows == nil {
		cfg.OwnerClearanceWindows = map[string]time.Duration{}
	}
	if err := validateCommissionConfig(cfg); err != nil {
		return CommissionConfig{}, err
	}
	return cfg, nil
}

func validateCommissionConfig(cfg CommissionConfig) error {
	if cfg.DefaultClearanceWindow < 0 {
		return errors.New("commission.defaultClearanceWindow cannot be negative")
	}
	for owner, w := range cfg.OwnerClearanceWindows {
		if w < 0 {
			return fmt.Errorf("commission.ownerClearanceWindows[%s] cannot be negative", owner)
		}
	}
	if cfg.ClearanceChunkSize <= 0 {
		return errors.New("commission.clearanceChunkSize must be positive")
	}
	if cfg.ClearanceConcurrency <= 0 {
		return errors.New("commission.clearanceConcurrency must be positive")
	}
	if cfg.TierWindow <= 0 {
		return errors.New("commission.tierWindow must be positive")
	}
	if len(cfg.TierThresholds) == 0 {
		return errors.New("commission.tierThresholds cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.TierThresholds))
	for _, t := range cfg.TierThresholds {
		level := strings.TrimSpace(t.Level)
		if level == "" {
			return errors.New("commission.tierThresholds level cannot be empty")
		}
		if t.MinVolume < 0 {
			return fmt.Errorf("commission.tierThresholds[%s] minVolume cannot be negative", level)
		}
		if _, dup := seen[level]; dup {
			return fmt.Errorf("commission.tierThresholds[%s] declared twice", level)
		}
		seen[level] = struct{}{}
	}
	return nil
}
