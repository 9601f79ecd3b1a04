/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-flowlimit/buffer"
	"github.com/acronis/go-flowlimit/ratelimit"
)

const cfgDefaultKeyPrefix = "flowLimit"

const (
	cfgKeyBuffersHighCapacity   = "buffers.high.capacity"
	cfgKeyBuffersHighPolicy     = "buffers.high.overflowPolicy"
	cfgKeyBuffersNormalCapacity = "buffers.normal.capacity"
	cfgKeyBuffersNormalPolicy   = "buffers.normal.overflowPolicy"
	cfgKeyBuffersBlockTimeout   = "buffers.blockTimeout"

	cfgKeyRateLimitAlg      = "rateLimit.alg"
	cfgKeyRateLimitWindows  = "rateLimit.windows"
	cfgKeyRateLimitMaxBurst = "rateLimit.maxBurst"
	cfgKeyRateLimitMaxKeys  = "rateLimit.maxKeys"
	cfgKeyRateLimitDryRun   = "rateLimit.dryRun"

	cfgKeyThrottleEnabled           = "throttle.enabled"
	cfgKeyThrottleMediumThreshold   = "throttle.mediumThreshold"
	cfgKeyThrottleHighThreshold     = "throttle.highThreshold"
	cfgKeyThrottleMediumProbability = "throttle.mediumProbability"
	cfgKeyThrottleHighProbability   = "throttle.highProbability"
	cfgKeyThrottleLatencyCeiling    = "throttle.latencyCeiling"

	cfgKeyRetryMaxAttempts  = "retry.maxAttempts"
	cfgKeyRetryInitialDelay = "retry.initialDelay"
	cfgKeyRetryMultiplier   = "retry.multiplier"
	cfgKeyRetryMaxDelay     = "retry.maxDelay"

	cfgKeyWorkers = "workers"
)

// Supported rate-limiting algorithms for the single-window case.
// With more than one window configured, the multi-window sliding algorithm is always used.
const (
	RateLimitAlgSlidingWindow = "sliding_window"
	RateLimitAlgLeakyBucket   = "leaky_bucket"
	RateLimitAlgTokenBucket   = "token_bucket"
)

// Default configuration values.
const (
	DefaultHighBufferCapacity   = 64
	DefaultNormalBufferCapacity = 256

	DefaultRateLimitMaxKeys = 10000

	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 100 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 10 * time.Second
)

// BufferConfig configures one of the scheduler's buffers.
type BufferConfig struct {
	Capacity       int    `mapstructure:"capacity" yaml:"capacity" json:"capacity"`
	OverflowPolicy string `mapstructure:"overflowPolicy" yaml:"overflowPolicy" json:"overflowPolicy"`
}

// BuffersConfig configures both scheduler buffers.
type BuffersConfig struct {
	High   BufferConfig `mapstructure:"high" yaml:"high" json:"high"`
	Normal BufferConfig `mapstructure:"normal" yaml:"normal" json:"normal"`

	// BlockTimeout bounds the wait of a "block"-policy enqueue.
	BlockTimeout time.Duration `mapstructure:"blockTimeout" yaml:"blockTimeout" json:"blockTimeout"`
}

// RateLimitWindowConfig configures one rate-limit window.
type RateLimitWindowConfig struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration" json:"duration"`
	Max      int           `mapstructure:"max" yaml:"max" json:"max"`
}

// RateLimitConfig configures the per-key admission gate.
// Rate limiting is disabled when no windows are configured.
type RateLimitConfig struct {
	Alg      string                  `mapstructure:"alg" yaml:"alg" json:"alg"`
	Windows  []RateLimitWindowConfig `mapstructure:"windows" yaml:"windows" json:"windows"`
	MaxBurst int                     `mapstructure:"maxBurst" yaml:"maxBurst" json:"maxBurst"`
	MaxKeys  int                     `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// DryRun logs and counts would-be rate-limit rejections but always admits.
	// It applies to the rate limiter only; adaptive shedding still rejects.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
}

// ThrottleConfig configures load-adaptive shedding.
type ThrottleConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MediumThreshold   float64       `mapstructure:"mediumThreshold" yaml:"mediumThreshold" json:"mediumThreshold"`
	HighThreshold     float64       `mapstructure:"highThreshold" yaml:"highThreshold" json:"highThreshold"`
	MediumProbability float64       `mapstructure:"mediumProbability" yaml:"mediumProbability" json:"mediumProbability"`
	HighProbability   float64       `mapstructure:"highProbability" yaml:"highProbability" json:"highProbability"`
	LatencyCeiling    time.Duration `mapstructure:"latencyCeiling" yaml:"latencyCeiling" json:"latencyCeiling"`
}

// RetryConfig configures the resilient consumer's backoff.
type RetryConfig struct {
	// MaxAttempts is the number of retry attempts after the first failure.
	MaxAttempts  int           `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
	InitialDelay time.Duration `mapstructure:"initialDelay" yaml:"initialDelay" json:"initialDelay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`
}

// Config represents a set of configuration parameters for the flow controller.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Buffers   BuffersConfig   `mapstructure:"buffers" yaml:"buffers" json:"buffers"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`
	Throttle  ThrottleConfig  `mapstructure:"throttle" yaml:"throttle" json:"throttle"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry" json:"retry"`

	// Workers is the size of the consumer worker pool. 0 means GOMAXPROCS.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Buffers: BuffersConfig{
			High:         BufferConfig{Capacity: DefaultHighBufferCapacity, OverflowPolicy: buffer.OverflowBlock.String()},
			Normal:       BufferConfig{Capacity: DefaultNormalBufferCapacity, OverflowPolicy: buffer.OverflowDropOldest.String()},
			BlockTimeout: buffer.DefaultBlockTimeout,
		},
		RateLimit: RateLimitConfig{
			Alg:     RateLimitAlgSlidingWindow,
			MaxKeys: DefaultRateLimitMaxKeys,
		},
		Throttle: ThrottleConfig{
			MediumThreshold:   0.5,
			HighThreshold:     0.85,
			MediumProbability: 0.7,
			HighProbability:   0.25,
		},
		Retry: RetryConfig{
			MaxAttempts:  DefaultRetryMaxAttempts,
			InitialDelay: DefaultRetryInitialDelay,
			Multiplier:   DefaultRetryMultiplier,
			MaxDelay:     DefaultRetryMaxDelay,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBuffersHighCapacity, DefaultHighBufferCapacity)
	dp.SetDefault(cfgKeyBuffersHighPolicy, buffer.OverflowBlock.String())
	dp.SetDefault(cfgKeyBuffersNormalCapacity, DefaultNormalBufferCapacity)
	dp.SetDefault(cfgKeyBuffersNormalPolicy, buffer.OverflowDropOldest.String())
	dp.SetDefault(cfgKeyBuffersBlockTimeout, buffer.DefaultBlockTimeout)
	dp.SetDefault(cfgKeyRateLimitAlg, RateLimitAlgSlidingWindow)
	dp.SetDefault(cfgKeyRateLimitMaxKeys, DefaultRateLimitMaxKeys)
	dp.SetDefault(cfgKeyThrottleMediumThreshold, 0.5)
	dp.SetDefault(cfgKeyThrottleHighThreshold, 0.85)
	dp.SetDefault(cfgKeyThrottleMediumProbability, 0.7)
	dp.SetDefault(cfgKeyThrottleHighProbability, 0.25)
	dp.SetDefault(cfgKeyRetryMaxAttempts, DefaultRetryMaxAttempts)
	dp.SetDefault(cfgKeyRetryInitialDelay, DefaultRetryInitialDelay)
	dp.SetDefault(cfgKeyRetryMultiplier, DefaultRetryMultiplier)
	dp.SetDefault(cfgKeyRetryMaxDelay, DefaultRetryMaxDelay)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Buffers.High.Capacity, err = dp.GetInt(cfgKeyBuffersHighCapacity); err != nil {
		return err
	}
	if c.Buffers.High.OverflowPolicy, err = dp.GetString(cfgKeyBuffersHighPolicy); err != nil {
		return err
	}
	if c.Buffers.Normal.Capacity, err = dp.GetInt(cfgKeyBuffersNormalCapacity); err != nil {
		return err
	}
	if c.Buffers.Normal.OverflowPolicy, err = dp.GetString(cfgKeyBuffersNormalPolicy); err != nil {
		return err
	}
	if c.Buffers.BlockTimeout, err = dp.GetDuration(cfgKeyBuffersBlockTimeout); err != nil {
		return err
	}

	availableAlgs := []string{RateLimitAlgSlidingWindow, RateLimitAlgLeakyBucket, RateLimitAlgTokenBucket}
	if c.RateLimit.Alg, err = dp.GetStringFromSet(cfgKeyRateLimitAlg, availableAlgs, false); err != nil {
		return err
	}
	if err = dp.UnmarshalKey(cfgKeyRateLimitWindows, &c.RateLimit.Windows); err != nil {
		return err
	}
	if c.RateLimit.MaxBurst, err = dp.GetInt(cfgKeyRateLimitMaxBurst); err != nil {
		return err
	}
	if c.RateLimit.MaxKeys, err = dp.GetInt(cfgKeyRateLimitMaxKeys); err != nil {
		return err
	}
	if c.RateLimit.DryRun, err = dp.GetBool(cfgKeyRateLimitDryRun); err != nil {
		return err
	}

	if c.Throttle.Enabled, err = dp.GetBool(cfgKeyThrottleEnabled); err != nil {
		return err
	}
	if c.Throttle.MediumThreshold, err = dp.GetFloat64(cfgKeyThrottleMediumThreshold); err != nil {
		return err
	}
	if c.Throttle.HighThreshold, err = dp.GetFloat64(cfgKeyThrottleHighThreshold); err != nil {
		return err
	}
	if c.Throttle.MediumProbability, err = dp.GetFloat64(cfgKeyThrottleMediumProbability); err != nil {
		return err
	}
	if c.Throttle.HighProbability, err = dp.GetFloat64(cfgKeyThrottleHighProbability); err != nil {
		return err
	}
	if c.Throttle.LatencyCeiling, err = dp.GetDuration(cfgKeyThrottleLatencyCeiling); err != nil {
		return err
	}

	if c.Retry.MaxAttempts, err = dp.GetInt(cfgKeyRetryMaxAttempts); err != nil {
		return err
	}
	if c.Retry.InitialDelay, err = dp.GetDuration(cfgKeyRetryInitialDelay); err != nil {
		return err
	}
	if c.Retry.Multiplier, err = dp.GetFloat64(cfgKeyRetryMultiplier); err != nil {
		return err
	}
	if c.Retry.MaxDelay, err = dp.GetDuration(cfgKeyRetryMaxDelay); err != nil {
		return err
	}

	if c.Workers, err = dp.GetInt(cfgKeyWorkers); err != nil {
		return err
	}

	if err = c.Validate(); err != nil {
		return dp.WrapKeyErr(c.KeyPrefix(), err)
	}
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Buffers.High.Capacity <= 0 {
		return fmt.Errorf("high buffer capacity should be positive, got %d", c.Buffers.High.Capacity)
	}
	if c.Buffers.Normal.Capacity <= 0 {
		return fmt.Errorf("normal buffer capacity should be positive, got %d", c.Buffers.Normal.Capacity)
	}
	if _, err := buffer.ParseOverflowPolicy(c.Buffers.High.OverflowPolicy); err != nil {
		return fmt.Errorf("high buffer: %w", err)
	}
	if _, err := buffer.ParseOverflowPolicy(c.Buffers.Normal.OverflowPolicy); err != nil {
		return fmt.Errorf("normal buffer: %w", err)
	}
	if c.Buffers.BlockTimeout < 0 {
		return fmt.Errorf("block timeout should not be negative, got %s", c.Buffers.BlockTimeout)
	}

	switch c.RateLimit.Alg {
	case "", RateLimitAlgSlidingWindow, RateLimitAlgLeakyBucket, RateLimitAlgTokenBucket:
	default:
		return fmt.Errorf("unknown rate limit alg %q", c.RateLimit.Alg)
	}
	for i, w := range c.RateLimit.Windows {
		if err := (ratelimit.Rate{Count: w.Max, Duration: w.Duration}).Validate(); err != nil {
			return fmt.Errorf("rate limit window #%d: %w", i, err)
		}
	}
	if c.RateLimit.MaxKeys < 0 {
		return fmt.Errorf("rate limit max keys should not be negative, got %d", c.RateLimit.MaxKeys)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts should not be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxAttempts > 0 {
		if c.Retry.InitialDelay <= 0 {
			return fmt.Errorf("retry initial delay should be positive, got %s", c.Retry.InitialDelay)
		}
		if c.Retry.Multiplier < 1 {
			return fmt.Errorf("retry multiplier should be >= 1, got %v", c.Retry.Multiplier)
		}
		if c.Retry.MaxDelay < c.Retry.InitialDelay {
			return fmt.Errorf("retry max delay should not be less than initial delay, got %s < %s",
				c.Retry.MaxDelay, c.Retry.InitialDelay)
		}
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers should not be negative, got %d", c.Workers)
	}
	return nil
}
