/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-appkit/config"
)

// Config represents a configuration for the rate limiter.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Namespace scopes all persisted limiter state in the shared store.
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`

	// Conditions contains the rate limit conditions, e.g. ["2/3s", "100/m"].
	Conditions []ConditionValue `mapstructure:"conditions" yaml:"conditions" json:"conditions"`

	// LockLease is the lease of the per-key lock held during one admission check.
	LockLease config.TimeDuration `mapstructure:"lockLease" yaml:"lockLease" json:"lockLease"`

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
	var opts configOptions
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
}

// Set sets limiter configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	for _, cv := range c.Conditions {
		if err := (Condition{Requests: cv.Count, Window: cv.Window}).validate(); err != nil {
			return fmt.Errorf("validate condition %q: %w", cv.String(), err)
		}
	}
	if c.LockLease < 0 {
		return fmt.Errorf("lock lease should be >= 0, got %s", time.Duration(c.LockLease))
	}
	return nil
}

// NewFromConfig creates a RateLimiter from a Config.
// Zero-window conditions from the config are dropped with a warning, like in AddCondition.
func NewFromConfig(store Store, cfg *Config, opts Opts) (*RateLimiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LockLease == 0 {
		opts.LockLease = time.Duration(cfg.LockLease)
	}
	rl, err := NewWithOpts(store, cfg.Namespace, opts)
	if err != nil {
		return nil, err
	}
	for _, cv := range cfg.Conditions {
		if err := rl.AddCondition(cv.Count, cv.Window); err != nil {
			return nil, err
		}
	}
	return rl, nil
}

// ConditionValue represents a rate limit condition in "N/T" form, where N is the allowed
// number of requests and T is a window: the shorthands s, m, h or any duration string
// like "90s" or "1h30m".
type ConditionValue struct {
	Count  int
	Window time.Duration
}

// String returns a string representation of the condition value.
// Implements fmt.Stringer interface.
func (cv ConditionValue) String() string {
	if cv.Count == 0 && cv.Window == 0 {
		return ""
	}
	var w string
	switch cv.Window {
	case time.Second:
		w = "s"
	case time.Minute:
		w = "m"
	case time.Hour:
		w = "h"
	default:
		w = cv.Window.String()
	}
	return fmt.Sprintf("%d/%s", cv.Count, w)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (cv *ConditionValue) UnmarshalText(text []byte) error {
	return cv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (cv *ConditionValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return cv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (cv *ConditionValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return cv.unmarshal(text)
}

func (cv *ConditionValue) unmarshal(condition string) error {
	if condition == "" {
		*cv = ConditionValue{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for condition %q, should be N/(s|m|h|duration), for example 10/s, 100/m, 2/90s", condition)
	parts := strings.SplitN(condition, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		window, err = time.ParseDuration(parts[1])
		if err != nil {
			return incorrectFormatErr
		}
	}
	*cv = ConditionValue{Count: count, Window: window}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (cv ConditionValue) MarshalText() ([]byte, error) {
	return []byte(cv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (cv ConditionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(cv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (cv ConditionValue) MarshalYAML() (interface{}, error) {
	return cv.String(), nil
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
