package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Thresholds holds the resolved rule parameters. Values are copied, never shared mutably.
type Thresholds struct {
	PriceChangePct          float64
	SpreadAbs               float64
	IVRelativeMultiplier    float64
	IVAbsoluteCap           float64
	VolumeOIRatioSmartMoney float64
	VolumeOIRatioSpike      float64
	DeltaCross              float64
}

// DefaultThresholds returns the hardcoded rule defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceChangePct:          5.0,
		SpreadAbs:               0.05,
		IVRelativeMultiplier:    1.5,
		IVAbsoluteCap:           100.0,
		VolumeOIRatioSmartMoney: 0.5,
		VolumeOIRatioSpike:      0.20,
		DeltaCross:              0.5,
	}
}

// ConfigError reports a configuration field that could not be used.
type ConfigError struct {
	Field string
	Value interface{}
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: invalid value %v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type thresholdField struct {
	key     string
	aliases []string
	ref     func(*Thresholds) *float64
}

var thresholdFields = []thresholdField{
	{"price_change_pct", []string{"price_change"}, func(t *Thresholds) *float64 { return &t.PriceChangePct }},
	{"spread_abs", []string{"spread"}, func(t *Thresholds) *float64 { return &t.SpreadAbs }},
	{"iv_relative_multiplier", nil, func(t *Thresholds) *float64 { return &t.IVRelativeMultiplier }},
	{"iv_absolute_cap", nil, func(t *Thresholds) *float64 { return &t.IVAbsoluteCap }},
	{"volume_oi_ratio_smart_money", nil, func(t *Thresholds) *float64 { return &t.VolumeOIRatioSmartMoney }},
	{"volume_oi_ratio_spike", nil, func(t *Thresholds) *float64 { return &t.VolumeOIRatioSpike }},
	{"delta_cross", nil, func(t *Thresholds) *float64 { return &t.DeltaCross }},
}

// MergeThresholds returns a copy of base with every recognised key in overrides applied.
// A value that does not coerce to a float keeps the base value and is reported as a
// *ConfigError; the remaining fields are still merged.
func MergeThresholds(base Thresholds, overrides map[string]interface{}) (Thresholds, error) {
	merged := base
	if len(overrides) == 0 {
		return merged, nil
	}

	lowered := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		lowered[strings.ToLower(k)] = v
	}

	var errs []error
	for _, f := range thresholdFields {
		raw, ok := lookup(lowered, f)
		if !ok {
			continue
		}
		val, err := cast.ToFloat64E(raw)
		if err != nil {
			errs = append(errs, &ConfigError{Field: f.key, Value: raw, Err: err})
			continue
		}
		*f.ref(&merged) = val
	}
	return merged, errors.Join(errs...)
}

func lookup(m map[string]interface{}, f thresholdField) (interface{}, bool) {
	if v, ok := m[f.key]; ok {
		return v, true
	}
	for _, alias := range f.aliases {
		if v, ok := m[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

// legacyEnv maps the older flat environment names onto threshold keys.
var legacyEnv = map[string]string{
	"PRICE_CHANGE_THRESHOLD": "price_change_pct",
	"SPREAD_THRESHOLD":       "spread_abs",
}

// ThresholdsFromEnv overlays QUOTESENTINEL_<KEY> (and the legacy names) onto base.
func ThresholdsFromEnv(base Thresholds) (Thresholds, error) {
	env := make(map[string]interface{})
	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[key] = v
		}
	}
	for _, f := range thresholdFields {
		if v, ok := os.LookupEnv("QUOTESENTINEL_" + strings.ToUpper(f.key)); ok {
			env[f.key] = v
		}
	}
	return MergeThresholds(base, env)
}

// LoadThresholds re-reads the thresholds section and the static symbol list from the
// config file, with QUOTESENTINEL_MONITOR_SYMBOLS taking precedence as in Load. The
// symbols are nil when neither source sets them. A merge error still returns the
// merged thresholds alongside it.
func LoadThresholds(path string, base Thresholds) (Thresholds, []string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QUOTESENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return base, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	merged, err := MergeThresholds(base, v.GetStringMap("thresholds"))

	var symbols []string
	if v.IsSet("monitor.symbols") {
		symbols = symbolList(v.Get("monitor.symbols"))
	}
	return merged, symbols, err
}

// symbolList accepts a YAML list or a comma or space separated env string.
func symbolList(raw interface{}) []string {
	str, ok := raw.(string)
	if !ok {
		return cast.ToStringSlice(raw)
	}
	return strings.FieldsFunc(str, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// ThresholdStore publishes immutable Thresholds snapshots to concurrent readers.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
}

func NewThresholdStore(t Thresholds) *ThresholdStore {
	s := &ThresholdStore{}
	s.Store(t)
	return s
}

func (s *ThresholdStore) Load() Thresholds {
	return *s.current.Load()
}

func (s *ThresholdStore) Store(t Thresholds) {
	s.current.Store(&t)
}
