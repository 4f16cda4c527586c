// Package config defines the canonical, JSON-serializable configuration model
// for the import service. It is intentionally small, explicit, and dependency-
// free so that configs can be loaded from disk (or other sources) and passed
// through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in service
//     config files.
//  3. Minimalism: No third-party config libraries; decoding is performed by the
//     standard library, with a light Options helper for typed access.
//
// Example (trimmed):
//
//	{
//	  "job":     "imports",
//	  "storage": { "kind": "postgres", "dsn": "postgresql://..." },
//	  "runtime": { "batch_size": 500, "sweep_interval_ms": 30000 },
//	  "retry":   { "max_retries": 3, "base_delay_ms": 30000, "max_delay_ms": 300000 },
//	  "geocode": { "provider": "nominatim", "base_url": "https://nominatim.example.net/search" }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Service describes the full import service configuration. It is the
// top-level object decoded from a config file.
type Service struct {
	// Job names this deployment for metrics labeling and log correlation.
	Job string `json:"job"`

	// Storage selects and parameterizes the persistence backend.
	Storage Storage `json:"storage"`

	Runtime RuntimeConfig `json:"runtime"`

	// Retry bounds the automatic recovery of failed jobs.
	Retry RetryConfig `json:"retry"`

	// Geocode configures the optional address resolution provider.
	Geocode Geocode `json:"geocode"`

	// Metrics selects an optional metrics backend.
	Metrics Metrics `json:"metrics"`
}

// Storage selects the backend used to persist jobs, datasets, schema
// versions, and events.
type Storage struct {
	// Kind selects the storage implementation: "postgres", "sqlite", or
	// "memory".
	Kind string `json:"kind"`

	// DSN is the backend connection string; ignored by the memory backend.
	DSN string `json:"dsn"`
}

// RuntimeConfig controls batching and the recovery sweep cadence.
type RuntimeConfig struct {
	// BatchSize is the number of source rows per pipeline batch.
	BatchSize int `json:"batch_size"`

	// SweepIntervalMS is how often the recovery sweep examines failed jobs,
	// in milliseconds. Zero disables the sweep loop.
	SweepIntervalMS int `json:"sweep_interval_ms"`

	// GeocodeParallelism bounds concurrent geocoder lookups per batch.
	GeocodeParallelism int `json:"geocode_parallelism"`
}

// RetryConfig is the JSON shape of the retry policy. Durations are carried as
// milliseconds so configs stay plain numbers.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// Geocode configures the address resolution provider.
type Geocode struct {
	// Provider selects the implementation. Current value: "nominatim".
	// Empty disables geocoding; rows without coordinates pass through.
	Provider string `json:"provider"`

	// BaseURL is the provider's search endpoint.
	BaseURL string `json:"base_url"`

	// Options is a free-form map interpreted by the provider implementation.
	Options Options `json:"options"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend selects the implementation: "prometheus", "datadog", or empty
	// for the built-in no-op.
	Backend string `json:"backend"`

	// PushgatewayURL is the Prometheus Pushgateway base URL, for the
	// "prometheus" backend.
	PushgatewayURL string `json:"pushgateway_url"`

	// StatsdAddr is the DogStatsD address, for the "datadog" backend.
	StatsdAddr string `json:"statsd_addr"`

	// Namespace is an optional prefix added to all metric names.
	Namespace string `json:"namespace"`
}

// Load reads and decodes a Service config from path.
func Load(path string) (Service, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Service{}, fmt.Errorf("read config: %w", err)
	}
	var s Service
	if err := json.Unmarshal(b, &s); err != nil {
		return Service{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return s, nil
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a key
// is absent or of an unexpected type.
//
// Options is used for provider-specific configuration where the shape varies
// by implementation.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
// If the value is neither float64 nor int, def is returned.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty. This is useful for single-character settings such as a
// CSV delimiter.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored. Returns an empty map
// when the key is missing or the value is not an object.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of strings
// (or an array of interface values containing strings). Returns nil when the
// key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key (which may itself be a nested
// map[string]any, []any, or primitive). This is useful for retrieving nested
// configuration blocks that will be unmarshaled into a typed struct by the
// caller.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null "options"
// object in JSON decodes to a non-nil, empty Options map. This simplifies call
// sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
