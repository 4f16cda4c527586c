package config

import (
	"fmt"
	"net/url"
	"strings"
)

// IssueSeverity classifies a validation finding.
type IssueSeverity string

const (
	// SeverityError indicates the config cannot run as written.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates the config will run but is likely misconfigured.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding with a JSON-ish path to the offending
// field, e.g. "storage.kind" or "retry.max_retries".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// storageKinds lists the storage backends the service can be built against.
// Kept in sync with the backends registered under internal/storage.
var storageKinds = map[string]bool{
	"memory":   true,
	"postgres": true,
	"sqlite":   true,
}

// ValidateService checks a Service config for structural problems and returns
// all findings rather than stopping at the first. An empty slice means the
// config is usable.
func ValidateService(s Service) []Issue {
	var issues []Issue
	issues = append(issues, validateStorage(s.Storage)...)
	issues = append(issues, validateRuntime(s.Runtime)...)
	issues = append(issues, validateRetry(s.Retry)...)
	issues = append(issues, validateGeocode(s.Geocode)...)
	issues = append(issues, validateMetrics(s.Metrics)...)
	return issues
}

// HasErrors reports whether any issue is of error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func validateStorage(st Storage) []Issue {
	var issues []Issue
	kind := strings.TrimSpace(st.Kind)
	if kind == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind", "required"})
		return issues
	}
	if !storageKinds[kind] {
		issues = append(issues, Issue{SeverityError, "storage.kind",
			fmt.Sprintf("unsupported kind %q", kind)})
	}
	if kind != "memory" && strings.TrimSpace(st.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage.dsn",
			fmt.Sprintf("required for kind %q", kind)})
	}
	if kind == "memory" && strings.TrimSpace(st.DSN) != "" {
		issues = append(issues, Issue{SeverityWarning, "storage.dsn",
			"ignored by the memory backend"})
	}
	return issues
}

func validateRuntime(rt RuntimeConfig) []Issue {
	var issues []Issue
	if rt.BatchSize < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.batch_size", "must be >= 0"})
	}
	if rt.BatchSize > 0 && rt.BatchSize < 10 {
		issues = append(issues, Issue{SeverityWarning, "runtime.batch_size",
			"very small batches increase storage round trips"})
	}
	if rt.SweepIntervalMS < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.sweep_interval_ms", "must be >= 0"})
	}
	if rt.GeocodeParallelism < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.geocode_parallelism", "must be >= 0"})
	}
	return issues
}

func validateRetry(r RetryConfig) []Issue {
	var issues []Issue
	if r.MaxRetries < 0 {
		issues = append(issues, Issue{SeverityError, "retry.max_retries", "must be >= 0"})
	}
	if r.BaseDelayMS < 0 {
		issues = append(issues, Issue{SeverityError, "retry.base_delay_ms", "must be >= 0"})
	}
	if r.MaxDelayMS < 0 {
		issues = append(issues, Issue{SeverityError, "retry.max_delay_ms", "must be >= 0"})
	}
	if r.MaxDelayMS > 0 && r.BaseDelayMS > r.MaxDelayMS {
		issues = append(issues, Issue{SeverityError, "retry.base_delay_ms",
			"must not exceed retry.max_delay_ms"})
	}
	if r.BackoffMultiplier < 0 {
		issues = append(issues, Issue{SeverityError, "retry.backoff_multiplier", "must be >= 0"})
	}
	if r.BackoffMultiplier > 0 && r.BackoffMultiplier < 1 {
		issues = append(issues, Issue{SeverityWarning, "retry.backoff_multiplier",
			"values below 1 shrink the delay on every attempt"})
	}
	return issues
}

func validateGeocode(g Geocode) []Issue {
	var issues []Issue
	provider := strings.TrimSpace(g.Provider)
	if provider == "" {
		if strings.TrimSpace(g.BaseURL) != "" {
			issues = append(issues, Issue{SeverityWarning, "geocode.base_url",
				"set but geocode.provider is empty; geocoding is disabled"})
		}
		return issues
	}
	if provider != "nominatim" {
		issues = append(issues, Issue{SeverityError, "geocode.provider",
			fmt.Sprintf("unsupported provider %q", provider)})
	}
	if strings.TrimSpace(g.BaseURL) == "" {
		issues = append(issues, Issue{SeverityError, "geocode.base_url", "required"})
	} else if u, err := url.Parse(g.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, Issue{SeverityError, "geocode.base_url",
			"must be an absolute URL"})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	backend := strings.TrimSpace(m.Backend)
	switch backend {
	case "":
		if m.PushgatewayURL != "" || m.StatsdAddr != "" {
			issues = append(issues, Issue{SeverityWarning, "metrics.backend",
				"empty; configured endpoints are ignored"})
		}
	case "prometheus":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{SeverityError, "metrics.pushgateway_url", "required"})
		}
	case "datadog":
		if strings.TrimSpace(m.StatsdAddr) == "" {
			issues = append(issues, Issue{SeverityError, "metrics.statsd_addr", "required"})
		}
	default:
		issues = append(issues, Issue{SeverityError, "metrics.backend",
			fmt.Sprintf("unsupported backend %q", backend)})
	}
	return issues
}
