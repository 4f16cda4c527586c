// Package datadog emits the pipeline's metrics over DogStatsD. Labels become
// Datadog tags; counters map to Count, histograms to Histogram. Only the
// metrics.Backend surface leaks out, so swapping agents is a config change.
package datadog

import (
	"fmt"
	"sort"

	"ingest/internal/metrics"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Config holds the DogStatsD connection settings.
type Config struct {
	// Addr is the agent address, e.g. "127.0.0.1:8125" or
	// "unix:///var/run/datadog/dsd.socket".
	Addr string

	// Namespace prefixes every metric name, e.g. "ingest.".
	Namespace string

	// GlobalTags ride along on every metric, e.g.
	// []string{"env:prod", "service:ingest"}.
	GlobalTags []string
}

// client is the slice of statsd.Client the backend needs. Tests substitute a
// recorder.
type client interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Close() error
}

// Backend forwards metrics.Backend calls to a DogStatsD agent.
type Backend struct {
	c client
}

// NewBackend connects to the agent at cfg.Addr. The address is required.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}
	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{c: c}, nil
}

// IncCounter implements metrics.Backend. Fractional deltas are truncated;
// the pipeline only emits whole-row and whole-batch counts.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.c == nil {
		return
	}
	b.c.Count(name, int64(delta), tagList(labels), 1)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.c == nil {
		return
	}
	b.c.Histogram(name, value, tagList(labels), 1)
}

// Flush implements metrics.Backend. Closing the client drains anything
// buffered, so it doubles as the shutdown flush.
func (b *Backend) Flush() error {
	if b.c == nil {
		return nil
	}
	return b.c.Close()
}

// tagList renders labels as sorted "key:value" tags. Sorting keeps tag sets
// stable across calls, which DogStatsD aggregation relies on.
func tagList(labels metrics.Labels) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
