// Package storecontracts declares the storage interfaces the core is
// written against (§6): integration instance lookups, the tiered
// metric-history store, per-metric source records, and system config.
// Concrete implementations live under internal/hub/storage; the core
// packages (poller, realtime, history) only ever see these interfaces.
package storecontracts

import (
	"context"
	"time"
)

// Instance is the storage-layer view of an integration instance.
type Instance struct {
	ID          string
	Type        string
	DisplayName string
	Enabled     bool
	Config      map[string]any
}

// IntegrationInstances resolves integration instances by id or type.
type IntegrationInstances interface {
	GetByID(ctx context.Context, id string) (*Instance, error)
	GetByType(ctx context.Context, typeID string) ([]Instance, error)
	FirstEnabledByType(ctx context.Context, typeID string) (*Instance, error)
}

// Resolution is a metric-history tier.
type Resolution string

const (
	ResolutionRaw  Resolution = "raw"
	Resolution1Min Resolution = "1min"
	Resolution5Min Resolution = "5min"
)

// MetricPoint is one stored (or aggregated) sample.
type MetricPoint struct {
	IntegrationID string
	MetricKey     string
	Resolution    Resolution
	Timestamp     time.Time
	Value         float64
	Avg, Min, Max float64
	SampleCount   int
	Aggregated    bool
}

// StorageStats summarizes row counts per resolution tier, surfaced for
// diagnostics/metrics endpoints.
type StorageStats struct {
	RawRows   int64
	OneMinRows int64
	FiveMinRows int64
}

// MetricHistory is the tiered time-series store C7 writes to and reads
// from.
type MetricHistory interface {
	InsertRaw(ctx context.Context, p MetricPoint) error
	InsertAggregated(ctx context.Context, p MetricPoint) error
	Query(ctx context.Context, integrationID, metricKey string, resolution Resolution, start, end time.Time) ([]MetricPoint, error)
	GetRawForAggregation(ctx context.Context, fromResolution Resolution, olderThan time.Time) ([]MetricPoint, error)
	DeleteByResolutionOlderThan(ctx context.Context, resolution Resolution, olderThan time.Time) error
	DeleteOlderThan(ctx context.Context, integrationID string, cutoff time.Time) error
	DeleteForIntegration(ctx context.Context, integrationID string) error
	DeleteAll(ctx context.Context) error
	GetStorageStats(ctx context.Context) (StorageStats, error)
}

// Source is one (integration, metric) source-of-truth record.
type Source string

const (
	SourcePending  Source = "pending"
	SourceInternal Source = "internal"
	SourceExternal Source = "external"
)

// SourceRecord tracks, per metric, whether history should be read from
// this process's own store or proxied to the upstream.
type SourceRecord struct {
	IntegrationID string
	MetricKey     string
	Source        Source
	LastProbed    *time.Time
	ProbeStatus   string
}

// MetricHistorySources persists SourceRecord rows.
type MetricHistorySources interface {
	Upsert(ctx context.Context, r SourceRecord) error
	GetForMetric(ctx context.Context, integrationID, metricKey string) (*SourceRecord, error)
	GetForIntegration(ctx context.Context, integrationID string) ([]SourceRecord, error)
	DeleteForMetric(ctx context.Context, integrationID, metricKey string) error
	DeleteForIntegration(ctx context.Context, integrationID string) error
	DeleteAll(ctx context.Context) error
}

// MetricHistoryDefaults are the process-wide fallback settings for
// integrations without an explicit per-integration config row.
type MetricHistoryDefaults struct {
	Mode          string
	RetentionDays int
}

// SystemConfigValues is the opaque system configuration blob.
type SystemConfigValues struct {
	Enabled               bool
	MetricHistoryDefaults MetricHistoryDefaults
	Raw                   map[string]any
}

// SystemConfig is the process-wide configuration store.
type SystemConfig interface {
	GetSystemConfig(ctx context.Context) (SystemConfigValues, error)
	UpdateSystemConfig(ctx context.Context, values SystemConfigValues) error
	GetMetricHistoryDefaults(ctx context.Context) (MetricHistoryDefaults, error)
}
