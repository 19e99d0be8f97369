// Package storage holds the Postgres-backed implementations of the
// storage contracts the core is written against (§6): integration
// instances, the tiered metric-history store, per-metric source
// records, and system config. Grounded on the teacher's sqlx +
// lib/pq usage pattern (internal/data/facade, internal/persistence in
// the original tree).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
)

// Open connects to Postgres at dsn and verifies the connection with a
// ping, matching the teacher's fail-fast boot style.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// IntegrationInstances is the Postgres-backed storecontracts.IntegrationInstances.
type IntegrationInstances struct {
	db *sqlx.DB
}

// NewIntegrationInstances builds a Postgres-backed instance store.
func NewIntegrationInstances(db *sqlx.DB) *IntegrationInstances {
	return &IntegrationInstances{db: db}
}

type instanceRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	DisplayName string `db:"display_name"`
	Enabled     bool   `db:"enabled"`
	Config      []byte `db:"config"`
}

func (r instanceRow) toInstance() (*storecontracts.Instance, error) {
	cfg := map[string]any{}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return nil, fmt.Errorf("storage: decode instance config: %w", err)
		}
	}
	return &storecontracts.Instance{
		ID:          r.ID,
		Type:        r.Type,
		DisplayName: r.DisplayName,
		Enabled:     r.Enabled,
		Config:      cfg,
	}, nil
}

// GetByID resolves a single integration instance by its primary key.
func (s *IntegrationInstances) GetByID(ctx context.Context, id string) (*storecontracts.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT id, type, display_name, enabled, config FROM integration_instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get instance %s: %w", id, err)
	}
	return row.toInstance()
}

// GetByType lists every instance of a given integration type.
func (s *IntegrationInstances) GetByType(ctx context.Context, typeID string) ([]storecontracts.Instance, error) {
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, type, display_name, enabled, config FROM integration_instances WHERE type = $1 ORDER BY id`, typeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances of type %s: %w", typeID, err)
	}
	out := make([]storecontracts.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

// FirstEnabledByType resolves the first enabled instance of a type, for
// topics addressed without an explicit instance segment.
func (s *IntegrationInstances) FirstEnabledByType(ctx context.Context, typeID string) (*storecontracts.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT id, type, display_name, enabled, config FROM integration_instances WHERE type = $1 AND enabled = true ORDER BY id LIMIT 1`, typeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: first enabled instance of type %s: %w", typeID, err)
	}
	return row.toInstance()
}

var _ storecontracts.IntegrationInstances = (*IntegrationInstances)(nil)

// MetricHistory is the Postgres-backed tiered metric-history store.
type MetricHistory struct {
	db *sqlx.DB
}

// NewMetricHistory builds a Postgres-backed metric history store.
func NewMetricHistory(db *sqlx.DB) *MetricHistory {
	return &MetricHistory{db: db}
}

const metricHistoryInsertQuery = `
INSERT INTO metric_history (integration_id, metric_key, resolution, ts, value, avg, min, max, sample_count, aggregated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (integration_id, metric_key, resolution, ts) DO UPDATE
SET value = EXCLUDED.value, avg = EXCLUDED.avg, min = EXCLUDED.min, max = EXCLUDED.max,
    sample_count = EXCLUDED.sample_count, aggregated = EXCLUDED.aggregated`

// InsertRaw stores a single-sample raw point.
func (s *MetricHistory) InsertRaw(ctx context.Context, p storecontracts.MetricPoint) error {
	return s.insert(ctx, p)
}

// InsertAggregated stores a (avg,min,max,n) aggregated row at any tier.
func (s *MetricHistory) InsertAggregated(ctx context.Context, p storecontracts.MetricPoint) error {
	return s.insert(ctx, p)
}

func (s *MetricHistory) insert(ctx context.Context, p storecontracts.MetricPoint) error {
	_, err := s.db.ExecContext(ctx, metricHistoryInsertQuery,
		p.IntegrationID, p.MetricKey, string(p.Resolution), p.Timestamp.UTC(),
		p.Value, p.Avg, p.Min, p.Max, p.SampleCount, p.Aggregated)
	if err != nil {
		return fmt.Errorf("storage: insert metric point: %w", err)
	}
	return nil
}

type metricRow struct {
	IntegrationID string    `db:"integration_id"`
	MetricKey     string    `db:"metric_key"`
	Resolution    string    `db:"resolution"`
	Timestamp     time.Time `db:"ts"`
	Value         float64   `db:"value"`
	Avg           float64   `db:"avg"`
	Min           float64   `db:"min"`
	Max           float64   `db:"max"`
	SampleCount   int       `db:"sample_count"`
	Aggregated    bool      `db:"aggregated"`
}

func (r metricRow) toPoint() storecontracts.MetricPoint {
	return storecontracts.MetricPoint{
		IntegrationID: r.IntegrationID,
		MetricKey:     r.MetricKey,
		Resolution:    storecontracts.Resolution(r.Resolution),
		Timestamp:     r.Timestamp,
		Value:         r.Value,
		Avg:           r.Avg,
		Min:           r.Min,
		Max:           r.Max,
		SampleCount:   r.SampleCount,
		Aggregated:    r.Aggregated,
	}
}

// Query selects every point for (integrationID, metricKey) at
// resolution within [start, end], ordered by timestamp.
func (s *MetricHistory) Query(ctx context.Context, integrationID, metricKey string, resolution storecontracts.Resolution, start, end time.Time) ([]storecontracts.MetricPoint, error) {
	var rows []metricRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT integration_id, metric_key, resolution, ts, value, avg, min, max, sample_count, aggregated
		FROM metric_history
		WHERE integration_id = $1 AND metric_key = $2 AND resolution = $3 AND ts BETWEEN $4 AND $5
		ORDER BY ts`, integrationID, metricKey, string(resolution), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: query metric history: %w", err)
	}
	out := make([]storecontracts.MetricPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPoint())
	}
	return out, nil
}

// GetRawForAggregation fetches every row at fromResolution older than
// olderThan, the aggregation cron's compaction input.
func (s *MetricHistory) GetRawForAggregation(ctx context.Context, fromResolution storecontracts.Resolution, olderThan time.Time) ([]storecontracts.MetricPoint, error) {
	var rows []metricRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT integration_id, metric_key, resolution, ts, value, avg, min, max, sample_count, aggregated
		FROM metric_history WHERE resolution = $1 AND ts < $2`, string(fromResolution), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: get rows for aggregation: %w", err)
	}
	out := make([]storecontracts.MetricPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPoint())
	}
	return out, nil
}

// DeleteByResolutionOlderThan removes compacted source rows after
// aggregation.
func (s *MetricHistory) DeleteByResolutionOlderThan(ctx context.Context, resolution storecontracts.Resolution, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metric_history WHERE resolution = $1 AND ts < $2`, string(resolution), olderThan.UTC())
	if err != nil {
		return fmt.Errorf("storage: delete by resolution: %w", err)
	}
	return nil
}

// DeleteOlderThan is the per-integration retention sweep.
func (s *MetricHistory) DeleteOlderThan(ctx context.Context, integrationID string, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metric_history WHERE integration_id = $1 AND ts < $2`, integrationID, cutoff.UTC())
	if err != nil {
		return fmt.Errorf("storage: retention sweep: %w", err)
	}
	return nil
}

// DeleteForIntegration drops every stored sample for an integration
// (e.g. on instance deletion).
func (s *MetricHistory) DeleteForIntegration(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metric_history WHERE integration_id = $1`, integrationID)
	if err != nil {
		return fmt.Errorf("storage: delete for integration: %w", err)
	}
	return nil
}

// DeleteAll truncates the tiered store.
func (s *MetricHistory) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE metric_history`)
	if err != nil {
		return fmt.Errorf("storage: truncate metric history: %w", err)
	}
	return nil
}

// GetStorageStats reports row counts per resolution tier for
// diagnostics/metrics endpoints.
func (s *MetricHistory) GetStorageStats(ctx context.Context) (storecontracts.StorageStats, error) {
	var stats storecontracts.StorageStats
	err := s.db.GetContext(ctx, &stats.RawRows, `SELECT count(*) FROM metric_history WHERE resolution = 'raw'`)
	if err != nil {
		return stats, fmt.Errorf("storage: count raw rows: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.OneMinRows, `SELECT count(*) FROM metric_history WHERE resolution = '1min'`); err != nil {
		return stats, fmt.Errorf("storage: count 1min rows: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.FiveMinRows, `SELECT count(*) FROM metric_history WHERE resolution = '5min'`); err != nil {
		return stats, fmt.Errorf("storage: count 5min rows: %w", err)
	}
	return stats, nil
}

var _ storecontracts.MetricHistory = (*MetricHistory)(nil)

// MetricHistorySources is the Postgres-backed source-record store.
type MetricHistorySources struct {
	db *sqlx.DB
}

// NewMetricHistorySources builds a Postgres-backed source store.
func NewMetricHistorySources(db *sqlx.DB) *MetricHistorySources {
	return &MetricHistorySources{db: db}
}

type sourceRow struct {
	IntegrationID string     `db:"integration_id"`
	MetricKey     string     `db:"metric_key"`
	Source        string     `db:"source"`
	LastProbed    *time.Time `db:"last_probed"`
	ProbeStatus   string     `db:"probe_status"`
}

func (r sourceRow) toRecord() storecontracts.SourceRecord {
	return storecontracts.SourceRecord{
		IntegrationID: r.IntegrationID,
		MetricKey:     r.MetricKey,
		Source:        storecontracts.Source(r.Source),
		LastProbed:    r.LastProbed,
		ProbeStatus:   r.ProbeStatus,
	}
}

// Upsert writes or replaces one (integration, metric) source record.
func (s *MetricHistorySources) Upsert(ctx context.Context, r storecontracts.SourceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_history_sources (integration_id, metric_key, source, last_probed, probe_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (integration_id, metric_key) DO UPDATE
		SET source = EXCLUDED.source, last_probed = EXCLUDED.last_probed, probe_status = EXCLUDED.probe_status`,
		r.IntegrationID, r.MetricKey, string(r.Source), r.LastProbed, r.ProbeStatus)
	if err != nil {
		return fmt.Errorf("storage: upsert source record: %w", err)
	}
	return nil
}

// GetForMetric resolves one (integration, metric) source record.
func (s *MetricHistorySources) GetForMetric(ctx context.Context, integrationID, metricKey string) (*storecontracts.SourceRecord, error) {
	var row sourceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT integration_id, metric_key, source, last_probed, probe_status
		FROM metric_history_sources WHERE integration_id = $1 AND metric_key = $2`, integrationID, metricKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get source record: %w", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// GetForIntegration lists every source record for an integration.
func (s *MetricHistorySources) GetForIntegration(ctx context.Context, integrationID string) ([]storecontracts.SourceRecord, error) {
	var rows []sourceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT integration_id, metric_key, source, last_probed, probe_status
		FROM metric_history_sources WHERE integration_id = $1`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list source records: %w", err)
	}
	out := make([]storecontracts.SourceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// DeleteForMetric removes a stale source record whose metric a plugin
// no longer declares.
func (s *MetricHistorySources) DeleteForMetric(ctx context.Context, integrationID, metricKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metric_history_sources WHERE integration_id = $1 AND metric_key = $2`, integrationID, metricKey)
	if err != nil {
		return fmt.Errorf("storage: delete source record: %w", err)
	}
	return nil
}

// DeleteForIntegration removes every source record for an integration.
func (s *MetricHistorySources) DeleteForIntegration(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metric_history_sources WHERE integration_id = $1`, integrationID)
	if err != nil {
		return fmt.Errorf("storage: delete source records: %w", err)
	}
	return nil
}

// DeleteAll truncates the source-record table.
func (s *MetricHistorySources) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE metric_history_sources`)
	if err != nil {
		return fmt.Errorf("storage: truncate source records: %w", err)
	}
	return nil
}

var _ storecontracts.MetricHistorySources = (*MetricHistorySources)(nil)

// SystemConfig is the Postgres-backed process-wide config store. The
// config lives in a single row (id = 1); updates replace it wholesale.
type SystemConfig struct {
	db *sqlx.DB
}

// NewSystemConfig builds a Postgres-backed system config store.
func NewSystemConfig(db *sqlx.DB) *SystemConfig {
	return &SystemConfig{db: db}
}

type systemConfigRow struct {
	Enabled               bool   `db:"enabled"`
	MetricHistoryMode     string `db:"metric_history_mode"`
	MetricHistoryRetention int   `db:"metric_history_retention_days"`
	Raw                   []byte `db:"raw"`
}

// GetSystemConfig reads the singleton config row.
func (s *SystemConfig) GetSystemConfig(ctx context.Context) (storecontracts.SystemConfigValues, error) {
	var row systemConfigRow
	err := s.db.GetContext(ctx, &row, `
		SELECT enabled, metric_history_mode, metric_history_retention_days, raw
		FROM system_config WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return storecontracts.SystemConfigValues{
			MetricHistoryDefaults: storecontracts.MetricHistoryDefaults{Mode: "auto", RetentionDays: 30},
		}, nil
	}
	if err != nil {
		return storecontracts.SystemConfigValues{}, fmt.Errorf("storage: get system config: %w", err)
	}
	raw := map[string]any{}
	if len(row.Raw) > 0 {
		if err := json.Unmarshal(row.Raw, &raw); err != nil {
			return storecontracts.SystemConfigValues{}, fmt.Errorf("storage: decode system config: %w", err)
		}
	}
	return storecontracts.SystemConfigValues{
		Enabled: row.Enabled,
		MetricHistoryDefaults: storecontracts.MetricHistoryDefaults{
			Mode:          row.MetricHistoryMode,
			RetentionDays: row.MetricHistoryRetention,
		},
		Raw: raw,
	}, nil
}

// UpdateSystemConfig replaces the singleton config row.
func (s *SystemConfig) UpdateSystemConfig(ctx context.Context, values storecontracts.SystemConfigValues) error {
	raw, err := json.Marshal(values.Raw)
	if err != nil {
		return fmt.Errorf("storage: encode system config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_config (id, enabled, metric_history_mode, metric_history_retention_days, raw)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled, metric_history_mode = EXCLUDED.metric_history_mode,
		    metric_history_retention_days = EXCLUDED.metric_history_retention_days, raw = EXCLUDED.raw`,
		values.Enabled, values.MetricHistoryDefaults.Mode, values.MetricHistoryDefaults.RetentionDays, raw)
	if err != nil {
		return fmt.Errorf("storage: update system config: %w", err)
	}
	return nil
}

// GetMetricHistoryDefaults reads just the defaults sub-record.
func (s *SystemConfig) GetMetricHistoryDefaults(ctx context.Context) (storecontracts.MetricHistoryDefaults, error) {
	values, err := s.GetSystemConfig(ctx)
	if err != nil {
		return storecontracts.MetricHistoryDefaults{}, err
	}
	return values.MetricHistoryDefaults, nil
}

var _ storecontracts.SystemConfig = (*SystemConfig)(nil)
