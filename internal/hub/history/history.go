// Package history implements the Metric History Recorder (C7): it taps
// topic payloads opportunistically, buffers and aggregates numeric
// fields into a tiered store, switches between SSE-driven and
// background polling capture, and resolves per-integration history
// mode (internal vs. proxied-to-upstream).
package history

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/scheduler"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
)

// Tuning constants (§4.7).
const (
	FlushInterval       = 15 * time.Second
	BackgroundInterval  = 15 * time.Second
	RawCompactAfter     = 120 * time.Second
	OneMinCompactAfter  = 600 * time.Second
	ReprobeInterval     = "0 */6 * * *"
	AggregationCron     = "0 * * * *"
	RetentionCron       = "5 * * * *"
)

// Mode is a per-integration history capture policy.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeInternal Mode = "internal"
	ModeExternal Mode = "external"
	ModeAuto     Mode = "auto"
)

type integrationConfig struct {
	mode          Mode
	retentionDays int
}

type bufferKey struct {
	integrationID string
	metricKey     string
}

// QueryResult is the normalized response to a history query.
type QueryResult struct {
	Data           []DataPoint `json:"data"`
	AvailableRange string      `json:"availableRange"`
	Resolution     string      `json:"resolution"`
	Source         string      `json:"source"`
}

// DataPoint is one returned sample, raw or aggregated.
type DataPoint struct {
	T          int64    `json:"t"`
	V          *float64 `json:"v,omitempty"`
	Avg        float64  `json:"avg,omitempty"`
	Min        float64  `json:"min,omitempty"`
	Max        float64  `json:"max,omitempty"`
	Aggregated bool      `json:"aggregated"`
}

// Recorder is the C7 singleton.
type Recorder struct {
	mu        sync.Mutex
	enabled   bool
	plugins   *plugin.Registry
	instances storecontracts.IntegrationInstances
	store     storecontracts.MetricHistory
	sources   storecontracts.MetricHistorySources
	sysconfig storecontracts.SystemConfig
	sched     *scheduler.Scheduler
	newAdapter func(storecontracts.Instance) plugin.Adapter

	configs          map[string]integrationConfig
	buffers          map[bufferKey][]float64
	sseActive        map[string]struct{}
	backgroundTimers map[string]*time.Timer
	flushTimer       *time.Timer
	now              func() time.Time
}

// New builds a disabled Recorder; call Enable to arm it.
func New(plugins *plugin.Registry, instances storecontracts.IntegrationInstances, store storecontracts.MetricHistory, sources storecontracts.MetricHistorySources, sys storecontracts.SystemConfig, sched *scheduler.Scheduler, newAdapter func(storecontracts.Instance) plugin.Adapter) *Recorder {
	return &Recorder{
		plugins:          plugins,
		instances:        instances,
		store:            store,
		sources:          sources,
		sysconfig:        sys,
		sched:            sched,
		newAdapter:       newAdapter,
		configs:          make(map[string]integrationConfig),
		buffers:          make(map[bufferKey][]float64),
		sseActive:        make(map[string]struct{}),
		backgroundTimers: make(map[string]*time.Timer),
		now:              time.Now,
	}
}

// SetIntegrationConfig records a per-integration capture mode and
// retention window. Setting mode to off stops the background timer but
// never deletes already-recorded data.
func (r *Recorder) SetIntegrationConfig(integrationID string, mode Mode, retentionDays int) {
	r.mu.Lock()
	r.configs[integrationID] = integrationConfig{mode: mode, retentionDays: retentionDays}
	_, sseOn := r.sseActive[integrationID]
	r.mu.Unlock()

	if mode == ModeOff {
		r.stopBackgroundTimer(integrationID)
		return
	}
	if !sseOn && r.isEnabled() {
		r.armBackgroundTimer(integrationID)
	}
}

func (r *Recorder) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Recorder) configFor(integrationID string) integrationConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.configs[integrationID]; ok {
		return c
	}
	return integrationConfig{mode: ModeAuto, retentionDays: 30}
}

// Enable arms the flush timer, registers the aggregation/retention/
// re-probe cron jobs, initializes source records, and starts background
// timers for enabled system-status instances without active SSE.
func (r *Recorder) Enable(ctx context.Context) {
	r.mu.Lock()
	if r.enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = true
	r.mu.Unlock()

	r.armFlushTimer()

	r.sched.RegisterJob(scheduler.Job{ID: "history-aggregation", Cron: AggregationCron, Execute: r.runAggregation})
	r.sched.RegisterJob(scheduler.Job{ID: "history-retention", Cron: RetentionCron, Execute: r.runRetention})
	r.sched.RegisterJob(scheduler.Job{ID: "history-reprobe", Cron: ReprobeInterval, Execute: func() { r.ProbeAll(context.Background()) }})

	r.ProbeAll(ctx)

	for _, p := range r.plugins.All() {
		if !p.HasMetrics() {
			continue
		}
		instances, err := r.instances.GetByType(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			if !inst.Enabled {
				continue
			}
			cfg := r.configFor(inst.ID)
			if cfg.mode == ModeOff {
				continue
			}
			r.mu.Lock()
			_, active := r.sseActive[inst.ID]
			r.mu.Unlock()
			if !active {
				r.armBackgroundTimer(inst.ID)
			}
		}
	}
}

// Disable cancels the flush timer, clears in-memory buffers,
// unregisters the re-probe cron, but re-registers an hour-aligned
// retention-only cron so existing data keeps getting pruned.
func (r *Recorder) Disable() {
	r.mu.Lock()
	r.enabled = false
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.buffers = make(map[bufferKey][]float64)
	r.mu.Unlock()

	r.sched.UnregisterJob("history-aggregation")
	r.sched.UnregisterJob("history-reprobe")
	r.sched.RegisterJob(scheduler.Job{ID: "history-retention", Cron: RetentionCron, Execute: r.runRetention})
}

// NotifySSEActive cancels integrationID's background timer; SSE-tap
// capture is now the active source.
func (r *Recorder) NotifySSEActive(integrationID string) {
	r.mu.Lock()
	r.sseActive[integrationID] = struct{}{}
	r.mu.Unlock()
	r.stopBackgroundTimer(integrationID)
}

// NotifySSEIdle flushes any buffered data for integrationID, then arms
// the background timer.
func (r *Recorder) NotifySSEIdle(integrationID string) {
	r.mu.Lock()
	delete(r.sseActive, integrationID)
	enabled := r.enabled
	r.mu.Unlock()

	r.flushIntegration(integrationID)
	if enabled {
		r.armBackgroundTimer(integrationID)
	}
}

// OnSSEData reads every declared recordable metric key from payload;
// finite numeric values are appended to that metric's buffer.
func (r *Recorder) OnSSEData(integrationID, typeID string, payload any) {
	if !r.isEnabled() {
		return
	}
	cfg := r.configFor(integrationID)
	if cfg.mode == ModeOff {
		return
	}

	p, ok := r.plugins.Get(typeID)
	if !ok {
		return
	}

	fields := asFieldMap(payload)
	if fields == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range p.RecordableMetrics() {
		raw, ok := fields[m.Key]
		if !ok {
			continue
		}
		v, ok := asFiniteFloat(raw)
		if !ok {
			continue
		}
		key := bufferKey{integrationID, m.Key}
		r.buffers[key] = append(r.buffers[key], v)
	}
}

func asFieldMap(payload any) map[string]any {
	switch v := payload.(type) {
	case map[string]any:
		return v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		var m map[string]any
		if json.Unmarshal(b, &m) != nil {
			return nil
		}
		return m
	}
}

func asFiniteFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (r *Recorder) armFlushTimer() {
	r.mu.Lock()
	r.flushTimer = time.AfterFunc(FlushInterval, r.flushAll)
	r.mu.Unlock()
}

func (r *Recorder) flushAll() {
	r.mu.Lock()
	enabled := r.enabled
	keys := make([]bufferKey, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.drainBuffer(k)
	}

	if enabled {
		r.armFlushTimer()
	}
}

func (r *Recorder) flushIntegration(integrationID string) {
	r.mu.Lock()
	var keys []bufferKey
	for k := range r.buffers {
		if k.integrationID == integrationID {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	for _, k := range keys {
		r.drainBuffer(k)
	}
}

func (r *Recorder) drainBuffer(k bufferKey) {
	r.mu.Lock()
	values := r.buffers[k]
	delete(r.buffers, k)
	r.mu.Unlock()

	if len(values) == 0 {
		return
	}

	aligned := alignTo(r.now(), 15*time.Second)
	ctx := context.Background()

	if len(values) == 1 {
		err := r.store.InsertRaw(ctx, storecontracts.MetricPoint{
			IntegrationID: k.integrationID,
			MetricKey:     k.metricKey,
			Resolution:    storecontracts.ResolutionRaw,
			Timestamp:     aligned,
			Value:         values[0],
		})
		if err != nil {
			log.Error().Err(err).Str("integration", k.integrationID).Str("metric", k.metricKey).Msg("insert raw sample failed")
		}
		return
	}

	avg, min, max := summarize(values)
	err := r.store.InsertAggregated(ctx, storecontracts.MetricPoint{
		IntegrationID: k.integrationID,
		MetricKey:     k.metricKey,
		Resolution:    storecontracts.ResolutionRaw,
		Timestamp:     aligned,
		Avg:           avg,
		Min:           min,
		Max:           max,
		SampleCount:   len(values),
		Aggregated:    true,
	})
	if err != nil {
		log.Error().Err(err).Str("integration", k.integrationID).Str("metric", k.metricKey).Msg("insert aggregated sample failed")
	}
}

func alignTo(t time.Time, d time.Duration) time.Time {
	return t.Truncate(d)
}

func summarize(values []float64) (avg, min, max float64) {
	min, max = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return sum / float64(len(values)), min, max
}

func (r *Recorder) armBackgroundTimer(integrationID string) {
	r.stopBackgroundTimer(integrationID)
	timer := time.AfterFunc(BackgroundInterval, func() {
		r.runBackgroundPoll(integrationID)
	})
	r.mu.Lock()
	r.backgroundTimers[integrationID] = timer
	r.mu.Unlock()
}

func (r *Recorder) stopBackgroundTimer(integrationID string) {
	r.mu.Lock()
	timer, ok := r.backgroundTimers[integrationID]
	delete(r.backgroundTimers, integrationID)
	r.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (r *Recorder) runBackgroundPoll(integrationID string) {
	ctx := context.Background()
	inst, err := r.instances.GetByID(ctx, integrationID)
	if err != nil || inst == nil {
		return
	}
	p, ok := r.plugins.Get(inst.Type)
	if !ok || p.Poller == nil || p.Poller.Poll == nil {
		return
	}

	pi := plugin.Instance{ID: inst.ID, Type: inst.Type, DisplayName: inst.DisplayName, Enabled: inst.Enabled, Config: inst.Config}
	ad := r.newAdapter(*inst)
	payload, err := p.Poller.Poll(ctx, pi, ad)
	if err == nil && payload != nil {
		r.OnSSEData(integrationID, inst.Type, payload)
	}

	if r.isEnabled() {
		if _, sseOn := r.sseIsActive(integrationID); !sseOn {
			r.armBackgroundTimer(integrationID)
		}
	}
}

func (r *Recorder) sseIsActive(integrationID string) (struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sseActive[integrationID]
	return v, ok
}

// runAggregation compacts raw rows older than RawCompactAfter into
// 1-minute buckets, and 1-minute rows older than OneMinCompactAfter
// into 5-minute buckets.
func (r *Recorder) runAggregation() {
	ctx := context.Background()
	r.compactTier(ctx, storecontracts.ResolutionRaw, storecontracts.Resolution1Min, RawCompactAfter, 60*time.Second)
	r.compactTier(ctx, storecontracts.Resolution1Min, storecontracts.Resolution5Min, OneMinCompactAfter, 300*time.Second)
}

func (r *Recorder) compactTier(ctx context.Context, from, to storecontracts.Resolution, olderThan, bucketSize time.Duration) {
	cutoff := r.now().Add(-olderThan)
	rows, err := r.store.GetRawForAggregation(ctx, from, cutoff)
	if err != nil {
		log.Error().Err(err).Str("from", string(from)).Msg("history aggregation: read failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	type bucketKey struct {
		integrationID string
		metricKey     string
		bucket        int64
	}
	buckets := make(map[bucketKey][]float64)
	for _, row := range rows {
		b := row.Timestamp.Truncate(bucketSize)
		k := bucketKey{row.IntegrationID, row.MetricKey, b.Unix()}
		if row.Aggregated {
			buckets[k] = append(buckets[k], row.Avg)
		} else {
			buckets[k] = append(buckets[k], row.Value)
		}
	}

	for k, values := range buckets {
		avg, min, max := summarize(values)
		err := r.store.InsertAggregated(ctx, storecontracts.MetricPoint{
			IntegrationID: k.integrationID,
			MetricKey:     k.metricKey,
			Resolution:    to,
			Timestamp:     time.Unix(k.bucket, 0),
			Avg:           avg,
			Min:           min,
			Max:           max,
			SampleCount:   len(values),
			Aggregated:    true,
		})
		if err != nil {
			log.Error().Err(err).Msg("history aggregation: insert failed")
		}
	}

	if err := r.store.DeleteByResolutionOlderThan(ctx, from, cutoff); err != nil {
		log.Error().Err(err).Msg("history aggregation: delete source rows failed")
	}
}

// runRetention deletes rows older than each known integration's
// retention window.
func (r *Recorder) runRetention() {
	ctx := context.Background()
	r.mu.Lock()
	configs := make(map[string]integrationConfig, len(r.configs))
	for k, v := range r.configs {
		configs[k] = v
	}
	r.mu.Unlock()

	for integrationID, cfg := range configs {
		days := cfg.retentionDays
		if days <= 0 {
			days = 30
		}
		cutoff := r.now().Add(-time.Duration(days) * 24 * time.Hour)
		if err := r.store.DeleteOlderThan(ctx, integrationID, cutoff); err != nil {
			log.Error().Err(err).Str("integration", integrationID).Msg("history retention sweep failed")
		}
	}
}

// ProbeAll re-probes every recordable metric's external-history
// availability for every known, metric-bearing integration.
func (r *Recorder) ProbeAll(ctx context.Context) {
	for _, p := range r.plugins.All() {
		if !p.HasMetrics() {
			continue
		}
		instances, err := r.instances.GetByType(ctx, p.ID)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			r.ProbeIntegration(ctx, inst, p)
		}
	}
}

// ProbeIntegration probes each of p's recordable metrics that declare a
// HistoryProbe, upserting a SourceRecord reflecting whether the
// upstream serves history natively.
func (r *Recorder) ProbeIntegration(ctx context.Context, inst storecontracts.Instance, p plugin.Plugin) {
	ad := r.newAdapter(inst)
	declared := make(map[string]struct{})

	for _, m := range p.RecordableMetrics() {
		if m.HistoryProbe == nil {
			continue
		}
		declared[m.Key] = struct{}{}

		body, err := ad.Get(ctx, m.HistoryProbe.Path, m.HistoryProbe.Params)
		rec := storecontracts.SourceRecord{IntegrationID: inst.ID, MetricKey: m.Key}
		now := r.now()
		rec.LastProbed = &now
		if err == nil && len(body) > 0 {
			rec.Source = storecontracts.SourceExternal
		} else {
			rec.Source = storecontracts.SourceInternal
			rec.ProbeStatus = "failed"
		}
		if err := r.sources.Upsert(ctx, rec); err != nil {
			log.Error().Err(err).Str("integration", inst.ID).Str("metric", m.Key).Msg("source probe upsert failed")
		}
	}

	existing, err := r.sources.GetForIntegration(ctx, inst.ID)
	if err != nil {
		return
	}
	for _, rec := range existing {
		if _, stillDeclared := declared[rec.MetricKey]; !stillDeclared {
			r.sources.DeleteForMetric(ctx, inst.ID, rec.MetricKey)
		}
	}
}

// resolutionTierFor picks the coarsest resolution that still covers
// rangeDuration with a reasonable point count (§4.7 query table).
func resolutionTierFor(rangeDuration time.Duration) storecontracts.Resolution {
	switch {
	case rangeDuration <= time.Hour:
		return storecontracts.ResolutionRaw
	case rangeDuration <= 6*time.Hour:
		return storecontracts.Resolution1Min
	default:
		return storecontracts.Resolution5Min
	}
}

// Query resolves history(integrationId, metricKey, range) per §4.7:
// mode off -> empty; external source -> proxy to the plugin adapter;
// otherwise select a resolution tier, falling back to finer tiers on an
// empty result.
func (r *Recorder) Query(ctx context.Context, integrationID, metricKey string, rangeDuration time.Duration) (QueryResult, error) {
	cfg := r.configFor(integrationID)
	if cfg.mode == ModeOff {
		return QueryResult{Source: "internal"}, nil
	}

	if cfg.mode != ModeInternal {
		if rec, err := r.sources.GetForMetric(ctx, integrationID, metricKey); err == nil && rec != nil && rec.Source == storecontracts.SourceExternal {
			return r.queryExternal(ctx, integrationID, metricKey, rangeDuration)
		}
	}

	tier := resolutionTierFor(rangeDuration)
	end := r.now()
	start := end.Add(-rangeDuration)

	for _, res := range fallbackChain(tier) {
		rows, err := r.store.Query(ctx, integrationID, metricKey, res, start, end)
		if err != nil {
			return QueryResult{}, err
		}
		if len(rows) > 0 || res == storecontracts.ResolutionRaw {
			return QueryResult{
				Data:           toDataPoints(rows),
				AvailableRange: retentionRangeLabel(cfg.retentionDays),
				Resolution:     string(res),
				Source:         "internal",
			}, nil
		}
	}
	return QueryResult{Resolution: string(tier), Source: "internal"}, nil
}

// fallbackChain returns tier then progressively finer tiers, per the
// "resolution fallback" rule: an empty result at a coarse tier retries
// at 1min then raw.
func fallbackChain(tier storecontracts.Resolution) []storecontracts.Resolution {
	switch tier {
	case storecontracts.Resolution5Min:
		return []storecontracts.Resolution{storecontracts.Resolution5Min, storecontracts.Resolution1Min, storecontracts.ResolutionRaw}
	case storecontracts.Resolution1Min:
		return []storecontracts.Resolution{storecontracts.Resolution1Min, storecontracts.ResolutionRaw}
	default:
		return []storecontracts.Resolution{storecontracts.ResolutionRaw}
	}
}

func retentionRangeLabel(days int) string {
	if days <= 0 {
		days = 30
	}
	return strconv.Itoa(days) + "d"
}

func toDataPoints(rows []storecontracts.MetricPoint) []DataPoint {
	out := make([]DataPoint, 0, len(rows))
	for _, row := range rows {
		if row.Aggregated {
			out = append(out, DataPoint{T: row.Timestamp.Unix(), Avg: row.Avg, Min: row.Min, Max: row.Max, Aggregated: true})
			continue
		}
		v := row.Value
		out = append(out, DataPoint{T: row.Timestamp.Unix(), V: &v})
	}
	return out
}

func (r *Recorder) queryExternal(ctx context.Context, integrationID, metricKey string, rangeDuration time.Duration) (QueryResult, error) {
	inst, err := r.instances.GetByID(ctx, integrationID)
	if err != nil || inst == nil {
		return QueryResult{}, err
	}
	p, ok := r.plugins.Get(inst.Type)
	if !ok {
		return QueryResult{}, nil
	}
	var probe *plugin.HistoryProbe
	for _, m := range p.Metrics {
		if m.Key == metricKey && m.HistoryProbe != nil {
			probe = m.HistoryProbe
			break
		}
	}
	if probe == nil {
		return QueryResult{}, nil
	}

	ad := r.newAdapter(*inst)
	params := make(map[string]string, len(probe.Params)+1)
	for k, v := range probe.Params {
		params[k] = v
	}
	params["range"] = rangeDuration.String()

	body, err := ad.Get(ctx, probe.Path, params)
	if err != nil {
		return QueryResult{}, err
	}

	var parsed struct {
		Data []DataPoint `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Data: parsed.Data, AvailableRange: rangeDuration.String(), Resolution: "external", Source: "external"}, nil
}
