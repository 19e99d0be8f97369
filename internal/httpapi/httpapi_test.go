package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sawpanic/streamhub/internal/hub/conn"
	"github.com/sawpanic/streamhub/internal/hub/history"
	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/poller"
	"github.com/sawpanic/streamhub/internal/hub/realtime"
	"github.com/sawpanic/streamhub/internal/hub/registry"
	"github.com/sawpanic/streamhub/internal/hub/scheduler"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
	"github.com/sawpanic/streamhub/internal/hub/transport"
)

type fakeInstances struct{}

func (fakeInstances) GetByID(ctx context.Context, id string) (*storecontracts.Instance, error) {
	return nil, nil
}
func (fakeInstances) GetByType(ctx context.Context, t string) ([]storecontracts.Instance, error) {
	return nil, nil
}
func (fakeInstances) FirstEnabledByType(ctx context.Context, t string) (*storecontracts.Instance, error) {
	return nil, nil
}

type fakeStore struct{}

func (fakeStore) InsertRaw(ctx context.Context, p storecontracts.MetricPoint) error      { return nil }
func (fakeStore) InsertAggregated(ctx context.Context, p storecontracts.MetricPoint) error { return nil }
func (fakeStore) Query(ctx context.Context, integrationID, metricKey string, resolution storecontracts.Resolution, start, end time.Time) ([]storecontracts.MetricPoint, error) {
	return nil, nil
}
func (fakeStore) GetRawForAggregation(ctx context.Context, fromResolution storecontracts.Resolution, olderThan time.Time) ([]storecontracts.MetricPoint, error) {
	return nil, nil
}
func (fakeStore) DeleteByResolutionOlderThan(ctx context.Context, resolution storecontracts.Resolution, olderThan time.Time) error {
	return nil
}
func (fakeStore) DeleteOlderThan(ctx context.Context, integrationID string, cutoff time.Time) error {
	return nil
}
func (fakeStore) DeleteForIntegration(ctx context.Context, integrationID string) error { return nil }
func (fakeStore) DeleteAll(ctx context.Context) error                                  { return nil }
func (fakeStore) GetStorageStats(ctx context.Context) (storecontracts.StorageStats, error) {
	return storecontracts.StorageStats{}, nil
}

type fakeSources struct{}

func (fakeSources) Upsert(ctx context.Context, r storecontracts.SourceRecord) error { return nil }
func (fakeSources) GetForMetric(ctx context.Context, integrationID, metricKey string) (*storecontracts.SourceRecord, error) {
	return nil, nil
}
func (fakeSources) GetForIntegration(ctx context.Context, integrationID string) ([]storecontracts.SourceRecord, error) {
	return nil, nil
}
func (fakeSources) DeleteForMetric(ctx context.Context, integrationID, metricKey string) error {
	return nil
}
func (fakeSources) DeleteForIntegration(ctx context.Context, integrationID string) error { return nil }
func (fakeSources) DeleteAll(ctx context.Context) error                                  { return nil }

type fakeSysConfig struct{}

func (fakeSysConfig) GetSystemConfig(ctx context.Context) (storecontracts.SystemConfigValues, error) {
	return storecontracts.SystemConfigValues{}, nil
}
func (fakeSysConfig) UpdateSystemConfig(ctx context.Context, v storecontracts.SystemConfigValues) error {
	return nil
}
func (fakeSysConfig) GetMetricHistoryDefaults(ctx context.Context) (storecontracts.MetricHistoryDefaults, error) {
	return storecontracts.MetricHistoryDefaults{Mode: "auto", RetentionDays: 30}, nil
}

type noopAdapter struct{}

func (noopAdapter) Get(ctx context.Context, path string, opts map[string]string) ([]byte, error) {
	return nil, nil
}
func (noopAdapter) Post(ctx context.Context, path string, body []byte, opts map[string]string) ([]byte, error) {
	return nil, nil
}
func (noopAdapter) Request(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	return nil, nil
}

func noopAdapterFactory(storecontracts.Instance) plugin.Adapter { return noopAdapter{} }

// newTestServer assembles a full, empty-plugin-registry hub stack so
// handler tests exercise the real wiring rather than stand-ins for it.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	plugins, err := plugin.NewRegistry(nil)
	if err != nil {
		t.Fatalf("build plugin registry: %v", err)
	}

	connMgr := conn.New(nil)
	tr := transport.New(&nullSender{})
	reg := registry.New(connMgr, tr, plugins)
	connMgr.SetGraceExpiredHook(reg.OnGraceExpired)
	connMgr.SetRestoreHook(reg.RestoreSubscribe)

	pollerOrch := poller.New(plugins, fakeInstances{}, reg, noopAdapterFactory, nil)
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	hist := history.New(plugins, fakeInstances{}, fakeStore{}, fakeSources{}, fakeSysConfig{}, sched, noopAdapterFactory)
	realtimeOrch := realtime.New(plugins, fakeInstances{}, reg, pollerOrch, noopAdapterFactory)

	reg.SetHooks(registry.Hooks{
		StartRealtime: realtimeOrch.Start,
		StartPoller:   pollerOrch.Start,
		NotifyEmpty: func(topic string, isRealtime bool) {
			if isRealtime {
				realtimeOrch.OnLastLeave(topic)
			} else {
				pollerOrch.Stop(topic)
			}
		},
	})

	return New(DefaultConfig(), connMgr, reg, pollerOrch, realtimeOrch, hist)
}

type nullSender struct{}

func (nullSender) Route(id, eventName string, payload []byte) {}

func TestHealthzReportsHealthyWithNoActiveTopics(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy status, got %q", resp.Status)
	}
}

func TestHistoryRequiresIntegrationAndMetric(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHistoryReturnsEmptyResultForUnknownIntegration(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/history?integrationId=inst1&metricKey=cpuPercent", nil)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestNotFoundForUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()

	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSplitTopicsTrimsAndDropsEmpty(t *testing.T) {
	got := splitTopics(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
