package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
	"github.com/sawpanic/streamhub/internal/hub/topic"
)

type fakeInstances struct {
	byID   map[string]*storecontracts.Instance
	byType map[string]*storecontracts.Instance
}

func (f *fakeInstances) GetByID(ctx context.Context, id string) (*storecontracts.Instance, error) {
	return f.byID[id], nil
}
func (f *fakeInstances) GetByType(ctx context.Context, t string) ([]storecontracts.Instance, error) {
	return nil, nil
}
func (f *fakeInstances) FirstEnabledByType(ctx context.Context, t string) (*storecontracts.Instance, error) {
	return f.byType[t], nil
}

type fakeRegistry struct {
	mu         sync.Mutex
	broadcasts []any
	raws       []any
	stopped    []string
}

func (f *fakeRegistry) Broadcast(topic string, payload any, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
}
func (f *fakeRegistry) BroadcastRaw(topic string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, payload)
}
func (f *fakeRegistry) HasSubscribers(topic string) bool { return true }
func (f *fakeRegistry) MarkSourceStopped(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, topic)
}

func (f *fakeRegistry) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}
func (f *fakeRegistry) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raws)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func noopAdapterFactory(storecontracts.Instance) plugin.Adapter { return noopAdapter{} }

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

func TestConfigErrorShortCircuits(t *testing.T) {
	plugins, _ := plugin.NewRegistry([]plugin.Plugin{
		{ID: "radarr", Poller: &plugin.Poller{
			IntervalMS: 5000,
			Poll: func(ctx context.Context, inst plugin.Instance, a plugin.Adapter) (any, error) {
				return nil, errors.New("No URL configured")
			},
		}},
	})
	instances := &fakeInstances{byType: map[string]*storecontracts.Instance{
		"radarr": {ID: "inst-1", Type: "radarr", Enabled: true},
	}}
	reg := &fakeRegistry{}
	o := New(plugins, instances, reg, noopAdapterFactory, nil)

	o.Start("radarr:missing")

	waitFor(t, func() bool { return reg.rawCount() == 1 })

	reg.mu.Lock()
	payload := reg.raws[0].(map[string]any)
	reg.mu.Unlock()
	if cfg, _ := payload["_configError"].(bool); !cfg {
		t.Fatalf("expected _configError:true, got %+v", payload)
	}

	time.Sleep(20 * time.Millisecond)
	if reg.rawCount() != 1 {
		t.Fatalf("config error must not retry, got %d broadcasts", reg.rawCount())
	}
}

func TestBackoffRecoverySequence(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	plugins, _ := plugin.NewRegistry([]plugin.Plugin{
		{ID: "sonarr", Poller: &plugin.Poller{
			IntervalMS: 1,
			Poll: func(ctx context.Context, inst plugin.Instance, a plugin.Adapter) (any, error) {
				mu.Lock()
				callCount++
				n := callCount
				mu.Unlock()
				if n <= 3 {
					return nil, errors.New("connection refused")
				}
				return []any{"e1", "e2", "e3"}, nil
			},
		}},
	})
	instances := &fakeInstances{
		byID: map[string]*storecontracts.Instance{
			"def": {ID: "def", Type: "sonarr", Enabled: true},
		},
		byType: map[string]*storecontracts.Instance{
			"sonarr": {ID: "inst-1", Type: "sonarr", Enabled: true},
		},
	}
	reg := &fakeRegistry{}
	o := New(plugins, instances, reg, noopAdapterFactory, nil)
	o.Start("sonarr:def")

	// A failure puts the loop on the 10 s fast-retry interval, so the
	// remaining attempts are driven through Trigger: the loop's own
	// first poll plus three triggered polls make three failures and
	// then a success, whatever order they run in.
	for i := 0; i < 3; i++ {
		o.Trigger("sonarr:def")
	}

	waitFor(t, func() bool { return reg.broadcastCount() >= 1 })
	waitFor(t, func() bool { return reg.rawCount() >= 1 })
}

func TestHealthReportsDegradedAfterManyErrors(t *testing.T) {
	plugins, _ := plugin.NewRegistry([]plugin.Plugin{
		{ID: "monitor", Poller: &plugin.Poller{
			IntervalMS: 1,
			Poll: func(ctx context.Context, inst plugin.Instance, a plugin.Adapter) (any, error) {
				return nil, errors.New("connection refused")
			},
		}},
	})
	instances := &fakeInstances{
		byID: map[string]*storecontracts.Instance{
			"abc": {ID: "abc", Type: "monitor", Enabled: true},
		},
		byType: map[string]*storecontracts.Instance{
			"monitor": {ID: "inst-1", Type: "monitor", Enabled: true},
		},
	}
	reg := &fakeRegistry{}
	o := New(plugins, instances, reg, noopAdapterFactory, nil)
	o.Start("monitor:abc")

	// After the loop's first failure its next attempt is 10 s away, so
	// the second and third failures are driven through Trigger.
	o.Trigger("monitor:abc")
	o.Trigger("monitor:abc")

	waitFor(t, func() bool {
		for _, h := range o.Health() {
			if h.ConsecutiveErrors >= 3 && h.Status == "degraded" {
				return true
			}
		}
		return false
	})
	o.Stop("monitor:abc")
}

func TestResolveBaseIntervalPrecedence(t *testing.T) {
	plugins, _ := plugin.NewRegistry([]plugin.Plugin{
		{ID: "sonarr", Poller: &plugin.Poller{
			IntervalMS: 5000,
			Subtypes: map[string]plugin.SubPoller{
				"calendar": {IntervalMS: 123456}, // overridden by the builtin subtype table
			},
		}},
		{ID: "unknown-type"},
	})
	instances := &fakeInstances{}
	reg := &fakeRegistry{}
	o := New(plugins, instances, reg, noopAdapterFactory, nil)

	cases := []struct {
		topic    string
		expected time.Duration
	}{
		{"sonarr:queue", 3 * time.Second},    // builtin subtype override wins
		{"sonarr:calendar", 300 * time.Second}, // builtin subtype override wins
		{"sonarr:abc", 5 * time.Second},      // plugin main declaration (instance, not subtype)
		{"qbittorrent", 5 * time.Second},     // builtin per-type default
		{"totally-unknown", GlobalDefaultInterval},
	}
	for _, c := range cases {
		got := o.resolveBaseInterval(topic.Parse(c.topic))
		if got != c.expected {
			t.Errorf("resolveBaseInterval(%q) = %v, want %v", c.topic, got, c.expected)
		}
	}
}
