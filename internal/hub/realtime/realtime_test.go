package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
)

type fakeManager struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	connectHook func()
	callbacks   plugin.RealtimeCallbacks
}

func (m *fakeManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	err := m.connectErr
	hook := m.connectHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.callbacks.OnConnect()
	return nil
}

func (m *fakeManager) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *fakeManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

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
	mu     sync.Mutex
	broad  []any
	forced []bool
	raws   []any
	stopped []string
}

func (f *fakeRegistry) Broadcast(topic string, payload any, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broad = append(f.broad, payload)
	f.forced = append(f.forced, force)
}
func (f *fakeRegistry) BroadcastRaw(topic string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, payload)
}
func (f *fakeRegistry) MarkSourceStopped(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, topic)
}

func (f *fakeRegistry) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raws)
}
func (f *fakeRegistry) broadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broad)
}

type fakePoller struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (p *fakePoller) Start(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, topic)
}
func (p *fakePoller) Stop(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, topic)
}
func (p *fakePoller) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
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

func buildOrchestrator(t *testing.T, mgr *fakeManager) (*Orchestrator, *fakeRegistry, *fakePoller) {
	t.Helper()
	plugins, _ := plugin.NewRegistry([]plugin.Plugin{
		{ID: "plex", Realtime: &plugin.Realtime{
			CreateManager: func(inst plugin.Instance, cb plugin.RealtimeCallbacks) plugin.RealtimeManager {
				mgr.callbacks = cb
				return mgr
			},
		}},
	})
	instances := &fakeInstances{
		byID: map[string]*storecontracts.Instance{
			"xyz": {ID: "xyz", Type: "plex", Enabled: true},
		},
		byType: map[string]*storecontracts.Instance{
			"plex": {ID: "inst-1", Type: "plex", Enabled: true},
		},
	}
	reg := &fakeRegistry{}
	poll := &fakePoller{}
	o := New(plugins, instances, reg, poll, func(storecontracts.Instance) plugin.Adapter { return nil })
	return o, reg, poll
}

func TestConnectEmitsNoErrorAndUpdatesBroadcastFull(t *testing.T) {
	mgr := &fakeManager{}
	o, reg, _ := buildOrchestrator(t, mgr)

	o.Start("plex:xyz")
	waitFor(t, func() bool { return mgr.IsConnected() })

	o.handleUpdate(o.states["plex:xyz"], map[string]any{"sessions": []any{1}})
	waitFor(t, func() bool { return reg.broadCount() >= 1 })

	if reg.rawCount() != 0 {
		t.Fatalf("expected no error envelope after a clean connect, got %d", reg.rawCount())
	}
	reg.mu.Lock()
	forced := reg.forced[0]
	reg.mu.Unlock()
	if !forced {
		t.Fatal("expected the realtime update to be broadcast as a forced full payload")
	}
}

func TestFallbackAfterFiveFailures(t *testing.T) {
	mgr := &fakeManager{connectErr: errors.New("refused")}
	o, reg, poll := buildOrchestrator(t, mgr)

	o.Start("plex:xyz")

	// The first connect fails at once; the reconnects after it would wait
	// 1+2+4+8 s, so the remaining failures are reported through the
	// manager's OnError callback instead.
	waitFor(t, func() bool { return reg.rawCount() == 1 })
	for i := 1; i < WSFailureThreshold; i++ {
		mgr.callbacks.OnError(errors.New("refused"))
	}

	waitFor(t, func() bool { return poll.startedCount() == 1 })
	if reg.rawCount() < WSFailureThreshold {
		t.Fatalf("expected at least %d error broadcasts before fallback, got %d", WSFailureThreshold, reg.rawCount())
	}
}

func TestRecoveryAfterFallbackStopsPoller(t *testing.T) {
	mgr := &fakeManager{connectErr: errors.New("refused")}
	o, reg, poll := buildOrchestrator(t, mgr)
	o.Start("plex:xyz")
	waitFor(t, func() bool { return reg.rawCount() == 1 })
	for i := 1; i < WSFailureThreshold; i++ {
		mgr.callbacks.OnError(errors.New("refused"))
	}
	waitFor(t, func() bool { return poll.startedCount() == 1 })

	mgr.mu.Lock()
	mgr.connectErr = nil
	mgr.mu.Unlock()

	st := o.states["plex:xyz"]
	o.retryFromFallback(st)

	waitFor(t, func() bool { return len(poll.stopped) == 1 })
	waitFor(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		for _, r := range reg.raws {
			if m, ok := r.(map[string]any); ok {
				if meta, ok := m["_meta"].(map[string]any); ok {
					if rec, _ := meta["recovered"].(bool); rec {
						return true
					}
				}
			}
		}
		return false
	})
}

func TestIdleExpiryDisconnectsAndMarksStopped(t *testing.T) {
	mgr := &fakeManager{}
	o, reg, _ := buildOrchestrator(t, mgr)
	o.Start("plex:xyz")
	waitFor(t, func() bool { return mgr.IsConnected() })

	o.OnLastLeave("plex:xyz")
	o.expireIdle("plex:xyz")

	waitFor(t, func() bool { return !mgr.IsConnected() })
	if len(reg.stopped) != 1 {
		t.Fatalf("expected MarkSourceStopped to fire once, got %v", reg.stopped)
	}
}

func TestReJoinDuringIdleWindowCancelsTimer(t *testing.T) {
	mgr := &fakeManager{}
	o, _, _ := buildOrchestrator(t, mgr)
	o.Start("plex:xyz")
	waitFor(t, func() bool { return mgr.IsConnected() })

	o.OnLastLeave("plex:xyz")
	o.Start("plex:xyz") // re-join before idle timer fires

	o.mu.Lock()
	st, ok := o.states["plex:xyz"]
	o.mu.Unlock()
	if !ok {
		t.Fatal("expected the realtime state to still exist (reused, not recreated)")
	}
	st.mu.Lock()
	timerArmed := st.idleTimer != nil
	st.mu.Unlock()
	if timerArmed {
		t.Fatal("expected idle timer to be cancelled on re-join")
	}
}
