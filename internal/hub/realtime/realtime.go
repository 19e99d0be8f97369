// Package realtime implements the Realtime Orchestrator (C6): push-based
// upstream connections with hybrid idle timeout, automatic fallback to
// polling after repeated failure, and automatic recovery.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/streamhub/internal/hub/adapter"
	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
	"github.com/sawpanic/streamhub/internal/hub/topic"
	"github.com/sawpanic/streamhub/internal/hub/transport"
)

// Tuning constants (§4.6).
const (
	ReconnectInitial    = 1 * time.Second
	ReconnectMax        = 120 * time.Second
	WSFailureThreshold  = 5
	WSRetryInterval     = 60 * time.Second
	IdleTimeout         = 5 * time.Minute
)

// Status is a topic's realtime lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusBackoff
	StatusPollingFallback
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBackoff:
		return "backoff"
	case StatusPollingFallback:
		return "polling_fallback"
	default:
		return "idle"
	}
}

// Registry is the subset of the Subscription Registry C6 needs.
type Registry interface {
	Broadcast(topic string, payload any, forceFull bool)
	BroadcastRaw(topic string, payload any)
	MarkSourceStopped(topic string)
}

// Poller is the subset of the Poller Orchestrator C6 needs to run the
// polling fallback.
type Poller interface {
	Start(topic string)
	Stop(topic string)
}

type state struct {
	mu                sync.Mutex
	topic             string
	pluginID          string
	instanceID        string
	status            Status
	manager           plugin.RealtimeManager
	reconnectAttempts int
	lastConnected     time.Time
	mode              string // "websocket" | "polling"
	backoffTimer      *time.Timer
	wsRetryTimer      *time.Timer
	idleTimer         *time.Timer
	cancel            context.CancelFunc
}

// Health is one topic's diagnostic snapshot.
type Health struct {
	Topic             string
	Type              string
	Status            string
	ReconnectAttempts int
	LastConnected     time.Time
}

// Orchestrator runs the realtime connections.
type Orchestrator struct {
	mu        sync.Mutex
	states    map[string]*state
	plugins   *plugin.Registry
	instances storecontracts.IntegrationInstances
	registry  Registry
	poller    Poller
	newAdapter func(storecontracts.Instance) plugin.Adapter
	now       func() time.Time
}

// New builds a Realtime Orchestrator.
func New(plugins *plugin.Registry, instances storecontracts.IntegrationInstances, reg Registry, poller Poller, newAdapter func(storecontracts.Instance) plugin.Adapter) *Orchestrator {
	return &Orchestrator{
		states:     make(map[string]*state),
		plugins:    plugins,
		instances:  instances,
		registry:   reg,
		poller:     poller,
		newAdapter: newAdapter,
		now:        time.Now,
	}
}

// Start creates (or reuses, if idle-armed) the manager for topic and
// begins connecting.
func (o *Orchestrator) Start(rawTopic string) {
	o.mu.Lock()
	if st, exists := o.states[rawTopic]; exists {
		o.mu.Unlock()
		st.mu.Lock()
		if st.idleTimer != nil {
			st.idleTimer.Stop()
			st.idleTimer = nil
		}
		st.mu.Unlock()
		return
	}
	o.mu.Unlock()

	t := topic.Parse(rawTopic)
	p, ok := o.plugins.Get(t.Type)
	if !ok || p.Realtime == nil || p.Realtime.CreateManager == nil {
		return
	}

	inst, err := o.resolveInstance(context.Background(), t)
	if err != nil || inst == nil {
		return
	}

	cctx, ccancel := context.WithCancel(context.Background())
	st := &state{
		topic:      rawTopic,
		pluginID:   p.ID,
		instanceID: inst.ID,
		status:     StatusIdle,
		mode:       "websocket",
		cancel:     ccancel,
	}

	pi := plugin.Instance{ID: inst.ID, Type: inst.Type, DisplayName: inst.DisplayName, Enabled: inst.Enabled, Config: inst.Config}
	st.manager = p.Realtime.CreateManager(pi, plugin.RealtimeCallbacks{
		OnConnect:    func() { o.handleConnect(st) },
		OnDisconnect: func(err error) { o.handleDisconnectOrError(st) },
		OnError:      func(err error) { o.handleDisconnectOrError(st) },
		OnUpdate:     func(data any) { o.handleUpdate(st, data) },
	})

	o.mu.Lock()
	o.states[rawTopic] = st
	o.mu.Unlock()

	o.connect(cctx, st)
}

func (o *Orchestrator) resolveInstance(ctx context.Context, t topic.Topic) (*storecontracts.Instance, error) {
	if t.Instance != "" {
		return o.instances.GetByID(ctx, t.Instance)
	}
	return o.instances.FirstEnabledByType(ctx, t.Type)
}

func (o *Orchestrator) connect(ctx context.Context, st *state) {
	st.mu.Lock()
	st.status = StatusConnecting
	st.mu.Unlock()

	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, adapter.DefaultTimeout)
		defer cancel()
		if err := st.manager.Connect(connectCtx); err != nil {
			o.handleDisconnectOrError(st)
		}
	}()
}

func (o *Orchestrator) handleConnect(st *state) {
	st.mu.Lock()
	wasFallback := st.status == StatusPollingFallback
	st.status = StatusConnected
	st.reconnectAttempts = 0
	st.mode = "websocket"
	st.lastConnected = o.now()
	if st.wsRetryTimer != nil {
		st.wsRetryTimer.Stop()
		st.wsRetryTimer = nil
	}
	topicName := st.topic
	st.mu.Unlock()

	if wasFallback {
		o.poller.Stop(topicName)
		log.Info().Str("topic", topicName).Msg("realtime recovered from polling fallback")
		o.registry.BroadcastRaw(topicName, map[string]any{
			"_meta": map[string]any{"healthy": true, "recovered": true, "source": "realtime"},
		})
	}
}

func (o *Orchestrator) handleUpdate(st *state, data any) {
	st.mu.Lock()
	topicName := st.topic
	st.mu.Unlock()

	final := transport.SpreadMeta(data, map[string]any{"_meta": map[string]any{"healthy": true, "source": "realtime"}})

	// Realtime broadcasts MUST force full payload — the manager does its
	// own merging/dedupe upstream, so delta diffing here would race.
	o.registry.Broadcast(topicName, final, true)
}

func (o *Orchestrator) handleDisconnectOrError(st *state) {
	st.mu.Lock()
	if st.status == StatusPollingFallback {
		st.mu.Unlock()
		return // errors while in fallback are never broadcast; poller owns truth
	}
	st.status = StatusBackoff
	st.reconnectAttempts++
	attempt := st.reconnectAttempts
	topicName := st.topic
	st.mu.Unlock()

	o.registry.BroadcastRaw(topicName, map[string]any{
		"_error":   true,
		"_message": "Real-time connection lost, reconnecting...",
		"_meta":    map[string]any{"healthy": false, "reconnectAttempts": attempt},
	})

	if attempt >= WSFailureThreshold {
		o.enterPollingFallback(st)
		return
	}

	delay := time.Duration(float64(ReconnectInitial) * pow2(attempt-1))
	if delay > ReconnectMax {
		delay = ReconnectMax
	}

	st.mu.Lock()
	st.backoffTimer = time.AfterFunc(delay, func() {
		o.connect(context.Background(), st)
	})
	st.mu.Unlock()
}

func (o *Orchestrator) enterPollingFallback(st *state) {
	st.mu.Lock()
	st.status = StatusPollingFallback
	st.mode = "polling"
	topicName := st.topic
	st.mu.Unlock()

	st.manager.Disconnect()
	o.poller.Start(topicName)
	log.Warn().Str("topic", topicName).Msg("realtime fell back to polling")

	st.mu.Lock()
	st.wsRetryTimer = time.AfterFunc(WSRetryInterval, func() {
		o.retryFromFallback(st)
	})
	st.mu.Unlock()
}

func (o *Orchestrator) retryFromFallback(st *state) {
	st.mu.Lock()
	if st.status != StatusPollingFallback {
		st.mu.Unlock()
		return
	}
	mgr := st.manager
	st.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), adapter.DefaultTimeout)
	defer cancel()
	if err := mgr.Connect(ctx); err != nil {
		// stay in fallback; arm the next periodic reattempt
		st.mu.Lock()
		if st.status == StatusPollingFallback {
			st.wsRetryTimer = time.AfterFunc(WSRetryInterval, func() {
				o.retryFromFallback(st)
			})
		}
		st.mu.Unlock()
	}
	// a successful Connect call fires OnConnect asynchronously, which
	// drives the actual fallback -> connected transition.
}

// OnLastLeave arms the idle timer instead of tearing the connection
// down immediately, tolerating brief tab-switch/reload churn.
func (o *Orchestrator) OnLastLeave(rawTopic string) {
	o.mu.Lock()
	st, ok := o.states[rawTopic]
	o.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.idleTimer = time.AfterFunc(IdleTimeout, func() {
		o.expireIdle(rawTopic)
	})
	st.mu.Unlock()
}

func (o *Orchestrator) expireIdle(rawTopic string) {
	o.mu.Lock()
	st, ok := o.states[rawTopic]
	if ok {
		delete(o.states, rawTopic)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.backoffTimer != nil {
		st.backoffTimer.Stop()
	}
	if st.wsRetryTimer != nil {
		st.wsRetryTimer.Stop()
	}
	mode := st.mode
	mgr := st.manager
	st.mu.Unlock()

	st.cancel()
	if mode == "polling" {
		o.poller.Stop(rawTopic)
	}
	mgr.Disconnect()
	o.registry.MarkSourceStopped(rawTopic)
}

// RefreshConnection disconnects and re-starts every topic bound to
// instanceID, so config changes take effect with a fresh manager.
func (o *Orchestrator) RefreshConnection(instanceID string) {
	o.mu.Lock()
	var topics []string
	for t, st := range o.states {
		st.mu.Lock()
		if st.instanceID == instanceID {
			topics = append(topics, t)
		}
		st.mu.Unlock()
	}
	o.mu.Unlock()

	for _, t := range topics {
		o.mu.Lock()
		st, ok := o.states[t]
		if ok {
			delete(o.states, t)
		}
		o.mu.Unlock()
		if !ok {
			continue
		}
		st.mu.Lock()
		if st.backoffTimer != nil {
			st.backoffTimer.Stop()
		}
		if st.wsRetryTimer != nil {
			st.wsRetryTimer.Stop()
		}
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		mode := st.mode
		mgr := st.manager
		st.mu.Unlock()
		st.cancel()
		if mode == "polling" {
			o.poller.Stop(t)
		}
		mgr.Disconnect()

		o.Start(t)
	}
}

// Health reports a diagnostic snapshot for every active topic.
func (o *Orchestrator) Health() []Health {
	o.mu.Lock()
	states := make([]*state, 0, len(o.states))
	for _, st := range o.states {
		states = append(states, st)
	}
	o.mu.Unlock()

	out := make([]Health, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, Health{
			Topic:             st.topic,
			Type:              st.pluginID,
			Status:            st.status.String(),
			ReconnectAttempts: st.reconnectAttempts,
			LastConnected:     st.lastConnected,
		})
		st.mu.Unlock()
	}
	return out
}

func pow2(n int) float64 {
	if n < 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
