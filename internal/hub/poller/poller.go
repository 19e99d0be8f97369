// Package poller implements the Poller Orchestrator (C5): one
// independent poll loop per active topic, with fast-retry → exponential
// backoff → config/auth short-circuit, and health diagnostics.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
	"github.com/sawpanic/streamhub/internal/hub/topic"
	"github.com/sawpanic/streamhub/internal/hub/transport"
)

// Retry/backoff tuning constants (§4.5).
const (
	FastRetryInterval  = 10 * time.Second
	FastRetryAttempts  = 3
	BackoffBase        = 15 * time.Second
	BackoffMax         = 180 * time.Second
	GlobalDefaultInterval = 10 * time.Second
)

// builtinIntervals is the per-type default base-interval table (d).
var builtinIntervals = map[string]time.Duration{
	"qbittorrent":        5 * time.Second,
	"glances":            2 * time.Second,
	"customsystemstatus": 2 * time.Second,
	"sonarr":             5 * time.Second,
	"radarr":             5 * time.Second,
	"overseerr":          60 * time.Second,
	"plex":               30 * time.Second,
	"monitor":            10 * time.Second,
}

// builtinSubtypeIntervals is the subtype override table (a), applied
// before consulting the plugin's own subtype declarations.
var builtinSubtypeIntervals = map[string]time.Duration{
	"sonarr:queue":    3 * time.Second,
	"sonarr:calendar": 300 * time.Second,
	"sonarr:missing":  60 * time.Second,
	"radarr:queue":    3 * time.Second,
	"radarr:missing":  60 * time.Second,
}

// Status is a poller's coarse lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusHealthy
	StatusFastRetry
	StatusBackoff
	StatusConfigError
	StatusAuthError
)

// Registry is the subset of the Subscription Registry the orchestrator
// needs: broadcasting success/error payloads and reporting a stopped
// source.
type Registry interface {
	Broadcast(topic string, payload any, forceFull bool)
	BroadcastRaw(topic string, payload any)
	HasSubscribers(topic string) bool
	MarkSourceStopped(topic string)
}

// HistorySink is how C5 opportunistically taps payloads for the Metric
// History Recorder (C7); defined here (not imported from the history
// package) so poller has no dependency on C7's implementation.
type HistorySink interface {
	OnSSEData(integrationID, kind string, payload any)
	NotifySSEActive(integrationID string)
	NotifySSEIdle(integrationID string)
}

type state struct {
	mu                sync.Mutex
	topic             string
	instanceID        string
	status            Status
	consecutiveErrors int
	lastError         string
	lastSuccess       time.Time
	currentInterval   time.Duration
	baseInterval      time.Duration
	fastRetryMode     bool
	pollMu            sync.Mutex
	cancel            context.CancelFunc
}

func (s *state) snapshot() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Topic:             s.topic,
		Status:            statusLabel(s.consecutiveErrors),
		LastSuccess:       s.lastSuccess,
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         s.lastError,
		CurrentInterval:   s.currentInterval,
	}
}

func statusLabel(errs int) string {
	switch {
	case errs == 0:
		return "healthy"
	case errs < 3:
		return "warning"
	default:
		return "degraded"
	}
}

// Health is one topic's diagnostic snapshot.
type Health struct {
	Topic             string
	Status            string
	LastSuccess       time.Time
	ConsecutiveErrors int
	LastError         string
	CurrentInterval   time.Duration
}

// Orchestrator runs the per-topic poll loops.
type Orchestrator struct {
	mu        sync.Mutex
	states    map[string]*state
	plugins   *plugin.Registry
	instances storecontracts.IntegrationInstances
	registry  Registry
	newAdapter func(storecontracts.Instance) plugin.Adapter
	history   HistorySink
	now       func() time.Time
}

// New builds a Poller Orchestrator.
func New(plugins *plugin.Registry, instances storecontracts.IntegrationInstances, reg Registry, newAdapter func(storecontracts.Instance) plugin.Adapter, history HistorySink) *Orchestrator {
	return &Orchestrator{
		states:     make(map[string]*state),
		plugins:    plugins,
		instances:  instances,
		registry:   reg,
		newAdapter: newAdapter,
		history:    history,
		now:        time.Now,
	}
}

// Start creates poll state for topic, if not already running, schedules
// an immediate first poll, and arms the periodic timer.
func (o *Orchestrator) Start(rawTopic string) {
	o.mu.Lock()
	if _, exists := o.states[rawTopic]; exists {
		o.mu.Unlock()
		return
	}
	t := topic.Parse(rawTopic)
	base := o.resolveBaseInterval(t)
	ctx, cancel := context.WithCancel(context.Background())
	st := &state{
		topic:           rawTopic,
		instanceID:      t.Instance,
		status:          StatusHealthy,
		currentInterval: base,
		baseInterval:    base,
		cancel:          cancel,
	}
	o.states[rawTopic] = st
	o.mu.Unlock()

	if st.instanceID != "" && isSystemStatusType(t.Type) && o.history != nil {
		o.history.NotifySSEActive(st.instanceID)
	}

	log.Info().Str("topic", rawTopic).Dur("interval", base).Msg("poller started")
	go o.runLoop(ctx, st, t)
}

// Stop cancels topic's periodic timer and reports the source as
// stopped so the registry can drop an empty subscription.
func (o *Orchestrator) Stop(rawTopic string) {
	o.mu.Lock()
	st, ok := o.states[rawTopic]
	if ok {
		delete(o.states, rawTopic)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()

	t := topic.Parse(rawTopic)
	if st.instanceID != "" && isSystemStatusType(t.Type) && o.history != nil {
		o.history.NotifySSEIdle(st.instanceID)
	}
	o.registry.MarkSourceStopped(rawTopic)
}

// Trigger runs a single poll immediately, broadcasting if the topic has
// subscribers. Used by write-through endpoints so the UI reflects a
// mutation within ~1 RTT.
func (o *Orchestrator) Trigger(rawTopic string) {
	o.mu.Lock()
	st, ok := o.states[rawTopic]
	o.mu.Unlock()
	if !ok {
		return
	}
	t := topic.Parse(rawTopic)
	o.pollOnce(context.Background(), st, t)
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
		out = append(out, st.snapshot())
	}
	return out
}

func (o *Orchestrator) runLoop(ctx context.Context, st *state, t topic.Topic) {
	for {
		cont := o.pollOnce(ctx, st, t)
		if !cont {
			return
		}

		st.mu.Lock()
		wait := st.currentInterval
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// pollOnce executes a single poll attempt and applies the resulting
// state transition. It returns whether the loop should continue
// scheduling further polls (false for ConfigError/AuthError
// short-circuit).
func (o *Orchestrator) pollOnce(ctx context.Context, st *state, t topic.Topic) bool {
	st.pollMu.Lock()
	defer st.pollMu.Unlock()

	payload, instanceID, err := o.executePoll(ctx, t)

	if err != nil {
		return o.handleError(st, t, err)
	}
	o.handleSuccess(st, t, instanceID, payload)
	return true
}

func (o *Orchestrator) executePoll(ctx context.Context, t topic.Topic) (any, string, error) {
	p, ok := o.plugins.Get(t.Type)
	if !ok || p.Poller == nil {
		return nil, "", ErrNoPoller{}
	}

	inst, err := o.resolveInstance(ctx, t)
	if err != nil {
		return nil, "", err
	}

	pi := plugin.Instance{ID: inst.ID, Type: inst.Type, DisplayName: inst.DisplayName, Enabled: inst.Enabled, Config: inst.Config}
	ad := o.newAdapter(*inst)

	pollFn := p.Poller.Poll
	if t.HasSubtype() {
		if sp, ok := p.Poller.Subtypes[t.Subtype]; ok {
			pollFn = sp.Poll
		}
	}
	if pollFn == nil {
		return nil, inst.ID, ErrNoPoller{}
	}

	payload, err := pollFn(ctx, pi, ad)
	if err != nil {
		return nil, inst.ID, err
	}
	if payload == nil {
		return nil, inst.ID, ErrNoData{}
	}
	return payload, inst.ID, nil
}

func (o *Orchestrator) resolveInstance(ctx context.Context, t topic.Topic) (*storecontracts.Instance, error) {
	if t.Instance != "" {
		inst, err := o.instances.GetByID(ctx, t.Instance)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, ErrInstanceMissing{InstanceID: t.Instance}
		}
		return inst, nil
	}
	inst, err := o.instances.FirstEnabledByType(ctx, t.Type)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.New("No instance found")
	}
	return inst, nil
}

func (o *Orchestrator) handleSuccess(st *state, t topic.Topic, instanceID string, payload any) {
	st.mu.Lock()
	wasRecovering := st.consecutiveErrors > 0
	st.consecutiveErrors = 0
	st.fastRetryMode = false
	st.status = StatusHealthy
	st.currentInterval = st.baseInterval
	st.lastSuccess = o.now()
	st.lastError = ""
	st.mu.Unlock()

	if wasRecovering {
		log.Info().Str("topic", st.topic).Msg("poller recovered")
	}

	final := transport.SpreadMeta(payload, map[string]any{
		"_meta": map[string]any{"healthy": true, "lastPoll": o.now().UnixMilli(), "errorCount": 0},
	})

	o.registry.Broadcast(st.topic, final, false)

	if instanceID != "" && isSystemStatusType(t.Type) && o.history != nil {
		o.history.OnSSEData(instanceID, t.Type, payload)
	}
}

func (o *Orchestrator) handleError(st *state, t topic.Topic, err error) bool {
	kind := classifyPollError(err)

	switch kind {
	case KindConfig, KindAuth:
		st.mu.Lock()
		if kind == KindConfig {
			st.status = StatusConfigError
		} else {
			st.status = StatusAuthError
		}
		st.lastError = err.Error()
		st.mu.Unlock()
		o.broadcastShortCircuit(st.topic, err.Error(), kind)
		return false
	}

	st.mu.Lock()
	st.consecutiveErrors++
	st.lastError = err.Error()
	errs := st.consecutiveErrors

	switch {
	case errs < FastRetryAttempts:
		st.status = StatusFastRetry
		st.fastRetryMode = true
		st.currentInterval = FastRetryInterval
	default:
		st.status = StatusBackoff
		st.fastRetryMode = false
		interval := time.Duration(float64(BackoffBase) * pow2(errs-FastRetryAttempts))
		if interval > BackoffMax {
			interval = BackoffMax
		}
		st.currentInterval = interval
	}
	shouldBroadcastError := errs == FastRetryAttempts
	topicName := st.topic
	lastErr := st.lastError
	st.mu.Unlock()

	if shouldBroadcastError {
		o.registry.BroadcastRaw(topicName, map[string]any{
			"_error":   true,
			"_message": lastErr,
			"_meta":    map[string]any{"healthy": false, "errorCount": errs, "lastError": lastErr},
		})
	}
	return true
}

func (o *Orchestrator) broadcastShortCircuit(rawTopic, message string, kind Kind) {
	payload := map[string]any{
		"_error":   true,
		"_message": message,
		"_meta":    map[string]any{"healthy": false, "errorCount": 1, "lastError": message},
	}
	if kind == KindConfig {
		payload["_configError"] = true
	} else {
		payload["_authError"] = true
	}
	o.registry.BroadcastRaw(rawTopic, payload)
}

func classifyPollError(err error) Kind {
	switch err.(type) {
	case ErrNoPoller, ErrInstanceMissing, ErrNoData:
		return KindTransient
	}
	return Classify(err)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func isSystemStatusType(typeID string) bool {
	return typeID == "glances" || typeID == "customsystemstatus"
}

// resolveBaseInterval implements the (a)-(e) precedence table.
func (o *Orchestrator) resolveBaseInterval(t topic.Topic) time.Duration {
	if t.HasSubtype() {
		if d, ok := builtinSubtypeIntervals[t.Type+":"+t.Subtype]; ok {
			return d
		}
	}

	if p, ok := o.plugins.Get(t.Type); ok && p.Poller != nil {
		if t.HasSubtype() {
			if sp, ok := p.Poller.Subtypes[t.Subtype]; ok && sp.IntervalMS > 0 {
				return time.Duration(sp.IntervalMS) * time.Millisecond
			}
		}
		if p.Poller.IntervalMS > 0 {
			return time.Duration(p.Poller.IntervalMS) * time.Millisecond
		}
	}

	if d, ok := builtinIntervals[t.Type]; ok {
		return d
	}

	return GlobalDefaultInterval
}
