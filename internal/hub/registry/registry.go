// Package registry implements the Subscription Registry (C3): topic →
// subscriber-set bookkeeping, cached payload, and first-join/last-leave
// dispatch to the poller or realtime orchestrator.
package registry

import (
	"sync"
	"time"

	"github.com/sawpanic/streamhub/internal/hub/conn"
	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/hub/topic"
	"github.com/sawpanic/streamhub/internal/hub/transport"
)

// Hooks wires the registry to the two orchestrators without a direct
// import cycle: C5/C6 are constructed with a Registry reference, then
// the registry is told how to start/stop sources via SetHooks.
type Hooks struct {
	// StartRealtime/StartPoller run synchronously on first-join, before
	// any concurrent subscribe/unsubscribe for the same topic is
	// observed (§5 ordering guarantee).
	StartRealtime func(topic string)
	StartPoller   func(topic string)

	// NotifyEmpty runs on last-leave. The realtime orchestrator arms an
	// idle timer instead of stopping immediately; the poller
	// orchestrator stops at once. Either way, the orchestrator calls
	// MarkSourceStopped once it has actually torn the source down.
	NotifyEmpty func(topic string, isRealtime bool)
}

type subscription struct {
	topic         string
	subscribers   map[string]struct{}
	cachedPayload any
	hasPayload    bool
	lastUpdated   time.Time
	sourceActive  bool
	isRealtime    bool
}

// Registry owns the topic → Subscription map. One mutex guards all
// mutation; it is never held across a sink write or upstream call.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	conn   *conn.Manager
	tr     *transport.Transport
	plugin *plugin.Registry
	hooks  Hooks
	now    func() time.Time
}

// New builds a Registry wired to conn, transport and the plugin
// registry. Call SetHooks before the first Subscribe.
func New(connMgr *conn.Manager, tr *transport.Transport, plugins *plugin.Registry) *Registry {
	return &Registry{
		subs:   make(map[string]*subscription),
		conn:   connMgr,
		tr:     tr,
		plugin: plugins,
		now:    time.Now,
	}
}

// SetHooks installs the first-join/last-leave dispatch callbacks.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

func (r *Registry) nowMS() int64 {
	return r.now().UnixMilli()
}

// Subscribe adds subscriberID to topic's subscriber set, dispatching
// the first-join handler if the set transitioned from empty, and
// delivers any cached payload immediately.
func (r *Registry) Subscribe(subscriberID, rawTopic string) {
	t := topic.Parse(rawTopic)
	p, _ := r.plugin.Get(t.Type)

	r.mu.Lock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		sub = &subscription{topic: rawTopic, subscribers: make(map[string]struct{})}
		r.subs[rawTopic] = sub
	}
	firstJoin := len(sub.subscribers) == 0
	sub.subscribers[subscriberID] = struct{}{}
	sub.isRealtime = p.IsRealtime()
	if firstJoin {
		sub.sourceActive = true
	}
	hooks := r.hooks
	hasPayload := sub.hasPayload
	cached := sub.cachedPayload
	r.mu.Unlock()

	r.conn.AddTopic(subscriberID, rawTopic)

	if firstJoin {
		if p.IsRealtime() && hooks.StartRealtime != nil {
			hooks.StartRealtime(rawTopic)
		} else if hooks.StartPoller != nil {
			hooks.StartPoller(rawTopic)
		}
	}

	if hasPayload {
		if userID := r.userIDFor(subscriberID); userID != "" {
			r.tr.SendInitial(t.Prefix(), rawTopic, transport.SubscriberInfo{ID: subscriberID, UserID: userID}, cached, r.nowMS())
		}
	}
}

// RestoreSubscribe silently re-adds a subscriber to a topic's
// subscriber set during grace-window restoration. It must NOT fire the
// first-join handler or deliver an initial payload — the source was
// never stopped.
func (r *Registry) RestoreSubscribe(subscriberID, rawTopic string) {
	r.mu.Lock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		sub = &subscription{topic: rawTopic, subscribers: make(map[string]struct{})}
		r.subs[rawTopic] = sub
	}
	sub.subscribers[subscriberID] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) userIDFor(subscriberID string) string {
	if sub, ok := r.conn.Subscriber(subscriberID); ok {
		return sub.UserID
	}
	return ""
}

// Unsubscribe removes the pairing and, if the subscriber set becomes
// empty, dispatches the last-leave handler.
func (r *Registry) Unsubscribe(subscriberID, rawTopic string) {
	t := topic.Parse(rawTopic)

	r.mu.Lock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(sub.subscribers, subscriberID)
	becameEmpty := len(sub.subscribers) == 0
	isRealtime := sub.isRealtime
	hooks := r.hooks
	r.mu.Unlock()

	r.conn.RemoveTopic(subscriberID, rawTopic)
	r.tr.EvictSubscriber(subscriberID, rawTopic)
	_ = t

	if becameEmpty && hooks.NotifyEmpty != nil {
		hooks.NotifyEmpty(rawTopic, isRealtime)
	}
}

// OnGraceExpired matches conn.GraceExpiredFunc: it removes a stale
// subscriber id from a topic after its grace window lapses without a
// restoring re-attach, dispatching last-leave if that empties the
// subscription. Wired via conn.Manager.SetGraceExpiredHook.
func (r *Registry) OnGraceExpired(subscriberID, rawTopic string) {
	r.Unsubscribe(subscriberID, rawTopic)
}

// MarkSourceStopped is called by an orchestrator once it has actually
// torn a topic's source down (immediately for the poller, after the
// idle window or an explicit stop for realtime). If the topic is still
// empty, the Subscription is removed entirely, completing the
// reference-counted lifecycle from §3.
func (r *Registry) MarkSourceStopped(rawTopic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		return
	}
	sub.sourceActive = false
	if len(sub.subscribers) == 0 {
		delete(r.subs, rawTopic)
	}
}

// Broadcast publishes a fresh upstream payload for topic, computing the
// delta against the cached state and delivering it to every current
// subscriber. force forces a full envelope (used by the realtime
// orchestrator, which must never emit deltas — see §4.6).
func (r *Registry) Broadcast(rawTopic string, payload any, force bool) {
	t := topic.Parse(rawTopic)

	r.mu.Lock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs := r.subscriberInfos(sub)
	cached := sub.cachedPayload
	r.mu.Unlock()

	newCached := r.tr.Broadcast(t.Prefix(), rawTopic, subs, cached, payload, transport.BroadcastOptions{ForceFull: force}, r.nowMS())

	r.mu.Lock()
	sub.cachedPayload = newCached
	sub.hasPayload = true
	sub.lastUpdated = r.now()
	r.mu.Unlock()
}

// BroadcastRaw delivers a control payload (error/recovery envelopes) to
// every current subscriber of topic without touching the cache.
func (r *Registry) BroadcastRaw(rawTopic string, payload any) {
	r.mu.Lock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs := r.subscriberInfos(sub)
	r.mu.Unlock()

	r.tr.BroadcastRaw(rawTopic, subs, payload)
}

func (r *Registry) subscriberInfos(sub *subscription) []transport.SubscriberInfo {
	infos := make([]transport.SubscriberInfo, 0, len(sub.subscribers))
	for id := range sub.subscribers {
		infos = append(infos, transport.SubscriberInfo{ID: id, UserID: r.userIDFor(id)})
	}
	return infos
}

// SubscriberCount returns the number of subscribers currently attached
// to topic.
func (r *Registry) SubscriberCount(rawTopic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[rawTopic]
	if !ok {
		return 0
	}
	return len(sub.subscribers)
}

// HasSubscribers reports whether topic currently has any subscribers.
func (r *Registry) HasSubscribers(rawTopic string) bool {
	return r.SubscriberCount(rawTopic) > 0
}

// ActiveTopics enumerates every topic with a live Subscription record.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}
