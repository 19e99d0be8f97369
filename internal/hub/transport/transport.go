// Package transport implements the Transport layer (C4): serializing a
// topic's payload as a JSON-Patch delta against cached state, applying
// per-topic subscriber filters, and writing the result to subscriber
// sinks.
package transport

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/wI2L/jsondiff"

	"github.com/sawpanic/streamhub/internal/hub/conn"
)

// maxPatchOps is the downgrade-to-full threshold on patch size.
const maxPatchOps = 10

// maxPathDepth is the downgrade-to-full threshold on path nesting; a
// path deeper than this many '/'-separated segments is considered too
// lossy for delta delivery.
const maxPathDepth = 3

// FilterFunc redacts or reshapes a shared payload for one subscriber's
// userID, for authz-driven data hiding.
type FilterFunc func(userID string, data any, topic string) any

// Sender is the subset of conn.Manager the Transport needs, so tests
// can swap in a fake.
type Sender interface {
	Route(id, eventName string, payload []byte)
}

type subscriberKey struct {
	subscriberID string
	topic        string
}

// Transport computes deltas and writes broadcasts. Safe for concurrent
// use; holds its own lock over the per-subscriber filtered cache, never
// across a sink write.
type Transport struct {
	sender Sender

	mu       sync.RWMutex
	filters  map[string]FilterFunc // keyed by topic type prefix
	filtered map[subscriberKey]any
}

// New builds a Transport that writes through sender.
func New(sender Sender) *Transport {
	return &Transport{
		sender:   sender,
		filters:  make(map[string]FilterFunc),
		filtered: make(map[subscriberKey]any),
	}
}

// RegisterFilter installs a per-user filter for every topic whose type
// prefix matches prefix.
func (t *Transport) RegisterFilter(prefix string, filter FilterFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters[prefix] = filter
}

func (t *Transport) filterFor(prefix string) (FilterFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.filters[prefix]
	return f, ok
}

// SubscriberInfo is the minimal per-subscriber detail Broadcast/SendInitial
// needs from the Subscription Registry / Connection Manager.
type SubscriberInfo struct {
	ID     string
	UserID string
}

// Envelope is the wire shape written for a topic event.
type Envelope struct {
	Type      string          `json:"type"`
	Data      any             `json:"data,omitempty"`
	Patches   jsondiff.Patch  `json:"patches,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Equal reports whether a and b serialize identically; used for the
// idempotence rule (identical consecutive payloads produce zero
// broadcasts).
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ab) == string(bb)
}

// SendInitial delivers a topic's current cached payload to one newly
// first-reading subscriber as a full event, applying that subscriber's
// filter (if any) and seeding its per-subscriber filtered cache.
func (t *Transport) SendInitial(topicPrefix, topic string, sub SubscriberInfo, cached any, nowMS int64) {
	data := cached
	if f, ok := t.filterFor(topicPrefix); ok {
		data = f(sub.UserID, cached, topic)
		t.mu.Lock()
		t.filtered[subscriberKey{sub.ID, topic}] = data
		t.mu.Unlock()
	}
	t.write(sub.ID, topic, Envelope{Type: "full", Data: data, Timestamp: nowMS})
}

// BroadcastOptions controls a single Broadcast call.
type BroadcastOptions struct {
	ForceFull bool
}

// Broadcast serializes newPayload for topic against cached, writes the
// resulting envelope (full or delta, per-subscriber filtered where
// applicable) to every subscriber, and returns the value that should
// become the new shared cache. The caller (Registry) owns cachedPayload
// storage; Transport is stateless with respect to it.
func (t *Transport) Broadcast(topicPrefix, topic string, subs []SubscriberInfo, cached, newPayload any, opts BroadcastOptions, nowMS int64) any {
	if !opts.ForceFull && cached != nil && Equal(cached, newPayload) {
		return cached // idempotence: zero broadcasts for identical payloads
	}

	env, downgraded := buildEnvelope(cached, newPayload, opts.ForceFull)
	_ = downgraded
	env.Timestamp = nowMS

	filter, hasFilter := t.filterFor(topicPrefix)
	for _, sub := range subs {
		if !hasFilter {
			t.write(sub.ID, topic, env)
			continue
		}
		filteredNew := filter(sub.UserID, newPayload, topic)
		key := subscriberKey{sub.ID, topic}
		t.mu.Lock()
		prevFiltered := t.filtered[key]
		t.mu.Unlock()

		fenv, _ := buildEnvelope(prevFiltered, filteredNew, opts.ForceFull)
		fenv.Timestamp = nowMS
		t.write(sub.ID, topic, fenv)

		t.mu.Lock()
		t.filtered[key] = filteredNew
		t.mu.Unlock()
	}

	return newPayload
}

// BroadcastRaw writes a pre-built envelope (error/recovery control
// payloads) to every subscriber of a topic without diffing.
func (t *Transport) BroadcastRaw(topic string, subs []SubscriberInfo, payload any) {
	for _, sub := range subs {
		t.writeRaw(sub.ID, topic, payload)
	}
}

// EvictSubscriber drops a subscriber's per-topic filtered cache entry,
// called on unsubscribe.
func (t *Transport) EvictSubscriber(subscriberID, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.filtered, subscriberKey{subscriberID, topic})
}

// WrapArraySentinel wraps a top-level ordered sequence as
// {items: [...], _meta: meta} so JSON Patch over arrays never corrupts
// shape for clients that also spread object properties. Callers (C5's
// success handler, C6's update handler) must apply this before handing
// an array payload to Broadcast.
func WrapArraySentinel(payload any, meta map[string]any) any {
	v := reflect.ValueOf(payload)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return payload
	}
	out := map[string]any{"items": payload}
	for k, val := range meta {
		out[k] = val
	}
	return out
}

// SpreadMeta produces the success/update envelope body per §6: a
// top-level array is wrapped via WrapArraySentinel; any other payload
// (map or struct) gets meta's keys spread directly into it, round-
// tripping through JSON so typed struct payloads are handled exactly
// like map[string]any ones — callers never need to hand-build a map
// just to carry _meta.
func SpreadMeta(payload any, meta map[string]any) any {
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		return WrapArraySentinel(payload, meta)
	}

	m, ok := payload.(map[string]any)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return payload
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return payload
		}
	}

	merged := make(map[string]any, len(m)+len(meta))
	for k, val := range m {
		merged[k] = val
	}
	for k, val := range meta {
		merged[k] = val
	}
	return merged
}

func buildEnvelope(cached, newPayload any, forceFull bool) (Envelope, bool) {
	if cached == nil || forceFull {
		return Envelope{Type: "full", Data: newPayload}, false
	}

	patch, err := jsondiff.Compare(cached, newPayload)
	if err != nil || shouldDowngrade(patch) {
		return Envelope{Type: "full", Data: newPayload}, true
	}
	return Envelope{Type: "delta", Patches: patch}, false
}

func shouldDowngrade(patch jsondiff.Patch) bool {
	if len(patch) > maxPatchOps {
		return true
	}
	for _, op := range patch {
		if op.Type != "add" && op.Type != "replace" {
			continue
		}
		if pathDepth(op.Path) > maxPathDepth {
			return true
		}
	}
	return false
}

func pathDepth(path string) int {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "/"))
}

func (t *Transport) write(subscriberID, topic string, env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	t.sender.Route(subscriberID, topic, b)
}

func (t *Transport) writeRaw(subscriberID, topic string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	t.sender.Route(subscriberID, topic, b)
}

var _ Sender = (*conn.Manager)(nil)
