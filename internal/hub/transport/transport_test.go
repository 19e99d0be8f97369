package transport

import (
	"encoding/json"
	"sync"
	"testing"
)

type recordedWrite struct {
	subscriberID string
	topic        string
	payload      []byte
}

type fakeSender struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeSender) Route(id, eventName string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{id, eventName, payload})
}

func (f *fakeSender) last() recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[len(f.writes)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func decodeEnvelope(t *testing.T, b []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestBroadcastFirstUpdateIsFull(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	subs := []SubscriberInfo{{ID: "a", UserID: "u1"}}

	newCached := tr.Broadcast("plex", "plex:xyz", subs, nil, map[string]any{"sessions": []any{1}}, BroadcastOptions{}, 1000)
	if newCached == nil {
		t.Fatal("expected non-nil cache")
	}
	env := decodeEnvelope(t, sender.last().payload)
	if env.Type != "full" {
		t.Fatalf("expected full envelope, got %q", env.Type)
	}
}

func TestBroadcastSmallDiffIsDelta(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	subs := []SubscriberInfo{{ID: "a", UserID: "u1"}}

	cached := map[string]any{"sessions": []any{map[string]any{"k": 1, "t": "A"}}}
	tr.Broadcast("plex", "plex:xyz", subs, nil, cached, BroadcastOptions{}, 1000)

	updated := map[string]any{"sessions": []any{
		map[string]any{"k": 1, "t": "A"},
		map[string]any{"k": 2, "t": "B"},
	}}
	newCached := tr.Broadcast("plex", "plex:xyz", subs, cached, updated, BroadcastOptions{}, 2000)

	env := decodeEnvelope(t, sender.last().payload)
	if env.Type != "delta" {
		t.Fatalf("expected delta envelope for a small diff, got %q", env.Type)
	}
	if newCached == nil {
		t.Fatal("expected updated cache")
	}
}

func TestBroadcastDeepDiffDowngradesToFull(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	subs := []SubscriberInfo{{ID: "a", UserID: "u1"}}

	cached := map[string]any{"sessions": []any{map[string]any{
		"k": 1,
		"deep": map[string]any{
			"nested": map[string]any{
				"value": "before",
			},
		},
	}}}
	tr.Broadcast("plex", "plex:xyz", subs, nil, cached, BroadcastOptions{}, 1000)

	// The only change is a replace at /sessions/0/deep/nested/value, a
	// five-segment path.
	updated := map[string]any{"sessions": []any{map[string]any{
		"k": 1,
		"deep": map[string]any{
			"nested": map[string]any{
				"value": "too-deep-for-delta",
			},
		},
	}}}
	tr.Broadcast("plex", "plex:xyz", subs, cached, updated, BroadcastOptions{}, 2000)

	env := decodeEnvelope(t, sender.last().payload)
	if env.Type != "full" {
		t.Fatalf("expected downgrade to full for deep path, got %q", env.Type)
	}
}

func TestBroadcastIdempotenceProducesNoWrite(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	subs := []SubscriberInfo{{ID: "a", UserID: "u1"}}

	cached := map[string]any{"v": 1}
	tr.Broadcast("x", "x:1", subs, nil, cached, BroadcastOptions{}, 1000)
	before := sender.count()

	tr.Broadcast("x", "x:1", subs, cached, map[string]any{"v": 1}, BroadcastOptions{}, 2000)
	if sender.count() != before {
		t.Fatalf("expected no new writes for identical payload, before=%d after=%d", before, sender.count())
	}
}

func TestForceFullBypassesDiff(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	subs := []SubscriberInfo{{ID: "a", UserID: "u1"}}

	cached := map[string]any{"v": 1}
	tr.Broadcast("x", "x:1", subs, nil, cached, BroadcastOptions{}, 1000)
	tr.Broadcast("x", "x:1", subs, cached, map[string]any{"v": 2}, BroadcastOptions{ForceFull: true}, 2000)

	env := decodeEnvelope(t, sender.last().payload)
	if env.Type != "full" {
		t.Fatalf("expected forced full envelope, got %q", env.Type)
	}
}

func TestFilteredBroadcastUsesPerSubscriberCache(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	tr.RegisterFilter("overseerr", func(userID string, data any, topic string) any {
		m := data.(map[string]any)
		out := map[string]any{"requests": m["requests"], "_meta": map[string]any{"userId": userID}}
		return out
	})

	subA := SubscriberInfo{ID: "a", UserID: "alice"}
	subB := SubscriberInfo{ID: "b", UserID: "bob"}

	shared := map[string]any{"requests": []any{"r1"}}
	tr.Broadcast("overseerr", "overseerr", []SubscriberInfo{subA, subB}, nil, shared, BroadcastOptions{}, 1000)

	if sender.count() != 2 {
		t.Fatalf("expected one write per subscriber, got %d", sender.count())
	}

	// The second broadcast is diffed against each subscriber's own
	// filtered payload, whose _meta is unchanged, so each delta holds
	// only the added request.
	shared2 := map[string]any{"requests": []any{"r1", "r2"}}
	tr.Broadcast("overseerr", "overseerr", []SubscriberInfo{subA, subB}, shared, shared2, BroadcastOptions{}, 2000)
	if sender.count() != 4 {
		t.Fatalf("expected one more write per subscriber, got %d", sender.count())
	}
	for _, w := range sender.writes[2:] {
		env := decodeEnvelope(t, w.payload)
		if env.Type != "delta" || len(env.Patches) != 1 {
			t.Fatalf("expected a one-op delta for %s, got %q with %d ops", w.subscriberID, env.Type, len(env.Patches))
		}
	}
}

func TestSendInitialAppliesFilter(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender)
	tr.RegisterFilter("overseerr", func(userID string, data any, topic string) any {
		return map[string]any{"userId": userID}
	})

	tr.SendInitial("overseerr", "overseerr", SubscriberInfo{ID: "a", UserID: "alice"}, map[string]any{"requests": []any{}}, 1000)
	env := decodeEnvelope(t, sender.last().payload)
	if env.Type != "full" {
		t.Fatalf("expected full envelope on initial send, got %q", env.Type)
	}
	data, _ := env.Data.(map[string]any)
	if data["userId"] != "alice" {
		t.Fatalf("expected the payload filtered for alice, got %#v", env.Data)
	}
}

func TestWrapArraySentinel(t *testing.T) {
	wrapped := WrapArraySentinel([]any{1, 2, 3}, map[string]any{"_meta": "x"})
	m, ok := wrapped.(map[string]any)
	if !ok {
		t.Fatalf("expected wrapped map, got %T", wrapped)
	}
	if _, ok := m["items"]; !ok {
		t.Fatal("expected items key in wrapped sentinel")
	}
}

func TestWrapArraySentinelNoopForNonArray(t *testing.T) {
	payload := map[string]any{"v": 1}
	wrapped := WrapArraySentinel(payload, nil)
	if _, ok := wrapped.(map[string]any); !ok {
		t.Fatal("expected passthrough for non-array payload")
	}
}

func TestSpreadMetaOnStructPayload(t *testing.T) {
	type stats struct {
		CPU float64 `json:"cpu"`
	}
	out := SpreadMeta(stats{CPU: 42}, map[string]any{"_meta": map[string]any{"healthy": true}})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if m["cpu"] != 42.0 {
		t.Fatalf("expected struct field spread into map, got %v", m["cpu"])
	}
	if _, ok := m["_meta"]; !ok {
		t.Fatal("expected _meta spread in")
	}
}

func TestSpreadMetaOnArrayPayload(t *testing.T) {
	out := SpreadMeta([]any{1, 2, 3}, map[string]any{"_meta": "x"})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if _, ok := m["items"]; !ok {
		t.Fatal("expected array sentinel wrapping")
	}
}

func TestSpreadMetaOnMapPayload(t *testing.T) {
	out := SpreadMeta(map[string]any{"requests": 1}, map[string]any{"_meta": "x"})
	m := out.(map[string]any)
	if m["requests"] != 1 || m["_meta"] != "x" {
		t.Fatalf("unexpected merge result: %+v", m)
	}
}
