// Package conn implements the Connection Manager (C2): the set of
// attached subscribers, routing to their sinks, and the reconnect grace
// window.
package conn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GracePeriod is the default window a detached subscriber's topics are
// held before they are released for good.
const GracePeriod = 30 * time.Second

// sendBufferSize bounds the per-sink outbound queue (§5): a slow or
// blocked sink must never stall sibling deliveries, so a full buffer is
// treated as sink failure.
const sendBufferSize = 64

// Sink is the single contract a subscriber's transport must satisfy.
// write is called from the subscriber's dedicated writer goroutine, so
// implementations do not need to be safe for concurrent use by
// multiple callers.
type Sink interface {
	Write(eventName string, payload []byte) error
	Close()
}

type message struct {
	event   string
	payload []byte
}

// Subscriber is one attached client.
type Subscriber struct {
	ID               string
	UserID           string
	PushEndpoint     string
	subscribedTopics map[string]struct{}

	sink   Sink
	outbox chan message
	done   chan struct{}
	mu     sync.Mutex
}

func newSubscriber(id, userID string, sink Sink, onWriteFail func()) *Subscriber {
	s := &Subscriber{
		ID:               id,
		UserID:           userID,
		sink:             sink,
		subscribedTopics: make(map[string]struct{}),
		outbox:           make(chan message, sendBufferSize),
		done:             make(chan struct{}),
	}
	go s.writeLoop(onWriteFail)
	return s
}

func (s *Subscriber) writeLoop(onWriteFail func()) {
	for {
		select {
		case m, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.sink.Write(m.event, m.payload); err != nil {
				if onWriteFail != nil {
					onWriteFail()
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue attempts a non-blocking send; a full buffer is a sink
// failure and the caller must detach the subscriber.
func (s *Subscriber) enqueue(event string, payload []byte) bool {
	select {
	case s.outbox <- message{event: event, payload: payload}:
		return true
	default:
		return false
	}
}

func (s *Subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
		s.sink.Close()
	}
}

// SubscribedTopics returns a snapshot of the subscriber's topic set.
func (s *Subscriber) SubscribedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribedTopics))
	for t := range s.subscribedTopics {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribedTopics[topic] = struct{}{}
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribedTopics, topic)
}

type pendingDisconnect struct {
	userID               string
	originalConnectionID string
	timer                *time.Timer
	topics               []string
}

// GraceExpiredFunc is invoked once per topic when a pending-disconnect's
// grace window lapses without a restoring re-attach. The Subscription
// Registry wires this to remove the stale subscriber id and, if that
// empties the subscription, fire its last-leave handler.
type GraceExpiredFunc func(subscriberID, topic string)

// Manager tracks attached subscribers. One coarse mutex guards all
// mutation; sink writes happen off the lock via each subscriber's own
// writer goroutine.
type Manager struct {
	mu                 sync.RWMutex
	subscribers        map[string]*Subscriber
	pendingByUser      map[string]*pendingDisconnect
	gracePeriod        time.Duration
	onGraceExpired     GraceExpiredFunc
	onSubscribeRestore func(subscriberID, topic string)
}

// New builds an empty Connection Manager.
func New(onGraceExpired GraceExpiredFunc) *Manager {
	return &Manager{
		subscribers:    make(map[string]*Subscriber),
		pendingByUser:  make(map[string]*pendingDisconnect),
		gracePeriod:    GracePeriod,
		onGraceExpired: onGraceExpired,
	}
}

// SetGraceExpiredHook installs (or replaces) the callback invoked once
// per topic when a pending-disconnect's grace window lapses.
func (m *Manager) SetGraceExpiredHook(fn GraceExpiredFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGraceExpired = fn
}

// SetRestoreHook installs the callback used to silently re-add a
// restored topic to the owning Subscription's subscriber set. It must
// NOT fire the first-join handler (per §4.2/§4.3).
func (m *Manager) SetRestoreHook(fn func(subscriberID, topic string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubscribeRestore = fn
}

// Attach allocates a new subscriber id, stores the record, and restores
// any pending-disconnect snapshot for userID.
func (m *Manager) Attach(userID string, sink Sink) string {
	id := uuid.NewString()
	sub := newSubscriber(id, userID, sink, func() { m.Detach(id) })

	m.mu.Lock()
	m.subscribers[id] = sub
	pending, hadPending := m.pendingByUser[userID]
	if hadPending {
		pending.timer.Stop()
		delete(m.pendingByUser, userID)
	}
	restore := m.onSubscribeRestore
	m.mu.Unlock()

	if hadPending {
		for _, topic := range pending.topics {
			sub.addTopic(topic)
			if restore != nil {
				restore(id, topic)
			}
		}
	}

	m.route(id, "connected", connectedPayload(id))
	return id
}

// connectedPayload is factored out so tests can assert on the shape
// without round-tripping JSON.
func connectedPayload(id string) []byte {
	return []byte(`{"connectionId":"` + id + `","message":"connected"}`)
}

// Detach begins the grace window for subscriberID's current topics (if
// any) and removes the live subscriber record immediately — its sink is
// no longer writable once detach is called.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	sub, ok := m.subscribers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subscribers, id)
	m.mu.Unlock()

	sub.stop()

	topics := sub.SubscribedTopics()
	if len(topics) == 0 {
		return
	}

	pending := &pendingDisconnect{
		userID:               sub.UserID,
		originalConnectionID: id,
		topics:               topics,
	}
	pending.timer = time.AfterFunc(m.graceWindow(), func() {
		m.expireGrace(sub.UserID)
	})

	m.mu.Lock()
	if old, exists := m.pendingByUser[sub.UserID]; exists {
		// (I8) at most one pending-disconnect per userID; a second
		// detach for the same user supersedes the first immediately.
		old.timer.Stop()
	}
	m.pendingByUser[sub.UserID] = pending
	m.mu.Unlock()
}

func (m *Manager) graceWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gracePeriod
}

func (m *Manager) expireGrace(userID string) {
	m.mu.Lock()
	pending, ok := m.pendingByUser[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pendingByUser, userID)
	onExpired := m.onGraceExpired
	m.mu.Unlock()

	if onExpired == nil {
		return
	}
	for _, topic := range pending.topics {
		onExpired(pending.originalConnectionID, topic)
	}
}

// Route writes a single event to one subscriber's sink. A failed write
// (including a full send buffer) silently triggers Detach.
func (m *Manager) Route(id, eventName string, payload []byte) {
	m.route(id, eventName, payload)
}

func (m *Manager) route(id, eventName string, payload []byte) {
	m.mu.RLock()
	sub, ok := m.subscribers[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !sub.enqueue(eventName, payload) {
		log.Warn().Str("subscriber", id).Str("event", eventName).Msg("sink buffer full, detaching")
		m.Detach(id)
	}
}

// RouteToUser writes an event to every subscriber whose UserID matches.
func (m *Manager) RouteToUser(userID, eventName string, payload []byte) {
	for _, id := range m.idsForUser(userID) {
		m.route(id, eventName, payload)
	}
}

func (m *Manager) idsForUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sub := range m.subscribers {
		if sub.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// BroadcastAll writes an event to every attached subscriber.
func (m *Manager) BroadcastAll(eventName string, payload []byte) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.route(id, eventName, payload)
	}
}

// SetPushEndpoint records an opaque push-notification endpoint for a
// subscriber, used by external notification routing.
func (m *Manager) SetPushEndpoint(id, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		sub.PushEndpoint = endpoint
	}
}

// ActiveEndpointsForUser returns the distinct push endpoints currently
// registered by userID's attached subscribers, so external notification
// routing can skip a device that's already streaming.
func (m *Manager) ActiveEndpointsForUser(userID string) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{})
	for _, sub := range m.subscribers {
		if sub.UserID == userID && sub.PushEndpoint != "" {
			out[sub.PushEndpoint] = struct{}{}
		}
	}
	return out
}

// Subscriber looks up a live subscriber record by id.
func (m *Manager) Subscriber(id string) (*Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscribers[id]
	return sub, ok
}

// AddTopic and RemoveTopic mutate a subscriber's topic set; the
// Subscription Registry calls these in lockstep with its own
// subscriber-set bookkeeping so both sides of invariant (I2) hold.
func (m *Manager) AddTopic(id, topic string) {
	if sub, ok := m.Subscriber(id); ok {
		sub.addTopic(topic)
	}
}

func (m *Manager) RemoveTopic(id, topic string) {
	if sub, ok := m.Subscriber(id); ok {
		sub.removeTopic(topic)
	}
}

// Shutdown detaches every attached subscriber, used during graceful
// process shutdown.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Detach(id)
	}
}
