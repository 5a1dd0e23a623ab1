// Package bus implements the in-process publish/subscribe broker that fans
// out task/attempt/presence events to authenticated subscribers scoped by
// project, with per-subscriber bounded queues and late-join/lag semantics.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alekspetrov/forge/internal/logging"
)

// EventType is the closed vocabulary of events the bus carries.
type EventType string

const (
	TaskCreated  EventType = "task.created"
	TaskUpdated  EventType = "task.updated"
	TaskDeleted  EventType = "task.deleted"
	TaskAssigned EventType = "task.assigned"

	AttemptStarted       EventType = "attempt.started"
	AttemptStateChanged  EventType = "attempt.state_changed"
	AttemptEntryAppended EventType = "attempt.entry_appended"
	AttemptFinished      EventType = "attempt.finished"

	PresenceUpdated EventType = "presence.updated"

	BackPressure  EventType = "back_pressure"
	SystemWarning EventType = "system.warning"

	// lagEvent is synthetic; it never travels through Publish, only through
	// Subscription.Next when the bus detects it dropped events for that
	// subscriber.
	lagEvent EventType = "lag"
)

// Event is one message on the bus. Payload is pre-serialized to
// json.RawMessage at publish time so slow subscribers never retain a
// reference to mutable caller state.
type Event struct {
	EventID   int64           `json:"event_id"`
	ProjectID string          `json:"project_id"`
	Type      EventType       `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
	Dropped   int             `json:"dropped,omitempty"` // set only on a lag marker
}

// PresenceState is one user's liveness within a project.
type PresenceState string

const (
	Online  PresenceState = "online"
	Away    PresenceState = "away"
	Offline PresenceState = "offline"
)

const (
	defaultQueueSize        = 256
	defaultLagDisconnect    = 4096
	defaultPresenceGrace    = 30 * time.Second
)

// Config tunes the bus's bounded-queue and presence-grace behavior.
type Config struct {
	QueueSize        int
	LagDisconnect    int64
	PresenceGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.LagDisconnect == 0 {
		c.LagDisconnect = defaultLagDisconnect
	}
	if c.PresenceGrace == 0 {
		c.PresenceGrace = defaultPresenceGrace
	}
	return c
}

// Bus is the single in-process broker. Zero value is not usable; use New.
type Bus struct {
	cfg Config
	log *slog.Logger

	nextEventID atomic.Int64

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // project_id -> set

	presenceMu sync.Mutex
	presence   map[string]map[string]*presenceEntry // project_id -> user_id -> entry
}

type presenceEntry struct {
	status     PresenceState
	lastSeen   time.Time
	clientTag  string
	graceTimer *time.Timer
}

// New creates a Bus.
func New(cfg Config) *Bus {
	return &Bus{
		cfg:      cfg.withDefaults(),
		log:      logging.WithComponent("bus"),
		subs:     make(map[string]map[*Subscription]struct{}),
		presence: make(map[string]map[string]*presenceEntry),
	}
}

// Subscription is a single subscriber's view of the bus for one project.
type Subscription struct {
	bus       *Bus
	ID        string
	ProjectID string
	UserID    string

	mu           sync.Mutex
	ch           chan Event
	pendingLag   int
	totalDropped int64
	closed       chan struct{}
	closeOnce    sync.Once
}

// Subscribe registers a subscriber for a project's event stream and marks
// the user online. Authorization (caller must be a member of the project)
// is the caller's responsibility; the bus itself only scopes delivery.
func (b *Bus) Subscribe(projectID, userID, subscriptionID, clientTag string) *Subscription {
	sub := &Subscription{
		bus:       b,
		ID:        subscriptionID,
		ProjectID: projectID,
		UserID:    userID,
		ch:        make(chan Event, b.cfg.QueueSize),
		closed:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*Subscription]struct{})
	}
	b.subs[projectID][sub] = struct{}{}
	b.mu.Unlock()

	b.setPresence(projectID, userID, Online, clientTag)
	return sub
}

// Unsubscribe removes a subscriber. The user transitions to offline after
// presence_grace unless a new subscription for the same (project, user)
// arrives first.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.ProjectID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.ProjectID)
		}
	}
	b.mu.Unlock()
	sub.close()

	b.scheduleOffline(sub.ProjectID, sub.UserID)
}

func (sub *Subscription) close() {
	sub.closeOnce.Do(func() { close(sub.closed) })
}

// Next blocks until the next event or the subscription is closed. If the
// bus had to drop events for this subscriber since the last Next call, the
// first return is a synthetic lag marker instead.
func (sub *Subscription) Next() (Event, bool) {
	sub.mu.Lock()
	if sub.pendingLag > 0 {
		n := sub.pendingLag
		sub.pendingLag = 0
		sub.mu.Unlock()
		return Event{Type: lagEvent, Dropped: n, EmittedAt: time.Now().UTC()}, true
	}
	sub.mu.Unlock()

	select {
	case e, ok := <-sub.ch:
		return e, ok
	case <-sub.closed:
		return Event{}, false
	}
}

// Publish delivers event to every subscriber of event.ProjectID. It never
// blocks and never fails: a full subscriber queue drops its oldest pending
// event, and a subscriber whose cumulative drop count exceeds the
// configured threshold is disconnected with subscriber_lagged.
func (b *Bus) Publish(event Event) {
	if event.EventID == 0 {
		event.EventID = b.nextEventID.Add(1)
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[event.ProjectID]))
	for s := range b.subs[event.ProjectID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue full: drop the oldest pending event, then enqueue the new one.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
		// Extremely unlikely race (a concurrent Next drained it); drop.
	}

	sub.mu.Lock()
	sub.pendingLag++
	sub.totalDropped++
	dropped := sub.totalDropped
	sub.mu.Unlock()

	if dropped >= b.cfg.LagDisconnect {
		b.log.Warn("subscriber lagged beyond threshold, disconnecting",
			"project_id", sub.ProjectID, "user_id", sub.UserID, "dropped", dropped)
		b.Unsubscribe(sub)
	}
}

func (b *Bus) setPresence(projectID, userID string, status PresenceState, clientTag string) {
	b.presenceMu.Lock()
	if b.presence[projectID] == nil {
		b.presence[projectID] = make(map[string]*presenceEntry)
	}
	entry, ok := b.presence[projectID][userID]
	if !ok {
		entry = &presenceEntry{}
		b.presence[projectID][userID] = entry
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
		entry.graceTimer = nil
	}
	entry.status = status
	entry.lastSeen = time.Now().UTC()
	if clientTag != "" {
		entry.clientTag = clientTag
	}
	b.presenceMu.Unlock()

	b.Publish(presenceEvent(projectID, userID, status, entry.clientTag))
}

func (b *Bus) scheduleOffline(projectID, userID string) {
	b.presenceMu.Lock()
	projMap, ok := b.presence[projectID]
	if !ok {
		b.presenceMu.Unlock()
		return
	}
	entry, ok := projMap[userID]
	if !ok {
		b.presenceMu.Unlock()
		return
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
	}
	entry.graceTimer = time.AfterFunc(b.cfg.PresenceGrace, func() {
		b.presenceMu.Lock()
		e, ok := b.presence[projectID][userID]
		if !ok {
			b.presenceMu.Unlock()
			return
		}
		e.status = Offline
		e.lastSeen = time.Now().UTC()
		tag := e.clientTag
		b.presenceMu.Unlock()
		b.Publish(presenceEvent(projectID, userID, Offline, tag))
	})
	b.presenceMu.Unlock()
}

func presenceEvent(projectID, userID string, status PresenceState, clientTag string) Event {
	payload, _ := json.Marshal(map[string]any{
		"user_id":    userID,
		"status":     status,
		"client_tag": clientTag,
	})
	return Event{ProjectID: projectID, Type: PresenceUpdated, Payload: payload}
}

// Presence returns a snapshot of a project's presence map.
func (b *Bus) Presence(projectID string) map[string]PresenceState {
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()
	out := make(map[string]PresenceState)
	for userID, entry := range b.presence[projectID] {
		out[userID] = entry.status
	}
	return out
}

// MustPayload marshals v to json.RawMessage, panicking only on a
// programmer error (an unmarshalable type passed by our own code, never
// caller-controlled data).
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("bus: payload must be marshalable: " + err.Error())
	}
	return data
}
