// Package events is the in-process domain event bus. Publishers never block:
// each subscriber has a buffered channel and events that do not fit are
// dropped with a warning.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	AgentRegistered   Type = "agent.registered"
	AgentStale        Type = "agent.stale"
	AgentChildChanged Type = "agent.child_changed"
	AgentDeleted      Type = "agent.deleted"

	PolicyCreated Type = "policy.created"
	PolicyUpdated Type = "policy.updated"
	PolicyDeleted Type = "policy.deleted"

	ViolationRecorded Type = "violation.recorded"

	ExtensionDeployed Type = "extension.deployed"
	ExtensionRemoved  Type = "extension.removed"
	ActionTriggered   Type = "action.triggered"
	ActionResponded   Type = "action.responded"
	PluginData        Type = "plugin.data"

	TokenCreated Type = "token.created"
	TokenRevoked Type = "token.revoked"

	PeerEvicted Type = "discovery.peer_evicted"
)

type Event struct {
	Type    Type           `json:"type"`
	AgentID string         `json:"agent_id,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// Publisher is what domain services depend on.
type Publisher interface {
	Publish(ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop discards every event.
var Nop Publisher = nopPublisher{}

const defaultBuffer = 64

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Event subscriber is full, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
