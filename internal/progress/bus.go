package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/testforge/internal/models"
)

type Kind string

const (
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
	KindLog      Kind = "log"
	KindSummary  Kind = "summary"
)

// ControlSubject carries start/cancel requests between processes.
const ControlSubject = "testforge.control"

// Subject is the channel a run's events are published on.
func Subject(runID string) string {
	return "testforge.run." + runID
}

// Event is one progress notification for a run.
type Event struct {
	RunID    string           `json:"run_id"`
	Kind     Kind             `json:"kind"`
	Status   models.RunStatus `json:"status,omitempty"`
	Progress int              `json:"progress,omitempty"`
	Line     string           `json:"line,omitempty"`
	Error    string           `json:"error,omitempty"`
	Counts   *models.Summary  `json:"counts,omitempty"`
	Time     time.Time        `json:"time"`
}

// Control asks whichever process owns the engine to start or cancel a run.
type Control struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

const (
	ActionStart  = "start"
	ActionCancel = "cancel"
)

// Message is what travels over a Bus: either an Event or a Control.
type Message struct {
	Event   *Event   `json:"event,omitempty"`
	Control *Control `json:"control,omitempty"`
}

func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if m.Event == nil && m.Control == nil {
		return Message{}, fmt.Errorf("empty message")
	}
	return m, nil
}

// Bus fans messages out to subscribers of a subject. Delivery is best-effort:
// slow subscribers drop messages instead of blocking publishers.
type Bus interface {
	Publish(ctx context.Context, subject string, msg Message) error
	Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error)
	Close() error
}

// New builds the bus named by kind ("memory", "redis" or "nats").
func New(kind, url string) (Bus, error) {
	switch kind {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(url)
	case "nats":
		return NewNATSBus(url)
	default:
		return nil, fmt.Errorf("unknown bus %q", kind)
	}
}

type memorySub struct {
	ch   chan Message
	once sync.Once
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for sub := range b.subs[subject] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	sub := &memorySub{ch: make(chan Message, 64)}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[subject]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, subject)
			}
		}
		sub.once.Do(func() { close(sub.ch) })
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for subject, set := range b.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, subject)
	}
	return nil
}
