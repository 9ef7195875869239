package inproc

import (
	"errors"
	"sync"

	"bloodgrid/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus fans durable events out to in-process agent subscribers. Delivery is
// non-blocking: a full subscriber queue surfaces as an error so the dispatcher
// can retry the event later instead of stalling.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.AgentType]chan domain.AgentEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[domain.AgentType]chan domain.AgentEvent),
		buffer: buffer,
	}
}

func (b *Bus) Register(agent domain.AgentType) <-chan domain.AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agent]; ok {
		return ch
	}
	ch := make(chan domain.AgentEvent, b.buffer)
	b.subs[agent] = ch
	return ch
}

func (b *Bus) Unregister(agent domain.AgentType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agent]
	if !ok {
		return
	}
	delete(b.subs, agent)
	close(ch)
}

func (b *Bus) Publish(ev domain.AgentEvent) error {
	b.mu.RLock()
	ch, ok := b.subs[ev.AgentType]
	b.mu.RUnlock()
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- ev:
		return nil
	default:
		return ErrAgentQueueFull
	}
}
