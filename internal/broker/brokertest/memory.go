// Package brokertest provides an in-memory broker.Broker double for tests
// in packages that depend on C2 (worker, scheduler, taskservice) without a
// live NATS deployment.
package brokertest

import (
	"context"
	"sync"

	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/envelope"
)

// Memory is an in-process Broker: Submit appends to an in-memory queue and
// fans out to any channel registered via Consume for that queue name.
type Memory struct {
	mu        sync.Mutex
	consumers map[string][]chan broker.Delivery
	published []envelope.Task

	// FailSubmit, if set, makes every Submit call return this error —
	// exercises the BrokerUnavailable path in callers.
	FailSubmit error
}

// New builds an empty in-memory broker.
func New() *Memory {
	return &Memory{consumers: make(map[string][]chan broker.Delivery)}
}

func (m *Memory) Startup(ctx context.Context) error  { return nil }
func (m *Memory) Shutdown(ctx context.Context) error { return nil }

// Submit records task and delivers it to any registered consumer of its queue.
func (m *Memory) Submit(ctx context.Context, task envelope.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmit != nil {
		return m.FailSubmit
	}
	m.published = append(m.published, task)
	for _, ch := range m.consumers[task.QueueName] {
		ch := ch
		go func() { ch <- broker.Delivery{Task: task, Ack: &noopAck{}} }()
	}
	return nil
}

// Consume registers a channel for queue and returns it.
func (m *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan broker.Delivery, 16)
	m.consumers[queue] = append(m.consumers[queue], ch)
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

// Published returns every task Submit has accepted, in submission order.
func (m *Memory) Published() []envelope.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.Task, len(m.published))
	copy(out, m.published)
	return out
}

type noopAck struct{}

func (noopAck) Ack(context.Context) error          { return nil }
func (noopAck) Nack(context.Context, bool) error { return nil }
