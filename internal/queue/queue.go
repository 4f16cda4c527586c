// Package queue carries stage invocations between pipeline steps. Delivery
// is at least once; handlers are written to tolerate redelivery, so the queue
// never needs exactly-once machinery.
package queue

import (
	"context"
	"sync"
)

// Invocation asks the pipeline to run a job's current stage. Batch is the
// batch cursor for batched stages and 0 otherwise.
type Invocation struct {
	JobID string `json:"jobId"`
	Batch int    `json:"batch"`
}

// Queue enqueues stage invocations.
type Queue interface {
	Enqueue(ctx context.Context, inv Invocation) error
}

// Memory is an in-process FIFO Queue. It backs the one-shot CLI mode and
// tests.
type Memory struct {
	mu   sync.Mutex
	invs []Invocation
}

// NewMemory constructs an empty in-process queue.
func NewMemory() *Memory { return &Memory{} }

// Enqueue appends inv.
func (m *Memory) Enqueue(ctx context.Context, inv Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invs = append(m.invs, inv)
	return nil
}

// Pop removes and returns the oldest invocation, reporting false when the
// queue is empty.
func (m *Memory) Pop() (Invocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invs) == 0 {
		return Invocation{}, false
	}
	inv := m.invs[0]
	m.invs = m.invs[1:]
	return inv, true
}

// Len reports the number of pending invocations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invs)
}
