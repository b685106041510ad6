package network

import (
	"sync"
	"sync/atomic"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/protocol"
)

// Envelope pairs an inbound gameplay message with the client that sent it.
// Msg is an Input, DialogResponse or SoundFinished.
type Envelope struct {
	State *client.State
	Msg   protocol.Message
}

// InputQueue is the one structure shared between the network goroutines
// and the server loop. It is a bounded FIFO ring, safe for many producers
// and a single consumer.
type InputQueue struct {
	mu    sync.Mutex
	data  []Envelope
	head  int
	tail  int
	count int

	dropped atomic.Uint64
}

// NewInputQueue creates a queue holding at most capacity envelopes.
func NewInputQueue(capacity int) *InputQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &InputQueue{data: make([]Envelope, capacity)}
}

// Push appends an envelope, returning false if the queue is full.
func (q *InputQueue) Push(state *client.State, msg protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.dropped.Add(1)
		return false
	}
	q.data[q.tail] = Envelope{State: state, Msg: msg}
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// Drain returns every queued envelope in arrival order and empties the
// queue.
func (q *InputQueue) Drain() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]Envelope, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.data)
		out[i] = q.data[idx]
		q.data[idx] = Envelope{}
	}
	q.head, q.tail, q.count = 0, 0, 0
	return out
}

// Len reports the number of queued envelopes.
func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity reports the maximum number of queued envelopes.
func (q *InputQueue) Capacity() int { return len(q.data) }

// Dropped reports how many envelopes were refused because the queue was
// full.
func (q *InputQueue) Dropped() uint64 { return q.dropped.Load() }
