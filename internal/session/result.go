package session

import (
	"context"
	"errors"
	"sync"
)

// Outcome is the state of an asynchronous send.
type Outcome int32

const (
	// Pending means the send has not completed yet.
	Pending Outcome = iota
	// Failed means the message was not delivered to the transport.
	Failed
	// Delivered means the message was handed to the socket.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Result is the future of a send. It resolves exactly once.
type Result struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	outcome Outcome
	err     error
}

// NewPending returns an unresolved Result.
func NewPending() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolved returns a Result that is already Delivered (err == nil) or Failed.
func Resolved(err error) *Result {
	r := NewPending()
	r.Resolve(err)
	return r
}

// Resolve completes the Result. Only the first call has an effect; it
// reports whether this call resolved it.
func (r *Result) Resolve(err error) bool {
	resolved := false
	r.once.Do(func() {
		r.mu.Lock()
		if err != nil {
			r.outcome, r.err = Failed, err
		} else {
			r.outcome = Delivered
		}
		r.mu.Unlock()
		close(r.done)
		resolved = true
	})
	return resolved
}

// Outcome returns the current state without blocking.
func (r *Result) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Err returns the failure cause once the Result is Failed.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the Result resolves.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the Result resolves or ctx ends. On ctx expiry it
// returns Pending; the send itself is not cancelled.
func (r *Result) Wait(ctx context.Context) Outcome {
	select {
	case <-r.done:
		return r.Outcome()
	case <-ctx.Done():
		return Pending
	}
}

// All resolves Delivered once every input is Delivered, or Failed with the
// joined causes once all inputs resolved and at least one failed. It never
// short-circuits, so every send is observed.
func All(results ...*Result) *Result {
	agg := NewPending()
	if len(results) == 0 {
		agg.Resolve(nil)
		return agg
	}
	go func() {
		var errs []error
		for _, r := range results {
			<-r.done
			if err := r.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		agg.Resolve(errors.Join(errs...))
	}()
	return agg
}
