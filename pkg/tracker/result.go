package tracker

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
)

// Result is the outcome of an asynchronous call. Delivery failures are never
// reported through it; they are logged when debug is on.
type Result struct {
	done  chan struct{}
	value any
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) finish(v any) {
	r.value = v
	close(r.done)
}

// Done is closed when the call has completed.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the call completes or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value is the first non-nil plugin result, or nil while the call is in
// flight.
func (r *Result) Value() any {
	select {
	case <-r.done:
		return r.value
	default:
		return nil
	}
}

// Envelope is the envelope the collector plugin built, if any.
func (r *Result) Envelope() *envelope.Envelope {
	env, _ := r.Value().(*envelope.Envelope)
	return env
}

// pending counts in-flight deliveries and lets callers wait for zero.
type pending struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (p *pending) add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		p.idle = make(chan struct{})
	}
	p.n++
}

func (p *pending) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n--
	if p.n == 0 {
		close(p.idle)
	}
}

func (p *pending) wait(ctx context.Context) error {
	p.mu.Lock()
	if p.n == 0 {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
