package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/ive/internal/tiling"
)

// State is an invocation's position in its lifecycle.
type State uint8

const (
	StateInit State = iota
	StatePlanned
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePlanned:
		return "planned"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Invocation is one run of an operator over its images.
type Invocation struct {
	ID uuid.UUID
	Op string

	mu       sync.Mutex
	state    State
	plan     *tiling.Plan
	err      error
	cacheHit bool
	batches  int
	started  time.Time
	elapsed  time.Duration
	done     chan struct{}
}

func newInvocation(op string) *Invocation {
	return &Invocation{
		ID:      uuid.New(),
		Op:      op,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Plan is nil until the invocation has been planned.
func (inv *Invocation) Plan() *tiling.Plan {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.plan
}

// Err is the failure of a finished invocation.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// CacheHit reports whether the plan came from the plan cache.
func (inv *Invocation) CacheHit() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cacheHit
}

// Batches is the number of backend submissions made.
func (inv *Invocation) Batches() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.batches
}

// Elapsed is the wall time from start to completion.
func (inv *Invocation) Elapsed() time.Duration {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.elapsed
}

func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Wait blocks until the invocation finishes or ctx ends. Cancelling ctx
// abandons the wait only; the invocation runs to completion.
func (inv *Invocation) Wait(ctx context.Context) error {
	select {
	case <-inv.done:
		return inv.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (inv *Invocation) setState(s State) {
	inv.mu.Lock()
	inv.state = s
	inv.mu.Unlock()
}

func (inv *Invocation) setPlan(p *tiling.Plan, hit bool) {
	inv.mu.Lock()
	inv.plan = p
	inv.cacheHit = hit
	inv.state = StatePlanned
	inv.mu.Unlock()
}

func (inv *Invocation) submitted() {
	inv.mu.Lock()
	inv.batches++
	inv.mu.Unlock()
}

// finish records the outcome and releases waiters.
func (inv *Invocation) finish(err error) {
	inv.mu.Lock()
	inv.err = err
	if err != nil {
		inv.state = StateFailed
	} else {
		inv.state = StateDone
	}
	inv.elapsed = time.Since(inv.started)
	inv.mu.Unlock()
	close(inv.done)
}
