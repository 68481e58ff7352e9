package model

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Hooks are the backend-specific load and unload operations a loader plugs
// into a Base. Either may be nil.
type Hooks struct {
	Load   func(ctx context.Context) error
	Unload func(ctx context.Context) error
}

// Base implements the lifecycle, reference-counting, and metrics portions of
// the Model contract. Loaders embed a Base and implement the inference
// methods on top of it.
//
// The state machine is Unloaded/Failed -> Loading -> Loaded/Failed. Load is
// idempotent once Loaded; concurrent Load calls coalesce onto one attempt.
// Unload waits until all operations admitted via Acquire have released, so a
// model is never unloaded out from under an in-flight Generate or Stream.
type Base struct {
	info  Info
	hooks Hooks

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	refs    int
	metrics Metrics
}

// NewBase creates a Base in the Unloaded state.
func NewBase(info Info, hooks Hooks) *Base {
	b := &Base{info: info, hooks: hooks}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Info implements Model.
func (b *Base) Info() Info { return b.info }

// State implements Model.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Supports implements Model.
func (b *Base) Supports(cap types.Capability) bool { return b.info.Supports(cap) }

// Metrics implements Model.
func (b *Base) Metrics() *Metrics { return &b.metrics }

// Load implements Model.
func (b *Base) Load(ctx context.Context) error {
	b.mu.Lock()
	for b.state == StateLoading {
		b.cond.Wait()
	}
	if b.state == StateLoaded {
		b.mu.Unlock()
		return nil
	}
	b.state = StateLoading
	b.mu.Unlock()

	start := time.Now()
	var err error
	if b.hooks.Load != nil {
		err = b.hooks.Load(ctx)
	}

	b.mu.Lock()
	if err != nil {
		b.state = StateFailed
	} else {
		b.state = StateLoaded
		b.metrics.RecordLoad(time.Since(start))
	}
	b.cond.Broadcast()
	b.mu.Unlock()
	return err
}

// Unload implements Model. It drains in-flight operations before releasing
// the backend; stream finalizers guarantee the drain is bounded.
func (b *Base) Unload(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateLoaded {
		b.state = StateUnloaded
		b.mu.Unlock()
		return nil
	}
	for b.refs > 0 {
		b.cond.Wait()
	}
	b.state = StateUnloaded
	b.mu.Unlock()

	if b.hooks.Unload != nil {
		return b.hooks.Unload(ctx)
	}
	return nil
}

// Acquire implements Model.
func (b *Base) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateLoaded {
		return errors.NewNotLoaded(b.info.ID)
	}
	b.refs++
	return nil
}

// Release implements Model.
func (b *Base) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs > 0 {
		b.refs--
		if b.refs == 0 {
			b.cond.Broadcast()
		}
	}
}
