package pipeline

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// gate is the per-model admission control: a counting semaphore bounding
// concurrent executions plus an optional token-bucket rate limiter.
type gate struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

func newGate(capacity int, ratePerSecond float64) *gate {
	if capacity <= 0 {
		capacity = 1
	}
	g := &gate{sem: make(chan struct{}, capacity)}
	if ratePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), capacity)
	}
	return g
}

// acquire admits one execution, honoring context cancellation while queued.
func (g *gate) acquire(ctx context.Context) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	<-g.sem
}

// gates lazily creates one gate per model id.
type gates struct {
	byModel       *xsync.Map[string, *gate]
	defaultCap    int
	ratePerSecond float64
}

func newGates(defaultCap int, ratePerSecond float64) *gates {
	return &gates{
		byModel:       xsync.NewMap[string, *gate](),
		defaultCap:    defaultCap,
		ratePerSecond: ratePerSecond,
	}
}

// forModel returns the model's gate, creating it sized to the model's own
// concurrency limit when one is declared.
func (gs *gates) forModel(id string, maxConcurrent int) *gate {
	if g, ok := gs.byModel.Load(id); ok {
		return g
	}
	capacity := maxConcurrent
	if capacity <= 0 {
		capacity = gs.defaultCap
	}
	g, _ := gs.byModel.LoadOrStore(id, newGate(capacity, gs.ratePerSecond))
	return g
}
