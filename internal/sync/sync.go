// Package sync pushes the canonical metadata of modified items to the
// archive: one batched run at a time, cooperative cancellation, per-item
// result collection.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/reconcile"
)

// State names the engine's position in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ErrAlreadyRunning is returned when a run is started while one is active.
var ErrAlreadyRunning = fmt.Errorf("sync already running")

// ItemResult records the outcome of one item's push.
type ItemResult struct {
	ItemID string `json:"itemId"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Progress is emitted after every item.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// Result is the terminal record of one run.
type Result struct {
	State     State        `json:"state"`
	Processed int          `json:"processed"`
	Success   int          `json:"success"`
	Errors    []ItemResult `json:"errors,omitempty"`
	Skipped   []string     `json:"skipped,omitempty"`
	Err       error        `json:"-"`
}

// Engine drives one sync run at a time against a store and an archive client.
type Engine struct {
	store   *reconcile.Store
	client  archive.Client
	metrics reconcile.MetricsRecorder
	now     func() time.Time

	mu        sync.Mutex
	state     State
	cancelled atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetricsRecorder attaches a metrics sink for run observations.
func WithMetricsRecorder(m reconcile.MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an idle engine.
func New(store *reconcile.Store, client archive.Client, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		client:  client,
		state:   StateIdle,
		now:     time.Now,
		metrics: nil,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the engine's current lifecycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel requests a cooperative stop. The in-flight item completes; later
// items are not attempted. Idempotent, safe to call from subscribers.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Run executes one sync pass over the current modified set and blocks until
// the terminal result. Only one run may be active per engine; the engine
// returns to idle when Run returns.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	e.state = StateRunning
	e.cancelled.Store(false)
	e.mu.Unlock()

	started := e.now()
	result := e.run(ctx)

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Observe(ctx, "sync.run", result.State == StateCompleted, e.now().Sub(started))
	}
	return result, result.Err
}

func (e *Engine) run(ctx context.Context) Result {
	// Snapshot the modified set at start; items dirtied mid-run wait for the
	// next run.
	pending := e.store.ListModified()
	total := len(pending)
	e.store.EmitSync("sync.started", pending, Progress{Total: total})

	result := Result{State: StateCompleted}
	progress := Progress{Total: total}

	for _, itemID := range pending {
		if e.cancelled.Load() || ctx.Err() != nil {
			result.State = StateCancelled
			break
		}

		it, ok := e.store.Item(itemID)
		if !ok {
			// A stale entry: the table was reloaded under the run.
			result.Skipped = append(result.Skipped, itemID)
			progress.Skipped++
			progress.Current++
			e.store.EmitSync("sync.progress", []string{itemID}, progress)
			continue
		}

		patch := reconcile.CanonicalMeta(it, e.now())
		_, err := e.client.UpdateItemMetadata(ctx, it.ID, patch)
		progress.Current++
		result.Processed++
		if err != nil {
			if archive.IsAuth(err) {
				// Unrecoverable for the whole run.
				result.State = StateFailed
				result.Err = fmt.Errorf("sync push %s: %w", it.ID, err)
				progress.Errors++
				result.Errors = append(result.Errors, ItemResult{ItemID: it.ID, Name: it.Name, Error: err.Error()})
				e.store.EmitSync("sync.progress", []string{itemID}, progress)
				break
			}
			progress.Errors++
			result.Errors = append(result.Errors, ItemResult{ItemID: it.ID, Name: it.Name, Error: err.Error()})
			e.store.EmitSync("sync.progress", []string{itemID}, progress)
			continue
		}

		// Confirmed: clear from the modified set before the next item so a
		// cancellation never resurrects an already-pushed item.
		if err := e.store.ClearModified(ctx, []string{it.ID}); err != nil {
			result.State = StateFailed
			result.Err = fmt.Errorf("clear modified %s: %w", it.ID, err)
			break
		}
		progress.Success++
		result.Success++
		e.store.EmitSync("sync.progress", []string{itemID}, progress)
	}

	switch result.State {
	case StateCompleted:
		e.store.EmitSync("sync.completed", nil, result)
	case StateCancelled:
		e.store.EmitSync("sync.cancelled", nil, result)
	case StateFailed:
		e.store.EmitSync("sync.failed", nil, result)
	}
	return result
}
