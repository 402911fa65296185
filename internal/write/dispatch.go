// ABOUTME: Dispatchers for background work the write pipeline does not wait for
// ABOUTME: GoDispatcher detaches tasks onto goroutines; InlineDispatcher runs and records them for tests

package write

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/docwrite/internal/metrics"
)

// Task names used by the pipeline.
const (
	TaskDestroyDuplicateSessions = "destroyDuplicateSessions"
	TaskVerificationEmail        = "verificationEmail"
	TaskAfterSave                = "afterSave"
)

// Dispatcher runs background tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// GoDispatcher runs each task on its own goroutine with a context detached
// from the request's cancellation. Failures are logged.
type GoDispatcher struct {
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGoDispatcher creates a GoDispatcher. Pass nil logger for default; m may be nil.
func NewGoDispatcher(logger *slog.Logger, m *metrics.Metrics) *GoDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoDispatcher{
		logger:  logger.With("component", "dispatcher"),
		metrics: m,
	}
}

// Dispatch starts fn in the background.
func (d *GoDispatcher) Dispatch(ctx context.Context, name string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(detached); err != nil {
			d.logger.Warn("background task failed", "task", name, "error", err)
			d.metrics.TaskFailed(name)
		}
	}()
}

// Wait blocks until every dispatched task has finished.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}

// DispatchedTask is a task recorded by InlineDispatcher.
type DispatchedTask struct {
	Name string
	Err  error
}

// InlineDispatcher runs tasks synchronously and records their outcome.
type InlineDispatcher struct {
	mu    sync.Mutex
	tasks []DispatchedTask
}

// Dispatch runs fn immediately.
func (d *InlineDispatcher) Dispatch(ctx context.Context, name string, fn func(ctx context.Context) error) {
	err := fn(context.WithoutCancel(ctx))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, DispatchedTask{Name: name, Err: err})
}

// Tasks returns the recorded tasks in dispatch order.
func (d *InlineDispatcher) Tasks() []DispatchedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchedTask(nil), d.tasks...)
}

// Named returns the recorded tasks with the given name.
func (d *InlineDispatcher) Named(name string) []DispatchedTask {
	var out []DispatchedTask
	for _, t := range d.Tasks() {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}
