package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// cancelGrace bounds how long Shutdown waits for tasks after cancelling them.
const cancelGrace = time.Second

// ErrTasksAbandoned is returned by Shutdown when tasks ignore cancellation.
var ErrTasksAbandoned = errors.New("pipeline: tasks still running after cancel")

// TaskGroup tracks named background tasks so they can be drained or
// cancelled together. Tasks receive the group's context, which is cancelled
// when Shutdown runs out of time. A task that panics is recovered and counted
// as failed.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	active map[uint64]string
	nextID uint64
	wg     sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewTaskGroup creates a group whose tasks run under a child of parent.
func NewTaskGroup(parent context.Context, log *slog.Logger) *TaskGroup {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &TaskGroup{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		active: make(map[uint64]string),
	}
}

// Context returns the context handed to tasks.
func (g *TaskGroup) Context() context.Context { return g.ctx }

// Go starts fn as a tracked task. It returns false without running fn once
// Shutdown has begun.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.nextID++
	id := g.nextID
	g.active[id] = name
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.active, id)
			g.mu.Unlock()
			g.completed.Add(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				g.failed.Add(1)
				g.log.Error("task panicked", "task", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(g.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				g.log.Debug("task cancelled", "task", name)
				return
			}
			g.failed.Add(1)
			g.log.Error("task failed", "task", name, "err", err)
		}
	}()
	return true
}

// Active returns the names of running tasks.
func (g *TaskGroup) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.active))
	for _, n := range g.active {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Completed returns the number of finished tasks.
func (g *TaskGroup) Completed() uint64 { return g.completed.Load() }

// Failed returns the number of tasks that returned an error or panicked.
func (g *TaskGroup) Failed() uint64 { return g.failed.Load() }

// Shutdown stops accepting tasks and waits for running ones until ctx
// expires. Tasks still running then are cancelled and given a short grace
// period to return.
func (g *TaskGroup) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
	}

	if left := g.Active(); len(left) > 0 {
		g.log.Warn("cancelling unfinished tasks", "count", len(left), "tasks", left)
	}
	g.cancel()

	t := time.NewTimer(cancelGrace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		left := g.Active()
		g.log.Error("tasks ignored cancellation", "count", len(left), "tasks", left)
		return fmt.Errorf("%w: %d", ErrTasksAbandoned, len(left))
	}
}
