// Package supervisor owns the flat set of long-running tasks and observes
// their termination.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/metrics"
)

// Task is one cooperatively-scheduled long-running loop.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

const restartPause = time.Second

type entry struct {
	task    Task
	restart bool
}

// Supervisor runs every added task and blocks until all have exited. Tasks
// terminate permanently on exit except those added with AddRestarting, which
// are restarted with a monotonically increasing counter.
type Supervisor struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []entry
}

// New builds an empty Supervisor.
func New(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{logger: logger}
}

// Add registers a task that terminates permanently when its Run returns.
func (s *Supervisor) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{task: t})
}

// AddRestarting registers a task restarted on every early exit. Only the
// live-event listener gets this treatment.
func (s *Supervisor) AddRestarting(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{task: t, restart: true})
}

// Run starts every task and blocks until all of them have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	runID := uuid.NewString()
	s.logger.Info("supervisor starting",
		zap.String("run_id", runID),
		zap.Int("tasks", len(entries)),
	)

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.runOne(ctx, e)
		}(e)
	}
	wg.Wait()
	s.logger.Info("all supervised tasks exited", zap.String("run_id", runID))
	return nil
}

func (s *Supervisor) runOne(ctx context.Context, e entry) {
	metrics.IncRunningTasks()
	defer metrics.DecRunningTasks()

	restarts := 0
	for {
		err := e.task.Run(ctx)
		switch {
		case err == nil:
			s.logger.Info("task finished", zap.String("task", e.task.Name()))
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			s.logger.Info("task stopped", zap.String("task", e.task.Name()))
		default:
			s.logger.Error("task failed",
				zap.String("task", e.task.Name()),
				zap.Error(err),
			)
		}
		if !e.restart || ctx.Err() != nil {
			return
		}
		restarts++
		metrics.ObserveListenerRestart()
		s.logger.Warn("restarting task",
			zap.String("task", e.task.Name()),
			zap.Int("restarts", restarts),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartPause):
		}
	}
}
