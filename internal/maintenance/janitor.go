// Package maintenance runs periodic housekeeping tasks (cache expiry sweeps,
// usage-window pruning) on a cron scheduler owned by the component that
// needs them. Tasks never overlap with themselves and a panic in one task
// is recovered and logged instead of taking down the process.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/davidbz/quillgate/internal/observability"
)

// Janitor schedules recurring tasks.
type Janitor struct {
	name    string
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

// NewJanitor creates a stopped janitor. Call Every to add tasks, then Start.
func NewJanitor(name string) *Janitor {
	logger := observability.FromContext(context.Background()).With(zap.String("component", name))
	cronLogger := zapCronLogger{logger: logger}

	return &Janitor{
		name: name,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
	}
}

// Every registers fn to run at the given interval.
// Intervals below one second are rounded up by the scheduler.
func (j *Janitor) Every(interval time.Duration, task string, fn func()) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	if fn == nil {
		return errors.New("task cannot be nil")
	}

	_, err := j.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		started := time.Now()
		fn()
		j.logger.Debug("maintenance task finished",
			zap.String("task", task),
			zap.Duration("elapsed", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", task, err)
	}

	return nil
}

// Start begins running scheduled tasks. Calling Start twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started", zap.Int("tasks", len(j.cron.Entries())))
}

// Stop halts the scheduler and waits for in-flight tasks or ctx expiry.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor %s stop: %w", j.name, ctx.Err())
	}
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
