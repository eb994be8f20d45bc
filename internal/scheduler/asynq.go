package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
)

const taskPrefix = "job:"

func TaskType(job string) string {
	return taskPrefix + job
}

// Distributed 多进程运行同一组任务。每个进程都注册周期任务，
// asynq.Unique 保证每个周期只入队一次，取到任务的 worker 在本地锁保护下执行
type Distributed struct {
	sched     *Scheduler
	scheduler *asynq.Scheduler
	server    *asynq.Server
	logger    *slog.Logger
}

func NewDistributed(s *Scheduler, redisOpt asynq.RedisConnOpt, concurrency int, logger *slog.Logger) *Distributed {
	if concurrency <= 0 {
		concurrency = 2
	}
	alog := newAsynqLogger(logger)
	return &Distributed{
		sched: s,
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Logger: alog,
		}),
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: concurrency,
			Logger:      alog,
		}),
		logger: logger.With("component", "scheduler-distributed"),
	}
}

func (d *Distributed) Start() error {
	mux := asynq.NewServeMux()
	handler := taskHandler(d.sched)

	for _, name := range d.sched.order {
		job := d.sched.jobs[name].job
		task := asynq.NewTask(TaskType(name), nil)
		spec := "@every " + job.Interval.String()
		if _, err := d.scheduler.Register(spec, task, asynq.Unique(job.Interval), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("register job %s: %w", name, err)
		}
		mux.HandleFunc(TaskType(name), handler)
	}

	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := d.scheduler.Start(); err != nil {
		d.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	d.logger.Info("Distributed scheduler started", "jobs", len(d.sched.order))
	return nil
}

func (d *Distributed) Shutdown() {
	d.scheduler.Shutdown()
	d.server.Shutdown()
}

func taskHandler(s *Scheduler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		name := strings.TrimPrefix(t.Type(), taskPrefix)
		err := s.RunJobNow(ctx, name)
		switch {
		case errors.Is(err, ErrJobRunning):
			// 本进程仍在执行，跳过这次
			return nil
		case errors.Is(err, ErrJobNotFound):
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
