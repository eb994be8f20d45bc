// Package scheduler 运行固定的一组命名维护任务
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"previewd/internal/monitor"
)

type JobFunc func(ctx context.Context) error

type Job struct {
	Name     string
	Interval time.Duration
	// Timeout 单次运行超时，为零时等于间隔
	Timeout time.Duration
	Run     JobFunc
}

type JobStatus struct {
	Name           string     `json:"name"`
	Interval       string     `json:"interval"`
	Running        bool       `json:"running"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastDurationMS int64      `json:"last_duration_ms"`
	LastError      string     `json:"last_error,omitempty"`
	Runs           int64      `json:"runs"`
	Failures       int64      `json:"failures"`
	Skips          int64      `json:"skips"`
}

// EventRecorder 接收每次运行失败的错误事件
type EventRecorder interface {
	RecordEvent(eventType string, payload map[string]any, severity monitor.Severity) monitor.Event
}

type jobState struct {
	job     Job
	running atomic.Bool

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      string
	runs         int64
	failures     int64
	skips        int64
}

type Scheduler struct {
	jobs     map[string]*jobState
	order    []string
	recorder EventRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
}

func New(jobs []Job, recorder EventRecorder, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*jobState, len(jobs)),
		recorder: recorder,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
	for _, j := range jobs {
		if _, dup := s.jobs[j.Name]; dup {
			continue
		}
		s.jobs[j.Name] = &jobState{job: j}
		s.order = append(s.order, j.Name)
	}
	return s
}

// Start 为每个任务启动一个 ticker 循环，ctx 取消或调用 Stop 时退出
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		st := s.jobs[name]
		s.loops.Go(func() { s.loop(ctx, st) })
	}
	s.logger.Info("Scheduler started", "jobs", len(s.order))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, st *jobState) {
	ticker := time.NewTicker(st.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.execute(ctx, st); errors.Is(err, ErrJobRunning) {
				s.logger.Debug("Skipping tick, job still running", "job", st.job.Name)
			}
		}
	}
}

// Stop 取消所有循环并等待正在执行的任务返回。RunJobNow 触发的运行由调用方负责
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	s.logger.Info("Scheduler stopped")
}

// RunJobNow 在调用方的 context 上同步运行指定任务
func (s *Scheduler) RunJobNow(ctx context.Context, name string) error {
	st, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, st)
}

func (s *Scheduler) Jobs() []JobStatus {
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].status())
	}
	return out
}

func (s *Scheduler) execute(ctx context.Context, st *jobState) error {
	// 同一任务不允许重叠执行
	if !st.running.CompareAndSwap(false, true) {
		st.mu.Lock()
		st.skips++
		st.mu.Unlock()
		monitor.JobRuns.WithLabelValues(st.job.Name, "skipped").Inc()
		return ErrJobRunning
	}
	defer st.running.Store(false)

	timeout := st.job.Timeout
	if timeout <= 0 {
		timeout = st.job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	err := runSafely(runCtx, st.job.Run)
	elapsed := s.now().Sub(start)

	st.mu.Lock()
	st.lastRun = start
	st.lastDuration = elapsed
	st.runs++
	st.lastErr = ""
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	monitor.JobDuration.WithLabelValues(st.job.Name).Observe(elapsed.Seconds())
	if err != nil {
		monitor.JobRuns.WithLabelValues(st.job.Name, "error").Inc()
		s.logger.Error("Scheduled job failed", "job", st.job.Name, "duration", elapsed, "error", err)
		if s.recorder != nil {
			s.recorder.RecordEvent("scheduled_job_failed", map[string]any{
				"job":   st.job.Name,
				"error": err.Error(),
			}, monitor.SeverityError)
		}
		return err
	}

	monitor.JobRuns.WithLabelValues(st.job.Name, "ok").Inc()
	s.logger.Debug("Scheduled job completed", "job", st.job.Name, "duration", elapsed)
	return nil
}

// runSafely turns a panic in a job body into an error so the loop keeps going.
func runSafely(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (st *jobState) status() JobStatus {
	st.mu.Lock()
	defer st.mu.Unlock()

	js := JobStatus{
		Name:           st.job.Name,
		Interval:       st.job.Interval.String(),
		Running:        st.running.Load(),
		LastDurationMS: st.lastDuration.Milliseconds(),
		LastError:      st.lastErr,
		Runs:           st.runs,
		Failures:       st.failures,
		Skips:          st.skips,
	}
	if !st.lastRun.IsZero() {
		t := st.lastRun
		js.LastRun = &t
	}
	return js
}
