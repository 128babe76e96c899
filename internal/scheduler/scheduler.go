// Package scheduler turns a backlog of tasks into serialized-per-device
// execution with retry bookkeeping and an append-only attempt history.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultMaxTasksPerPoll = 20
)

// Handler executes one task and returns its result blob.
type Handler func(ctx context.Context, task *tasks.Task) (map[string]any, error)

// Preflight runs before a task is marked running. A failing preflight counts
// as a failed attempt but the task never enters the running state.
type Preflight func(ctx context.Context, serial string) error

// Config controls Scheduler behavior.
type Config struct {
	PollInterval    time.Duration
	MaxTasksPerPoll int
	Preflight       Preflight
	Now             func() time.Time
}

// Scheduler polls a tasks.Store and runs at most one task per device.
type Scheduler struct {
	cfg   Config
	store tasks.Store

	handlersMu sync.RWMutex
	handlers   map[tasks.Kind]Handler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	busy    map[string]int64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	workers sync.WaitGroup
}

// New creates a scheduler over store.
func New(store tasks.Store, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxTasksPerPoll <= 0 {
		cfg.MaxTasksPerPoll = DefaultMaxTasksPerPoll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		handlers: make(map[tasks.Kind]Handler),
		locks:    make(map[string]*sync.Mutex),
		busy:     make(map[string]int64),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (s *Scheduler) Handle(kind tasks.Kind, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind tasks.Kind) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok && h != nil
}

// Run polls until ctx is cancelled, then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_tasks_per_poll", s.cfg.MaxTasksPerPoll).
		Msg("scheduler started")

	// Fast-start: run one cycle immediately instead of waiting for the first tick.
	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.workers.Wait()
			log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// Start runs the poll loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil || s.running.Load() {
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		if err := s.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("scheduler exited")
		}
	}()
	return nil
}

// Stop cancels the background loop and waits for it and its workers.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	started := s.cancel != nil
	s.runMu.Unlock()
	return started || s.running.Load()
}

// RunOnce performs one poll and waits for the tasks it dispatched.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	done, err := s.poll(ctx)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Busy returns the id of the task currently holding serial.
func (s *Scheduler) Busy(serial string) (int64, bool) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	id, ok := s.busy[serial]
	return id, ok
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scheduler poll panicked")
		}
	}()
	if _, err := s.poll(ctx); err != nil {
		log.Error().Err(err).Msg("scheduler poll failed")
	}
}

// tryAcquire takes the exclusivity lock of serial without blocking.
func (s *Scheduler) tryAcquire(serial string, taskID int64) (release func(), ok bool) {
	s.locksMu.Lock()
	lock, exists := s.locks[serial]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[serial] = lock
	}
	s.locksMu.Unlock()

	if !lock.TryLock() {
		return nil, false
	}
	s.locksMu.Lock()
	s.busy[serial] = taskID
	s.locksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.locksMu.Lock()
			delete(s.busy, serial)
			s.locksMu.Unlock()
			lock.Unlock()
		})
	}, true
}

// attempt is what a worker reports back to the poll's recorder.
type attempt struct {
	task      *tasks.Task
	release   func()
	startedAt time.Time
	endedAt   time.Time
	result    map[string]any
	err       error
	// abandoned attempts never started and leave the task untouched.
	abandoned bool
}

// poll selects eligible tasks and dispatches those whose device is free.
// The returned channel closes once every dispatched outcome is recorded.
func (s *Scheduler) poll(ctx context.Context) (<-chan struct{}, error) {
	candidates, err := s.store.FetchEligible(ctx, s.cfg.Now(), s.cfg.MaxTasksPerPoll)
	if err != nil {
		return nil, errors.Wrap(err, "fetch eligible tasks")
	}

	outcomes := make(chan attempt, len(candidates))
	var wg sync.WaitGroup
	dispatched := 0
	for _, task := range candidates {
		release, ok := s.tryAcquire(task.DeviceSerial, task.ID)
		if !ok {
			log.Debug().Int64("task_id", task.ID).Str("serial", task.DeviceSerial).Msg("device busy, task deferred")
			continue
		}
		dispatched++
		wg.Add(1)
		s.workers.Add(1)
		go s.work(ctx, task, release, outcomes, &wg)
	}
	if dispatched > 0 {
		log.Info().Int("candidates", len(candidates)).Int("dispatched", dispatched).Msg("scheduler dispatched tasks")
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	done := make(chan struct{})
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer close(done)
		for a := range outcomes {
			s.record(ctx, a)
		}
	}()
	return done, nil
}

func (s *Scheduler) work(ctx context.Context, task *tasks.Task, release func(), outcomes chan<- attempt, wg *sync.WaitGroup) {
	defer s.workers.Done()
	defer wg.Done()

	a := attempt{task: task, release: release, startedAt: s.cfg.Now()}
	defer func() {
		if r := recover(); r != nil {
			a.err = failure.Newf(failure.KindInternal, "run task", "handler panic: %v", r)
			log.Error().Interface("panic", r).Int64("task_id", task.ID).Msg("task handler panicked")
		}
		a.endedAt = s.cfg.Now()
		outcomes <- a
	}()

	handler, known := s.handler(task.Kind)
	if known && s.cfg.Preflight != nil {
		if err := s.cfg.Preflight(ctx, task.DeviceSerial); err != nil {
			log.Warn().Err(err).Int64("task_id", task.ID).Str("serial", task.DeviceSerial).Msg("task preflight failed")
			a.err = err
			return
		}
	}
	if err := s.store.MarkRunning(ctx, task.ID, a.startedAt); err != nil {
		log.Warn().Err(err).Int64("task_id", task.ID).Msg("mark task running failed, skipping")
		a.abandoned = true
		return
	}
	if !known {
		a.err = failure.Newf(failure.KindInternal, "dispatch", "unknown task kind %q", task.Kind)
		return
	}

	log.Info().
		Int64("task_id", task.ID).
		Str("serial", task.DeviceSerial).
		Str("kind", string(task.Kind)).
		Int("attempt", task.RetryCount+1).
		Msg("task started")
	a.result, a.err = handler(ctx, task)
}

// record persists an attempt and then releases the device.
func (s *Scheduler) record(ctx context.Context, a attempt) {
	defer a.release()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("task_id", a.task.ID).Msg("record task outcome panicked")
		}
	}()
	if a.abandoned {
		return
	}
	ctx = context.WithoutCancel(ctx)
	task := a.task
	outcome := outcomeFor(task, a)

	if err := s.store.Finish(ctx, outcome); err != nil {
		log.Error().Err(err).Int64("task_id", task.ID).Msg("persist task outcome failed")
	}
	rec := tasks.History{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		DeviceSerial: task.DeviceSerial,
		Kind:         task.Kind,
		Attempt:      task.RetryCount + 1,
		Status:       outcome.Status,
		StartedAt:    a.startedAt,
		EndedAt:      a.endedAt,
		Result:       a.result,
		Error:        outcome.Error,
	}
	if err := s.store.AppendHistory(ctx, rec); err != nil {
		log.Error().Err(err).Int64("task_id", task.ID).Msg("append task history failed")
	}

	evt := log.Info()
	if outcome.Status != tasks.StatusCompleted {
		evt = log.Error().Str("error", outcome.Error)
	}
	evt.Int64("task_id", task.ID).
		Str("serial", task.DeviceSerial).
		Str("kind", string(task.Kind)).
		Str("status", string(outcome.Status)).
		Int("retry_count", outcome.RetryCount).
		Dur("elapsed", a.endedAt.Sub(a.startedAt)).
		Msg("task finished")
}

// outcomeFor applies the retry policy: retryable failures go back to pending
// until the budget is spent, everything else fails terminally. Attempts cut
// short by shutdown are returned to pending without spending budget.
func outcomeFor(task *tasks.Task, a attempt) tasks.Outcome {
	outcome := tasks.Outcome{
		TaskID:     task.ID,
		RetryCount: task.RetryCount,
		Result:     a.result,
		FinishedAt: a.endedAt,
	}
	if a.err == nil {
		outcome.Status = tasks.StatusCompleted
		return outcome
	}
	outcome.Error = a.err.Error()
	if errors.Is(a.err, context.Canceled) {
		outcome.Status = tasks.StatusPending
		return outcome
	}
	retry := task.RetryCount + 1
	if retry > task.MaxRetries {
		retry = task.MaxRetries
	}
	outcome.RetryCount = retry
	if failure.Retryable(a.err) && retry < task.MaxRetries {
		outcome.Status = tasks.StatusPending
	} else {
		outcome.Status = tasks.StatusFailed
	}
	return outcome
}
