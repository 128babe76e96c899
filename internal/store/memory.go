package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/pkg/errors"
)

// DefaultMaxRetries applies to requests that leave MaxRetries unset.
const DefaultMaxRetries = 3

// Memory is an in-process tasks.Store and tasks.AccountStore.
type Memory struct {
	DefaultMaxRetries int
	Now               func() time.Time

	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*tasks.Task
	history  []tasks.History
	accounts map[string]*tasks.Account
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		DefaultMaxRetries: DefaultMaxRetries,
		tasks:             make(map[int64]*tasks.Task),
		accounts:          make(map[string]*tasks.Account),
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Enqueue implements tasks.Store.
func (m *Memory) Enqueue(ctx context.Context, req tasks.Request) (int64, error) {
	task, err := newTask(req, m.DefaultMaxRetries, m.now())
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	m.tasks[task.ID] = task
	return task.ID, nil
}

// Get implements tasks.Store.
func (m *Memory) Get(ctx context.Context, id int64) (*tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, failure.NotFound("get task", "task", strconv.FormatInt(id, 10))
	}
	return task.Clone(), nil
}

// FetchEligible implements tasks.Store.
func (m *Memory) FetchEligible(ctx context.Context, now time.Time, limit int) ([]*tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*tasks.Task, 0)
	for _, task := range m.tasks {
		if task.Eligible(now) {
			result = append(result, task.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return tasks.Less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListPending implements tasks.Store.
func (m *Memory) ListPending(ctx context.Context, kind tasks.Kind) ([]*tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*tasks.Task, 0)
	for _, task := range m.tasks {
		if task.Status != tasks.StatusPending {
			continue
		}
		if kind != "" && task.Kind != kind {
			continue
		}
		result = append(result, task.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return tasks.Less(result[i], result[j]) })
	return result, nil
}

// MarkRunning implements tasks.Store.
func (m *Memory) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return failure.NotFound("mark running", "task", strconv.FormatInt(id, 10))
	}
	if task.Status != tasks.StatusPending {
		return errors.Errorf("task %d is %s, not pending", id, task.Status)
	}
	task.Status = tasks.StatusRunning
	started := startedAt
	task.StartedAt = &started
	return nil
}

// Finish implements tasks.Store.
func (m *Memory) Finish(ctx context.Context, outcome tasks.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[outcome.TaskID]
	if !ok {
		return failure.NotFound("finish task", "task", strconv.FormatInt(outcome.TaskID, 10))
	}
	applyOutcome(task, outcome)
	return nil
}

// AppendHistory implements tasks.Store.
func (m *Memory) AppendHistory(ctx context.Context, rec tasks.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

// History implements tasks.Store.
func (m *Memory) History(ctx context.Context, taskID int64) ([]tasks.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]tasks.History, 0)
	for _, rec := range m.history {
		if rec.TaskID == taskID {
			result = append(result, rec)
		}
	}
	return result, nil
}

// PutAccount stores or replaces an account.
func (m *Memory) PutAccount(ctx context.Context, acc tasks.Account) error {
	ref := strings.TrimSpace(acc.Ref)
	if ref == "" {
		return errors.New("account ref is empty")
	}
	acc.Ref = ref
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[ref] = &acc
	return nil
}

// Lookup implements tasks.AccountStore.
func (m *Memory) Lookup(ctx context.Context, ref string) (*tasks.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[strings.TrimSpace(ref)]
	if !ok {
		return nil, failure.NotFound("lookup account", "account", ref)
	}
	copied := *acc
	copied.AppVariants = append([]string(nil), acc.AppVariants...)
	return &copied, nil
}

func newTask(req tasks.Request, defaultMaxRetries int, now time.Time) (*tasks.Task, error) {
	serial := strings.TrimSpace(req.DeviceSerial)
	if serial == "" {
		return nil, errors.New("enqueue: device serial is empty")
	}
	if req.Kind == "" {
		return nil, errors.New("enqueue: task kind is empty")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	task := &tasks.Task{
		DeviceSerial: serial,
		AccountRef:   strings.TrimSpace(req.AccountRef),
		Kind:         req.Kind,
		Status:       tasks.StatusPending,
		Priority:     req.Priority,
		CreatedAt:    now,
		MaxRetries:   maxRetries,
		Params:       req.Params,
	}
	if req.NotBefore != nil {
		nb := *req.NotBefore
		task.NotBefore = &nb
	}
	return task.Clone(), nil
}

func applyOutcome(task *tasks.Task, outcome tasks.Outcome) {
	task.Status = outcome.Status
	task.RetryCount = outcome.RetryCount
	task.LastError = outcome.Error
	if outcome.Result != nil {
		task.Result = outcome.Result
	}
	finished := outcome.FinishedAt
	task.FinishedAt = &finished
}
