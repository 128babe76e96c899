package tasks

import (
	"context"
	"strings"
	"time"
)

// Kind 表示任务类型。
type Kind string

const (
	KindLogin         Kind = "login"
	KindOpenApp       Kind = "open-application"
	KindScreenshot    Kind = "screenshot"
	KindGenericAction Kind = "generic-action"
)

// ParseKind accepts the canonical names plus a few short aliases.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "login":
		return KindLogin, true
	case "open-application", "open-app", "open_app":
		return KindOpenApp, true
	case "screenshot":
		return KindScreenshot, true
	case "generic-action", "generic", "bot-run", "action":
		return KindGenericAction, true
	default:
		return "", false
	}
}

// Status 表示任务状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task 是针对单台设备的一次自动化工作单元。
type Task struct {
	ID           int64
	DeviceSerial string
	AccountRef   string
	Kind         Kind
	Status       Status
	Priority     int
	CreatedAt    time.Time
	NotBefore    *time.Time
	RetryCount   int
	MaxRetries   int
	Params       map[string]any
	Result       map[string]any
	LastError    string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Eligible reports whether the task may be selected at now.
func (t *Task) Eligible(now time.Time) bool {
	if t == nil || t.Status != StatusPending {
		return false
	}
	if t.RetryCount >= t.MaxRetries {
		return false
	}
	return t.NotBefore == nil || !t.NotBefore.After(now)
}

// Clone returns a deep-enough copy for handing out of a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = cloneMap(t.Params)
	c.Result = cloneMap(t.Result)
	if t.NotBefore != nil {
		v := *t.NotBefore
		c.NotBefore = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StringParam returns a trimmed string parameter or "".
func (t *Task) StringParam(key string) string {
	if t == nil || t.Params == nil {
		return ""
	}
	if v, ok := t.Params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Less orders tasks by priority desc, then creation time asc, then id asc.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Request is what producers submit to Enqueue.
type Request struct {
	DeviceSerial string
	AccountRef   string
	Kind         Kind
	Priority     int
	NotBefore    *time.Time
	MaxRetries   int
	Params       map[string]any
}

// Outcome records the end of one attempt.
type Outcome struct {
	TaskID     int64
	Status     Status
	RetryCount int
	Result     map[string]any
	Error      string
	FinishedAt time.Time
}

// History 是一次执行尝试的不可变记录。
type History struct {
	ID           string
	TaskID       int64
	DeviceSerial string
	Kind         Kind
	Attempt      int
	Status       Status
	StartedAt    time.Time
	EndedAt      time.Time
	Result       map[string]any
	Error        string
}

// Store persists tasks and their attempt history.
type Store interface {
	Enqueue(ctx context.Context, req Request) (int64, error)
	Get(ctx context.Context, id int64) (*Task, error)
	// FetchEligible returns up to limit eligible tasks ordered by Less.
	FetchEligible(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// ListPending returns pending tasks, optionally filtered by kind.
	ListPending(ctx context.Context, kind Kind) ([]*Task, error)
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) error
	Finish(ctx context.Context, outcome Outcome) error
	AppendHistory(ctx context.Context, rec History) error
	History(ctx context.Context, taskID int64) ([]History, error)
}

// Account is the credential record resolved from an account reference.
type Account struct {
	Ref                string
	Username           string
	Password           string
	SecondFactorSecret string
	App                string
	AppVariants        []string
}

// AccountStore resolves account references.
type AccountStore interface {
	Lookup(ctx context.Context, ref string) (*Account, error)
}
