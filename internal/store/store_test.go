package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/tasks"
)

type testStore interface {
	tasks.Store
	tasks.AccountStore
	PutAccount(ctx context.Context, acc tasks.Account) error
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func forEachStore(t *testing.T, fn func(t *testing.T, s testStore, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		s := NewMemory()
		s.Now = clock.Now
		fn(t, s, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.sqlite"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		s.Now = clock.Now
		fn(t, s, clock)
	})
}

func TestFetchEligibleOrdersByPriorityThenAge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		t2, _ := s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-2", Kind: tasks.KindLogin, Priority: 5})
		clock.Advance(time.Second)
		t1, _ := s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindLogin, Priority: 5})
		clock.Advance(time.Second)
		t3, _ := s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-3", Kind: tasks.KindLogin, Priority: 9})

		got, err := s.FetchEligible(ctx, clock.now, 10)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 tasks, got %d", len(got))
		}
		want := []int64{t3, t2, t1}
		for i, task := range got {
			if task.ID != want[i] {
				t.Fatalf("position %d: got task %d, want %d", i, task.ID, want[i])
			}
		}

		limited, _ := s.FetchEligible(ctx, clock.now, 1)
		if len(limited) != 1 || limited[0].ID != t3 {
			t.Fatalf("limit not honoured: %+v", limited)
		}
	})
}

func TestFetchEligibleSkipsFutureAndExhausted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		later := clock.now.Add(time.Hour)
		future, _ := s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindScreenshot, NotBefore: &later})
		exhausted, _ := s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-2", Kind: tasks.KindScreenshot, MaxRetries: 1})
		if err := s.Finish(ctx, tasks.Outcome{TaskID: exhausted, Status: tasks.StatusPending, RetryCount: 1, FinishedAt: clock.now}); err != nil {
			t.Fatalf("finish: %v", err)
		}

		got, _ := s.FetchEligible(ctx, clock.now, 10)
		if len(got) != 0 {
			t.Fatalf("expected nothing eligible, got %d", len(got))
		}
		clock.Advance(2 * time.Hour)
		got, _ = s.FetchEligible(ctx, clock.now, 10)
		if len(got) != 1 || got[0].ID != future {
			t.Fatalf("expected future task once due, got %+v", got)
		}
	})
}

func TestTaskLifecycleAndHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		id, err := s.Enqueue(ctx, tasks.Request{
			DeviceSerial: " dev-1 ",
			AccountRef:   "acc-1",
			Kind:         tasks.KindLogin,
			Params:       map[string]any{"app": "com.example.social"},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		task, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.DeviceSerial != "dev-1" || task.MaxRetries != DefaultMaxRetries || task.StringParam("app") != "com.example.social" {
			t.Fatalf("unexpected task %+v", task)
		}

		if err := s.MarkRunning(ctx, id, clock.now); err != nil {
			t.Fatalf("mark running: %v", err)
		}
		if err := s.MarkRunning(ctx, id, clock.now); err == nil {
			t.Fatal("running task must not be marked running again")
		}
		pending, _ := s.ListPending(ctx, "")
		if len(pending) != 0 {
			t.Fatalf("running task listed as pending")
		}

		end := clock.now.Add(3 * time.Second)
		if err := s.Finish(ctx, tasks.Outcome{
			TaskID: id, Status: tasks.StatusCompleted, Result: map[string]any{"success": true}, FinishedAt: end,
		}); err != nil {
			t.Fatalf("finish: %v", err)
		}
		rec := tasks.History{
			ID: "h-1", TaskID: id, DeviceSerial: "dev-1", Kind: tasks.KindLogin, Attempt: 1,
			Status: tasks.StatusCompleted, StartedAt: clock.now, EndedAt: end, Result: map[string]any{"success": true},
		}
		if err := s.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("append history: %v", err)
		}

		task, _ = s.Get(ctx, id)
		if task.Status != tasks.StatusCompleted || task.Result["success"] != true {
			t.Fatalf("unexpected final task %+v", task)
		}
		history, err := s.History(ctx, id)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || history[0].ID != "h-1" || !history[0].EndedAt.Equal(end) {
			t.Fatalf("unexpected history %+v", history)
		}
	})
}

func TestListPendingFiltersByKind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		_, _ = s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindLogin})
		_, _ = s.Enqueue(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindScreenshot})
		got, err := s.ListPending(ctx, tasks.KindScreenshot)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(got) != 1 || got[0].Kind != tasks.KindScreenshot {
			t.Fatalf("unexpected pending list %+v", got)
		}
	})
}

func TestNotFoundErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		if _, err := s.Get(ctx, 404); !failure.Is(err, failure.KindNotFound) {
			t.Fatalf("expected not found task, got %v", err)
		}
		if _, err := s.Lookup(ctx, "nobody"); !failure.Is(err, failure.KindNotFound) {
			t.Fatalf("expected not found account, got %v", err)
		}
		if _, err := s.Enqueue(ctx, tasks.Request{Kind: tasks.KindLogin}); err == nil {
			t.Fatal("expected error for missing serial")
		}
	})
}

func TestAccounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore, clock *fakeClock) {
		ctx := context.Background()
		acc := tasks.Account{
			Ref: "acc-1", Username: "alice", Password: "s3cret", App: "com.example.social",
			AppVariants: []string{"com.example.social.lite"},
		}
		if err := s.PutAccount(ctx, acc); err != nil {
			t.Fatalf("put account: %v", err)
		}
		acc.Password = "rotated"
		if err := s.PutAccount(ctx, acc); err != nil {
			t.Fatalf("update account: %v", err)
		}
		got, err := s.Lookup(ctx, "acc-1")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if got.Password != "rotated" || len(got.AppVariants) != 1 {
			t.Fatalf("unexpected account %+v", got)
		}
	})
}

func TestFormatSQLForLog(t *testing.T) {
	got := formatSQLForLog("SELECT *\n\tFROM tasks WHERE id = ? AND kind = ?", 7, "it's")
	if got != "SELECT * FROM tasks WHERE id = 7 AND kind = 'it''s'" {
		t.Fatalf("unexpected sql %q", got)
	}
}
