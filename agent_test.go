package deviceagent

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/DeviceAgent/internal/bridge"
	"github.com/httprunner/DeviceAgent/internal/connection"
	"github.com/httprunner/DeviceAgent/internal/flow"
	"github.com/httprunner/DeviceAgent/internal/store"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/pkg/errors"
)

const homeScreen = `<hierarchy><node package="com.example.app" class="android.widget.FrameLayout">
	<node text="Home" class="android.widget.TextView"/>
	<node text="Profile" class="android.widget.TextView"/>
</node></hierarchy>`

type fakeSession struct {
	mu      sync.Mutex
	alive   bool
	current string
	clicks  []string
	// onCurrent runs on every foreground query.
	onCurrent func()
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return errors.New("connection refused")
	}
	return nil
}
func (s *fakeSession) DumpHierarchy(ctx context.Context) (string, error) { return homeScreen, nil }
func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error)    { return []byte("png-bytes"), nil }
func (s *fakeSession) WaitForExists(ctx context.Context, sel bridge.Selector, timeout time.Duration) (bool, error) {
	return sel.Text == "Home", nil
}
func (s *fakeSession) Click(ctx context.Context, sel bridge.Selector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, sel.String())
	return nil
}
func (s *fakeSession) SetText(ctx context.Context, sel bridge.Selector, text string) error {
	return nil
}
func (s *fakeSession) PressKey(ctx context.Context, key string) error         { return nil }
func (s *fakeSession) ClickPoint(ctx context.Context, x, y int) error         { return nil }
func (s *fakeSession) Swipe(ctx context.Context, x1, y1, x2, y2, n int) error { return nil }
func (s *fakeSession) AppStart(ctx context.Context, pkg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = pkg
	return nil
}
func (s *fakeSession) AppStop(ctx context.Context, pkg string) error { return nil }
func (s *fakeSession) AppCurrent(ctx context.Context) (bridge.AppInfo, error) {
	if s.onCurrent != nil {
		s.onCurrent()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return bridge.AppInfo{Package: s.current}, nil
}
func (s *fakeSession) Close() error { return nil }

type fakeDialer struct {
	reachable bool
	onCurrent func()
	dials     atomic.Int32
	last      *fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, serial, address string) (connection.Session, error) {
	d.dials.Add(1)
	d.last = &fakeSession{alive: d.reachable, onCurrent: d.onCurrent}
	return d.last, nil
}

func newTestAgent(t *testing.T, reachable bool) (*Agent, *store.Memory, *fakeDialer) {
	t.Helper()
	st := store.NewMemory()
	dialer := &fakeDialer{reachable: reachable}
	login := flow.DefaultOptions()
	login.ForegroundTimeout = 200 * time.Millisecond
	login.ForegroundPoll = 5 * time.Millisecond
	login.SettlePoll = 5 * time.Millisecond
	login.SubmitSettle = 50 * time.Millisecond
	login.DoubleCheckDelay = 0
	login.ProbeTimeout = 10 * time.Millisecond
	login.PromptTimeout = 10 * time.Millisecond
	login.VerifyTimeout = 10 * time.Millisecond

	a, err := New(st, Options{
		Dialer: dialer,
		Connection: connection.Options{
			ConnectTimeout: 60 * time.Millisecond,
			MaxAttempts:    2,
			ProbeInterval:  5 * time.Millisecond,
			ProbeTimeout:   20 * time.Millisecond,
		},
		Login: login,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, st, dialer
}

func TestNewRejectsNilStore(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestUnreachableDeviceNeverRunsTask(t *testing.T) {
	ctx := context.Background()
	a, _, dialer := newTestAgent(t, false)

	id, err := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindScreenshot, MaxRetries: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	task, err := a.TaskResult(ctx, id)
	if err != nil {
		t.Fatalf("task result: %v", err)
	}
	if task.Status != tasks.StatusPending || task.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d, want pending/1", task.Status, task.RetryCount)
	}
	if task.StartedAt != nil {
		t.Fatalf("task must never have been marked running")
	}
	info, err := a.Status("dev-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Status != connection.StatusError || info.Error == "" {
		t.Fatalf("connection info = %+v, want error status", info)
	}
	if dialer.dials.Load() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dials.Load())
	}
	history, err := a.TaskHistory(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != tasks.StatusPending {
		t.Fatalf("history = %+v", history)
	}
}

func TestScreenshotTask(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAgent(t, true)

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindScreenshot})
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.LastError)
	}
	if task.Result["screenshot"] != base64.StdEncoding.EncodeToString([]byte("png-bytes")) {
		t.Fatalf("result = %v", task.Result)
	}
}

func TestOpenAppTaskUsesAccountApp(t *testing.T) {
	ctx := context.Background()
	a, _, dialer := newTestAgent(t, true)
	if err := a.PutAccount(ctx, tasks.Account{Ref: "acc-1", App: "com.example.app"}); err != nil {
		t.Fatalf("put account: %v", err)
	}

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", AccountRef: "acc-1", Kind: tasks.KindOpenApp})
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.LastError)
	}
	if task.Result["foreground"] != "com.example.app" || dialer.last.current != "com.example.app" {
		t.Fatalf("result = %v", task.Result)
	}
}

func TestOpenAppWithoutTargetFails(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAgent(t, true)

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", Kind: tasks.KindOpenApp, MaxRetries: 3})
	_ = a.RunOnce(ctx)
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
}

func TestLoginTaskAlreadyAuthenticated(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAgent(t, true)
	_ = a.PutAccount(ctx, tasks.Account{Ref: "acc-1", Username: "user", Password: "secret", App: "com.example.app"})

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", AccountRef: "acc-1", Kind: tasks.KindLogin})
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.LastError)
	}
	if task.Result["success"] != true || task.Result["variant"] != string(flow.VariantAlreadyAuthenticated) {
		t.Fatalf("result = %v", task.Result)
	}
}

func TestLoginTaskUnknownAccountFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAgent(t, true)

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", AccountRef: "missing", Kind: tasks.KindLogin, MaxRetries: 3})
	_ = a.RunOnce(ctx)
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusFailed || task.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d, want failed/1", task.Status, task.RetryCount)
	}
}

func TestLoginTaskCancelledMidRunReturnsToPending(t *testing.T) {
	a, _, dialer := newTestAgent(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer.onCurrent = cancel
	_ = a.PutAccount(ctx, tasks.Account{Ref: "acc-1", Username: "user", Password: "secret", App: "com.example.app"})

	id, _ := a.EnqueueTask(ctx, tasks.Request{DeviceSerial: "dev-1", AccountRef: "acc-1", Kind: tasks.KindLogin, MaxRetries: 3})
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	task, err := a.TaskResult(context.Background(), id)
	if err != nil {
		t.Fatalf("task result: %v", err)
	}
	if task.Status != tasks.StatusPending || task.RetryCount != 0 {
		t.Fatalf("status=%s retry=%d err=%q, want pending/0", task.Status, task.RetryCount, task.LastError)
	}
	history, _ := a.TaskHistory(context.Background(), id)
	if len(history) != 1 || history[0].Status != tasks.StatusPending {
		t.Fatalf("history = %+v", history)
	}
}

func TestGenericActionTask(t *testing.T) {
	ctx := context.Background()
	a, _, dialer := newTestAgent(t, true)

	id, _ := a.EnqueueTask(ctx, tasks.Request{
		DeviceSerial: "dev-1",
		Kind:         tasks.KindGenericAction,
		Params: map[string]any{
			ParamActions: []any{
				map[string]any{"type": "click", "params": map[string]any{"text": "Home"}},
				map[string]any{"type": "screenshot"},
			},
		},
	})
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	task, _ := a.TaskResult(ctx, id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.LastError)
	}
	if task.Result["executed"] != 2 {
		t.Fatalf("result = %v", task.Result)
	}
	if len(dialer.last.clicks) != 1 || dialer.last.clicks[0] != `{text="Home"}` {
		t.Fatalf("clicks = %v", dialer.last.clicks)
	}
}

func TestConnectDisconnectAndStatuses(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAgent(t, true)

	if _, err := a.RegisterDevice("dev-2", "bench", "10.0.0.2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, err := a.Connect(ctx, "dev-2", 0)
	if err != nil || !info.Connected {
		t.Fatalf("connect: info=%+v err=%v", info, err)
	}
	shot, err := a.Screenshot(ctx, "dev-2")
	if err != nil || shot == "" {
		t.Fatalf("screenshot: %q %v", shot, err)
	}
	if err := a.Disconnect("dev-2"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := a.Disconnect("nope"); err == nil {
		t.Fatalf("disconnect of unknown device should fail")
	}
	statuses := a.Statuses()
	if len(statuses) != 1 || statuses[0].Status != connection.StatusDisconnected {
		t.Fatalf("statuses = %+v", statuses)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	a, _, _ := newTestAgent(t, true)
	if err := a.StartScheduler(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !a.SchedulerRunning() {
		t.Fatalf("scheduler should be running")
	}
	a.StopScheduler()
	if a.SchedulerRunning() {
		t.Fatalf("scheduler should be stopped")
	}
}
