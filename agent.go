package deviceagent

import (
	"context"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/internal/config"
	"github.com/httprunner/DeviceAgent/internal/connection"
	"github.com/httprunner/DeviceAgent/internal/flow"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/internal/scheduler"
	"github.com/httprunner/DeviceAgent/internal/screen"
	"github.com/httprunner/DeviceAgent/internal/store"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/httprunner/DeviceAgent/internal/twofactor"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the agent needs for tasks and accounts.
type Store interface {
	tasks.Store
	tasks.AccountStore
	PutAccount(ctx context.Context, acc tasks.Account) error
}

// Options wires the agent's collaborators. Zero values fall back to the
// production defaults.
type Options struct {
	PollInterval    time.Duration
	MaxTasksPerPoll int
	DeviceRefresh   time.Duration

	Connection connection.Options
	Login      flow.Options

	// Dialer opens control channels; defaults to the HTTP bridge on BridgePort.
	Dialer     connection.Dialer
	BridgePort int
	// Shell is the out-of-band utility; nil disables cleanup and fallbacks.
	Shell adb.Shell
	// Lister enumerates attached devices for RefreshDevices.
	Lister     connection.DeviceLister
	Codes      twofactor.Provider
	Classifier *screen.Classifier
}

// Agent is the orchestration core: a device registry, a task scheduler and
// the login state machine behind one API.
type Agent struct {
	store     Store
	registry  *connection.Registry
	lister    connection.DeviceLister
	scheduler *scheduler.Scheduler
	login     *flow.Login
	loginOpts flow.Options
	refresh   time.Duration
	closeFn   func() error
}

// New assembles an Agent over store.
func New(st Store, opts Options) (*Agent, error) {
	if st == nil {
		return nil, errors.New("deviceagent: store is nil")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = connection.BridgeDialer{Port: opts.BridgePort}
	}
	loginOpts := opts.Login
	if loginOpts.MaxSteps == 0 {
		loginOpts = flow.DefaultOptions()
	}
	connOpts := opts.Connection
	if connOpts == (connection.Options{}) {
		connOpts = connection.DefaultOptions()
	}
	refresh := opts.DeviceRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}

	a := &Agent{
		store:     st,
		registry:  connection.NewRegistry(dialer, opts.Shell, connOpts),
		lister:    opts.Lister,
		login:     flow.NewLogin(opts.Classifier, opts.Codes, loginOpts),
		loginOpts: loginOpts,
		refresh:   refresh,
	}
	a.scheduler = scheduler.New(st, scheduler.Config{
		PollInterval:    opts.PollInterval,
		MaxTasksPerPoll: opts.MaxTasksPerPoll,
		Preflight:       a.preflight,
	})
	a.scheduler.Handle(tasks.KindLogin, a.handleLogin)
	a.scheduler.Handle(tasks.KindOpenApp, a.handleOpenApp)
	a.scheduler.Handle(tasks.KindScreenshot, a.handleScreenshot)
	a.scheduler.Handle(tasks.KindGenericAction, a.handleGenericAction)
	return a, nil
}

// Open builds an Agent from process configuration: SQLite store, adb
// provider and second-factor providers.
func Open(cfg config.Config) (*Agent, error) {
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st.DefaultMaxRetries = cfg.DefaultMaxRetries

	opts := Options{
		PollInterval:    cfg.PollInterval,
		MaxTasksPerPoll: cfg.MaxTasksPerPoll,
		DeviceRefresh:   cfg.DeviceRefresh,
		BridgePort:      cfg.BridgePort,
		Connection:      connection.DefaultOptions(),
		Login:           flow.DefaultOptions(),
	}
	opts.Connection.ConnectTimeout = cfg.ConnectTimeout
	opts.Connection.MaxAttempts = cfg.ConnectAttempts

	if provider, err := adb.NewDefault(); err != nil {
		log.Warn().Err(err).Msg("adb unavailable, device cleanup and discovery disabled")
	} else {
		opts.Shell = provider
		opts.Lister = provider
	}

	if path := strings.TrimSpace(cfg.RulesPath); path != "" {
		rules, err := screen.LoadRules(path)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		opts.Classifier = screen.NewClassifier(rules)
		log.Info().Str("path", path).Int("rules", len(rules)).Msg("screen rules loaded")
	}

	codes := twofactor.Auto{TOTP: twofactor.TOTP{}}
	if url := strings.TrimSpace(cfg.TwoFactorURL); url != "" {
		remote, err := twofactor.NewRemote(url, nil)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		codes.Remote = remote
	}
	opts.Codes = codes

	a, err := New(st, opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.closeFn = st.Close
	return a, nil
}

// Close stops the scheduler, disconnects every device and closes the store
// when the agent owns it.
func (a *Agent) Close() error {
	a.scheduler.Stop()
	a.registry.DisconnectAll()
	if a.closeFn != nil {
		return a.closeFn()
	}
	return nil
}

func (a *Agent) preflight(ctx context.Context, serial string) error {
	_, err := a.registry.Get(serial).EnsureConnected(ctx)
	return err
}

// RegisterDevice adds a device or updates its name and network address.
func (a *Agent) RegisterDevice(serial, name, address string) (connection.Info, error) {
	conn, err := a.registry.Register(serial, name, address)
	if err != nil {
		return connection.Info{}, err
	}
	return conn.Info(), nil
}

// RefreshDevices registers devices reported by the out-of-band utility.
func (a *Agent) RefreshDevices(ctx context.Context) error {
	if a.lister == nil {
		return errors.New("no device lister configured")
	}
	return a.registry.Refresh(ctx, a.lister)
}

// Connect opens the control channel to serial. The returned status is valid
// even when err is set.
func (a *Agent) Connect(ctx context.Context, serial string, timeout time.Duration) (connection.Info, error) {
	conn := a.registry.Get(serial)
	_, err := conn.Connect(ctx, timeout, 0)
	return conn.Info(), err
}

// Disconnect tears down the control channel to serial.
func (a *Agent) Disconnect(serial string) error {
	conn, err := a.registry.Lookup(serial)
	if err != nil {
		return err
	}
	conn.Disconnect()
	return nil
}

// Status returns the connection status of serial.
func (a *Agent) Status(serial string) (connection.Info, error) {
	conn, err := a.registry.Lookup(serial)
	if err != nil {
		return connection.Info{}, err
	}
	return conn.Info(), nil
}

// Statuses returns the status of every known device.
func (a *Agent) Statuses() []connection.Info {
	return a.registry.Statuses()
}

// Screenshot captures serial's screen as base64 PNG.
func (a *Agent) Screenshot(ctx context.Context, serial string) (string, error) {
	return a.registry.Get(serial).Screenshot(ctx)
}

// ScreenshotBytes captures serial's screen as raw PNG.
func (a *Agent) ScreenshotBytes(ctx context.Context, serial string) ([]byte, error) {
	return a.registry.Get(serial).ScreenshotBytes(ctx)
}

// EnqueueTask stores a new pending task.
func (a *Agent) EnqueueTask(ctx context.Context, req tasks.Request) (int64, error) {
	id, err := a.store.Enqueue(ctx, req)
	if err != nil {
		return 0, err
	}
	log.Info().
		Int64("task_id", id).
		Str("serial", req.DeviceSerial).
		Str("kind", string(req.Kind)).
		Int("priority", req.Priority).
		Msg("task enqueued")
	return id, nil
}

// PendingTasks lists pending tasks, optionally filtered by kind.
func (a *Agent) PendingTasks(ctx context.Context, kind tasks.Kind) ([]*tasks.Task, error) {
	return a.store.ListPending(ctx, kind)
}

// TaskResult returns a task with its status, result and error.
func (a *Agent) TaskResult(ctx context.Context, id int64) (*tasks.Task, error) {
	return a.store.Get(ctx, id)
}

// TaskHistory returns every recorded attempt of a task.
func (a *Agent) TaskHistory(ctx context.Context, id int64) ([]tasks.History, error) {
	if _, err := a.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return a.store.History(ctx, id)
}

// PutAccount stores the credentials referenced by login tasks.
func (a *Agent) PutAccount(ctx context.Context, acc tasks.Account) error {
	return a.store.PutAccount(ctx, acc)
}

// StartScheduler starts the background poll loop.
func (a *Agent) StartScheduler(ctx context.Context) error {
	return a.scheduler.Start(ctx)
}

// StopScheduler stops the poll loop and waits for in-flight tasks.
func (a *Agent) StopScheduler() {
	a.scheduler.Stop()
}

// SchedulerRunning reports whether the poll loop is active.
func (a *Agent) SchedulerRunning() bool {
	return a.scheduler.Running()
}

// RunOnce performs a single scheduler poll and waits for its tasks.
func (a *Agent) RunOnce(ctx context.Context) error {
	return a.scheduler.RunOnce(ctx)
}

// Serve runs the scheduler and, when a lister is configured, periodic device
// discovery until ctx is cancelled. Devices are disconnected on return.
func (a *Agent) Serve(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	GroupGoSafe(gctx, group, "scheduler", a.scheduler.Run)
	if a.lister != nil {
		GroupGoSafe(gctx, group, "device-refresh", a.refreshLoop)
	}
	err := group.Wait()
	a.registry.DisconnectAll()
	return err
}

func (a *Agent) refreshLoop(ctx context.Context) error {
	if err := a.RefreshDevices(ctx); err != nil {
		log.Warn().Err(err).Msg("device refresh failed")
	}
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.RefreshDevices(ctx); err != nil {
				log.Warn().Err(err).Msg("device refresh failed")
			}
		}
	}
}
