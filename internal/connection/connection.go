package connection

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/internal/bridge"
	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/httprunner/DeviceAgent/internal/screen"
	"github.com/httprunner/DeviceAgent/internal/wait"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle status of a device connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Session is a live control channel to one device.
type Session interface {
	Ping(ctx context.Context) error
	DumpHierarchy(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	WaitForExists(ctx context.Context, sel bridge.Selector, timeout time.Duration) (bool, error)
	Click(ctx context.Context, sel bridge.Selector) error
	SetText(ctx context.Context, sel bridge.Selector, text string) error
	PressKey(ctx context.Context, key string) error
	ClickPoint(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, steps int) error
	AppStart(ctx context.Context, pkg string) error
	AppStop(ctx context.Context, pkg string) error
	AppCurrent(ctx context.Context) (bridge.AppInfo, error)
	Close() error
}

// Dialer opens control channels.
type Dialer interface {
	Dial(ctx context.Context, serial, address string) (Session, error)
}

// BridgeDialer dials the HTTP automation bridge.
type BridgeDialer struct {
	Port       int
	HTTPClient *http.Client
}

// Dial implements Dialer. An empty address is derived from a network serial
// (host:port) or falls back to localhost.
func (d BridgeDialer) Dial(ctx context.Context, serial, address string) (Session, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		address = "127.0.0.1"
		if host, _, err := net.SplitHostPort(serial); err == nil && host != "" {
			address = host
		}
	}
	client, err := bridge.NewClient(address, d.Port, d.HTTPClient)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options tunes connect behaviour.
type Options struct {
	ConnectTimeout time.Duration
	MaxAttempts    int
	FirstSettle    time.Duration
	RetrySettle    time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	AppSettle      time.Duration
	MaxErrorLen    int
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 45 * time.Second,
		MaxAttempts:    2,
		FirstSettle:    5 * time.Second,
		RetrySettle:    8 * time.Second,
		ProbeInterval:  time.Second,
		ProbeTimeout:   5 * time.Second,
		AppSettle:      2 * time.Second,
		MaxErrorLen:    200,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = def.ProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.MaxErrorLen <= 0 {
		o.MaxErrorLen = def.MaxErrorLen
	}
	return o
}

// Info is a point-in-time view of a connection.
type Info struct {
	Serial        string     `json:"serial"`
	Name          string     `json:"name,omitempty"`
	Address       string     `json:"address,omitempty"`
	Connected     bool       `json:"connected"`
	Status        Status     `json:"status"`
	Error         string     `json:"error,omitempty"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// Connection owns the control channel of one device. Lifecycle operations
// are serialized by opMu; status fields are only touched under mu.
type Connection struct {
	serial string
	dialer Dialer
	shell  adb.Shell
	opts   Options
	now    func() time.Time

	opMu sync.Mutex

	mu            sync.Mutex
	name          string
	address       string
	status        Status
	session       Session
	lastConnected time.Time
	lastActivity  time.Time
	lastErr       string
}

func newConnection(serial string, dialer Dialer, shell adb.Shell, opts Options) *Connection {
	return &Connection{
		serial: serial,
		dialer: dialer,
		shell:  shell,
		opts:   opts.withDefaults(),
		now:    time.Now,
		status: StatusDisconnected,
	}
}

// Serial returns the device serial.
func (c *Connection) Serial() string { return c.serial }

func (c *Connection) setIdentity(name, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name = strings.TrimSpace(name); name != "" {
		c.name = name
	}
	if address = strings.TrimSpace(address); address != "" {
		c.address = address
	}
}

// Info returns the current status.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Serial:    c.serial,
		Name:      c.name,
		Address:   c.address,
		Connected: c.status == StatusConnected,
		Status:    c.status,
		Error:     c.lastErr,
	}
	if !c.lastConnected.IsZero() {
		t := c.lastConnected
		info.LastConnected = &t
	}
	if !c.lastActivity.IsZero() {
		t := c.lastActivity
		info.LastActivity = &t
	}
	return info
}

// Status returns the lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(status Status, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.lastErr = errMsg
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// Connect opens the control channel, retrying up to maxAttempts times. Each
// attempt cleans up the device, settles, dials and then probes every
// ProbeInterval until timeout. Zero arguments use the configured defaults.
func (c *Connection) Connect(ctx context.Context, timeout time.Duration, maxAttempts int) (Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.connectLocked(ctx, timeout, maxAttempts)
}

func (c *Connection) connectLocked(ctx context.Context, timeout time.Duration, maxAttempts int) (Session, error) {
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = c.opts.MaxAttempts
	}
	c.mu.Lock()
	address := c.address
	stale := c.session != nil
	c.mu.Unlock()
	// A reconnect replaces the session; release the old client first.
	if stale {
		c.disconnectLocked()
	}
	c.setStatus(StatusConnecting, "")

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.shell != nil {
			adb.KillBridge(c.shell, c.serial)
			adb.ClearRouting(c.shell, c.serial)
		}
		settle := c.opts.FirstSettle
		if attempt > 1 {
			settle = c.opts.RetrySettle
		}
		if err := wait.Sleep(ctx, settle); err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		sess, err := c.dialAndProbe(ctx, address, timeout)
		if err == nil {
			now := c.now()
			c.mu.Lock()
			c.session = sess
			c.status = StatusConnected
			c.lastErr = ""
			c.lastConnected = now
			c.lastActivity = now
			c.mu.Unlock()
			log.Info().
				Str("serial", c.serial).
				Int("attempt", attempt).
				Dur("elapsed", time.Since(start)).
				Msg("device connected")
			return sess, nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("serial", c.serial).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("device connect attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("connect attempts exhausted")
	}
	msg := truncate(lastErr.Error(), c.opts.MaxErrorLen)
	c.setStatus(StatusError, msg)
	log.Error().Str("serial", c.serial).Str("error", msg).Msg("device connect failed")
	return nil, failure.Transport(lastErr, "connect "+c.serial)
}

func (c *Connection) dialAndProbe(ctx context.Context, address string, timeout time.Duration) (Session, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess, err := c.dialer.Dial(attemptCtx, c.serial, address)
	if err != nil {
		return nil, errors.Wrap(err, "dial bridge")
	}
	var probeErr error
	err = wait.Until(attemptCtx, c.opts.ProbeInterval, 0, func(ctx context.Context) (bool, error) {
		probeErr = sess.Ping(ctx)
		return probeErr == nil, nil
	})
	if err == nil {
		return sess, nil
	}
	_ = sess.Close()
	if probeErr != nil {
		return nil, errors.Wrapf(probeErr, "bridge not responsive after %s", timeout)
	}
	return nil, errors.Wrapf(err, "bridge not responsive after %s", timeout)
}

// EnsureConnected returns a live session. A connected device is re-probed
// and, if the probe fails, disconnected and connected again.
func (c *Connection) EnsureConnected(ctx context.Context) (Session, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	status, sess := c.status, c.session
	c.mu.Unlock()

	if status == StatusConnected && sess != nil {
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		err := sess.Ping(probeCtx)
		cancel()
		if err == nil {
			c.touch()
			return sess, nil
		}
		log.Warn().Err(err).Str("serial", c.serial).Msg("device probe failed, reconnecting")
		c.disconnectLocked()
	}
	return c.connectLocked(ctx, 0, 0)
}

// Disconnect tears the connection down. It never fails; problems are logged.
func (c *Connection) Disconnect() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.disconnectLocked()
}

func (c *Connection) disconnectLocked() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("serial", c.serial).Msg("device teardown panicked")
		}
	}()

	c.mu.Lock()
	sess := c.session
	status := c.status
	c.session = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if sess == nil && status == StatusDisconnected {
		return
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Str("serial", c.serial).Msg("close bridge session failed")
		}
	}
	if c.shell != nil {
		adb.KillBridge(c.shell, c.serial)
	}
	log.Info().Str("serial", c.serial).Msg("device disconnected")
}

// with runs fn against a live session and records activity.
func (c *Connection) with(ctx context.Context, fn func(sess Session) error) error {
	sess, err := c.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	err = fn(sess)
	c.touch()
	return err
}

// ScreenshotBytes captures a PNG frame.
func (c *Connection) ScreenshotBytes(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := c.with(ctx, func(sess Session) error {
		var err error
		raw, err = sess.Screenshot(ctx)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("serial", c.serial).Msg("screenshot failed")
		return nil, err
	}
	return raw, nil
}

// Screenshot captures a PNG frame as base64.
func (c *Connection) Screenshot(ctx context.Context) (string, error) {
	raw, err := c.ScreenshotBytes(ctx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// AppStart foregrounds pkg. If the bridge fails and useFallbackLauncher is
// set, the app is launched through the out-of-band utility instead. A settle
// delay always follows.
func (c *Connection) AppStart(ctx context.Context, pkg string, useFallbackLauncher bool) error {
	err := c.with(ctx, func(sess Session) error {
		return sess.AppStart(ctx, pkg)
	})
	if err != nil && useFallbackLauncher && c.shell != nil {
		log.Warn().Err(err).Str("serial", c.serial).Str("package", pkg).Msg("bridge app start failed, using launcher fallback")
		err = adb.LaunchApp(c.shell, c.serial, pkg)
	}
	if sleepErr := wait.Sleep(ctx, c.opts.AppSettle); sleepErr != nil && err == nil {
		err = sleepErr
	}
	return err
}

// AppStop force-stops pkg, falling back to the out-of-band utility.
func (c *Connection) AppStop(ctx context.Context, pkg string) error {
	err := c.with(ctx, func(sess Session) error {
		return sess.AppStop(ctx, pkg)
	})
	if err != nil && c.shell != nil {
		err = adb.ForceStop(c.shell, c.serial, pkg)
	}
	return err
}

// CurrentApp returns the foreground package.
func (c *Connection) CurrentApp(ctx context.Context) (string, error) {
	var pkg string
	err := c.with(ctx, func(sess Session) error {
		info, err := sess.AppCurrent(ctx)
		pkg = info.Package
		return err
	})
	return pkg, err
}

// Snapshot dumps and parses the current window hierarchy.
func (c *Connection) Snapshot(ctx context.Context) (*screen.Snapshot, error) {
	var raw string
	err := c.with(ctx, func(sess Session) error {
		var err error
		raw, err = sess.DumpHierarchy(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return screen.ParseHierarchy(raw)
}

// Exists reports whether sel appears within timeout.
func (c *Connection) Exists(ctx context.Context, sel bridge.Selector, timeout time.Duration) bool {
	found := false
	err := c.with(ctx, func(sess Session) error {
		var err error
		found, err = sess.WaitForExists(ctx, sel, timeout)
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("serial", c.serial).Str("selector", sel.String()).Msg("exists probe failed")
		return false
	}
	return found
}

// Click taps the element matched by sel.
func (c *Connection) Click(ctx context.Context, sel bridge.Selector) error {
	return c.with(ctx, func(sess Session) error { return sess.Click(ctx, sel) })
}

// SetText sets the text of the element matched by sel.
func (c *Connection) SetText(ctx context.Context, sel bridge.Selector, text string) error {
	return c.with(ctx, func(sess Session) error { return sess.SetText(ctx, sel, text) })
}

// InputText types into the focused field through the out-of-band utility.
func (c *Connection) InputText(ctx context.Context, text string) error {
	if c.shell == nil {
		return errors.New("no out-of-band utility configured")
	}
	if err := adb.InputText(c.shell, c.serial, text); err != nil {
		return failure.Transport(err, "input text")
	}
	c.touch()
	return nil
}

// PressKey presses a named key, using a raw key event for enter when the
// bridge refuses.
func (c *Connection) PressKey(ctx context.Context, key string) error {
	err := c.with(ctx, func(sess Session) error { return sess.PressKey(ctx, key) })
	if err != nil && key == bridge.KeyEnter && c.shell != nil {
		err = adb.KeyEvent(c.shell, c.serial, 66)
	}
	return err
}

// Tap taps absolute coordinates.
func (c *Connection) Tap(ctx context.Context, x, y int) error {
	return c.with(ctx, func(sess Session) error { return sess.ClickPoint(ctx, x, y) })
}

// Swipe drags between two points.
func (c *Connection) Swipe(ctx context.Context, x1, y1, x2, y2, steps int) error {
	return c.with(ctx, func(sess Session) error { return sess.Swipe(ctx, x1, y1, x2, y2, steps) })
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
