package adb

import (
	"context"
	"strconv"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BridgePackages are the on-device packages of the UI automation bridge.
var BridgePackages = []string{
	"com.github.uiautomator",
	"com.github.uiautomator.test",
}

// Provider is the out-of-band command-line utility for device-level
// operations, backed by gadb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns all available device serials from adb.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	return p.client.DeviceSerialList()
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// RunShell executes a shell command on the given device serial.
func (p *Provider) RunShell(serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(args[0], args[1:]...)
		}
	}
	return "", errors.Errorf("device %s not found", serial)
}

// Shell is the subset of Provider the device-level helpers need.
type Shell interface {
	RunShell(serial string, args ...string) (string, error)
}

// KillBridge stops any stale automation bridge process on the device.
// Individual command failures are logged and ignored.
func KillBridge(sh Shell, serial string) {
	for _, pkg := range BridgePackages {
		if _, err := sh.RunShell(serial, "am", "force-stop", pkg); err != nil {
			log.Debug().Err(err).Str("serial", serial).Str("package", pkg).Msg("force-stop bridge package failed")
		}
	}
	if _, err := sh.RunShell(serial, "pkill", "-f", "uiautomator"); err != nil {
		log.Debug().Err(err).Str("serial", serial).Msg("pkill uiautomator failed")
	}
}

// ClearRouting resets the device-wide proxy so the bridge is reached directly.
func ClearRouting(sh Shell, serial string) {
	if _, err := sh.RunShell(serial, "settings", "put", "global", "http_proxy", ":0"); err != nil {
		log.Debug().Err(err).Str("serial", serial).Msg("clear http_proxy failed")
	}
}

// LaunchApp starts pkg through the launcher intent.
func LaunchApp(sh Shell, serial, pkg string) error {
	out, err := sh.RunShell(serial, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return errors.Wrapf(err, "monkey launch %s", pkg)
	}
	if strings.Contains(out, "No activities found") {
		return errors.Errorf("monkey launch %s: no launchable activity", pkg)
	}
	return nil
}

// ForceStop kills pkg on the device.
func ForceStop(sh Shell, serial, pkg string) error {
	_, err := sh.RunShell(serial, "am", "force-stop", pkg)
	return errors.Wrapf(err, "force-stop %s", pkg)
}

// InputText types text through the raw input service.
func InputText(sh Shell, serial, text string) error {
	_, err := sh.RunShell(serial, "input", "text", EscapeInputText(text))
	return errors.Wrap(err, "input text")
}

// KeyEvent sends a raw key code.
func KeyEvent(sh Shell, serial string, code int) error {
	_, err := sh.RunShell(serial, "input", "keyevent", strconv.Itoa(code))
	return errors.Wrapf(err, "input keyevent %d", code)
}

// EscapeInputText prepares text for `input text`, which treats %s as a space
// and passes the argument through the device shell.
func EscapeInputText(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\'', '"', '\\', '&', '|', ';', '<', '>', '(', ')', '$', '`', '*', '?', '#', '~', '!':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
