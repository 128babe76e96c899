package connection

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/providers/adb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const offlineThreshold = 5 * time.Minute

// DeviceLister enumerates attached devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// Registry 维护每台设备唯一的 Connection。
type Registry struct {
	dialer Dialer
	shell  adb.Shell
	opts   Options

	mu       sync.Mutex
	conns    map[string]*Connection
	lastSeen map[string]time.Time
}

// NewRegistry creates an empty registry. shell may be nil when no
// out-of-band utility is available.
func NewRegistry(dialer Dialer, shell adb.Shell, opts Options) *Registry {
	return &Registry{
		dialer:   dialer,
		shell:    shell,
		opts:     opts,
		conns:    make(map[string]*Connection),
		lastSeen: make(map[string]time.Time),
	}
}

// Register adds a device or updates its name and network address.
func (r *Registry) Register(serial, name, address string) (*Connection, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, errors.New("register device: serial is empty")
	}
	conn := r.Get(serial)
	conn.setIdentity(name, address)
	return conn, nil
}

// Get returns the connection for serial, creating it on first use.
func (r *Registry) Get(serial string) *Connection {
	serial = strings.TrimSpace(serial)
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[serial]
	if !ok {
		conn = newConnection(serial, r.dialer, r.shell, r.opts)
		r.conns[serial] = conn
	}
	return conn
}

// Lookup returns a registered connection or a not-found error.
func (r *Registry) Lookup(serial string) (*Connection, error) {
	serial = strings.TrimSpace(serial)
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[serial]
	if !ok {
		return nil, failure.NotFound("lookup device", "device", serial)
	}
	return conn, nil
}

// Statuses returns every known device ordered by serial.
func (r *Registry) Statuses() []Info {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	result := make([]Info, 0, len(conns))
	for _, conn := range conns {
		result = append(result, conn.Info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Serial < result[j].Serial })
	return result
}

// Refresh registers newly attached devices and tears down connections to
// devices that have been absent longer than the offline threshold.
func (r *Registry) Refresh(ctx context.Context, lister DeviceLister) error {
	if lister == nil {
		return errors.New("refresh devices: lister is nil")
	}
	serials, err := lister.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(serials))
	var vanished []*Connection

	r.mu.Lock()
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		r.lastSeen[serial] = now
		if _, ok := r.conns[serial]; !ok {
			r.conns[serial] = newConnection(serial, r.dialer, r.shell, r.opts)
			log.Info().Str("serial", serial).Msg("device discovered")
		}
	}
	for serial, conn := range r.conns {
		if _, ok := seen[serial]; ok {
			continue
		}
		last, tracked := r.lastSeen[serial]
		if !tracked || now.Sub(last) < offlineThreshold {
			continue
		}
		delete(r.lastSeen, serial)
		vanished = append(vanished, conn)
	}
	r.mu.Unlock()

	for _, conn := range vanished {
		if conn.Status() == StatusDisconnected {
			continue
		}
		log.Warn().Str("serial", conn.Serial()).Msg("device offline, disconnecting")
		conn.Disconnect()
	}
	return nil
}

// DisconnectAll tears down every connection.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Disconnect()
	}
}
