package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the port the on-device automation bridge listens on.
const DefaultPort = 9008

// ErrElementNotFound is returned when an action targets a missing element.
var ErrElementNotFound = errors.New("ui element not found")

// AppInfo describes the foreground application.
type AppInfo struct {
	Package  string `json:"package"`
	Activity string `json:"activity"`
}

// Client talks JSON-RPC to the automation bridge running on one device.
type Client struct {
	endpoint   string
	httpClient *http.Client
	seq        atomic.Int64
}

// NewClient builds a client for the bridge at address (host or host:port).
// A missing port falls back to port, then DefaultPort.
func NewClient(address string, port int, httpClient *http.Client) (*Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("bridge address is empty")
	}
	address = strings.TrimPrefix(strings.TrimPrefix(address, "http://"), "https://")
	address = strings.TrimSuffix(address, "/")
	if _, _, err := net.SplitHostPort(address); err != nil {
		if port <= 0 {
			port = DefaultPort
		}
		address = net.JoinHostPort(address, strconv.Itoa(port))
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{MaxIdleConnsPerHost: 2, IdleConnTimeout: 90 * time.Second},
		}
	}
	return &Client{
		endpoint:   fmt.Sprintf("http://%s/jsonrpc/0", address),
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the JSON-RPC URL.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcCodeNotFound is the bridge's UiObjectNotFoundException code.
const rpcCodeNotFound = -32002

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure.Transport(err, "bridge "+method)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return failure.Newf(failure.KindTransport, "bridge "+method,
			"status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return failure.Transport(errors.Wrap(err, "decode response"), "bridge "+method)
	}
	if parsed.Error != nil {
		if parsed.Error.Code == rpcCodeNotFound {
			return errors.Wrapf(ErrElementNotFound, "bridge %s", method)
		}
		return errors.Errorf("bridge %s: rpc error %d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	if out == nil || len(parsed.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

// Ping is the cheap liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	var pong string
	if err := c.call(ctx, "ping", nil, &pong); err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(pong), "pong") {
		return failure.Newf(failure.KindTransport, "bridge ping", "unexpected reply %q", pong)
	}
	return nil
}

// DumpHierarchy returns the current window hierarchy as XML.
func (c *Client) DumpHierarchy(ctx context.Context) (string, error) {
	var xml string
	err := c.call(ctx, "dumpWindowHierarchy", []any{false}, &xml)
	return xml, err
}

// Screenshot captures the screen as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := c.call(ctx, "takeScreenshot", []any{1, 80}, &encoded); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "decode screenshot")
	}
	return raw, nil
}

// WaitForExists waits up to timeout for sel to appear.
func (c *Client) WaitForExists(ctx context.Context, sel Selector, timeout time.Duration) (bool, error) {
	var found bool
	err := c.call(ctx, "waitForExists", []any{sel, timeout.Milliseconds()}, &found)
	return found, err
}

// Click taps the element matched by sel.
func (c *Client) Click(ctx context.Context, sel Selector) error {
	var ok bool
	if err := c.call(ctx, "click", []any{sel}, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrElementNotFound, "click %s", sel)
	}
	return nil
}

// SetText replaces the text of the element matched by sel.
func (c *Client) SetText(ctx context.Context, sel Selector, text string) error {
	var ok bool
	if err := c.call(ctx, "setText", []any{sel, text}, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrElementNotFound, "setText %s", sel)
	}
	return nil
}

// PressKey presses a named key such as KeyEnter.
func (c *Client) PressKey(ctx context.Context, key string) error {
	return c.call(ctx, "pressKey", []any{key}, nil)
}

// ClickPoint taps absolute coordinates.
func (c *Client) ClickPoint(ctx context.Context, x, y int) error {
	return c.call(ctx, "clickPoint", []any{x, y}, nil)
}

// Swipe drags from (x1,y1) to (x2,y2) over steps (5ms each).
func (c *Client) Swipe(ctx context.Context, x1, y1, x2, y2, steps int) error {
	if steps <= 0 {
		steps = 20
	}
	return c.call(ctx, "swipe", []any{x1, y1, x2, y2, steps}, nil)
}

// AppStart brings pkg to the foreground.
func (c *Client) AppStart(ctx context.Context, pkg string) error {
	return c.call(ctx, "appStart", []any{pkg}, nil)
}

// AppStop force-stops pkg.
func (c *Client) AppStop(ctx context.Context, pkg string) error {
	return c.call(ctx, "appStop", []any{pkg}, nil)
}

// AppCurrent reports the foreground package and activity.
func (c *Client) AppCurrent(ctx context.Context) (AppInfo, error) {
	var info AppInfo
	err := c.call(ctx, "appCurrent", nil, &info)
	return info, err
}

// Close drops pooled connections held for this bridge.
func (c *Client) Close() error {
	if c == nil || c.httpClient == nil {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	log.Debug().Str("endpoint", c.endpoint).Msg("bridge client closed")
	return nil
}
