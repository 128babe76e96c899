package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/pkg/errors"
)

type fakeBridge struct {
	t       *testing.T
	methods []string
	results map[string]any
	errs    map[string]*rpcError
}

func (f *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc/0" {
		http.NotFound(w, r)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.methods = append(f.methods, req.Method)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr, ok := f.errs[req.Method]; ok {
		resp["error"] = rpcErr
	} else {
		resp["result"] = f.results[req.Method]
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, fb *fakeBridge) *Client {
	t.Helper()
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, 0, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientAddsDefaultPort(t *testing.T) {
	client, err := NewClient("192.168.1.20", 0, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Endpoint() != "http://192.168.1.20:9008/jsonrpc/0" {
		t.Fatalf("unexpected endpoint %s", client.Endpoint())
	}
	if _, err := NewClient("  ", 0, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestPingAndScreenshot(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	fb := &fakeBridge{t: t, results: map[string]any{
		"ping":           "pong",
		"takeScreenshot": base64.StdEncoding.EncodeToString(png),
	}}
	client := newTestClient(t, fb)
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	got, err := client.Screenshot(ctx)
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if string(got) != string(png) {
		t.Fatalf("unexpected screenshot bytes %v", got)
	}
	if strings.Join(fb.methods, ",") != "ping,takeScreenshot" {
		t.Fatalf("unexpected methods %v", fb.methods)
	}
}

func TestClickMissingElement(t *testing.T) {
	fb := &fakeBridge{t: t, errs: map[string]*rpcError{
		"click": {Code: rpcCodeNotFound, Message: "UiObjectNotFoundException"},
	}, results: map[string]any{"setText": false}}
	client := newTestClient(t, fb)
	err := client.Click(context.Background(), Selector{Text: "Log in"})
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = client.SetText(context.Background(), Selector{ClassName: "android.widget.EditText"}, "x")
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("expected not found for false setText, got %v", err)
	}
}

func TestTransportErrorIsTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	client, err := NewClient(url, 0, &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Ping(context.Background())
	if !failure.Is(err, failure.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestAppCurrent(t *testing.T) {
	fb := &fakeBridge{t: t, results: map[string]any{
		"appCurrent": map[string]string{"package": "com.example.app", "activity": ".Main"},
	}}
	client := newTestClient(t, fb)
	info, err := client.AppCurrent(context.Background())
	if err != nil {
		t.Fatalf("app current: %v", err)
	}
	if info.Package != "com.example.app" {
		t.Fatalf("unexpected package %q", info.Package)
	}
}
