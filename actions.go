package deviceagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/internal/bridge"
	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/wait"
	"github.com/pkg/errors"
)

// Action types accepted by generic-action tasks.
const (
	ActionTap        = "tap"
	ActionSwipe      = "swipe"
	ActionInput      = "input"
	ActionKey        = "key"
	ActionOpenApp    = "open_app"
	ActionClick      = "click"
	ActionSleep      = "sleep"
	ActionScreenshot = "screenshot"
)

// Action is one step of a generic-action task.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// ActionDevice is what RunActions needs from a device connection.
type ActionDevice interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, steps int) error
	InputText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	AppStart(ctx context.Context, pkg string, useFallbackLauncher bool) error
	Click(ctx context.Context, sel bridge.Selector) error
	ScreenshotBytes(ctx context.Context) ([]byte, error)
}

// ParseActions decodes the actions parameter of a task. It accepts the
// decoded JSON form ([]any of objects) or a raw JSON string.
func ParseActions(raw any) ([]Action, error) {
	if raw == nil {
		return nil, failure.New(failure.KindInternal, "parse actions", "task has no actions")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, failure.Wrap(errors.Wrap(err, "encode actions"), failure.KindInternal, "parse actions")
		}
		data = encoded
	}
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, failure.Wrap(errors.Wrap(err, "decode actions"), failure.KindInternal, "parse actions")
	}
	if len(actions) == 0 {
		return nil, failure.New(failure.KindInternal, "parse actions", "task has no actions")
	}
	for i := range actions {
		actions[i].Type = strings.ToLower(strings.TrimSpace(actions[i].Type))
		if !knownAction(actions[i].Type) {
			return nil, failure.Newf(failure.KindInternal, "parse actions", "action %d: unknown type %q", i, actions[i].Type)
		}
	}
	return actions, nil
}

func knownAction(t string) bool {
	switch t {
	case ActionTap, ActionSwipe, ActionInput, ActionKey, ActionOpenApp, ActionClick, ActionSleep, ActionScreenshot:
		return true
	}
	return false
}

// RunActions executes actions in order and stops at the first failure.
func RunActions(ctx context.Context, dev ActionDevice, actions []Action) (map[string]any, error) {
	var screenshots []string
	executed := 0
	result := func() map[string]any {
		m := map[string]any{"executed": executed, "total": len(actions)}
		if len(screenshots) > 0 {
			m["screenshots"] = screenshots
		}
		return m
	}
	for i, act := range actions {
		err := runAction(ctx, dev, act, &screenshots)
		if err != nil {
			if failure.KindOf(err) == failure.KindInternal {
				err = failure.Wrap(err, failure.KindFlow, act.Type)
			}
			return result(), errors.Wrapf(err, "action %d (%s)", i, act.Type)
		}
		executed++
	}
	return result(), nil
}

func runAction(ctx context.Context, dev ActionDevice, act Action, screenshots *[]string) error {
	p := act.Params
	switch act.Type {
	case ActionTap:
		x, y, err := intPair(p, "x", "y")
		if err != nil {
			return err
		}
		return dev.Tap(ctx, x, y)
	case ActionSwipe:
		x1, y1, err := intPair(p, "x1", "y1")
		if err != nil {
			return err
		}
		x2, y2, err := intPair(p, "x2", "y2")
		if err != nil {
			return err
		}
		steps, ok := intParam(p, "steps")
		if !ok || steps <= 0 {
			steps = 20
		}
		return dev.Swipe(ctx, x1, y1, x2, y2, steps)
	case ActionInput:
		text, ok := p["text"].(string)
		if !ok {
			return errors.New("input needs a text param")
		}
		return dev.InputText(ctx, text)
	case ActionKey:
		key, _ := p["key"].(string)
		if key = strings.TrimSpace(key); key == "" {
			return errors.New("key needs a key param")
		}
		return dev.PressKey(ctx, key)
	case ActionOpenApp:
		pkg, _ := p["package"].(string)
		if pkg == "" {
			pkg, _ = p["app"].(string)
		}
		if pkg = strings.TrimSpace(pkg); pkg == "" {
			return errors.New("open_app needs a package param")
		}
		return dev.AppStart(ctx, pkg, true)
	case ActionClick:
		sel := selectorParam(p)
		if sel.IsZero() {
			return errors.New("click needs a selector param")
		}
		return dev.Click(ctx, sel)
	case ActionSleep:
		ms, ok := intParam(p, "ms")
		if !ok {
			secs, _ := intParam(p, "seconds")
			ms = secs * 1000
		}
		return wait.Sleep(ctx, time.Duration(ms)*time.Millisecond)
	case ActionScreenshot:
		raw, err := dev.ScreenshotBytes(ctx)
		if err != nil {
			return err
		}
		*screenshots = append(*screenshots, base64.StdEncoding.EncodeToString(raw))
		return nil
	default:
		return errors.Errorf("unknown action type %q", act.Type)
	}
}

func intPair(p map[string]any, kx, ky string) (int, int, error) {
	x, okX := intParam(p, kx)
	y, okY := intParam(p, ky)
	if !okX || !okY {
		return 0, 0, errors.Errorf("missing %s/%s params", kx, ky)
	}
	return x, y, nil
}

func intParam(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// selectorParam reads a selector from a nested "selector" object, or from
// selector fields placed directly in params.
func selectorParam(p map[string]any) bridge.Selector {
	var src any = p
	if nested, ok := p["selector"].(map[string]any); ok {
		src = nested
	}
	var sel bridge.Selector
	raw, err := json.Marshal(src)
	if err != nil {
		return sel
	}
	_ = json.Unmarshal(raw, &sel)
	return sel
}
