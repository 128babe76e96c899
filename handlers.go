package deviceagent

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/httprunner/DeviceAgent/internal/wait"
	"github.com/rs/zerolog/log"
)

// Task parameter keys understood by the built-in handlers.
const (
	ParamApp     = "app"
	ParamActions = "actions"
)

// handleLogin 执行登录状态机，结果原样写回任务。
func (a *Agent) handleLogin(ctx context.Context, task *tasks.Task) (map[string]any, error) {
	if task.AccountRef == "" {
		return nil, failure.New(failure.KindInternal, "login", "login task has no account reference")
	}
	acc, err := a.store.Lookup(ctx, task.AccountRef)
	if err != nil {
		return nil, err
	}
	if app := task.StringParam(ParamApp); app != "" {
		acc.App = app
	}
	res := a.login.Run(ctx, a.registry.Get(task.DeviceSerial), acc)
	return res.Map(), res.Err()
}

// handleOpenApp foregrounds the app named by the task, or the account's app.
func (a *Agent) handleOpenApp(ctx context.Context, task *tasks.Task) (map[string]any, error) {
	pkg, err := a.resolveApp(ctx, task)
	if err != nil {
		return nil, err
	}
	conn := a.registry.Get(task.DeviceSerial)
	if err := conn.AppStart(ctx, pkg, true); err != nil {
		return nil, failure.Wrap(err, failure.KindFlow, "open app")
	}
	var current string
	err = wait.Until(ctx, a.loginOpts.ForegroundPoll, a.loginOpts.ForegroundTimeout, func(ctx context.Context) (bool, error) {
		current, _ = conn.CurrentApp(ctx)
		return current == pkg, nil
	})
	result := map[string]any{"app": pkg, "foreground": current}
	if err != nil {
		return result, failure.Newf(failure.KindFlow, "open app", "%s not in foreground (current %q)", pkg, current)
	}
	return result, nil
}

func (a *Agent) resolveApp(ctx context.Context, task *tasks.Task) (string, error) {
	if pkg := task.StringParam(ParamApp); pkg != "" {
		return pkg, nil
	}
	if pkg := task.StringParam("package"); pkg != "" {
		return pkg, nil
	}
	if task.AccountRef != "" {
		acc, err := a.store.Lookup(ctx, task.AccountRef)
		if err != nil {
			return "", err
		}
		if pkg := strings.TrimSpace(acc.App); pkg != "" {
			return pkg, nil
		}
	}
	return "", failure.New(failure.KindInternal, "open app", "task names no application")
}

// handleScreenshot captures one frame into the task result.
func (a *Agent) handleScreenshot(ctx context.Context, task *tasks.Task) (map[string]any, error) {
	raw, err := a.registry.Get(task.DeviceSerial).ScreenshotBytes(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"screenshot": base64.StdEncoding.EncodeToString(raw),
		"size":       len(raw),
	}, nil
}

// handleGenericAction runs the task's action list in order.
func (a *Agent) handleGenericAction(ctx context.Context, task *tasks.Task) (map[string]any, error) {
	actions, err := ParseActions(task.Params[ParamActions])
	if err != nil {
		return nil, err
	}
	log.Info().Int64("task_id", task.ID).Int("actions", len(actions)).Msg("running generic actions")
	return RunActions(ctx, a.registry.Get(task.DeviceSerial), actions)
}
