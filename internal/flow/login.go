// Package flow drives login-shaped interactive flows against a live device.
package flow

import (
	"context"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/internal/bridge"
	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/screen"
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/httprunner/DeviceAgent/internal/twofactor"
	"github.com/httprunner/DeviceAgent/internal/wait"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Device is the part of a device connection the flow drives.
type Device interface {
	Serial() string
	AppStart(ctx context.Context, pkg string, useFallbackLauncher bool) error
	AppStop(ctx context.Context, pkg string) error
	CurrentApp(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*screen.Snapshot, error)
	Exists(ctx context.Context, sel bridge.Selector, timeout time.Duration) bool
	Click(ctx context.Context, sel bridge.Selector) error
	SetText(ctx context.Context, sel bridge.Selector, text string) error
	InputText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
}

// Login runs the login state machine.
type Login struct {
	classifier *screen.Classifier
	codes      twofactor.Provider
	opts       Options
}

// NewLogin builds a Login. A nil classifier uses the default rules; codes
// may be nil when no account needs a second factor.
func NewLogin(classifier *screen.Classifier, codes twofactor.Provider, opts Options) *Login {
	if classifier == nil {
		classifier = screen.NewClassifier(nil)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultOptions().MaxSteps
	}
	if opts.LaunchRetries < 0 {
		opts.LaunchRetries = 0
	}
	if opts.SecondFactorRetries <= 0 {
		opts.SecondFactorRetries = 1
	}
	if len(opts.Locators.Username) == 0 && len(opts.Locators.Password) == 0 {
		opts.Locators = DefaultLocators()
	}
	return &Login{classifier: classifier, codes: codes, opts: opts}
}

type observation struct {
	snap *screen.Snapshot
	cls  screen.Classification
}

// Run drives dev from whatever screen it shows to an authenticated session
// for acc. It never panics on device errors; failures are reported through
// the returned Result.
func (l *Login) Run(ctx context.Context, dev Device, acc *tasks.Account) Result {
	res := Result{Variant: VariantNormal, State: screen.StateUnknown}
	if acc == nil || strings.TrimSpace(acc.App) == "" {
		return res.fail(failure.New(failure.KindTerminal, "login", "account has no target application"))
	}
	logger := log.With().Str("serial", dev.Serial()).Str("account", acc.Ref).Str("app", acc.App).Logger()

	if err := l.ensureForeground(ctx, dev, acc, logger); err != nil {
		return res.fail(err)
	}

	var (
		next          *observation
		submitted     bool
		doubleChecked bool
		preLoginTaps  int
		codeAttempts  int
	)
	for step := 0; step < l.opts.MaxSteps; step++ {
		obs := next
		next = nil
		if obs == nil {
			o, err := l.classify(ctx, dev, acc.App)
			if err != nil {
				return res.fail(err)
			}
			obs = &o
		}
		res.State, res.Rule = obs.cls.State, obs.cls.Rule
		logger.Info().Int("step", step).Str("state", string(obs.cls.State)).Str("rule", obs.cls.Rule).Msg("screen classified")

		switch obs.cls.State {
		case screen.StateSuspended:
			res.SuspendedDetected = true
			return res.fail(failure.New(failure.KindTerminal, "login", "account suspended"))

		case screen.StateChallenge:
			res.ChallengeDetected = true
			res.Variant = VariantChallenge
			msg := "challenge screen detected"
			if obs.cls.Rule == screen.RuleHumanVerification {
				res.HumanVerification = true
				msg = "human verification required"
			}
			return res.fail(failure.New(failure.KindTerminal, "login", msg))

		case screen.StateAlreadyAuthenticated:
			if step == 0 {
				res.Variant = VariantAlreadyAuthenticated
				res.Success, res.Verified = true, true
				res.State = screen.StateDoneSuccess
				logger.Info().Msg("already authenticated")
				return res
			}
			if submitted && !res.SecondFactorUsed && !doubleChecked {
				doubleChecked = true
				if err := wait.Sleep(ctx, l.opts.DoubleCheckDelay); err != nil {
					return res.fail(err)
				}
				continue
			}
			return l.finish(ctx, dev, acc, &res, logger)

		case screen.StatePreLogin:
			if preLoginTaps >= 2 {
				return res.fail(failure.New(failure.KindFlow, "login", "credential screen not reached"))
			}
			preLoginTaps++
			if err := l.clickFirst(ctx, dev, l.opts.Locators.PreLogin); err != nil {
				return res.fail(failure.New(failure.KindFlow, "login", "login entry not found"))
			}
			next = l.settle(ctx, dev, acc.App, screen.StatePreLogin)

		case screen.StateNeedsCredentials:
			if submitted {
				return res.fail(failure.New(failure.KindFlow, "login", "credentials rejected"))
			}
			if err := l.enterCredentials(ctx, dev, obs.snap, acc); err != nil {
				return res.fail(err)
			}
			submitted = true
			logger.Info().Msg("credentials submitted")
			next = l.settle(ctx, dev, acc.App, screen.StateNeedsCredentials)

		case screen.StateNeedsSecondFactor:
			if codeAttempts >= 2 {
				return res.fail(failure.New(failure.KindFlow, "login", "second factor code rejected"))
			}
			codeAttempts++
			if err := l.enterSecondFactor(ctx, dev, obs.snap, acc, logger); err != nil {
				return res.fail(err)
			}
			res.SecondFactorUsed = true
			res.Variant = VariantSecondFactor
			next = l.settle(ctx, dev, acc.App, screen.StateNeedsSecondFactor)

		default:
			if !submitted && !res.SecondFactorUsed {
				res.Inconclusive = true
				res.Error = "screen could not be classified"
				logger.Warn().Msg("login inconclusive: unknown screen")
				return res
			}
			if !res.SecondFactorUsed && !doubleChecked {
				doubleChecked = true
				if err := wait.Sleep(ctx, l.opts.DoubleCheckDelay); err != nil {
					return res.fail(err)
				}
				continue
			}
			return l.finish(ctx, dev, acc, &res, logger)
		}
	}
	return res.fail(failure.Newf(failure.KindFlow, "login", "login did not settle after %d steps", l.opts.MaxSteps))
}

// ensureForeground launches acc.App until it, and not one of its variants,
// is in foreground.
func (l *Login) ensureForeground(ctx context.Context, dev Device, acc *tasks.Account, logger zerolog.Logger) error {
	variants := make(map[string]bool, len(acc.AppVariants))
	for _, v := range acc.AppVariants {
		if v = strings.TrimSpace(v); v != "" && v != acc.App {
			variants[v] = true
		}
	}
	for launch := 0; launch <= l.opts.LaunchRetries; launch++ {
		if err := dev.AppStart(ctx, acc.App, true); err != nil {
			logger.Warn().Err(err).Int("launch", launch+1).Msg("app start failed")
		}
		var current string
		err := wait.Until(ctx, l.opts.ForegroundPoll, l.opts.ForegroundTimeout, func(ctx context.Context) (bool, error) {
			pkg, err := dev.CurrentApp(ctx)
			if err != nil {
				return false, nil
			}
			current = pkg
			return pkg == acc.App || variants[pkg], nil
		})
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "wait for foreground")
		}
		if err == nil && current == acc.App {
			return nil
		}
		if variants[current] {
			logger.Warn().Str("foreground", current).Msg("wrong app variant in foreground, stopping it")
			if err := dev.AppStop(ctx, current); err != nil {
				logger.Warn().Err(err).Str("foreground", current).Msg("stop app variant failed")
			}
		}
	}
	return failure.Newf(failure.KindFlow, "foreground", "%s not in foreground after %d launches", acc.App, l.opts.LaunchRetries+1)
}

func (l *Login) classify(ctx context.Context, dev Device, app string) (observation, error) {
	snap, err := dev.Snapshot(ctx)
	if err != nil {
		if failure.KindOf(err) == failure.KindInternal {
			err = failure.Wrap(err, failure.KindFlow, "snapshot")
		}
		return observation{}, err
	}
	return observation{snap: snap, cls: l.classifier.Classify(snap, app)}, nil
}

// settle polls until the screen leaves from, returning the last observation.
// A nil return makes the caller classify again.
func (l *Login) settle(ctx context.Context, dev Device, app string, from screen.State) *observation {
	var last *observation
	_ = wait.Until(ctx, l.opts.SettlePoll, l.opts.SubmitSettle, func(ctx context.Context) (bool, error) {
		obs, err := l.classify(ctx, dev, app)
		if err != nil {
			return false, nil
		}
		last = &obs
		return obs.cls.State != from, nil
	})
	return last
}

func (l *Login) clickFirst(ctx context.Context, dev Device, sels []bridge.Selector) error {
	var lastErr error
	for _, sel := range sels {
		if !dev.Exists(ctx, sel, l.opts.ProbeTimeout) {
			continue
		}
		if err := dev.Click(ctx, sel); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.Errorf("no element matched %d locators", len(sels))
}

// fill enters value into the first field matched by sels, falling back from
// setText to focus-and-type through the out-of-band utility.
func (l *Login) fill(ctx context.Context, dev Device, sels []bridge.Selector, value string) bool {
	for _, sel := range sels {
		if !dev.Exists(ctx, sel, l.opts.ProbeTimeout) {
			continue
		}
		err := dev.SetText(ctx, sel, value)
		if err == nil {
			return true
		}
		log.Debug().Err(err).Str("selector", sel.String()).Msg("set text failed, typing instead")
		if err := dev.Click(ctx, sel); err != nil {
			continue
		}
		if err := dev.InputText(ctx, value); err == nil {
			return true
		}
	}
	return false
}

func (l *Login) enterCredentials(ctx context.Context, dev Device, snap *screen.Snapshot, acc *tasks.Account) error {
	if acc.Username == "" || acc.Password == "" {
		return failure.New(failure.KindTerminal, "enter credentials", "account has no username or password")
	}
	userSels, passSels := inputSelectors(snap)
	if !l.fill(ctx, dev, append(userSels, l.opts.Locators.Username...), acc.Username) {
		return failure.New(failure.KindFlow, "enter credentials", "credential field not found: username")
	}
	if !l.fill(ctx, dev, append(passSels, l.opts.Locators.Password...), acc.Password) {
		return failure.New(failure.KindFlow, "enter credentials", "credential field not found: password")
	}
	if err := l.clickFirst(ctx, dev, l.opts.Locators.Submit); err != nil {
		if err := dev.PressKey(ctx, bridge.KeyEnter); err != nil {
			return failure.Wrap(err, failure.KindFlow, "submit credentials")
		}
	}
	return nil
}

func (l *Login) enterSecondFactor(ctx context.Context, dev Device, snap *screen.Snapshot, acc *tasks.Account, logger zerolog.Logger) error {
	secret := strings.TrimSpace(acc.SecondFactorSecret)
	if secret == "" || l.codes == nil {
		return failure.New(failure.KindTerminal, "second factor", "second factor required but no secret configured")
	}
	code, err := l.fetchCode(ctx, secret, logger)
	if err != nil {
		return err
	}
	userSels, _ := inputSelectors(snap)
	if !l.fill(ctx, dev, append(userSels, l.opts.Locators.SecondFactorInput...), code) {
		return failure.New(failure.KindFlow, "second factor", "second factor field not found")
	}
	if err := l.clickFirst(ctx, dev, l.opts.Locators.SecondFactorConfirm); err != nil {
		if err := dev.PressKey(ctx, bridge.KeyEnter); err != nil {
			return failure.Wrap(err, failure.KindFlow, "confirm second factor")
		}
	}
	logger.Info().Msg("second factor code entered")
	return nil
}

func (l *Login) fetchCode(ctx context.Context, secret string, logger zerolog.Logger) (string, error) {
	tctx := ctx
	if l.opts.SecondFactorTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, l.opts.SecondFactorTimeout)
		defer cancel()
	}
	var lastErr error
	for attempt := 1; attempt <= l.opts.SecondFactorRetries; attempt++ {
		code, err := l.codes.Code(tctx, secret)
		code = strings.TrimSpace(code)
		if err == nil && code != "" {
			return code, nil
		}
		if err == nil {
			err = twofactor.ErrNoCode
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("second factor code unavailable")
		if attempt == l.opts.SecondFactorRetries {
			break
		}
		if err := wait.Sleep(tctx, l.opts.SecondFactorInterval); err != nil {
			lastErr = err
			break
		}
	}
	return "", failure.Wrap(lastErr, failure.KindFlow, "fetch second factor code")
}

// finish dismisses post-login prompts and verifies the session. A run that
// got here without error succeeds even when verification is inconclusive.
func (l *Login) finish(ctx context.Context, dev Device, acc *tasks.Account, res *Result, logger zerolog.Logger) Result {
	for _, p := range l.opts.Locators.Prompts {
		if !dev.Exists(ctx, p.Probe, l.opts.PromptTimeout) {
			continue
		}
		if err := l.clickFirst(ctx, dev, p.Dismiss); err != nil {
			logger.Warn().Err(err).Str("prompt", p.Name).Msg("dismiss prompt failed")
			continue
		}
		logger.Info().Str("prompt", p.Name).Msg("prompt dismissed")
	}

	res.Verified = l.verify(ctx, dev, acc.App)
	res.VerificationInconclusive = !res.Verified
	res.Success = true
	res.State = screen.StateDoneSuccess
	if !res.Verified {
		logger.Warn().Msg("login finished but verification inconclusive")
	} else {
		logger.Info().Str("variant", string(res.Variant)).Msg("login verified")
	}
	return *res
}

func (l *Login) verify(ctx context.Context, dev Device, app string) bool {
	err := wait.Until(ctx, l.opts.SettlePoll, l.opts.VerifyTimeout, func(ctx context.Context) (bool, error) {
		if obs, err := l.classify(ctx, dev, app); err == nil && obs.cls.State == screen.StateAlreadyAuthenticated {
			return true, nil
		}
		for _, sel := range l.opts.Locators.Authenticated {
			if dev.Exists(ctx, sel, 0) {
				return true, nil
			}
		}
		return false, nil
	})
	return err == nil
}

// inputSelectors derives resource-id selectors for the editable fields of
// snap, split into non-password and password inputs.
func inputSelectors(snap *screen.Snapshot) (plain, password []bridge.Selector) {
	if snap == nil {
		return nil, nil
	}
	for _, n := range snap.Inputs() {
		if n.ResourceID == "" {
			continue
		}
		sel := bridge.Selector{ResourceID: n.ResourceID}
		if n.IsPasswordInput() {
			password = append(password, sel)
		} else {
			plain = append(plain, sel)
		}
	}
	return plain, password
}
