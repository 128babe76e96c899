package flow

import (
	"github.com/httprunner/DeviceAgent/internal/failure"
	"github.com/httprunner/DeviceAgent/internal/screen"
)

// Variant is the resolved shape of the login flow.
type Variant string

const (
	VariantAlreadyAuthenticated Variant = "already-authenticated"
	VariantNormal               Variant = "normal"
	VariantSecondFactor         Variant = "second-factor"
	VariantChallenge            Variant = "challenge"
)

// Result is the structured outcome of a login run. The caller persists it.
type Result struct {
	Success           bool         `json:"success"`
	Variant           Variant      `json:"variant,omitempty"`
	State             screen.State `json:"state"`
	Rule              string       `json:"rule,omitempty"`
	Error             string       `json:"error,omitempty"`
	SecondFactorUsed  bool         `json:"second_factor_used"`
	ChallengeDetected bool         `json:"challenge_detected"`
	SuspendedDetected bool         `json:"suspended_detected"`
	HumanVerification bool         `json:"human_verification"`
	Verified          bool         `json:"verified"`
	// VerificationInconclusive is set when the run succeeded without any
	// authenticated-only affordance being observed.
	VerificationInconclusive bool `json:"verification_inconclusive"`
	// Inconclusive means the screen could not be classified at all.
	Inconclusive bool `json:"inconclusive"`

	kind  failure.Kind
	cause error
}

// Err maps the result to a typed error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	kind := r.kind
	switch {
	case r.ChallengeDetected || r.SuspendedDetected:
		kind = failure.KindTerminal
	case r.Inconclusive:
		kind = failure.KindFlow
	case kind == "":
		kind = failure.KindFlow
	}
	if r.cause != nil {
		return failure.Wrap(r.cause, kind, "login")
	}
	msg := r.Error
	if msg == "" {
		msg = "login failed in state " + string(r.State)
	}
	return failure.New(kind, "login", msg)
}

// Map renders the result as a task result blob.
func (r Result) Map() map[string]any {
	m := map[string]any{
		"success":                   r.Success,
		"variant":                   string(r.Variant),
		"state":                     string(r.State),
		"second_factor_used":        r.SecondFactorUsed,
		"challenge_detected":        r.ChallengeDetected,
		"suspended_detected":        r.SuspendedDetected,
		"human_verification":        r.HumanVerification,
		"verified":                  r.Verified,
		"verification_inconclusive": r.VerificationInconclusive,
		"inconclusive":              r.Inconclusive,
	}
	if r.Rule != "" {
		m["rule"] = r.Rule
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

func (r *Result) fail(err error) Result {
	r.Success = false
	r.Error = err.Error()
	r.kind = failure.KindOf(err)
	r.cause = err
	if !r.State.Terminal() {
		r.State = screen.StateDoneFailure
	}
	return *r
}
