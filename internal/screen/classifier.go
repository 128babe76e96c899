package screen

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// State is the classified UI state of the device.
type State string

const (
	StateUnknown              State = "unknown"
	StateAlreadyAuthenticated State = "already-authenticated"
	StatePreLogin             State = "pre-login"
	StateNeedsCredentials     State = "needs-credentials"
	StateNeedsSecondFactor    State = "needs-second-factor"
	StateChallenge            State = "challenge"
	StateSuspended            State = "suspended"
	StateDoneSuccess          State = "done-success"
	StateDoneFailure          State = "done-failure"
)

// Terminal reports whether the state requires manual intervention.
func (s State) Terminal() bool {
	return s == StateChallenge || s == StateSuspended
}

// Rule maps a snapshot predicate to a State. All set conditions must hold.
type Rule struct {
	Name  string `yaml:"name"`
	State State  `yaml:"state"`
	// Keywords match case-insensitively against text, descriptions and
	// resource ids. At least one must be present when the list is non-empty.
	Keywords []string `yaml:"keywords,omitempty"`
	// MinInputs/MaxInputs bound the number of editable fields; 0 disables.
	MinInputs int `yaml:"min_inputs,omitempty"`
	MaxInputs int `yaml:"max_inputs,omitempty"`
	// RequireCredentialInputs needs both username-like and password-like inputs.
	RequireCredentialInputs bool `yaml:"require_credential_inputs,omitempty"`
	// ExcludeCredentialInputs rejects screens that already show both inputs.
	ExcludeCredentialInputs bool `yaml:"exclude_credential_inputs,omitempty"`
	// RequireForeground needs the expected application in foreground.
	RequireForeground bool `yaml:"require_foreground,omitempty"`
}

// Rule names used by DefaultRules.
const (
	RuleSuspended         = "suspended"
	RuleHumanVerification = "human-verification"
	RuleChallenge         = "challenge"
	RuleSecondFactor      = "second-factor"
	RulePreLogin          = "pre-login"
	RuleCredentials       = "credentials"
	RuleAuthenticated     = "authenticated"
)

// DefaultRules returns the built-in table in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  RuleSuspended,
			State: StateSuspended,
			Keywords: []string{
				"account suspended", "account has been suspended", "we suspended your account",
				"account has been disabled", "account was disabled", "account has been banned",
			},
		},
		{
			Name:  RuleHumanVerification,
			State: StateChallenge,
			Keywords: []string{
				"confirm you're human", "confirm you’re human", "i'm not a robot", "recaptcha",
				"captcha", "automated behavior", "suspicious activity",
			},
		},
		{
			Name:  RuleChallenge,
			State: StateChallenge,
			Keywords: []string{
				"security check", "help us confirm it's you", "confirm it's you",
				"we detected an unusual login", "challenge_required", "verify your account",
			},
		},
		{
			Name:      RuleSecondFactor,
			State:     StateNeedsSecondFactor,
			MinInputs: 1,
			MaxInputs: 1,
			Keywords: []string{
				"security code", "verification code", "confirmation code", "login code",
				"authentication app", "two-factor", "6-digit code", "enter the code",
			},
		},
		{
			Name:                    RulePreLogin,
			State:                   StatePreLogin,
			ExcludeCredentialInputs: true,
			Keywords:                []string{"already have an account", "log in", "log into existing account"},
		},
		{
			Name:                    RuleCredentials,
			State:                   StateNeedsCredentials,
			RequireCredentialInputs: true,
		},
		{
			Name:              RuleAuthenticated,
			State:             StateAlreadyAuthenticated,
			RequireForeground: true,
			Keywords:          []string{"home", "search and explore", "profile", "feed_tab", "tab_bar"},
		},
	}
}

// Classification is the outcome of Classify.
type Classification struct {
	State State
	// Rule is the name of the matched rule, "" when unknown.
	Rule string
}

// Classifier evaluates rules in order; the first match wins.
type Classifier struct {
	Rules []Rule
}

// NewClassifier returns a classifier over rules, or DefaultRules when empty.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{Rules: rules}
}

// Classify returns the state of snap. expectedApp is the package that must be
// in foreground for rules with RequireForeground.
func (c *Classifier) Classify(snap *Snapshot, expectedApp string) Classification {
	if snap == nil {
		return Classification{State: StateUnknown}
	}
	corpus := snap.Corpus()
	inputs := len(snap.Inputs())
	credentials := snap.HasCredentialInputs()
	for _, r := range c.Rules {
		if r.matches(snap, corpus, inputs, credentials, expectedApp) {
			return Classification{State: r.State, Rule: r.Name}
		}
	}
	return Classification{State: StateUnknown}
}

func (r Rule) matches(snap *Snapshot, corpus string, inputs int, credentials bool, expectedApp string) bool {
	if r.MinInputs > 0 && inputs < r.MinInputs {
		return false
	}
	if r.MaxInputs > 0 && inputs > r.MaxInputs {
		return false
	}
	if r.RequireCredentialInputs && !credentials {
		return false
	}
	if r.ExcludeCredentialInputs && credentials {
		return false
	}
	if r.RequireForeground && expectedApp != "" && snap.Foreground != expectedApp {
		return false
	}
	if len(r.Keywords) > 0 && !containsAny(corpus, r.Keywords) {
		return false
	}
	return len(r.Keywords) > 0 || r.RequireCredentialInputs || r.MinInputs > 0
}

func containsAny(corpus string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(corpus, kw) {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table:
//
//	rules:
//	  - name: suspended
//	    state: suspended
//	    keywords: ["account suspended"]
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read screen rules")
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule table and validates states.
func ParseRules(data []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "decode screen rules")
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("screen rules: no rules defined")
	}
	for i, r := range file.Rules {
		switch r.State {
		case StateAlreadyAuthenticated, StatePreLogin, StateNeedsCredentials,
			StateNeedsSecondFactor, StateChallenge, StateSuspended:
		default:
			return nil, errors.Errorf("screen rules: rule %d (%s) has invalid state %q", i, r.Name, r.State)
		}
		if r.Name == "" {
			file.Rules[i].Name = string(r.State)
		}
	}
	return file.Rules, nil
}
