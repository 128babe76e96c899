package flow

import (
	"time"

	"github.com/httprunner/DeviceAgent/internal/bridge"
)

// Prompt is a non-blocking post-login dialog that may be dismissed.
type Prompt struct {
	Name    string
	Probe   bridge.Selector
	Dismiss []bridge.Selector
}

// Locators lists element-locating strategies in the order they are tried.
type Locators struct {
	PreLogin            []bridge.Selector
	Username            []bridge.Selector
	Password            []bridge.Selector
	Submit              []bridge.Selector
	SecondFactorInput   []bridge.Selector
	SecondFactorConfirm []bridge.Selector
	Prompts             []Prompt
	Authenticated       []bridge.Selector
}

// DefaultLocators returns selectors for the common social-app login screens.
func DefaultLocators() Locators {
	notNow := []bridge.Selector{{Text: "Not now"}, {Text: "Not Now"}, {TextContains: "not now"}}
	return Locators{
		PreLogin: []bridge.Selector{
			{TextContains: "Already have an account"},
			{Text: "Log in"},
			{Text: "Log In"},
			{TextContains: "Log into existing account"},
			{DescriptionContains: "Log in"},
		},
		Username: []bridge.Selector{
			{TextContains: "username"},
			{TextContains: "Phone number, username"},
			{DescriptionContains: "Username"},
			{ClassName: "android.widget.EditText", Instance: 0},
		},
		Password: []bridge.Selector{
			{TextContains: "Password"},
			{DescriptionContains: "Password"},
			{ClassName: "android.widget.EditText", Instance: 1},
		},
		Submit: []bridge.Selector{
			{Text: "Log in"},
			{Text: "Log In"},
			{DescriptionContains: "Log in"},
			{ClassName: "android.widget.Button", TextContains: "Log"},
		},
		SecondFactorInput: []bridge.Selector{
			{TextContains: "Security code"},
			{TextContains: "code"},
			{ClassName: "android.widget.EditText", Instance: 0},
		},
		SecondFactorConfirm: []bridge.Selector{
			{Text: "Confirm"},
			{Text: "Next"},
			{Text: "Continue"},
			{DescriptionContains: "Confirm"},
		},
		Prompts: []Prompt{
			{
				Name:    "save-credentials",
				Probe:   bridge.Selector{TextContains: "Save your login info"},
				Dismiss: notNow,
			},
			{
				Name:    "enable-notifications",
				Probe:   bridge.Selector{TextContains: "notifications"},
				Dismiss: append([]bridge.Selector{{Text: "Don't allow"}, {Text: "Skip"}}, notNow...),
			},
		},
		Authenticated: []bridge.Selector{
			{Description: "Home"},
			{Description: "Profile"},
			{DescriptionContains: "Search and explore"},
			{ResourceID: "tab_bar"},
		},
	}
}

// Options 控制登录流程的时序与重试。
type Options struct {
	ForegroundTimeout time.Duration
	ForegroundPoll    time.Duration
	LaunchRetries     int

	// SubmitSettle bounds the wait for the screen to change after an action.
	SubmitSettle time.Duration
	SettlePoll   time.Duration
	// DoubleCheckDelay precedes the second look for a second-factor screen.
	DoubleCheckDelay time.Duration

	SecondFactorRetries  int
	SecondFactorInterval time.Duration
	SecondFactorTimeout  time.Duration

	ProbeTimeout  time.Duration
	PromptTimeout time.Duration
	VerifyTimeout time.Duration
	MaxSteps      int

	Locators Locators
}

// DefaultOptions returns production timings.
func DefaultOptions() Options {
	return Options{
		ForegroundTimeout:    15 * time.Second,
		ForegroundPoll:       time.Second,
		LaunchRetries:        2,
		SubmitSettle:         10 * time.Second,
		SettlePoll:           time.Second,
		DoubleCheckDelay:     3 * time.Second,
		SecondFactorRetries:  3,
		SecondFactorInterval: 5 * time.Second,
		SecondFactorTimeout:  60 * time.Second,
		ProbeTimeout:         2 * time.Second,
		PromptTimeout:        2 * time.Second,
		VerifyTimeout:        5 * time.Second,
		MaxSteps:             8,
		Locators:             DefaultLocators(),
	}
}
