package screen

import (
	"fmt"
	"strings"
	"testing"
)

const testApp = "com.example.social"

// dump builds a minimal window hierarchy with the given child nodes.
func dump(pkg string, children ...string) string {
	return fmt.Sprintf(`<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package=%q content-desc="" clickable="false" enabled="true" focused="false" password="false" bounds="[0,0][1080,2400]">
    %s
  </node>
</hierarchy>`, pkg, strings.Join(children, "\n    "))
}

func textNode(text string) string {
	return fmt.Sprintf(`<node text=%q resource-id="" class="android.widget.TextView" package=%q content-desc="" clickable="false" enabled="true" password="false" bounds="[0,0][10,10]" />`, text, testApp)
}

func descNode(desc string) string {
	return fmt.Sprintf(`<node text="" resource-id="" class="android.widget.Button" package=%q content-desc=%q clickable="true" enabled="true" password="false" bounds="[0,0][10,10]" />`, testApp, desc)
}

func inputNode(id string, password bool) string {
	return fmt.Sprintf(`<node text="" resource-id=%q class="android.widget.EditText" package=%q content-desc="" clickable="true" enabled="true" password="%t" bounds="[0,0][10,10]" />`, id, testApp, password)
}

func mustParse(t *testing.T, raw string) *Snapshot {
	t.Helper()
	snap, err := ParseHierarchy(raw)
	if err != nil {
		t.Fatalf("parse hierarchy: %v", err)
	}
	return snap
}

func TestParseHierarchyForeground(t *testing.T) {
	snap := mustParse(t, dump(testApp, textNode("Hello")))
	if snap.Foreground != testApp {
		t.Fatalf("foreground = %q", snap.Foreground)
	}
	if !strings.Contains(snap.Corpus(), "hello") {
		t.Fatalf("corpus missing text: %q", snap.Corpus())
	}
	if _, err := ParseHierarchy("  "); err == nil {
		t.Fatal("expected error for empty dump")
	}
}

func TestClassifyPriority(t *testing.T) {
	classifier := NewClassifier(nil)
	cases := []struct {
		name  string
		raw   string
		state State
		rule  string
	}{
		{
			name:  "suspended beats challenge",
			raw:   dump(testApp, textNode("Your account has been suspended"), textNode("Security check")),
			state: StateSuspended,
			rule:  RuleSuspended,
		},
		{
			name:  "human verification",
			raw:   dump(testApp, textNode("Help us confirm you're human"), textNode("Security check")),
			state: StateChallenge,
			rule:  RuleHumanVerification,
		},
		{
			name:  "generic challenge",
			raw:   dump(testApp, textNode("Help us confirm it's you")),
			state: StateChallenge,
			rule:  RuleChallenge,
		},
		{
			name:  "second factor single input",
			raw:   dump(testApp, textNode("Enter the 6-digit code we sent"), inputNode("code", false)),
			state: StateNeedsSecondFactor,
			rule:  RuleSecondFactor,
		},
		{
			name:  "pre login",
			raw:   dump(testApp, textNode("Create new account"), textNode("Already have an account? Log in")),
			state: StatePreLogin,
			rule:  RulePreLogin,
		},
		{
			name:  "credentials win over log in button",
			raw:   dump(testApp, inputNode("username", false), inputNode("password", true), textNode("Log in")),
			state: StateNeedsCredentials,
			rule:  RuleCredentials,
		},
		{
			name:  "authenticated",
			raw:   dump(testApp, descNode("Home"), descNode("Profile")),
			state: StateAlreadyAuthenticated,
			rule:  RuleAuthenticated,
		},
		{
			name:  "unknown",
			raw:   dump(testApp, textNode("Loading")),
			state: StateUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifier.Classify(mustParse(t, tc.raw), testApp)
			if got.State != tc.state || got.Rule != tc.rule {
				t.Fatalf("got %+v, want state=%s rule=%s", got, tc.state, tc.rule)
			}
		})
	}
}

func TestClassifyAuthenticatedRequiresExpectedForeground(t *testing.T) {
	classifier := NewClassifier(nil)
	snap := mustParse(t, dump("com.example.social.lite", descNode("Home")))
	if got := classifier.Classify(snap, testApp); got.State != StateUnknown {
		t.Fatalf("wrong app in foreground should not be authenticated, got %s", got.State)
	}
}

func TestSecondFactorNeedsSingleInput(t *testing.T) {
	classifier := NewClassifier(nil)
	snap := mustParse(t, dump(testApp, textNode("Enter the code"), inputNode("a", false), inputNode("b", false)))
	if got := classifier.Classify(snap, testApp); got.State == StateNeedsSecondFactor {
		t.Fatal("two inputs must not classify as second factor")
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: banned
    state: suspended
    keywords: ["banned"]
  - state: needs-credentials
    require_credential_inputs: true
`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	if len(rules) != 2 || rules[1].Name != "needs-credentials" {
		t.Fatalf("unexpected rules %+v", rules)
	}
	classifier := NewClassifier(rules)
	got := classifier.Classify(mustParse(t, dump(testApp, textNode("You are BANNED"))), testApp)
	if got.State != StateSuspended || got.Rule != "banned" {
		t.Fatalf("unexpected classification %+v", got)
	}

	if _, err := ParseRules([]byte("rules:\n  - state: flying\n")); err == nil {
		t.Fatal("expected invalid state error")
	}
}
