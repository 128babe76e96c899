package failure

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func TestKindOfWrappedError(t *testing.T) {
	base := Transport(errors.New("dial tcp: refused"), "connect")
	wrapped := errors.Wrap(base, "ensure connected")
	if got := KindOf(wrapped); got != KindTransport {
		t.Fatalf("expected transport kind, got %q", got)
	}
	if !Retryable(wrapped) {
		t.Fatal("transport errors should be retryable")
	}
}

func TestRetryablePerKind(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(KindFlow, "login", "credential field not found"), true},
		{New(KindTerminal, "login", "challenge detected"), false},
		{NotFound("lookup", "account", "acc-1"), false},
		{errors.New("untagged"), false},
		{errors.Wrap(context.Canceled, "wait for foreground"), true},
		{errors.Wrap(context.DeadlineExceeded, "fetch code"), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(errors.New("refused"), KindTransport, "ping")
	if err.Error() != "ping: refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Wrap(nil, KindFlow, "x") != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}
