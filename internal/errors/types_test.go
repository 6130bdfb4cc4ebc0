package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransientExplicitMarkers(t *testing.T) {
	base := stderrors.New("db down")

	if !IsTransient(NewTransientError(base, "")) {
		t.Error("TransientError should be transient")
	}
	if IsTransient(NewPermanentError(base, "")) {
		t.Error("PermanentError should not be transient")
	}

	// Markers survive wrapping.
	wrapped := fmt.Errorf("lease_one: %w", NewTransientError(base, ""))
	if !IsTransient(wrapped) {
		t.Error("wrapped TransientError should stay transient")
	}
}

func TestIsTransientNetworkShapes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"op error", &net.OpError{Op: "dial", Err: stderrors.New("refused")}, true},
		{"connection refused string", stderrors.New("dial tcp 127.0.0.1:5432: connection refused"), true},
		{"econnreset", syscall.ECONNRESET, true},
		{"plain validation error", stderrors.New("payload.sleep_s must be an int"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := stderrors.New("root")
	err := NewTransientError(cause, "store hiccup")
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}

	perm := NewPermanentError(cause, "")
	if !stderrors.Is(perm, cause) {
		t.Error("permanent error should unwrap to its cause")
	}
}

func TestTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !TransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 409} {
		if TransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}
