package svcerr

import (
	"errors"
	"fmt"
	"testing"
)

var errSentinel = errors.New("test: sentinel")

func TestNewBuildsOperationCode(t *testing.T) {
	err := New(KindConflict, "crew.send_request", "already_connected", errSentinel)

	if CodeOf(err) != "crew.send_request.already_connected" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if ReasonOf(err) != "already_connected" {
		t.Fatalf("unexpected reason %q", ReasonOf(err))
	}
	if KindOf(err) != KindConflict {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if !errors.Is(err, errSentinel) {
		t.Fatalf("expected sentinel to be reachable through Unwrap")
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(KindForbidden, "chat.edit", "not_sender", nil))
	if !Is(err, KindForbidden) {
		t.Fatalf("expected forbidden kind, got %q", KindOf(err))
	}
}

func TestRetryableOnlyForTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "transient", err: Transient("chat.send", "insert_failed", errSentinel), retryable: true},
		{name: "foreign", err: errSentinel, retryable: true},
		{name: "conflict", err: New(KindConflict, "chat.react", "duplicate_reaction", nil), retryable: false},
		{name: "validation", err: New(KindValidation, "chat.send", "empty_content", nil), retryable: false},
		{name: "nil", err: nil, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Retryable(tt.err) != tt.retryable {
				t.Fatalf("retryable mismatch for %v", tt.err)
			}
		})
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := New(KindNotFound, "crew.accept_request", "not_found", nil)
	if err.Error() != "crew.accept_request.not_found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
