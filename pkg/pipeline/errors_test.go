package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassPredicates(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
		permanent bool
		retryable bool
	}{
		{NewValidationError("bad ring", nil), false, false, false},
		{NewTransientError("timeout", nil), true, false, true},
		{NewPermanentError("gone", nil), false, true, false},
		{NewContractError("schema drift", nil), false, false, false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.transient {
			t.Errorf("IsTransient(%v) = %v", tt.err, got)
		}
		if got := IsPermanent(tt.err); got != tt.permanent {
			t.Errorf("IsPermanent(%v) = %v", tt.err, got)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v", tt.err, got)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("provider unreachable", cause).
		WithStage("search").WithCode(CodeProviderFailed).WithFeature("block-a")

	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	wrapped := fmt.Errorf("acquire: %w", err)
	var pe *Error
	if !errors.As(wrapped, &pe) {
		t.Fatal("errors.As failed through fmt wrapping")
	}
	if pe.Stage != "search" || pe.Code != CodeProviderFailed || pe.Feature != "block-a" {
		t.Errorf("context lost: %+v", pe)
	}
	if !IsTransient(wrapped) {
		t.Error("classification lost through fmt wrapping")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := NewPermanentError("order rejected", errors.New("402")).WithStage("order")
	msg := err.Error()
	for _, want := range []string{"permanent", "order", "order rejected", "402"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestAsPipelineErrorWrapsUnclassified(t *testing.T) {
	pe := AsPipelineError(errors.New("surprise"))
	if pe.Class != ErrorClassPermanent {
		t.Errorf("unclassified error mapped to %s, want permanent", pe.Class)
	}
	if pe.Code != CodeInternal {
		t.Errorf("code %s", pe.Code)
	}
	if AsPipelineError(nil) != nil {
		t.Error("nil error produced a non-nil pipeline error")
	}
}

func TestStatusTerminality(t *testing.T) {
	if !RunStatusPartialSuccess.IsTerminal() || RunStatusRunning.IsTerminal() {
		t.Error("run status terminality wrong")
	}
	if !FeatureStatusNoCoverage.IsTerminal() || FeatureStatusNoCoverage.IsFailure() {
		t.Error("no_coverage must be terminal and non-failing")
	}
	if !PollPhaseExpired.IsTerminal() || PollPhasePolling.IsTerminal() {
		t.Error("poll phase terminality wrong")
	}
	if err := RunStatus("done").Validate(); err == nil {
		t.Error("unknown run status validated")
	}
}
