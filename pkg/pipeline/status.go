package pipeline

import "fmt"

// RunStatus represents the overall status of a processing run.
type RunStatus string

const (
	// RunStatusPending indicates the run is recorded but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSuccess indicates every feature reached a successful terminal
	// state (including no-coverage, which is an outcome rather than an error).
	RunStatusSuccess RunStatus = "success"

	// RunStatusPartialSuccess indicates at least one feature succeeded and at
	// least one failed.
	RunStatusPartialSuccess RunStatus = "partial_success"

	// RunStatusFailed indicates no feature succeeded, or ingestion itself
	// failed before fan-out.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartialSuccess || s == RunStatusFailed
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess,
		RunStatusPartialSuccess, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// FeatureStatus represents the terminal outcome of a single feature.
type FeatureStatus string

const (
	// FeatureStatusPending indicates the feature has not been processed yet.
	FeatureStatusPending FeatureStatus = "pending"

	// FeatureStatusSucceeded indicates imagery was acquired and catalogued.
	FeatureStatusSucceeded FeatureStatus = "succeeded"

	// FeatureStatusNoCoverage indicates the provider had no scene matching the
	// filters. A valid outcome, not a failure.
	FeatureStatusNoCoverage FeatureStatus = "no_coverage"

	// FeatureStatusFailed indicates processing failed after retries.
	FeatureStatusFailed FeatureStatus = "failed"
)

// IsTerminal returns true if the feature status represents a final state.
func (s FeatureStatus) IsTerminal() bool {
	return s == FeatureStatusSucceeded || s == FeatureStatusNoCoverage || s == FeatureStatusFailed
}

// IsFailure returns true if the status counts against run success.
// No-coverage does not: it is an answer, not an error.
func (s FeatureStatus) IsFailure() bool {
	return s == FeatureStatusFailed
}

// Validate checks if the feature status is valid.
func (s FeatureStatus) Validate() error {
	switch s {
	case FeatureStatusPending, FeatureStatusSucceeded,
		FeatureStatusNoCoverage, FeatureStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid feature status: %s", s)
	}
}

// PollPhase represents a state in the order polling lifecycle.
type PollPhase string

const (
	// PollPhasePending indicates the order is placed but polling has not begun.
	PollPhasePending PollPhase = "pending"

	// PollPhasePolling indicates status checks are in progress.
	PollPhasePolling PollPhase = "polling"

	// PollPhaseReady indicates the provider reported the order deliverable.
	PollPhaseReady PollPhase = "ready"

	// PollPhaseExpired indicates the deadline passed without readiness.
	PollPhaseExpired PollPhase = "expired"

	// PollPhaseFailed indicates the provider reported a terminal failure.
	PollPhaseFailed PollPhase = "failed"
)

// IsTerminal returns true if the poll phase represents a final state.
func (p PollPhase) IsTerminal() bool {
	return p == PollPhaseReady || p == PollPhaseExpired || p == PollPhaseFailed
}

// Validate checks if the poll phase is valid.
func (p PollPhase) Validate() error {
	switch p {
	case PollPhasePending, PollPhasePolling, PollPhaseReady,
		PollPhaseExpired, PollPhaseFailed:
		return nil
	default:
		return fmt.Errorf("invalid poll phase: %s", p)
	}
}

// OrderState represents the provider-reported state of an imagery order.
type OrderState string

const (
	// OrderStatePending indicates the order is accepted but not being worked.
	OrderStatePending OrderState = "pending"

	// OrderStateProcessing indicates the provider is preparing the delivery.
	OrderStateProcessing OrderState = "processing"

	// OrderStateReady indicates assets are available for download.
	OrderStateReady OrderState = "ready"

	// OrderStateFailed indicates the provider could not fulfil the order.
	OrderStateFailed OrderState = "failed"
)

// IsTerminal returns true if the order state is final from the provider's
// point of view.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateReady || s == OrderStateFailed
}

// Validate checks if the order state is valid.
func (s OrderState) Validate() error {
	switch s {
	case OrderStatePending, OrderStateProcessing, OrderStateReady, OrderStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid order state: %s", s)
	}
}
