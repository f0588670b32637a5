package pipeline

import (
	"context"
	"time"
)

// Poller drives an imagery order to a terminal poll phase within a deadline.
// Each tick performs exactly one provider status check; the cursor is
// persisted after every transition so a restarted process can resume instead
// of re-ordering.
type Poller struct {
	// Interval is the wait between status checks.
	Interval time.Duration

	// Timeout bounds the whole polling loop, measured from Run's start.
	Timeout time.Duration

	// Retry controls recovery from transient status-check failures.
	Retry RetryPolicy

	// Persist, when set, is called with the cursor after every phase
	// transition and every completed check.
	Persist func(ctx context.Context, state PollState) error

	// Now is the clock, overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// DefaultPollInterval and DefaultPollTimeout match the provider SLAs the
// pipeline was tuned against.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollTimeout  = 30 * time.Minute
)

// Run polls the order until it is ready, fails, or the deadline passes.
// The deadline is evaluated before every check, so a deadline in the past
// expires without any provider call. Expiry is transient (a later run may
// find the order ready); a provider-reported failure is permanent.
func (p *Poller) Run(ctx context.Context, provider ImageryProvider, runID string, order ImageryOrder) (OrderPoll, PollState, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	state := PollState{
		RunID:    runID,
		OrderID:  order.ID,
		Phase:    PollPhasePending,
		Deadline: now().Add(timeout),
	}
	if err := p.persist(ctx, state); err != nil {
		return OrderPoll{}, state, err
	}

	for {
		if !now().Before(state.Deadline) {
			state.Phase = PollPhaseExpired
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
			return OrderPoll{}, state, NewTransientError("order not ready before deadline", nil).
				WithStage("poll").WithCode(CodePollExpired)
		}

		if state.Phase == PollPhasePending {
			state.Phase = PollPhasePolling
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
		}

		var poll OrderPoll
		err := Retry(ctx, p.Retry, func(ctx context.Context) error {
			var checkErr error
			poll, checkErr = provider.Poll(ctx, order)
			return checkErr
		})
		state.Attempts++
		state.LastCheckedAt = now()
		if err != nil {
			state.Phase = PollPhaseFailed
			if perr := p.persist(ctx, state); perr != nil {
				return OrderPoll{}, state, perr
			}
			return OrderPoll{}, state, err
		}

		switch poll.State {
		case OrderStateReady:
			state.Phase = PollPhaseReady
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
			return poll, state, nil

		case OrderStateFailed:
			state.Phase = PollPhaseFailed
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
			return poll, state, NewPermanentError("provider reported order failure: "+poll.Message, nil).
				WithStage("poll").WithCode(CodeOrderFailed)

		case OrderStatePending, OrderStateProcessing:
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}

		default:
			state.Phase = PollPhaseFailed
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
			return poll, state, NewContractError("provider returned unknown order state: "+string(poll.State), nil).
				WithStage("poll")
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			state.Phase = PollPhaseExpired
			if err := p.persist(ctx, state); err != nil {
				return OrderPoll{}, state, err
			}
			return OrderPoll{}, state, NewTransientError("polling cancelled", ctx.Err()).
				WithStage("poll").WithCode(CodePollExpired)
		}
	}
}

func (p *Poller) persist(ctx context.Context, state PollState) error {
	if p.Persist == nil {
		return nil
	}
	// Cursor writes detach from the polling deadline: when cancellation ends
	// the loop, the terminal phase must still land in the store.
	if err := p.Persist(context.WithoutCancel(ctx), state); err != nil {
		return NewPermanentError("persist poll state", err).WithStage("poll").WithCode(CodeInternal)
	}
	return nil
}
