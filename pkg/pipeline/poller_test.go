package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// scriptedProvider returns a fixed sequence of poll responses.
type scriptedProvider struct {
	polls []func() (OrderPoll, error)
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(ctx context.Context, aoi AOI, filters SceneFilters) ([]Scene, error) {
	return nil, nil
}

func (p *scriptedProvider) Order(ctx context.Context, scene Scene) (ImageryOrder, error) {
	return ImageryOrder{ID: "order-1", Provider: p.Name(), SceneID: scene.ID}, nil
}

func (p *scriptedProvider) Poll(ctx context.Context, order ImageryOrder) (OrderPoll, error) {
	if p.calls >= len(p.polls) {
		return OrderPoll{}, NewContractError("poll script exhausted", nil)
	}
	fn := p.polls[p.calls]
	p.calls++
	return fn()
}

func (p *scriptedProvider) Download(ctx context.Context, order ImageryOrder, poll OrderPoll) (io.ReadCloser, error) {
	return nil, NewPermanentError("not implemented", nil)
}

func pending() func() (OrderPoll, error) {
	return func() (OrderPoll, error) { return OrderPoll{State: OrderStatePending}, nil }
}

func ready(url string) func() (OrderPoll, error) {
	return func() (OrderPoll, error) { return OrderPoll{State: OrderStateReady, AssetURL: url}, nil }
}

func testPoller(persisted *[]PollState) *Poller {
	return &Poller{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Retry:    RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		// Refuses a done context, like a database-backed cursor would.
		Persist: func(ctx context.Context, state PollState) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if persisted != nil {
				*persisted = append(*persisted, state)
			}
			return nil
		},
	}
}

func TestPollerReachesReady(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){
		pending(),
		pending(),
		ready("https://assets.example/scene.tif"),
	}}

	var persisted []PollState
	poll, state, err := testPoller(&persisted).Run(context.Background(), provider, "run-1", ImageryOrder{ID: "order-1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if poll.AssetURL != "https://assets.example/scene.tif" {
		t.Errorf("asset URL %q", poll.AssetURL)
	}
	if state.Phase != PollPhaseReady {
		t.Errorf("phase %s, want ready", state.Phase)
	}
	if state.Attempts != 3 {
		t.Errorf("attempts %d, want 3", state.Attempts)
	}
	if len(persisted) == 0 || persisted[len(persisted)-1].Phase != PollPhaseReady {
		t.Error("final persisted cursor is not ready")
	}
}

func TestPollerExpiredDeadlineSkipsCheck(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){ready("x")}}

	p := testPoller(nil)
	p.Timeout = time.Minute

	// Clock jumps past the deadline after it is computed.
	t0 := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	ticks := 0
	p.Now = func() time.Time {
		ticks++
		if ticks == 1 {
			return t0
		}
		return t0.Add(time.Hour)
	}

	_, state, err := p.Run(context.Background(), provider, "run-1", ImageryOrder{ID: "order-1"})
	if err == nil {
		t.Fatal("expected expiry error")
	}
	if !IsTransient(err) {
		t.Errorf("expiry must be transient, got %v", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodePollExpired {
		t.Errorf("expected poll-expired code, got %v", err)
	}
	if state.Phase != PollPhaseExpired {
		t.Errorf("phase %s, want expired", state.Phase)
	}
	if provider.calls != 0 {
		t.Errorf("expired poller still called the provider %d times", provider.calls)
	}
}

func TestPollerProviderFailureIsPermanent(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){
		pending(),
		func() (OrderPoll, error) {
			return OrderPoll{State: OrderStateFailed, Message: "tasking window missed"}, nil
		},
	}}

	_, state, err := testPoller(nil).Run(context.Background(), provider, "run-1", ImageryOrder{ID: "order-1"})
	if err == nil {
		t.Fatal("expected failure error")
	}
	if !IsPermanent(err) {
		t.Errorf("provider failure must be permanent, got %v", err)
	}
	if state.Phase != PollPhaseFailed {
		t.Errorf("phase %s, want failed", state.Phase)
	}
}

func TestPollerRetriesTransientChecks(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){
		func() (OrderPoll, error) { return OrderPoll{}, NewTransientError("gateway timeout", nil) },
		ready("x"),
	}}

	p := testPoller(nil)
	p.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	poll, _, err := p.Run(context.Background(), provider, "run-1", ImageryOrder{ID: "order-1"})
	if err != nil {
		t.Fatalf("Run failed despite retryable check: %v", err)
	}
	if poll.State != OrderStateReady {
		t.Errorf("state %s, want ready", poll.State)
	}
}

func TestPollerUnknownStateIsContract(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){
		func() (OrderPoll, error) { return OrderPoll{State: "shipped"}, nil },
	}}

	_, state, err := testPoller(nil).Run(context.Background(), provider, "run-1", ImageryOrder{ID: "order-1"})
	if !IsContract(err) {
		t.Errorf("unknown state must be a contract error, got %v", err)
	}
	if state.Phase != PollPhaseFailed {
		t.Errorf("phase %s, want failed", state.Phase)
	}
}

func TestPollerCancellation(t *testing.T) {
	provider := &scriptedProvider{polls: []func() (OrderPoll, error){
		pending(), pending(), pending(), pending(), pending(),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	var persisted []PollState
	p := testPoller(&persisted)
	p.Interval = 50 * time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, state, err := p.Run(ctx, provider, "run-1", ImageryOrder{ID: "order-1"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !IsTransient(err) {
		t.Errorf("cancellation must be transient, got %v", err)
	}
	if state.Phase != PollPhaseExpired {
		t.Errorf("phase %s, want expired", state.Phase)
	}
	// The terminal cursor still lands even though the context is done.
	if len(persisted) == 0 || persisted[len(persisted)-1].Phase != PollPhaseExpired {
		t.Error("terminal cursor not persisted after cancellation")
	}
}
