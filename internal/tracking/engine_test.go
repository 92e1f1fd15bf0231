package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"vettrack/internal/events"
	"vettrack/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu        sync.Mutex
	snap      model.EmergencyRequest
	fail      bool
	fetches   int
	expands   int
	expandErr error
}

func (f *fakeBackend) GetTracking(ctx context.Context, id string) (*model.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	s := f.snap.Clone()
	return &s, nil
}

func (f *fakeBackend) ExpandSearch(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expands++
	return f.expandErr
}

func (f *fakeBackend) set(fn func(b *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) counts() (fetches, expands int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.expands
}

type fakeCommander struct {
	release    chan struct{}
	confirmErr error
	cancelErr  error
	fee        *float64
}

func (f *fakeCommander) wait(ctx context.Context) error {
	if f.release == nil {
		return nil
	}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeCommander) ConfirmArrival(ctx context.Context, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	return f.confirmErr
}

func (f *fakeCommander) CancelEmergency(ctx context.Context, id, reason, code string) (*float64, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.fee, f.cancelErr
}

type userErr struct{ msg string }

func (e *userErr) Error() string       { return "command rejected: " + e.msg }
func (e *userErr) UserMessage() string { return e.msg }

func startEngine(t *testing.T, b *fakeBackend, c *fakeCommander, cfg Config) *Engine {
	t.Helper()
	cfg.EmergencyID = "em-1"
	e := NewEngine(cfg, b, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-e.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not load the initial record")
	}
	return e
}

func homeRequest(st model.Status) model.EmergencyRequest {
	return model.EmergencyRequest{ID: "em-1", Mode: model.ModeHome, Status: st}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_RunFailsWithoutInitialRecord(t *testing.T) {
	b := &fakeBackend{fail: true}
	e := NewEngine(Config{EmergencyID: "em-1"}, b, &fakeCommander{}, zap.NewNop())

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, e.Submit(context.Background(), events.ChatRead{}), ErrStopped)
}

func TestEngine_ConfirmArrival(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusArrived)}
	c := &fakeCommander{release: make(chan struct{})}
	e := startEngine(t, b, c, Config{})
	ctx := context.Background()

	require.NoError(t, e.ConfirmArrival(ctx))
	assert.True(t, e.State().ConfirmArrival.Pending)
	assert.ErrorIs(t, e.ConfirmArrival(ctx), ErrActionInFlight)

	close(c.release)
	eventually(t, func() bool {
		s := e.State()
		return s.Request.Status == model.StatusInService && !s.ConfirmArrival.Pending
	})
}

func TestEngine_ConfirmArrivalNotAllowed(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusPending)}
	e := startEngine(t, b, &fakeCommander{}, Config{})

	assert.ErrorIs(t, e.ConfirmArrival(context.Background()), ErrActionNotAllowed)
}

func TestEngine_ConfirmArrivalFailure(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusOnWay)}
	c := &fakeCommander{confirmErr: &userErr{msg: "El veterinario aún no llega"}}
	e := startEngine(t, b, c, Config{})

	require.NoError(t, e.ConfirmArrival(context.Background()))
	eventually(t, func() bool {
		return e.State().ConfirmArrival.Error == "El veterinario aún no llega"
	})
	s := e.State()
	assert.False(t, s.ConfirmArrival.Pending)
	assert.Equal(t, model.StatusOnWay, s.Request.Status)
}

func TestEngine_CompletionFetchesFinalRecord(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusInService)}
	e := startEngine(t, b, &fakeCommander{}, Config{})

	b.set(func(b *fakeBackend) {
		b.snap.Status = model.StatusCompleted
		b.snap.Pricing = &model.Pricing{Total: 52000, Currency: "CLP"}
	})
	require.NoError(t, e.Submit(context.Background(), events.Completed{
		Header: events.Header{Source: events.SourcePush, EmergencyID: "em-1"},
	}))

	eventually(t, func() bool { return e.State().Request.Status == model.StatusCompleted })
	s := e.State()
	require.NotNil(t, s.Request.Pricing)
	assert.Equal(t, 52000.0, s.Request.Pricing.Total)
	fetches, _ := b.counts()
	assert.Equal(t, 2, fetches)
}

func TestEngine_CompletionWithoutFinalRecord(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusInService)}
	e := startEngine(t, b, &fakeCommander{}, Config{CompletionFetchTimeout: 50 * time.Millisecond})

	b.set(func(b *fakeBackend) { b.fail = true })
	require.NoError(t, e.Submit(context.Background(), events.Completed{
		Header: events.Header{Source: events.SourcePush},
	}))

	eventually(t, func() bool { return e.State().Request.Status == model.StatusCompleted })
	assert.ErrorIs(t, e.Cancel(context.Background(), "late", ""), ErrTerminal)
}

func TestEngine_DropsEventsForOtherEmergencies(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusOnWay)}
	e := startEngine(t, b, &fakeCommander{}, Config{})
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, events.StatusUpdated{
		Header: events.Header{Source: events.SourcePush, EmergencyID: "em-2"},
		Status: model.StatusArrived,
	}))
	// intents are processed in order, so this returns after the event above
	require.NoError(t, e.MarkChatRead(ctx))

	assert.Equal(t, model.StatusOnWay, e.State().Request.Status)
}

func TestEngine_ExpandSearch(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusPending)}
	e := startEngine(t, b, &fakeCommander{}, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, e.ExpandSearch(ctx), ErrActionNotAllowed)

	for i := 1; i <= 2; i++ {
		require.NoError(t, e.Submit(ctx, events.DispatchAttemptFailed{
			Header:  events.Header{Source: events.SourcePush, EmergencyID: "em-1"},
			Attempt: i,
		}))
	}
	eventually(t, func() bool { return e.View().OfferExpandSearch })

	require.NoError(t, e.ExpandSearch(ctx))
	eventually(t, func() bool {
		fetches, expands := b.counts()
		return expands == 1 && fetches >= 2 && e.State().Escalation.Phase == EscalationIdle
	})
	assert.Equal(t, 0, e.State().Request.ManualAttempts)
	assert.False(t, e.View().OfferExpandSearch)
}

func TestEngine_ExpandSearchFailure(t *testing.T) {
	b := &fakeBackend{
		snap:      homeRequest(model.StatusPending),
		expandErr: &userErr{msg: "Radio máximo alcanzado"},
	}
	e := startEngine(t, b, &fakeCommander{}, Config{Policy: Policy{EscalationThreshold: 1}})
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, events.DispatchAttemptFailed{Header: events.Header{Source: events.SourcePush}}))
	eventually(t, func() bool { return e.View().OfferExpandSearch })

	require.NoError(t, e.ExpandSearch(ctx))
	eventually(t, func() bool { return e.State().Escalation.Error == "Radio máximo alcanzado" })
	assert.Equal(t, EscalationAttemptsExhausted, e.State().Escalation.Phase)
}

func TestEngine_Cancel(t *testing.T) {
	fee := 4500.0
	b := &fakeBackend{snap: homeRequest(model.StatusAccepted)}
	e := startEngine(t, b, &fakeCommander{fee: &fee}, Config{})

	require.NoError(t, e.Cancel(context.Background(), "Ya no lo necesito", "owner_request"))
	eventually(t, func() bool { return e.State().Request.Status == model.StatusCancelled })

	s := e.State()
	require.NotNil(t, s.Request.Cancellation)
	assert.Equal(t, "owner_request", s.Request.Cancellation.ReasonCode)
	assert.Equal(t, 4500.0, *s.Request.Cancellation.FeeApplied)
	assert.Equal(t, "Ya no lo necesito", s.CancellationMessage)
	assert.False(t, s.ShowCallToAction)
}

func TestEngine_ConnectivityDegraded(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusOnWay)}
	e := startEngine(t, b, &fakeCommander{}, Config{
		SilenceThreshold:     50 * time.Millisecond,
		SilenceCheckInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	eventually(t, func() bool { return e.View().Connectivity == ConnectivityDegraded })

	require.NoError(t, e.Submit(ctx, events.LocationUpdated{
		Header:   events.Header{Source: events.SourcePush, EmergencyID: "em-1"},
		Location: &model.Point{Lat: 1, Lng: 2},
	}))
	require.NoError(t, e.MarkChatRead(ctx))
	assert.Equal(t, ConnectivityOK, e.View().Connectivity)
}

func TestEngine_Subscribe(t *testing.T) {
	b := &fakeBackend{snap: homeRequest(model.StatusAccepted)}
	e := startEngine(t, b, &fakeCommander{}, Config{})

	views, unsubscribe := e.Subscribe()
	defer unsubscribe()

	first := <-views
	assert.Equal(t, model.StatusAccepted, first.Request.Status)

	require.NoError(t, e.Submit(context.Background(), events.StatusUpdated{
		Header: events.Header{Source: events.SourcePush},
		Status: model.StatusOnWay,
	}))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Request.Status == model.StatusOnWay {
				assert.Greater(t, v.Revision, first.Revision)
				return
			}
		case <-timeout:
			t.Fatal("no view with the new status")
		}
	}
}
