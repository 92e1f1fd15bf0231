package tracking

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"vettrack/internal/events"
	"vettrack/internal/model"
)

var (
	ErrActionInFlight   = errors.New("action already in flight")
	ErrActionNotAllowed = errors.New("action not allowed in current state")
	ErrTerminal         = errors.New("emergency already finished")
	ErrStopped          = errors.New("engine stopped")
)

// Connectivity summarizes the health of the push and poll channels
type Connectivity string

const (
	ConnectivityOK       Connectivity = "ok"
	ConnectivityDegraded Connectivity = "degraded"
)

// Backend is the subset of the backend API the engine drives
type Backend interface {
	GetTracking(ctx context.Context, emergencyID string) (*model.EmergencyRequest, error)
	ExpandSearch(ctx context.Context, emergencyID string) error
}

// Commander sends user commands over the push channel
type Commander interface {
	ConfirmArrival(ctx context.Context, emergencyID string) error
	CancelEmergency(ctx context.Context, emergencyID, reason, reasonCode string) (*float64, error)
}

// userMessager is implemented by errors that carry a server message meant
// for the user
type userMessager interface {
	UserMessage() string
}

// Config tunes the engine
type Config struct {
	EmergencyID            string
	Policy                 Policy
	QueueSize              int
	CompletionFetchTimeout time.Duration
	CommandTimeout         time.Duration
	SilenceThreshold       time.Duration
	SilenceCheckInterval   time.Duration
}

func (c *Config) defaults() {
	if c.Policy.EscalationThreshold <= 0 {
		c.Policy = DefaultPolicy()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CompletionFetchTimeout <= 0 {
		c.CompletionFetchTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 45 * time.Second
	}
	if c.SilenceCheckInterval <= 0 {
		c.SilenceCheckInterval = time.Second
	}
}

// View is the read model handed to the UI layer
type View struct {
	State
	Revision          int64        `json:"revision"`
	Connectivity      Connectivity `json:"connectivity"`
	Geolocation       Geolocation  `json:"geolocation"`
	OfferExpandSearch bool         `json:"offerExpandSearch"`
}

type queued struct {
	ev    events.Event
	reply chan error
}

// Engine owns the tracking state. Every event, whether pushed, polled or
// produced by a command, goes through one queue and is reduced on the
// engine goroutine, so the state is never mutated concurrently.
type Engine struct {
	cfg       Config
	backend   Backend
	commander Commander
	log       *zap.Logger
	now       func() time.Time

	queue chan queued
	ready chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu           sync.RWMutex
	state        State
	revision     int64
	lastActivity time.Time
	degraded     bool

	subMu      sync.Mutex
	subs       map[chan View]struct{}
	subsClosed bool
}

// NewEngine creates an engine for one emergency. Run must be called to start it.
func NewEngine(cfg Config, backend Backend, commander Commander, log *zap.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		backend:   backend,
		commander: commander,
		log:       log.With(zap.String("emergency_id", cfg.EmergencyID)),
		now:       time.Now,
		queue:     make(chan queued, cfg.QueueSize),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[chan View]struct{}),
	}
}

// Run loads the initial record and processes events until ctx is cancelled.
// It returns once every command goroutine it started has finished.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	snap, err := e.backend.GetTracking(ctx, e.cfg.EmergencyID)
	if err != nil {
		return fmt.Errorf("failed to load emergency: %w", err)
	}

	e.mu.Lock()
	e.state = NewState(*snap, e.cfg.Policy)
	e.revision = 1
	e.lastActivity = e.now()
	e.mu.Unlock()
	close(e.ready)
	e.publish()

	e.log.Info("Tracking started",
		zap.String("status", string(snap.Status)),
		zap.String("mode", string(snap.Mode)),
	)

	ticker := time.NewTicker(e.cfg.SilenceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.closeSubscribers()
			e.log.Info("Tracking stopped")
			return nil
		case q := <-e.queue:
			err := e.handle(ctx, q.ev)
			if q.reply != nil {
				q.reply <- err
			}
		case <-ticker.C:
			e.checkSilence()
		}
	}
}

// Ready is closed once the initial record is loaded
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Submit enqueues an event for reduction. It is safe for concurrent use.
func (e *Engine) Submit(ctx context.Context, ev events.Event) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- queued{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// State returns a copy of the current state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

// View returns the current read model
func (e *Engine) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn := ConnectivityOK
	if e.degraded {
		conn = ConnectivityDegraded
	}
	return View{
		State:             e.state.clone(),
		Revision:          e.revision,
		Connectivity:      conn,
		Geolocation:       e.state.Geolocation(),
		OfferExpandSearch: e.state.Escalation.OfferVisible(),
	}
}

// Subscribe returns a channel that receives the latest view after every
// change. Slow readers only miss intermediate views. The channel is closed
// when the engine stops or cancel is called.
func (e *Engine) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	e.subMu.Lock()
	if e.subsClosed {
		close(ch)
		e.subMu.Unlock()
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	select {
	case <-e.ready:
		ch <- e.View()
	default:
	}
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
}

// ConfirmArrival asks the server to mark the vet as arrived and start service
func (e *Engine) ConfirmArrival(ctx context.Context) error {
	return e.request(ctx, events.ArrivalConfirmRequested{Header: e.commandHeader()})
}

// ExpandSearch asks the server to widen the search radius
func (e *Engine) ExpandSearch(ctx context.Context) error {
	return e.request(ctx, events.ExpandRequested{Header: e.commandHeader()})
}

// Cancel asks the server to cancel the request
func (e *Engine) Cancel(ctx context.Context, reason, reasonCode string) error {
	return e.request(ctx, events.CancelRequested{
		Header:     e.commandHeader(),
		Reason:     reason,
		ReasonCode: reasonCode,
	})
}

// MarkChatRead clears the unread message counter
func (e *Engine) MarkChatRead(ctx context.Context) error {
	return e.request(ctx, events.ChatRead{Header: e.commandHeader()})
}

func (e *Engine) commandHeader() events.Header {
	return events.Header{At: e.now(), Source: events.SourceCommand, EmergencyID: e.cfg.EmergencyID}
}

// request enqueues an intent and waits until the engine accepted or refused it
func (e *Engine) request(ctx context.Context, ev events.Event) error {
	reply := make(chan error, 1)
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- queued{ev: ev, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) handle(ctx context.Context, ev events.Event) error {
	h := events.HeaderOf(ev)
	if h.EmergencyID != "" && h.EmergencyID != e.cfg.EmergencyID {
		e.log.Debug("Dropping event for another emergency",
			zap.String("kind", string(ev.Kind())),
			zap.String("event_emergency_id", h.EmergencyID),
		)
		return nil
	}
	if h.Source == events.SourcePush || h.Source == events.SourcePoll {
		e.markActivity()
	}

	prev := e.State()

	if c, ok := ev.(events.Completed); ok && c.Snapshot == nil && !prev.Terminal() {
		c.Snapshot = e.fetchForCompletion(ctx)
		ev = c
	}

	next := Reduce(prev, ev, e.cfg.Policy)
	err := e.afterReduce(ctx, prev, next, ev)

	if reflect.DeepEqual(prev, next) {
		e.log.Debug("Event caused no change",
			zap.String("kind", string(ev.Kind())),
			zap.String("source", string(h.Source)),
		)
		return err
	}

	e.mu.Lock()
	e.state = next
	e.revision++
	e.mu.Unlock()

	e.logChange(prev, next, ev)
	e.publish()
	return err
}

// afterReduce starts the I/O for intents the reducer accepted and reports
// why an intent was refused.
func (e *Engine) afterReduce(ctx context.Context, prev, next State, ev events.Event) error {
	switch ev.(type) {
	case events.ArrivalConfirmRequested:
		if !prev.ConfirmArrival.Pending && next.ConfirmArrival.Pending {
			e.spawn(ctx, e.runConfirmArrival)
			return nil
		}
		return refusal(prev, prev.ConfirmArrival.Pending)
	case events.ExpandRequested:
		if prev.Escalation.Phase != EscalationExpanding && next.Escalation.Phase == EscalationExpanding {
			e.spawn(ctx, e.runExpandSearch)
			return nil
		}
		return refusal(prev, prev.Escalation.Phase == EscalationExpanding)
	case events.CancelRequested:
		if !prev.Cancel.Pending && next.Cancel.Pending {
			c := next.Cancel
			e.spawn(ctx, func(ctx context.Context) { e.runCancel(ctx, c.Reason, c.ReasonCode) })
			return nil
		}
		return refusal(prev, prev.Cancel.Pending)
	case events.SearchExpanded:
		if prev.Escalation.Phase != next.Escalation.Phase || prev.Request.ManualAttempts != next.Request.ManualAttempts {
			e.spawn(ctx, e.refetch)
		}
	}
	return nil
}

func refusal(s State, inFlight bool) error {
	switch {
	case s.Terminal():
		return ErrTerminal
	case inFlight:
		return ErrActionInFlight
	default:
		return ErrActionNotAllowed
	}
}

// spawn runs command I/O off the engine goroutine. Outcomes come back
// through the queue like any other event.
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func (e *Engine) runConfirmArrival(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	err := e.commander.ConfirmArrival(cctx, e.cfg.EmergencyID)
	cancel()

	h := e.commandHeader()
	if err != nil {
		e.log.Warn("Arrival confirmation failed", zap.Error(err))
		e.enqueue(ctx, events.ArrivalConfirmFailed{Header: h, Message: userMessage(err)})
		return
	}
	e.enqueue(ctx, events.ArrivalConfirmed{Header: h})
}

func (e *Engine) runExpandSearch(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	err := e.backend.ExpandSearch(cctx, e.cfg.EmergencyID)
	cancel()

	h := e.commandHeader()
	if err != nil {
		e.log.Warn("Search expansion failed", zap.Error(err))
		e.enqueue(ctx, events.ExpandFailed{Header: h, Message: userMessage(err)})
		return
	}
	e.enqueue(ctx, events.ExpandSucceeded{Header: h})
	e.refetch(ctx)
}

func (e *Engine) runCancel(ctx context.Context, reason, reasonCode string) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	fee, err := e.commander.CancelEmergency(cctx, e.cfg.EmergencyID, reason, reasonCode)
	cancel()

	h := e.commandHeader()
	if err != nil {
		e.log.Warn("Cancellation failed", zap.Error(err))
		e.enqueue(ctx, events.CancelFailed{Header: h, Message: userMessage(err)})
		return
	}
	e.enqueue(ctx, events.CancelSucceeded{Header: h, FeeApplied: fee})
}

// refetch pulls the authoritative record outside the regular poll cycle
func (e *Engine) refetch(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	snap, err := e.backend.GetTracking(cctx, e.cfg.EmergencyID)
	cancel()
	if err != nil {
		e.log.Warn("Forced re-fetch failed", zap.Error(err))
		return
	}
	e.enqueue(ctx, events.Snapshot{
		Header:  events.Header{At: e.now(), Source: events.SourcePoll, EmergencyID: snap.ID},
		Request: *snap,
	})
}

// fetchForCompletion blocks the engine until the final record arrives or the
// fetch times out. Nothing else is reduced in between.
func (e *Engine) fetchForCompletion(ctx context.Context) *model.EmergencyRequest {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CompletionFetchTimeout)
	defer cancel()
	snap, err := e.backend.GetTracking(cctx, e.cfg.EmergencyID)
	if err != nil {
		e.log.Warn("Completion re-fetch failed, finalizing with local data", zap.Error(err))
		return nil
	}
	return snap
}

func (e *Engine) enqueue(ctx context.Context, ev events.Event) {
	if err := e.Submit(ctx, ev); err != nil {
		e.log.Debug("Dropping command outcome", zap.String("kind", string(ev.Kind())), zap.Error(err))
	}
}

func (e *Engine) markActivity() {
	e.mu.Lock()
	e.lastActivity = e.now()
	recovered := e.degraded
	e.degraded = false
	e.mu.Unlock()
	if recovered {
		e.log.Info("Tracking channels recovered")
		e.publish()
	}
}

func (e *Engine) checkSilence() {
	e.mu.Lock()
	silent := e.now().Sub(e.lastActivity)
	if e.degraded || silent < e.cfg.SilenceThreshold {
		e.mu.Unlock()
		return
	}
	e.degraded = true
	e.mu.Unlock()

	e.log.Warn("No tracking updates received, connectivity degraded", zap.Duration("silence", silent))
	e.publish()
}

func (e *Engine) logChange(prev, next State, ev events.Event) {
	src := string(events.HeaderOf(ev).Source)
	if prev.Request.Status != next.Request.Status {
		e.log.Info("Emergency status changed",
			zap.String("from", string(prev.Request.Status)),
			zap.String("to", string(next.Request.Status)),
			zap.String("kind", string(ev.Kind())),
			zap.String("source", src),
		)
	}
	if prev.Escalation.Phase != next.Escalation.Phase {
		e.log.Info("Escalation phase changed",
			zap.String("from", string(prev.Escalation.Phase)),
			zap.String("to", string(next.Escalation.Phase)),
		)
	}
	if !prev.Request.GeolocationValidated && next.Request.GeolocationValidated {
		e.log.Info("Arrival validated by proximity")
	}
}

func (e *Engine) publish() {
	v := e.View()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subsClosed = true
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}

// userMessage extracts the text shown to the user for a failed command
func userMessage(err error) string {
	var um userMessager
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The server did not answer in time, please try again."
	}
	return err.Error()
}
