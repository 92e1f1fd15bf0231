// Package poller periodically fetches the authoritative emergency record and
// feeds it to the tracking engine as a snapshot event.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vettrack/internal/events"
	"vettrack/internal/model"
)

// Fetcher loads the tracking record
type Fetcher interface {
	GetTracking(ctx context.Context, emergencyID string) (*model.EmergencyRequest, error)
}

// Sink receives normalized events
type Sink interface {
	Submit(ctx context.Context, ev events.Event) error
}

// Poller runs the fallback poll loop for one emergency
type Poller struct {
	emergencyID string
	interval    time.Duration
	fetcher     Fetcher
	sink        Sink
	log         *zap.Logger
	finished    func() bool
	wg          sync.WaitGroup
}

// New creates a poller. finished may be nil; when it reports true the loop
// stops since a terminal request no longer changes.
func New(emergencyID string, interval time.Duration, fetcher Fetcher, sink Sink, finished func() bool, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		emergencyID: emergencyID,
		interval:    interval,
		fetcher:     fetcher,
		sink:        sink,
		finished:    finished,
		log:         log.With(zap.String("emergency_id", emergencyID)),
	}
}

// Start launches the loop in the background
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Wait blocks until the loop has exited
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	p.log.Info("Starting poller", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Poller shutting down")
			return
		case <-ticker.C:
			if p.finished != nil && p.finished() {
				p.log.Info("Emergency finished, poller stopping")
				return
			}
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	snap, err := p.fetcher.GetTracking(ctx, p.emergencyID)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Poll failed", zap.Error(err))
		}
		return
	}

	ev := events.Snapshot{
		Header:  events.Header{At: time.Now(), Source: events.SourcePoll, EmergencyID: snap.ID},
		Request: *snap,
	}
	if err := p.sink.Submit(ctx, ev); err != nil && ctx.Err() == nil {
		p.log.Warn("Failed to submit snapshot", zap.Error(err))
		return
	}
	p.log.Debug("Poll complete", zap.String("status", string(snap.Status)))
}
