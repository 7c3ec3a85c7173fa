// Package poller runs the fetch, evaluate and dispatch cycle on a fixed
// interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/alerter"
	"github.com/mattmezza/pacealert/internal/feed"
)

const DefaultInterval = 20 * time.Second

var ErrAlreadyRunning = errors.New("poll loop already running")

type Fetcher interface {
	Fetch(ctx context.Context) ([]feed.Session, error)
}

type Evaluator interface {
	Evaluate(sessions []feed.Session) []alerter.AlertEvent
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev alerter.AlertEvent)
}

// ParticipantCounter reports how many participants hold alert state.
type ParticipantCounter interface {
	Participants() int
}

type Options struct {
	Fetcher    Fetcher
	Evaluator  Evaluator
	Dispatcher Dispatcher
	Tracker    ParticipantCounter // optional
	Interval   time.Duration
	Logger     *zap.SugaredLogger
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running             bool      `json:"running"`
	Interval            string    `json:"interval"`
	Cycles              int       `json:"cycles"`
	LastPoll            time.Time `json:"last_poll,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSessions        int       `json:"last_sessions"`
	LastAlerts          int       `json:"last_alerts"`
	TotalAlerts         int       `json:"total_alerts"`
	TrackedParticipants int       `json:"tracked_participants"`
}

// Loop owns the polling goroutine. Only one cycle runs at a time; a tick
// that arrives while a cycle is in flight is dropped by the ticker.
type Loop struct {
	fetcher    Fetcher
	evaluator  Evaluator
	dispatcher Dispatcher
	tracker    ParticipantCounter
	interval   time.Duration
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

func New(opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loop{
		fetcher:    opts.Fetcher,
		evaluator:  opts.Evaluator,
		dispatcher: opts.Dispatcher,
		tracker:    opts.Tracker,
		interval:   interval,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled or Stop is called. The first cycle runs
// immediately.
func (l *Loop) Run(ctx context.Context) error {
	ctx, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer l.finish()
	l.loop(ctx)
	return nil
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start() error {
	ctx, err := l.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		defer l.finish()
		l.loop(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish. It is
// a no-op when the loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	s := l.status
	l.mu.Unlock()

	s.Running = l.Running()
	s.Interval = l.interval.String()
	if l.tracker != nil {
		s.TrackedParticipants = l.tracker.Participants()
	}
	return s
}

func (l *Loop) begin(parent context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.done = make(chan struct{})
	return ctx, nil
}

func (l *Loop) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancel()
	close(l.done)
	l.cancel = nil
	l.done = nil
}

func (l *Loop) loop(ctx context.Context) {
	l.logger.Infow("waiting for pace", "interval", l.interval.String())

	l.RunOnce(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Infow("poll loop stopped")
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle. A failed fetch leaves the dedup state
// untouched and dispatches nothing.
func (l *Loop) RunOnce(ctx context.Context) error {
	sessions, err := l.fetcher.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		l.mu.Lock()
		l.status.Cycles++
		l.status.LastPoll = time.Now()
		l.status.LastError = err.Error()
		l.status.ConsecutiveFailures++
		failures := l.status.ConsecutiveFailures
		l.mu.Unlock()

		var fetchErr *feed.FetchError
		if errors.As(err, &fetchErr) {
			l.logger.Warnw("feed fetch failed", "kind", fetchErr.Kind, "url", fetchErr.URL, "error", fetchErr.Err, "consecutive_failures", failures)
		} else {
			l.logger.Warnw("feed fetch failed", "error", err, "consecutive_failures", failures)
		}
		return err
	}

	events := l.evaluator.Evaluate(sessions)

	// Events are already marked as alerted, so deliver them even when Stop
	// lands mid-cycle.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		l.dispatcher.Dispatch(dispatchCtx, ev)
	}

	l.mu.Lock()
	l.status.Cycles++
	l.status.LastPoll = time.Now()
	l.status.LastError = ""
	l.status.ConsecutiveFailures = 0
	l.status.LastSessions = len(sessions)
	l.status.LastAlerts = len(events)
	l.status.TotalAlerts += len(events)
	l.mu.Unlock()

	l.logger.Debugw("poll cycle complete", "sessions", len(sessions), "alerts", len(events))
	return nil
}
