package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mattmezza/pacealert/internal/alerter"
	"github.com/mattmezza/pacealert/internal/history"
	"github.com/mattmezza/pacealert/internal/notifier"
)

type fakeSink struct {
	name string
	err  error

	mu   sync.Mutex
	sent []notifier.NotificationData
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, data notifier.NotificationData, _ notifier.NotificationTemplates) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return f.err
}

type fakePlayer struct {
	mu    sync.Mutex
	plays int
	stops int
	loop  bool
	limit time.Duration
}

func (p *fakePlayer) Play(loop bool, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	p.loop = loop
	p.limit = timeout
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type harness struct {
	d      *Dispatcher
	sinks  []*fakeSink
	player *fakePlayer
	log    *history.AlertLog
	timers []*fakeTimer
	now    time.Time
}

func newHarness(t *testing.T, sinks ...*fakeSink) *harness {
	h := &harness{
		player: &fakePlayer{},
		log:    history.NewAlertLog(10),
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		sinks:  sinks,
	}
	notifiers := make(map[string]notifier.Notifier)
	for _, s := range sinks {
		notifiers[s.name] = s
	}
	h.d = New(Options{
		Notifiers:    notifiers,
		Templates:    notifier.NotificationTemplates{AlertTemplate: "{{ .Body }}"},
		Title:        "Pace Alert!",
		StopAction:   "http://127.0.0.1:8787/api/sound/stop",
		Player:       h.player,
		SoundTimeout: 5 * time.Minute,
		History:      h.log,
		Logger:       zaptest.NewLogger(t).Sugar(),
	})
	h.d.now = func() time.Time { return h.now }
	h.d.afterFunc = func(d time.Duration, f func()) timerHandle {
		ft := &fakeTimer{d: d, f: f}
		h.timers = append(h.timers, ft)
		return ft
	}
	return h
}

func enterEnd(participant string) alerter.AlertEvent {
	return alerter.AlertEvent{
		Participant:   participant,
		MilestoneID:   "rsg.enter_end",
		Label:         "Enter End",
		Elapsed:       "05:00",
		ElapsedMillis: 300000,
		Threshold:     371 * time.Second,
		LiveAccount:   "feinberg",
	}
}

func TestDispatchBuildsNotification(t *testing.T) {
	sink := &fakeSink{name: "console"}
	h := newHarness(t, sink)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))

	require.Len(t, sink.sent, 1)
	data := sink.sent[0]
	assert.Equal(t, "Pace Alert!", data.Title)
	assert.Equal(t, "Feinberg: Enter End (05:00)", data.Body)
	assert.Equal(t, DedupKey("Feinberg: Enter End (05:00)"), data.DedupKey)
	assert.Len(t, data.DedupKey, 40)
	assert.Equal(t, "http://127.0.0.1:8787/api/sound/stop", data.StopAction)
	assert.Equal(t, "feinberg", data.LiveAccount)
	assert.Regexp(t, `^pa-[A-Za-z0-9]{12}$`, data.ID)
	assert.Equal(t, h.now, data.Time)

	entries := h.log.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, data.ID, entries[0].ID)
	assert.Equal(t, "rsg.enter_end", entries[0].MilestoneID)
}

func TestDedupKeyIsStable(t *testing.T) {
	assert.Equal(t, DedupKey("a: b (00:01)"), DedupKey("a: b (00:01)"))
	assert.NotEqual(t, DedupKey("a: b (00:01)"), DedupKey("a: b (00:02)"))
}

func TestSinkFailureDoesNotStopOthers(t *testing.T) {
	broken := &fakeSink{name: "a-broken", err: errors.New("boom")}
	ok := &fakeSink{name: "b-ok"}
	h := newHarness(t, broken, ok)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))

	assert.Len(t, broken.sent, 1)
	assert.Len(t, ok.sent, 1)
	assert.Equal(t, Playing, h.d.SoundStatus().State)
}

func TestSecondDispatchWhilePlayingDoesNotRestart(t *testing.T) {
	sink := &fakeSink{name: "console"}
	h := newHarness(t, sink)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))
	firstDeadline := h.d.SoundStatus().Deadline

	h.now = h.now.Add(time.Minute)
	h.d.Dispatch(context.Background(), enterEnd("Couriway"))

	assert.Len(t, sink.sent, 2)
	assert.Equal(t, 1, h.player.plays)
	assert.True(t, h.player.loop)
	assert.Equal(t, 5*time.Minute, h.player.limit)
	require.Len(t, h.timers, 1)
	assert.Equal(t, 5*time.Minute, h.timers[0].d)

	status := h.d.SoundStatus()
	assert.Equal(t, Playing, status.State)
	assert.Equal(t, firstDeadline, status.Deadline)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), status.Deadline)
}

func TestTimerReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))
	require.Len(t, h.timers, 1)

	h.timers[0].f()

	assert.Equal(t, SoundStatus{State: Idle}, h.d.SoundStatus())
	assert.Equal(t, 1, h.player.stops)
}

func TestManualStopThenRestart(t *testing.T) {
	h := newHarness(t)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))
	assert.True(t, h.d.StopSound())
	assert.True(t, h.timers[0].stopped)
	assert.Equal(t, Idle, h.d.SoundStatus().State)
	assert.Equal(t, 1, h.player.stops)

	assert.False(t, h.d.StopSound())

	h.d.Dispatch(context.Background(), enterEnd("Couriway"))
	assert.Equal(t, 2, h.player.plays)
	assert.Equal(t, Playing, h.d.SoundStatus().State)
	require.Len(t, h.timers, 2)
}

func TestStaleTimerAfterManualStopIsNoop(t *testing.T) {
	h := newHarness(t)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))
	stale := h.timers[0]
	require.True(t, h.d.StopSound())

	h.d.Dispatch(context.Background(), enterEnd("Couriway"))
	require.Equal(t, Playing, h.d.SoundStatus().State)

	// The first timer fires late; the new sound keeps playing.
	stale.f()
	assert.Equal(t, Playing, h.d.SoundStatus().State)
	assert.Equal(t, 1, h.player.stops)

	h.timers[1].f()
	assert.Equal(t, Idle, h.d.SoundStatus().State)
	assert.Equal(t, 2, h.player.stops)
}

func TestCloseForcesIdle(t *testing.T) {
	sink := &fakeSink{name: "console"}
	h := newHarness(t, sink)

	h.d.Dispatch(context.Background(), enterEnd("Feinberg"))
	h.d.Close()

	assert.Equal(t, Idle, h.d.SoundStatus().State)
	assert.True(t, h.timers[0].stopped)
	assert.Equal(t, 1, h.player.stops)

	h.d.Dispatch(context.Background(), enterEnd("Couriway"))
	assert.Len(t, sink.sent, 2)
	assert.Equal(t, Idle, h.d.SoundStatus().State)
	assert.Equal(t, 1, h.player.plays)
}

func TestCloseWhenIdleReleasesPlayer(t *testing.T) {
	h := newHarness(t)
	h.d.Close()
	assert.Equal(t, 1, h.player.stops)
}

func TestRealTimerExpires(t *testing.T) {
	player := &fakePlayer{}
	d := New(Options{
		Player:       player,
		SoundTimeout: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t).Sugar(),
	})

	d.Dispatch(context.Background(), enterEnd("Feinberg"))
	assert.Eventually(t, func() bool { return d.SoundStatus().State == Idle }, 2*time.Second, 10*time.Millisecond)

	player.mu.Lock()
	defer player.mu.Unlock()
	assert.Equal(t, 1, player.stops)
}

type blockingSink struct{}

func (blockingSink) Name() string { return "stuck" }

func (blockingSink) Send(ctx context.Context, _ notifier.NotificationData, _ notifier.NotificationTemplates) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchBoundsSlowSink(t *testing.T) {
	console := &fakeSink{name: "console"}
	player := &fakePlayer{}
	d := New(Options{
		Notifiers: map[string]notifier.Notifier{
			"console": console,
			"stuck":   blockingSink{},
		},
		Player:       player,
		SoundTimeout: time.Minute,
		SendTimeout:  50 * time.Millisecond,
	})
	defer d.Close()

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.WithoutCancel(context.Background()), enterEnd("Feinberg"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch blocked on a sink that never answers")
	}
	assert.Len(t, console.sent, 1)
	assert.Equal(t, Playing, d.SoundStatus().State)
}

// strictPlayer records Play and Stop calls that do not alternate.
type strictPlayer struct {
	mu        sync.Mutex
	playing   bool
	plays     int
	stops     int
	nested    int
	unmatched int
}

func (p *strictPlayer) Play(bool, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.nested++
	}
	p.playing = true
	p.plays++
	return nil
}

func (p *strictPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		p.unmatched++
	}
	p.playing = false
	p.stops++
	return nil
}

func TestConcurrentDispatchStopAndTimer(t *testing.T) {
	player := &strictPlayer{}
	d := New(Options{
		Player:       player,
		SoundTimeout: time.Millisecond,
	})

	const rounds = 200
	var inconsistent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				d.Dispatch(context.Background(), enterEnd("Feinberg"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				d.StopSound()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				st := d.SoundStatus()
				if (st.State == Playing) == st.Deadline.IsZero() {
					inconsistent.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	d.StopSound()

	assert.Zero(t, inconsistent.Load(), "status reported a state without a matching deadline")
	assert.Equal(t, Idle, d.SoundStatus().State)

	player.mu.Lock()
	defer player.mu.Unlock()
	assert.Zero(t, player.nested, "Play called while already playing")
	assert.Zero(t, player.unmatched, "Stop called while not playing")
	assert.Equal(t, player.plays, player.stops)
	assert.False(t, player.playing)
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, idPrefix))
		assert.Len(t, id, len(idPrefix)+idLength)
		for _, r := range strings.TrimPrefix(id, idPrefix) {
			assert.Contains(t, idAlphabet, string(r))
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
