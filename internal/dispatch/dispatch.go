// Package dispatch turns alert events into notifications and owns the
// alert-sound state.
package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/alerter"
	"github.com/mattmezza/pacealert/internal/history"
	"github.com/mattmezza/pacealert/internal/notifier"
	"github.com/mattmezza/pacealert/internal/sound"
)

// DefaultSendTimeout bounds a single sink delivery when Options leaves it unset.
const DefaultSendTimeout = 30 * time.Second

type State string

const (
	Idle    State = "idle"
	Playing State = "playing"
)

type SoundStatus struct {
	State    State     `json:"state"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Options configures a Dispatcher. Player and History may be nil.
type Options struct {
	Notifiers    map[string]notifier.Notifier
	Templates    notifier.NotificationTemplates
	Title        string
	StopAction   string
	Player       sound.Player
	SoundTimeout time.Duration
	SendTimeout  time.Duration
	History      *history.AlertLog
	Logger       *zap.SugaredLogger
}

type timerHandle interface {
	Stop() bool
}

// Dispatcher fans every alert out to the configured sinks and drives the
// sound: Idle goes to Playing on the first alert, further alerts while
// Playing leave the sound and its deadline alone, and the auto-stop timer
// or StopSound returns it to Idle.
type Dispatcher struct {
	sinks        []notifier.Notifier
	templates    notifier.NotificationTemplates
	title        string
	stopAction   string
	player       sound.Player
	soundTimeout time.Duration
	sendTimeout  time.Duration
	history      *history.AlertLog
	logger       *zap.SugaredLogger

	now       func() time.Time
	afterFunc func(time.Duration, func()) timerHandle

	mu         sync.Mutex
	state      State
	deadline   time.Time
	timer      timerHandle
	generation uint64
	closed     bool
}

func New(opts Options) *Dispatcher {
	names := make([]string, 0, len(opts.Notifiers))
	for name := range opts.Notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	sinks := make([]notifier.Notifier, 0, len(names))
	for _, name := range names {
		sinks = append(sinks, opts.Notifiers[name])
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	return &Dispatcher{
		sinks:        sinks,
		templates:    opts.Templates,
		title:        opts.Title,
		stopAction:   opts.StopAction,
		player:       opts.Player,
		soundTimeout: opts.SoundTimeout,
		sendTimeout:  sendTimeout,
		history:      opts.History,
		logger:       logger,
		now:          time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
		state: Idle,
	}
}

// DedupKey is the stable identifier sinks use to collapse identical alerts.
func DedupKey(body string) string {
	sum := sha1.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Dispatch sends ev to every sink and starts the sound when idle. Each
// delivery is bounded by the send timeout. Sink failures are logged and
// never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev alerter.AlertEvent) {
	data := d.notificationData(ev)

	for _, sink := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := sink.Send(sendCtx, data, d.templates)
		cancel()
		if err != nil {
			d.logger.Errorw("failed to send alert", "channel", sink.Name(), "body", data.Body, "error", err)
			continue
		}
		d.logger.Debugw("alert sent", "channel", sink.Name(), "id", data.ID)
	}

	if d.history != nil {
		d.history.Add(history.Entry{
			ID:          data.ID,
			Participant: ev.Participant,
			MilestoneID: ev.MilestoneID,
			Label:       ev.Label,
			Elapsed:     ev.Elapsed,
			LiveAccount: ev.LiveAccount,
			Body:        data.Body,
			Timestamp:   data.Time,
		})
	}

	d.startSound()
}

func (d *Dispatcher) notificationData(ev alerter.AlertEvent) notifier.NotificationData {
	body := ev.Message()
	id, err := NewID()
	if err != nil {
		d.logger.Warnw("failed to generate notification id, using dedup key", "error", err)
		id = DedupKey(body)
	}
	return notifier.NotificationData{
		ID:          id,
		Title:       d.title,
		Body:        body,
		DedupKey:    DedupKey(body),
		StopAction:  d.stopAction,
		Participant: ev.Participant,
		MilestoneID: ev.MilestoneID,
		Label:       ev.Label,
		Elapsed:     ev.Elapsed,
		LiveAccount: ev.LiveAccount,
		Time:        d.now(),
	}
}

func (d *Dispatcher) startSound() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.state == Playing {
		return
	}

	d.generation++
	gen := d.generation
	d.state = Playing
	d.deadline = d.now().Add(d.soundTimeout)
	d.timer = d.afterFunc(d.soundTimeout, func() { d.onTimer(gen) })

	if d.player != nil {
		if err := d.player.Play(true, d.soundTimeout); err != nil {
			d.logger.Errorw("failed to start alert sound", "error", err)
		}
	}
	d.logger.Infow("alert sound playing", "deadline", d.deadline)
}

// onTimer fires when the auto-stop timer of generation gen expires. A
// callback from a timer that was already disarmed does nothing.
func (d *Dispatcher) onTimer(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Playing || gen != d.generation {
		return
	}
	d.timer = nil
	d.stopLocked()
	d.logger.Infow("alert sound timed out")
}

// StopSound silences the sound and reports whether it was playing.
func (d *Dispatcher) StopSound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Playing {
		return false
	}
	d.disarmLocked()
	d.stopLocked()
	d.logger.Infow("alert sound stopped manually")
	return true
}

// Close forces Idle and releases the player. Dispatch after Close still
// notifies but never starts the sound.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.state == Playing {
		d.disarmLocked()
		d.stopLocked()
		return
	}
	if d.player != nil {
		if err := d.player.Stop(); err != nil {
			d.logger.Warnw("failed to release alert sound", "error", err)
		}
	}
}

func (d *Dispatcher) SoundStatus() SoundStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Playing {
		return SoundStatus{State: Idle}
	}
	return SoundStatus{State: Playing, Deadline: d.deadline}
}

func (d *Dispatcher) disarmLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Invalidate any callback that already fired and is waiting on mu.
	d.generation++
}

func (d *Dispatcher) stopLocked() {
	d.state = Idle
	d.deadline = time.Time{}
	if d.player != nil {
		if err := d.player.Stop(); err != nil {
			d.logger.Errorw("failed to stop alert sound", "error", err)
		}
	}
}
