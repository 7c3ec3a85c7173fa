package alerter

import (
	"fmt"
	"time"

	"github.com/mattmezza/pacealert/internal/catalog"
	"github.com/mattmezza/pacealert/internal/feed"
	"github.com/mattmezza/pacealert/internal/util"
)

// AlertEvent is produced once per newly qualifying (participant, milestone)
// pair and consumed right away by the dispatcher.
type AlertEvent struct {
	Participant   string
	MilestoneID   string
	Label         string
	Elapsed       string // mm:ss
	ElapsedMillis int64
	Threshold     time.Duration
	LiveAccount   string
}

func newAlertEvent(s feed.Session, ev feed.Event, m catalog.Milestone) AlertEvent {
	return AlertEvent{
		Participant:   s.Participant,
		MilestoneID:   m.ID,
		Label:         m.Label,
		Elapsed:       util.FormatElapsed(ev.ElapsedMillis),
		ElapsedMillis: ev.ElapsedMillis,
		Threshold:     m.Threshold,
		LiveAccount:   s.LiveAccount,
	}
}

// Message is the notification body: "<participant>: <label> (<mm:ss>)".
func (e AlertEvent) Message() string {
	return fmt.Sprintf("%s: %s (%s)", e.Participant, e.Label, e.Elapsed)
}
