package alerter

import (
	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/catalog"
	"github.com/mattmezza/pacealert/internal/feed"
	"github.com/mattmezza/pacealert/internal/state"
)

// Evaluator turns one cycle's roster into new alert events.
// It owns the side effects on the dedup tracker: every emitted pair is
// marked and the tracker is reconciled against the roster at the end of
// each call. Evaluate must not be called concurrently.
type Evaluator struct {
	catalog *catalog.Catalog
	tracker *state.Tracker
	logger  *zap.SugaredLogger
}

func NewEvaluator(c *catalog.Catalog, tracker *state.Tracker, logger *zap.SugaredLogger) *Evaluator {
	return &Evaluator{
		catalog: c,
		tracker: tracker,
		logger:  logger,
	}
}

// Evaluate walks sessions and their events in feed order and returns the
// events that qualify for the first time. Order of the result follows the
// roster.
func (e *Evaluator) Evaluate(sessions []feed.Session) []AlertEvent {
	var events []AlertEvent
	present := make(map[string]struct{}, len(sessions))

	for _, s := range sessions {
		present[s.Participant] = struct{}{}

		for _, ev := range s.Events {
			milestone, ok := e.catalog.Lookup(ev.MilestoneID)
			if !ok {
				continue
			}
			if !milestone.Qualifies(ev.Elapsed()) {
				continue
			}
			if e.tracker.HasAlerted(s.Participant, milestone.ID) {
				continue
			}

			alert := newAlertEvent(s, ev, milestone)
			e.tracker.MarkAlerted(s.Participant, milestone.ID)
			events = append(events, alert)
			e.logger.Infow("pace alert",
				"participant", alert.Participant,
				"milestone", alert.MilestoneID,
				"elapsed", alert.Elapsed,
				"threshold", milestone.Threshold.String())
		}
	}

	if purged := e.tracker.Reconcile(present); len(purged) > 0 {
		e.logger.Debugw("participants left the feed, alert state cleared", "participants", purged)
	}
	return events
}

// Preview reports which events would alert for sessions without touching
// the tracker.
func (e *Evaluator) Preview(sessions []feed.Session) []AlertEvent {
	var events []AlertEvent
	seen := make(map[string]struct{})
	for _, s := range sessions {
		for _, ev := range s.Events {
			milestone, ok := e.catalog.Lookup(ev.MilestoneID)
			if !ok || !milestone.Qualifies(ev.Elapsed()) {
				continue
			}
			key := s.Participant + "\x00" + milestone.ID
			if _, dup := seen[key]; dup || e.tracker.HasAlerted(s.Participant, milestone.ID) {
				continue
			}
			seen[key] = struct{}{}
			events = append(events, newAlertEvent(s, ev, milestone))
		}
	}
	return events
}
