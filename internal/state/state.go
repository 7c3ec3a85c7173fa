package state

import "sync"

// AlertedMilestones is the set of milestone ids already alerted for one participant.
type AlertedMilestones map[string]struct{}

// Tracker remembers which (participant, milestone) pairs have already
// raised an alert during the participant's current stay in the feed.
type Tracker struct {
	mu      sync.Mutex
	alerted map[string]AlertedMilestones // participant -> milestones
}

func NewTracker() *Tracker {
	return &Tracker{alerted: make(map[string]AlertedMilestones)}
}

func (t *Tracker) HasAlerted(participant, milestoneID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.alerted[participant]
	if !ok {
		return false
	}
	_, done := set[milestoneID]
	return done
}

func (t *Tracker) MarkAlerted(participant, milestoneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.alerted[participant]
	if !ok {
		set = make(AlertedMilestones)
		t.alerted[participant] = set
	}
	set[milestoneID] = struct{}{}
}

// Reconcile drops every participant not present in the current roster and
// returns the purged ids. A single absent cycle is enough: a participant
// that reappears starts with a clean slate.
func (t *Tracker) Reconcile(present map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var purged []string
	for participant := range t.alerted {
		if _, ok := present[participant]; !ok {
			delete(t.alerted, participant)
			purged = append(purged, participant)
		}
	}
	return purged
}

// Participants returns how many participants currently hold alert state.
func (t *Tracker) Participants() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.alerted)
}

// Snapshot copies the tracked state, participant -> alerted milestone ids.
func (t *Tracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]string, len(t.alerted))
	for participant, set := range t.alerted {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[participant] = ids
	}
	return out
}
