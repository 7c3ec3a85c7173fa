// Package catalog holds the milestones that may raise a pace alert and the
// time each one has to be reached by.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Milestone is one alert-eligible progress point of a run.
// An event qualifies when it is reached strictly before Threshold.
type Milestone struct {
	ID        string
	Label     string
	Threshold time.Duration
}

// Qualifies reports whether a milestone reached at elapsed is fast enough
// to alert. A zero threshold never qualifies.
func (m Milestone) Qualifies(elapsed time.Duration) bool {
	return elapsed < m.Threshold
}

// Catalog is an immutable lookup table of milestones keyed by id.
type Catalog struct {
	byID map[string]Milestone
}

// New builds a catalog, rejecting empty ids, duplicates and negative
// thresholds. A missing label falls back to the id.
func New(milestones []Milestone) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Milestone, len(milestones))}
	for i, m := range milestones {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("milestone at index %d missing id", i)
		}
		if _, exists := c.byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate milestone id: %s", m.ID)
		}
		if m.Threshold < 0 {
			return nil, fmt.Errorf("milestone '%s' has negative threshold %s", m.ID, m.Threshold)
		}
		if strings.TrimSpace(m.Label) == "" {
			m.Label = m.ID
		}
		c.byID[m.ID] = m
	}
	return c, nil
}

// Default returns the ranked random-seed table the alerting service
// shipped with. The early milestones carry a zero threshold and are
// therefore informational only.
func Default() *Catalog {
	c, err := New(DefaultMilestones())
	if err != nil {
		panic(err)
	}
	return c
}

func DefaultMilestones() []Milestone {
	return []Milestone{
		{ID: "rsg.enter_nether", Label: "Enter Nether"},
		{ID: "rsg.enter_bastion", Label: "Enter Bastion"},
		{ID: "rsg.enter_fortress", Label: "Enter Fortress"},
		{ID: "rsg.first_portal", Label: "First Portal"},
		{ID: "rsg.enter_stronghold", Label: "Enter Stronghold", Threshold: 300000 * time.Millisecond},
		{ID: "rsg.enter_end", Label: "Enter End", Threshold: 371000 * time.Millisecond},
		{ID: "rsg.credits", Label: "Finish", Threshold: 421494 * time.Millisecond},
	}
}

// Lookup returns the milestone for id, if it is alert-eligible.
func (c *Catalog) Lookup(id string) (Milestone, bool) {
	m, ok := c.byID[id]
	return m, ok
}

func (c *Catalog) Len() int {
	return len(c.byID)
}

// All returns every milestone ordered by threshold, then id.
func (c *Catalog) All() []Milestone {
	all := make([]Milestone, 0, len(c.byID))
	for _, m := range c.byID {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Threshold != all[j].Threshold {
			return all[i].Threshold < all[j].Threshold
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// Informational returns the ids of milestones whose threshold is zero.
// They are looked up like any other entry but can never alert.
func (c *Catalog) Informational() []string {
	var ids []string
	for _, m := range c.All() {
		if m.Threshold == 0 {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
