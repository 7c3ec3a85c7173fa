package history

import (
	"sync"
	"time"
)

const DefaultCapacity = 100

// Entry is one dispatched alert as kept in memory for the control surface.
type Entry struct {
	ID          string    `json:"id"`
	Participant string    `json:"participant"`
	MilestoneID string    `json:"milestone_id"`
	Label       string    `json:"label"`
	Elapsed     string    `json:"elapsed"`
	LiveAccount string    `json:"live_account,omitempty"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertLog keeps the most recent dispatched alerts. It is not persisted;
// a restart starts with an empty log.
type AlertLog struct {
	sync.RWMutex
	entries    []Entry
	maxEntries int
	total      int
}

func NewAlertLog(maxEntries int) *AlertLog {
	if maxEntries <= 0 {
		maxEntries = DefaultCapacity
	}
	return &AlertLog{
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Add appends an entry, evicting the oldest once capacity is reached.
func (l *AlertLog) Add(e Entry) {
	l.Lock()
	defer l.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	l.total++
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (l *AlertLog) Recent(n int) []Entry {
	l.RLock()
	defer l.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Since returns entries with a timestamp after t, oldest first.
func (l *AlertLog) Since(t time.Time) []Entry {
	l.RLock()
	defer l.RUnlock()

	var result []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if !l.entries[i].Timestamp.After(t) {
			break
		}
		result = append(result, l.entries[i])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Total counts every alert ever added, including evicted ones.
func (l *AlertLog) Total() int {
	l.RLock()
	defer l.RUnlock()
	return l.total
}
