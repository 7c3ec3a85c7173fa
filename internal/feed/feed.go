// Package feed fetches and decodes the live-runs feed.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is one participant's live run as listed in a single feed response.
type Session struct {
	Participant string
	Events      []Event // feed order, not necessarily chronological
	LiveAccount string
}

// Event is a milestone reached at ElapsedMillis of in-game time.
type Event struct {
	MilestoneID   string
	ElapsedMillis int64
}

func (e Event) Elapsed() time.Duration {
	return time.Duration(e.ElapsedMillis) * time.Millisecond
}

// RecordError describes a feed record (or one of its events) that could
// not be decoded and was skipped.
type RecordError struct {
	Index       int
	Participant string
	Reason      string
}

func (e *RecordError) Error() string {
	if e.Participant != "" {
		return fmt.Sprintf("feed record %d (%s): %s", e.Index, e.Participant, e.Reason)
	}
	return fmt.Sprintf("feed record %d: %s", e.Index, e.Reason)
}

type rawSession struct {
	Nickname  *string           `json:"nickname"`
	EventList []json.RawMessage `json:"eventList"`
	User      json.RawMessage   `json:"user"`
}

type rawEvent struct {
	EventID *string      `json:"eventId"`
	IGT     *json.Number `json:"igt"`
}

type rawUser struct {
	LiveAccount *string `json:"liveAccount"`
}

// Parse decodes a feed payload. The top level must be a JSON list;
// anything else is a malformed payload. Individual records that cannot be
// used are skipped and reported in skipped without failing the parse.
func Parse(data []byte) (sessions []Session, skipped []error, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil, fmt.Errorf("top-level payload is not a list")
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, nil, fmt.Errorf("decoding feed list: %w", err)
	}

	sessions = make([]Session, 0, len(records))
	for i, record := range records {
		var raw rawSession
		if err := json.Unmarshal(record, &raw); err != nil {
			skipped = append(skipped, &RecordError{Index: i, Reason: err.Error()})
			continue
		}
		if raw.Nickname == nil || strings.TrimSpace(*raw.Nickname) == "" {
			skipped = append(skipped, &RecordError{Index: i, Reason: "missing nickname"})
			continue
		}

		s := Session{
			Participant: *raw.Nickname,
			Events:      make([]Event, 0, len(raw.EventList)),
			LiveAccount: decodeLiveAccount(raw.User),
		}
		for j, rawEv := range raw.EventList {
			ev, reason := decodeEvent(rawEv)
			if reason != "" {
				skipped = append(skipped, &RecordError{
					Index:       i,
					Participant: s.Participant,
					Reason:      fmt.Sprintf("event %d: %s", j, reason),
				})
				continue
			}
			s.Events = append(s.Events, ev)
		}
		sessions = append(sessions, s)
	}
	return sessions, skipped, nil
}

func decodeEvent(data json.RawMessage) (Event, string) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err.Error()
	}
	if raw.EventID == nil || *raw.EventID == "" {
		return Event{}, "missing eventId"
	}
	if raw.IGT == nil {
		return Event{}, "missing igt"
	}
	millis, err := raw.IGT.Int64()
	if err != nil {
		f, ferr := strconv.ParseFloat(raw.IGT.String(), 64)
		if ferr != nil {
			return Event{}, fmt.Sprintf("invalid igt %q", raw.IGT.String())
		}
		millis = int64(f)
	}
	if millis < 0 {
		return Event{}, fmt.Sprintf("negative igt %d", millis)
	}
	return Event{MilestoneID: *raw.EventID, ElapsedMillis: millis}, ""
}

// decodeLiveAccount is lenient: a missing or odd user object just means no handle.
func decodeLiveAccount(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var u rawUser
	if err := json.Unmarshal(data, &u); err != nil || u.LiveAccount == nil {
		return ""
	}
	return *u.LiveAccount
}
