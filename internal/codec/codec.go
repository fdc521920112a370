// Package codec encodes action metadata into calendar event descriptions.
//
// Every agent-created calendar entry carries a single marker line:
//
//	CW_ACTION: {"action_event_uid":"...","action_type":"reminder",...}
//
// which lets the executor correlate calendar entries with the link store even
// when the store is partially desynced, and lets state be recovered directly
// from the calendar if the store is lost.
package codec

import (
	"encoding/json"
	"strings"
)

const Prefix = "CW_ACTION:"

// Payload is the marker body. Field names are part of the wire format.
type Payload struct {
	ActionEventUID string `json:"action_event_uid"`
	ActionType     string `json:"action_type"`
	UserEventUID   string `json:"user_event_uid"`
	Relationship   string `json:"relationship"`
	DueTS          int64  `json:"due_ts"`
	Status         string `json:"status"`
}

// Encode appends or replaces the marker line in a description.
func Encode(existing string, p Payload) string {
	var lines []string
	for _, line := range strings.Split(existing, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), Prefix) {
			lines = append(lines, line)
		}
	}
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	b, _ := json.Marshal(p)
	lines = append(lines, Prefix+" "+string(b))
	return strings.Join(lines, "\n")
}

// Decode parses the marker line out of a description. A malformed or absent
// marker decodes to (nil, false); it is never an error.
func Decode(desc string) (*Payload, bool) {
	if desc == "" {
		return nil, false
	}
	for _, line := range strings.Split(desc, "\n") {
		stripped := strings.TrimSpace(line)
		if !strings.HasPrefix(stripped, Prefix) {
			continue
		}
		raw := strings.TrimSpace(stripped[len(Prefix):])
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, false
		}
		return &p, true
	}
	return nil, false
}

// UpdateStatus rewrites the status field of an embedded marker, leaving the
// rest of the description untouched. A description without a marker is
// returned unchanged.
func UpdateStatus(desc, status string) string {
	p, ok := Decode(desc)
	if !ok {
		return desc
	}
	p.Status = status
	return Encode(desc, *p)
}
