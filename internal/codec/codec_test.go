package codec_test

import (
	"strings"
	"testing"

	"calwatch/internal/codec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := codec.Payload{
		ActionEventUID: "a1",
		ActionType:     "reminder",
		UserEventUID:   "u1",
		Relationship:   "reminder_for",
		DueTS:          1700000000,
		Status:         "planned",
	}
	desc := codec.Encode("Reminder: Board Review", p)
	got, ok := codec.Decode(desc)
	if !ok {
		t.Fatalf("expected payload")
	}
	if *got != p {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !strings.HasPrefix(desc, "Reminder: Board Review\n") {
		t.Fatalf("existing text lost: %q", desc)
	}
}

func TestEncodeReplacesExistingMarker(t *testing.T) {
	desc := codec.Encode("text", codec.Payload{ActionEventUID: "a1", Status: "planned"})
	desc = codec.Encode(desc, codec.Payload{ActionEventUID: "a1", Status: "paused"})
	if strings.Count(desc, codec.Prefix) != 1 {
		t.Fatalf("expected single marker line: %q", desc)
	}
	p, _ := codec.Decode(desc)
	if p.Status != "paused" {
		t.Fatalf("expected replaced status, got %s", p.Status)
	}
}

func TestDecodeMalformedIsSilent(t *testing.T) {
	for _, desc := range []string{"", "no marker here", codec.Prefix + " {not json"} {
		if p, ok := codec.Decode(desc); ok || p != nil {
			t.Fatalf("expected no payload for %q", desc)
		}
	}
}

func TestUpdateStatus(t *testing.T) {
	desc := codec.Encode("prompt", codec.Payload{ActionEventUID: "a1", Status: "pending"})
	updated := codec.UpdateStatus(desc, "canceled")
	p, ok := codec.Decode(updated)
	if !ok || p.Status != "canceled" {
		t.Fatalf("expected canceled status, got %+v", p)
	}
	// no marker: unchanged
	if got := codec.UpdateStatus("plain text", "done"); got != "plain text" {
		t.Fatalf("markerless description changed: %q", got)
	}
}
