package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/matt-riley/rolloutz/internal/repository"
)

func FuzzParseLastEventID(f *testing.F) {
	f.Add("", int64(0))
	f.Add(" 42 ", int64(42))
	f.Add("-1", int64(9))
	f.Add("18446744073709551616", int64(1<<62))
	f.Add("0x10", int64(0))

	f.Fuzz(func(t *testing.T, header string, id int64) {
		got, err := parseLastEventID(header)
		if err == nil && got < 0 {
			t.Fatalf("parseLastEventID(%q) = %d, want non-negative", header, got)
		}
		if err != nil && got != 0 {
			t.Fatalf("parseLastEventID(%q) = %d with error, want 0", header, got)
		}

		if id < 0 {
			return
		}
		roundTrip, err := parseLastEventID(strconv.FormatInt(id, 10))
		if err != nil || roundTrip != id {
			t.Fatalf("parseLastEventID(%d) = (%d, %v), want (%d, nil)", id, roundTrip, err, id)
		}
	})
}

func FuzzWriteSSEEventFraming(f *testing.F) {
	f.Add(int64(1), []byte(`{"key":"new-checkout","enabled":true}`))
	f.Add(int64(2), []byte("{\n  \"name\": \"beta-testers\"\n}"))
	f.Add(int64(3), []byte("plain\r\ntext\rwith\nbreaks"))
	f.Add(int64(4), []byte{})

	f.Fuzz(func(t *testing.T, id int64, payload []byte) {
		var body strings.Builder
		if err := writeSSEEvent(&body, id, "flag.updated", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		out := body.String()

		if !strings.HasSuffix(out, "\n\n") || strings.Count(out, "\n\n") != 1 {
			t.Fatalf("event %q is not terminated by exactly one blank line", out)
		}
		if strings.Contains(out, "\r") {
			t.Fatalf("event %q contains a carriage return", out)
		}

		lines := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n")
		if lines[0] != "id: "+strconv.FormatInt(id, 10) || lines[1] != "event: flag.updated" {
			t.Fatalf("event header = %q", lines[:2])
		}
		var data []string
		for _, line := range lines[2:] {
			value, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				t.Fatalf("line %q is not a data line", line)
			}
			data = append(data, value)
		}

		want := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(string(payload))
		var compact bytes.Buffer
		if json.Compact(&compact, payload) == nil {
			want = compact.String()
		}
		if got := strings.Join(data, "\n"); got != want {
			t.Fatalf("reassembled data = %q, want %q", got, want)
		}
	})
}

func FuzzToSSEEventName(f *testing.F) {
	f.Add(repository.ResourceFlag, "created")
	f.Add(repository.ResourceSegment, "deleted")
	f.Add("api_key", "updated")
	f.Add(repository.ResourceFlag, "renamed")

	f.Fuzz(func(t *testing.T, resource, eventType string) {
		name := toSSEEventName(repository.Event{Resource: resource, EventType: eventType})
		if name == "" {
			return
		}
		if name != resource+"."+eventType {
			t.Fatalf("toSSEEventName(%q, %q) = %q", resource, eventType, name)
		}
		switch name {
		case "flag.created", "flag.updated", "flag.deleted",
			"segment.created", "segment.updated", "segment.deleted":
		default:
			t.Fatalf("toSSEEventName(%q, %q) = %q, want a known event name", resource, eventType, name)
		}
	})
}
