package record

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewIDUniqueAndOrdered(t *testing.T) {
	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
		if prev != "" && id <= prev {
			t.Fatalf("id %s not greater than previous %s", id, prev)
		}
		prev = id
	}
}

func TestKindLowSignal(t *testing.T) {
	low := map[Kind]bool{KindJoin: true, KindPart: true, KindQuit: true, KindKick: true, KindMode: true, KindKill: true}
	for _, k := range Kinds {
		if k.LowSignal() != low[k] {
			t.Errorf("%s.LowSignal() = %v, want %v", k, k.LowSignal(), low[k])
		}
	}
}

func TestRecordMarshalJSON(t *testing.T) {
	r := Record{
		ID:            "01HX",
		Channel:       "alpha/x",
		Server:        "alpha",
		Username:      "alice",
		Time:          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:       Message{Text: "hi bob"},
		Tier:          TierCloseFriend,
		HighlightedBy: []string{"bob"},
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"kind":"msg"`, `"data":{"text":"hi bob"}`, `"tier":"closeFriend"`, `"highlightedBy":["bob"]`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}
}

func TestEventsEncodeDecode(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	in := Events{
		JoinCount: 1,
		PartCount: 1,
		Members: []Record{
			{ID: "a", Channel: "alpha/x", Server: "alpha", Username: "alice", Time: ts, Payload: Join{}},
			{ID: "b", Channel: "alpha/x", Server: "alpha", Symbol: "@", Username: "bob", Time: ts, Payload: Part{Reason: "bye"}},
		},
	}
	data, err := EncodeEvents(in)
	if err != nil {
		t.Fatalf("EncodeEvents: %v", err)
	}
	out, err := DecodeEvents(data, "alpha/x", "alpha")
	if err != nil {
		t.Fatalf("DecodeEvents: %v", err)
	}
	if out.JoinCount != 1 || out.PartCount != 1 || len(out.Members) != 2 {
		t.Fatalf("decoded = %+v", out)
	}
	if out.Members[1].Symbol != "@" || out.Members[1].Payload != (Part{Reason: "bye"}) {
		t.Errorf("member = %+v", out.Members[1])
	}
}
