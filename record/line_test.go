package record

import (
	"errors"
	"reflect"
	"testing"
)

func TestBuildLineFormats(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"msg", Record{Symbol: "@", Username: "alice", Payload: Message{Text: "hello there"}}, "<@alice> hello there"},
		{"action", Record{Username: "alice", Payload: Action{Text: "waves"}}, "* alice waves"},
		{"notice", Record{Symbol: "+", Username: "bot", Payload: Notice{Text: "ping"}}, "-+bot- ping"},
		{"join", Record{Username: "bob", Payload: Join{}}, "** bob joined"},
		{"part no reason", Record{Username: "bob", Payload: Part{}}, "** bob left"},
		{"part reason", Record{Username: "bob", Payload: Part{Reason: "bye"}}, "** bob left (bye)"},
		{"quit reason", Record{Username: "bob", Payload: Quit{Reason: "Ping timeout: 240 seconds"}}, "** bob left (Ping timeout: 240 seconds)"},
		{"kick", Record{Symbol: "+", Username: "eve", Payload: Kick{By: "op", Reason: "spam"}}, "** +eve was kicked by op (spam)"},
		{"kick no reason", Record{Username: "eve", Payload: Kick{By: "op"}}, "** eve was kicked by op"},
		{"mode arg", Record{Symbol: "@", Username: "op", Payload: Mode{Mode: "+o", Argument: "alice"}}, "** @op sets mode: +o alice"},
		{"mode no arg", Record{Username: "op", Payload: Mode{Mode: "+m"}}, "** op sets mode: +m"},
		{"kill", Record{Username: "eve", Payload: Kill{Reason: "flooding"}}, "** eve was killed (flooding)"},
		{"connected", Record{Payload: ConnectionEvent{Status: StatusConnected, Server: "libera"}}, "*** connected to libera"},
		{"registered", Record{Payload: ConnectionEvent{Status: StatusRegistered, Server: "libera"}}, "*** registered by libera"},
		{"disconnected", Record{Payload: ConnectionEvent{Status: StatusDisconnected, Server: "libera"}}, "*** disconnected from libera"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildLine(tt.rec)
			if err != nil {
				t.Fatalf("BuildLine() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	recs := []Record{
		{Symbol: "@", Username: "alice", Payload: Message{Text: "hi <there> - friend"}},
		{Username: "alice", Payload: Message{Text: ""}},
		{Username: "alice", Payload: Action{Text: "does a thing"}},
		{Username: "dash-", Payload: Notice{Text: "a- b -c-"}},
		{Symbol: "~", Username: "carol", Payload: Join{}},
		{Username: "dave", Payload: Part{}},
		{Username: "dave", Payload: Part{Reason: "leaving (for real)"}},
		{Symbol: "%", Username: "erin", Payload: Quit{Reason: "Quit: bye"}},
		{Username: "frank", Payload: Kick{By: "op", Reason: "too loud"}},
		{Username: "frank", Payload: Kick{By: "op"}},
		{Symbol: "@", Username: "op", Payload: Mode{Mode: "-v", Argument: "frank"}},
		{Username: "op", Payload: Mode{Mode: "+k", Argument: "secret key"}},
		{Username: "gina", Payload: Kill{}},
		{Username: "gina", Payload: Kill{Reason: "K-lined"}},
	}
	for _, status := range []ConnStatus{StatusConnecting, StatusConnected, StatusRegistered, StatusDisconnected, StatusAborted, StatusFailed} {
		recs = append(recs, Record{Payload: ConnectionEvent{Status: status, Server: "irc.example.net"}})
	}

	for _, rec := range recs {
		line, err := BuildLine(rec)
		if err != nil {
			t.Fatalf("BuildLine(%+v) error: %v", rec, err)
		}
		got, err := ParseLine(rec.Kind(), line)
		if err != nil {
			t.Fatalf("ParseLine(%s, %q) error: %v", rec.Kind(), line, err)
		}
		if got.Symbol != rec.Symbol || got.Username != rec.Username {
			t.Errorf("ParseLine(%q) user = %q%q, want %q%q", line, got.Symbol, got.Username, rec.Symbol, rec.Username)
		}
		if !reflect.DeepEqual(got.Payload, rec.Payload) {
			t.Errorf("ParseLine(%q) payload = %#v, want %#v", line, got.Payload, rec.Payload)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	tests := []struct {
		kind Kind
		line string
	}{
		{KindMessage, "alice hello"},
		{KindMessage, "<alice>hello"},
		{KindAction, "* alice"},
		{KindNotice, "-alice hello"},
		{KindJoin, "** alice left"},
		{KindPart, "** alice left (unterminated"},
		{KindKick, "** alice was kicked by "},
		{KindMode, "** op sets mode: "},
		{KindKill, "** alice was killed because"},
		{KindConnection, "*** connected from libera"},
		{KindConnection, "*** exploded to libera"},
		{KindMessage, "<@> hello"},
	}
	for _, tt := range tests {
		if _, err := ParseLine(tt.kind, tt.line); !errors.Is(err, ErrMalformedLine) {
			t.Errorf("ParseLine(%s, %q) error = %v, want ErrMalformedLine", tt.kind, tt.line, err)
		}
	}
}

func TestEventsHaveNoLineForm(t *testing.T) {
	if _, err := BuildLine(Record{Payload: Events{}}); !errors.Is(err, ErrNoLineForm) {
		t.Errorf("BuildLine(events) error = %v, want ErrNoLineForm", err)
	}
	if _, err := ParseLine(KindEvents, "anything"); !errors.Is(err, ErrNoLineForm) {
		t.Errorf("ParseLine(events) error = %v, want ErrNoLineForm", err)
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct{ in, symbol, user string }{
		{"@alice", "@", "alice"},
		{"~@bob", "~@", "bob"},
		{"carol", "", "carol"},
		{"", "", ""},
	}
	for _, tt := range tests {
		symbol, user := SplitSymbol(tt.in)
		if symbol != tt.symbol || user != tt.user {
			t.Errorf("SplitSymbol(%q) = %q, %q; want %q, %q", tt.in, symbol, user, tt.symbol, tt.user)
		}
	}
}
