package cache

import (
	"fmt"
	"testing"

	"github.com/onnwee/irc-relay/record"
)

func lowSignal(id string, p record.Payload) record.Record {
	return record.Record{ID: id, Channel: "alpha/x", Server: "alpha", Username: "u" + id, Payload: p}
}

func counter() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("bunch%d", n)
	}
}

func TestBunchJoinThenPart(t *testing.T) {
	c := New(0, Buncher{NewID: counter()})

	out := c.AppendChannel("alpha/x", lowSignal("j1", record.Join{}))
	if out.Replaced {
		t.Fatal("first record replaced an empty tail")
	}

	out = c.AppendChannel("alpha/x", lowSignal("p1", record.Part{}))
	if !out.Replaced || out.ReplacedID != "j1" {
		t.Fatalf("outcome = %+v", out)
	}
	got := c.Get(NSChannel, "alpha/x")
	if len(got) != 1 || got[0].Kind() != record.KindEvents {
		t.Fatalf("cache = %+v", got)
	}
	ev := got[0].Payload.(record.Events)
	if ev.JoinCount != 1 || ev.PartCount != 1 {
		t.Errorf("counts = %d/%d", ev.JoinCount, ev.PartCount)
	}
	if got[0].PriorIDs == nil || len(got[0].PriorIDs) != 0 {
		t.Errorf("priorIds after first bunch = %#v, want []", got[0].PriorIDs)
	}
	if fmt.Sprint(out.Superseded) != "[j1]" {
		t.Errorf("superseded = %v", out.Superseded)
	}

	firstID := got[0].ID
	out = c.AppendChannel("alpha/x", lowSignal("q1", record.Quit{Reason: "bye"}))
	got = c.Get(NSChannel, "alpha/x")
	if len(got) != 1 {
		t.Fatalf("second bunch grew cache to %d", len(got))
	}
	if fmt.Sprint(got[0].PriorIDs) != fmt.Sprint([]string{firstID}) {
		t.Errorf("priorIds after second bunch = %v, want [%s]", got[0].PriorIDs, firstID)
	}
	ev = got[0].Payload.(record.Events)
	if len(ev.Members) != 3 || ev.PartCount != 2 {
		t.Errorf("members=%d parts=%d", len(ev.Members), ev.PartCount)
	}
	if out.ReplacedID != firstID {
		t.Errorf("ReplacedID = %s", out.ReplacedID)
	}
}

func TestBunchMemberCap(t *testing.T) {
	const max = 5
	c := New(0, Buncher{MaxMembers: max, NewID: counter()})
	for i := 0; i < 20; i++ {
		c.AppendChannel("alpha/x", lowSignal(fmt.Sprint(i), record.Join{}))
	}
	got := c.Get(NSChannel, "alpha/x")
	if len(got) != 1 {
		t.Fatalf("cache len = %d", len(got))
	}
	ev := got[0].Payload.(record.Events)
	if len(ev.Members) != max {
		t.Errorf("members = %d, want %d", len(ev.Members), max)
	}
	if ev.Members[max-1].ID != "19" || ev.Members[0].ID != "15" {
		t.Errorf("members = %v", ids(ev.Members))
	}
	if len(got[0].PriorIDs) != max {
		t.Errorf("priorIds len = %d, want %d", len(got[0].PriorIDs), max)
	}
	if ev.JoinCount != 20 {
		t.Errorf("join count = %d", ev.JoinCount)
	}
}

func TestBunchBrokenByMessage(t *testing.T) {
	c := New(0, Buncher{NewID: counter()})
	c.AppendChannel("alpha/x", lowSignal("j1", record.Join{}))
	c.AppendChannel("alpha/x", record.Record{ID: "m1", Channel: "alpha/x", Payload: record.Message{Text: "hi"}})
	out := c.AppendChannel("alpha/x", lowSignal("j2", record.Join{}))
	if out.Replaced {
		t.Error("join after a message should append")
	}
	if n := len(c.Get(NSChannel, "alpha/x")); n != 3 {
		t.Errorf("cache len = %d", n)
	}
}

func TestBunchModeAndKickCounts(t *testing.T) {
	b := Buncher{NewID: counter()}
	out := b.Apply(lowSignal("m", record.Mode{Mode: "+o", Argument: "bob"}), true, lowSignal("k", record.Kick{By: "op"}))
	ev := out.Record.Payload.(record.Events)
	if ev.JoinCount != 0 || ev.PartCount != 1 {
		t.Errorf("counts = %d/%d", ev.JoinCount, ev.PartCount)
	}
}
