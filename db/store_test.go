package db_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/testutil"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, offset time.Duration, p record.Payload) record.Record {
	return record.Record{
		ID:       id,
		Channel:  "alpha/x",
		Server:   "alpha",
		Username: "alice",
		Symbol:   "@",
		Time:     base.Add(offset),
		Payload:  p,
	}
}

func mustLines(t *testing.T, rs ...record.Record) []db.Line {
	t.Helper()
	out := make([]db.Line, 0, len(rs))
	for _, r := range rs {
		l, err := db.LineFromRecord(r)
		if err != nil {
			t.Fatalf("LineFromRecord(%s): %v", r.ID, err)
		}
		out = append(out, l)
	}
	return out
}

func TestLinesRoundTrip(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()

	msg := rec("01", 0, record.Message{Text: "hello bob"})
	msg.Tags = map[string]string{"color": "#FF0000"}
	msg.Tier = record.TierFriend
	msg.HighlightedBy = []string{"bob", "robert"}
	join := rec("02", time.Second, record.Join{})
	join.Symbol = ""
	part := rec("03", 2*time.Second, record.Part{Reason: "bye"})
	part.Symbol = ""
	bunch := rec("04", 2*time.Second, record.Events{
		Members:   []record.Record{join, part},
		JoinCount: 1,
		PartCount: 1,
	})
	bunch.Username, bunch.Symbol = "", ""
	kick := rec("05", 3*time.Second, record.Kick{By: "op", Reason: "spam"})
	mode := rec("06", 4*time.Second, record.Mode{Mode: "+o", Argument: "bob"})

	in := []record.Record{msg, bunch, kick, mode}
	if err := store.InsertLines(ctx, mustLines(t, in...)); err != nil {
		t.Fatalf("InsertLines: %v", err)
	}

	lines, err := store.RecentLines(ctx, "alpha/x", 10)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	if len(lines) != len(in) {
		t.Fatalf("got %d lines, want %d", len(lines), len(in))
	}
	for i, l := range lines {
		got, err := l.Record()
		if err != nil {
			t.Fatalf("Record(%s): %v", l.ID, err)
		}
		want := in[i]
		if got.ID != want.ID || got.Username != want.Username || got.Symbol != want.Symbol || !got.Time.Equal(want.Time) {
			t.Errorf("record %d = %+v, want %+v", i, got, want)
		}
		if got.Kind() != want.Kind() {
			t.Errorf("record %d kind = %s, want %s", i, got.Kind(), want.Kind())
		}
		if want.Kind() != record.KindEvents && got.Payload != want.Payload {
			t.Errorf("record %d payload = %#v, want %#v", i, got.Payload, want.Payload)
		}
	}

	first, _ := lines[0].Record()
	if !reflect.DeepEqual(first.Tags, msg.Tags) || first.Tier != record.TierFriend || !reflect.DeepEqual(first.HighlightedBy, msg.HighlightedBy) {
		t.Errorf("metadata not restored: %+v", first)
	}
	got, _ := lines[1].Record()
	ev := got.Payload.(record.Events)
	if ev.JoinCount != 1 || ev.PartCount != 1 || len(ev.Members) != 2 {
		t.Fatalf("bunch = %+v", ev)
	}
	if ev.Members[1].Payload != (record.Part{Reason: "bye"}) || ev.Members[1].Channel != "alpha/x" {
		t.Errorf("bunch member = %+v", ev.Members[1])
	}
}

func TestInsertLinesSkipsDuplicates(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()
	lines := mustLines(t, rec("01", 0, record.Message{Text: "a"}))

	for i := 0; i < 2; i++ {
		if err := store.InsertLines(ctx, lines); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	got, err := store.RecentLines(ctx, "alpha/x", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d lines, want 1", len(got))
	}
}

func TestRecentLinesLimitAndOrder(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()
	var rs []record.Record
	for i := 0; i < 10; i++ {
		rs = append(rs, rec(record.NewID(), time.Duration(i)*time.Second, record.Message{Text: "m"}))
	}
	other := rec(record.NewID(), 0, record.Message{Text: "elsewhere"})
	other.Channel = "beta/x"
	rs = append(rs, other)
	if err := store.InsertLines(ctx, mustLines(t, rs...)); err != nil {
		t.Fatal(err)
	}

	got, err := store.RecentLines(ctx, "alpha/x", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d lines, want 3", len(got))
	}
	for i, l := range got {
		if l.ID != rs[7+i].ID {
			t.Errorf("line %d = %s, want %s", i, l.ID, rs[7+i].ID)
		}
	}

	channels, err := store.Channels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(channels, []string{"alpha/x", "beta/x"}) {
		t.Errorf("Channels() = %v", channels)
	}
}

func TestDeleteLines(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()
	rs := []record.Record{
		rec("01", 0, record.Join{}),
		rec("02", time.Second, record.Join{}),
		rec("03", 2*time.Second, record.Join{}),
	}
	if err := store.InsertLines(ctx, mustLines(t, rs...)); err != nil {
		t.Fatal(err)
	}
	n, err := store.DeleteLines(ctx, []string{"01", "03", "missing"})
	if err != nil {
		t.Fatalf("DeleteLines: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	got, _ := store.RecentLines(ctx, "alpha/x", 10)
	if len(got) != 1 || got[0].ID != "02" {
		t.Errorf("remaining = %+v", got)
	}
	if n, err := store.DeleteLines(ctx, nil); err != nil || n != 0 {
		t.Errorf("DeleteLines(nil) = %d, %v", n, err)
	}
}

func TestLastSeen(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()

	err := store.UpsertLastSeen(ctx, map[string]db.LastSeen{
		"alpha/x": {RecordID: "01", Time: base},
		"beta/x":  {RecordID: "02", Time: base},
	})
	if err != nil {
		t.Fatalf("UpsertLastSeen: %v", err)
	}
	err = store.UpsertLastSeen(ctx, map[string]db.LastSeen{"alpha/x": {RecordID: "03", Time: base.Add(time.Minute)}})
	if err != nil {
		t.Fatalf("second UpsertLastSeen: %v", err)
	}

	seen, err := store.LoadLastSeen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen["alpha/x"].RecordID != "03" || !seen["alpha/x"].Time.Equal(base.Add(time.Minute)) {
		t.Errorf("LoadLastSeen = %+v", seen)
	}
}

func TestUnseen(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"01", "02", "03"} {
		if err := store.AddUnseen(ctx, id, "alpha/x", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddUnseen: %v", err)
		}
	}
	if err := store.AddUnseen(ctx, "01", "alpha/x", base); err != nil {
		t.Fatalf("duplicate AddUnseen: %v", err)
	}
	if err := store.RemoveUnseen(ctx, "02"); err != nil {
		t.Fatal(err)
	}
	ids, err := store.LoadUnseen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"01", "03"}) {
		t.Errorf("LoadUnseen = %v", ids)
	}
	if err := store.ClearUnseen(ctx); err != nil {
		t.Fatal(err)
	}
	ids, _ = store.LoadUnseen(ctx)
	if len(ids) != 0 {
		t.Errorf("unseen after clear = %v", ids)
	}
}

func TestPing(t *testing.T) {
	store := testutil.SetupTestDB(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPostgresMigrations(t *testing.T) {
	store := testutil.SetupPostgresDB(t)
	version, dirty, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version < 1 || dirty {
		t.Errorf("version = %d dirty = %v", version, dirty)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}
