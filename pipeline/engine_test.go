package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/irc-relay/cache"
	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/testutil"
)

func testServer(name string, channels ...string) config.Server {
	return config.Server{
		Name:         name,
		Transport:    config.TransportIRC,
		Host:         "irc." + name + ".test",
		Nick:         "bob",
		Channels:     channels,
		RetryInitial: config.Duration{Duration: time.Millisecond},
		RetryMax:     config.Duration{Duration: 5 * time.Millisecond},
	}
}

func testConfig(servers ...config.Server) *config.Config {
	cfg := config.Defaults()
	cfg.Servers = servers
	return cfg
}

type recordingNotifier struct {
	mu       sync.Mutex
	displays []string
	ids      []string
}

func (n *recordingNotifier) Notify(r record.Record, display string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, r.ID)
	n.displays = append(n.displays, display)
}

// newEngine builds an engine over a manager whose sessions are registered but
// never connected, so Handle can be driven directly.
func newEngine(t *testing.T, cfg *config.Config, p *Persister, n Notifier) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr := chat.NewManager(ctx, testutil.NewFakeTransport().Dial, 0)
	for _, s := range cfg.Servers {
		_, err := mgr.AddServer(s)
		require.NoError(t, err)
	}
	return New(Options{Config: cfg, Manager: mgr, Persister: p, Notifier: n})
}

func msg(server, channel, user, text string) chat.Event {
	return chat.Event{Type: chat.EventMessage, Server: server, Channel: channel, Username: user, Text: text}
}

func ofType(v *testutil.RecordingViewer, typ string) []Message {
	var out []Message
	for _, m := range v.Messages() {
		if mm, ok := m.(Message); ok && mm.Type == typ {
			out = append(out, mm)
		}
	}
	return out
}

func TestHandlePublishesToChannelSubscribers(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x", "#y")), nil, nil)
	v := testutil.NewRecordingViewer("v1")
	other := testutil.NewRecordingViewer("v2")
	e.attach(v, true)
	e.attach(other, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/X"})
	e.HandleRequest(other, Request{Type: ReqSubscribe, Channel: "alpha/y"})

	e.Handle(msg("alpha", "#x", "alice", "hello"))

	snap := ofType(v, MsgChannelCache)
	require.Len(t, snap, 1)
	assert.Equal(t, "alpha/x", snap[0].Channel)
	assert.Empty(t, snap[0].Records)

	events := ofType(v, MsgChannelEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Record.Text())
	assert.Equal(t, "#x", events[0].Display)
	assert.False(t, events[0].Replace)
	assert.Empty(t, ofType(other, MsgChannelEvent))

	got := e.cache.Get(cache.NSChannel, "alpha/x")
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Username)
}

func TestBunchReplacementIsPublishedInPlace(t *testing.T) {
	store := &fakeStore{}
	p := NewPersister(store, nil)
	e := newEngine(t, testConfig(testServer("alpha", "#x")), p, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x"})

	e.Handle(chat.Event{Type: chat.EventJoin, Server: "alpha", Channel: "#x", Username: "carol"})
	e.Handle(chat.Event{Type: chat.EventPart, Server: "alpha", Channel: "#x", Username: "dave"})

	got := e.cache.Get(cache.NSChannel, "alpha/x")
	require.Len(t, got, 1)
	ev, ok := got[0].Payload.(record.Events)
	require.True(t, ok)
	assert.Equal(t, 1, ev.JoinCount)
	assert.Equal(t, 1, ev.PartCount)

	pushed := ofType(v, MsgChannelEvent)
	require.Len(t, pushed, 2)
	assert.False(t, pushed[0].Replace)
	assert.True(t, pushed[1].Replace)
	assert.Equal(t, pushed[0].Record.ID, pushed[1].ReplacedID)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []string{got[0].ID}, store.insertedIDs())
	assert.Empty(t, store.deleted, "a row superseded before its first flush is never written")
}

func TestHighlightFlow(t *testing.T) {
	store := &fakeStore{}
	p := NewPersister(store, nil)
	n := &recordingNotifier{}
	cfg := testConfig(testServer("alpha", "#x"), testServer("beta", "#x"))
	cfg.Cache.ContextWindow = 2
	e := newEngine(t, cfg, p, n)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Category: cache.CategoryHighlights})

	for i := 0; i < 3; i++ {
		e.Handle(msg("alpha", "#x", "alice", fmt.Sprintf("line %d", i)))
	}
	e.Handle(msg("alpha", "#x", "alice", "hey Bob, you there?"))
	anchor, ok := e.cache.Tail(cache.NSChannel, "alpha/x")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, anchor.HighlightedBy)

	hl := e.cache.Get(cache.NSCategory, cache.CategoryHighlights)
	require.Len(t, hl, 1)
	assert.Equal(t, anchor.ID, hl[0].ID)
	assert.True(t, e.tracker.Unseen().Contains(anchor.ID))

	ctx, ok := e.tracker.Context(anchor.ID)
	require.True(t, ok)
	require.Len(t, ctx.Records, 2)
	assert.Equal(t, "line 1", ctx.Records[0].Text())

	for i := 0; i < 3; i++ {
		e.Handle(msg("alpha", "#x", "alice", fmt.Sprintf("after %d", i)))
	}
	ctx, _ = e.tracker.Context(anchor.ID)
	assert.Len(t, ctx.Records, 4)
	assert.False(t, ctx.Collecting)

	news := ofType(v, MsgNewHighlight)
	require.Len(t, news, 1)
	assert.Equal(t, "alpha #x", news[0].Display)
	assert.Len(t, ofType(v, MsgCategoryCache), 2, "snapshot plus one increment")
	assert.Equal(t, []string{"alpha #x"}, n.displays)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []string{anchor.ID}, store.unseenAdded)
}

func TestHighlightContextReachesViewers(t *testing.T) {
	cfg := testConfig(testServer("alpha", "#x"))
	cfg.Cache.ContextWindow = 2
	e := newEngine(t, cfg, nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Category: cache.CategoryHighlights})

	for i := 0; i < 3; i++ {
		e.Handle(msg("alpha", "#x", "alice", fmt.Sprintf("line %d", i)))
	}
	e.Handle(msg("alpha", "#x", "alice", "bob: ping"))
	anchor, _ := e.cache.Tail(cache.NSChannel, "alpha/x")

	news := ofType(v, MsgNewHighlight)
	require.Len(t, news, 1)
	require.NotNil(t, news[0].Context)
	assert.Equal(t, anchor.ID, news[0].Context.AnchorID)
	require.Len(t, news[0].Context.Records, 2)
	assert.Equal(t, "line 1", news[0].Context.Records[0].Text())
	assert.Equal(t, "line 2", news[0].Context.Records[1].Text())
	assert.True(t, news[0].Context.Collecting)

	cats := ofType(v, MsgCategoryCache)
	require.Len(t, cats, 2)
	require.Len(t, cats[1].Contexts, 1)
	assert.Len(t, cats[1].Contexts[0].Records, 2)

	e.Handle(msg("alpha", "#x", "alice", "after 0"))
	updates := ofType(v, MsgHighlightContext)
	require.Len(t, updates, 1)
	assert.Equal(t, anchor.ID, updates[0].Context.AnchorID)
	require.Len(t, updates[0].Context.Records, 3)
	assert.Equal(t, "after 0", updates[0].Context.Records[2].Text())
	assert.Equal(t, "alpha #x", updates[0].Display)

	// A viewer connecting later gets the contexts with the highlights snapshot.
	late := testutil.NewRecordingViewer("v2")
	e.attach(late, true)
	e.HandleRequest(late, Request{Type: ReqSubscribe, Category: cache.CategoryHighlights})
	snap := ofType(late, MsgCategoryCache)
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Records, 1)
	require.Len(t, snap[0].Contexts, 1)
	got := snap[0].Contexts[0]
	assert.Equal(t, anchor.ID, got.AnchorID)
	require.Len(t, got.Records, 3)
	assert.Equal(t, "line 1", got.Records[0].Text())
	assert.Equal(t, "line 2", got.Records[1].Text())
}

func TestOwnPartFinalizesContexts(t *testing.T) {
	cfg := testConfig(testServer("alpha", "#x"))
	cfg.Cache.ContextWindow = 2
	e := newEngine(t, cfg, nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)

	e.Handle(msg("alpha", "#x", "alice", "line 0"))
	e.Handle(msg("alpha", "#x", "alice", "bob: ping"))
	anchor, _ := e.cache.Tail(cache.NSChannel, "alpha/x")

	e.Handle(chat.Event{Type: chat.EventPart, Server: "alpha", Channel: "#x", Username: "bob", Self: true})

	ctx, ok := e.tracker.Context(anchor.ID)
	require.True(t, ok)
	assert.False(t, ctx.Collecting)
	assert.Len(t, ctx.Records, 1)
	updates := ofType(v, MsgHighlightContext)
	require.Len(t, updates, 1)
	assert.False(t, updates[0].Context.Collecting)

	e.Handle(msg("alpha", "#x", "alice", "after rejoin"))
	ctx, _ = e.tracker.Context(anchor.ID)
	assert.Len(t, ctx.Records, 1)
	assert.Len(t, ofType(v, MsgHighlightContext), 1)
}

func TestOwnMessagesNeverHighlight(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x")), nil, nil)
	ev := msg("alpha", "#x", "bob", "bob is back")
	ev.Self = true
	e.Handle(ev)
	e.Handle(msg("alpha", "#x", "Bob", "talking about bob"))

	assert.Empty(t, e.cache.Get(cache.NSCategory, cache.CategoryHighlights))
	assert.Equal(t, 0, e.tracker.Unseen().Len())
}

func TestFriendPlacement(t *testing.T) {
	cfg := testConfig(testServer("alpha", "#x"))
	cfg.Identities.Friends = []string{"carol", "dave"}
	cfg.Identities.CloseFriends = []string{"CAROL"}
	e := newEngine(t, cfg, nil, nil)

	e.Handle(msg("alpha", "#x", "Carol", "hi"))
	e.Handle(msg("alpha", "#x", "dave", "yo"))
	e.Handle(msg("alpha", "#x", "mallory", "psst"))

	carol := e.cache.Get(cache.NSUser, "carol")
	require.Len(t, carol, 1)
	assert.Equal(t, record.TierCloseFriend, carol[0].Tier)
	assert.Equal(t, record.TierFriend, e.cache.Get(cache.NSUser, "dave")[0].Tier)
	assert.Empty(t, e.cache.Get(cache.NSUser, "mallory"))
	assert.Len(t, e.cache.Get(cache.NSCategory, cache.CategoryAllFriends), 2)
	assert.Len(t, e.cache.Get(cache.NSChannel, "alpha/x"), 3)
}

func TestConnectionEvents(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x")), nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)

	e.Handle(chat.Event{Type: chat.EventRegistered, Server: "alpha"})
	e.Handle(chat.Event{Type: chat.EventNetError, Server: "alpha", Text: "reset by peer"})
	e.Handle(chat.Event{Type: chat.EventDisconnect, Server: "alpha"})

	sys := e.cache.Get(cache.NSCategory, cache.CategorySystem)
	require.Len(t, sys, 2)
	ce, ok := sys[0].Payload.(record.ConnectionEvent)
	require.True(t, ok)
	assert.Equal(t, record.StatusRegistered, ce.Status)

	statuses := ofType(v, MsgConnectionStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connected", statuses[0].Status)
	assert.Equal(t, "disconnected", statuses[1].Status)
	assert.Empty(t, e.cache.Keys(cache.NSChannel))
}

func TestNamesPublishUserList(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x")), nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x"})
	v.Reset()

	e.Handle(chat.Event{Type: chat.EventNames, Server: "alpha", Channel: "#x", Names: []chat.Member{{Symbol: "@", Nick: "op"}, {Nick: "alice"}}})

	lists := ofType(v, MsgChannelUserList)
	require.Len(t, lists, 1)
	assert.Equal(t, []User{{Symbol: "@", Nick: "op"}, {Nick: "alice"}}, lists[0].Users)
	assert.Empty(t, e.cache.Get(cache.NSChannel, "alpha/x"))
}

func TestAmbiguousChannelData(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x", "#solo"), testServer("beta", "#X")), nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)

	data := ofType(v, MsgChannelData)
	require.Len(t, data, 1)
	byKey := make(map[string]ChannelInfo)
	for _, c := range data[0].Channels {
		byKey[c.Key] = c
	}
	assert.True(t, byKey["alpha/x"].Ambiguous)
	assert.Equal(t, "alpha #x", byKey["alpha/x"].Display)
	assert.Equal(t, "beta #X", byKey["beta/x"].Display)
	assert.False(t, byKey["alpha/solo"].Ambiguous)
	assert.Equal(t, "#solo", byKey["alpha/solo"].Display)
	assert.Equal(t, "disconnected", byKey["alpha/solo"].State)
}

func TestUnauthenticatedRequestsIgnored(t *testing.T) {
	cfg := testConfig(testServer("alpha", "#x"))
	cfg.Viewer.Token = "secret"
	e := newEngine(t, cfg, nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, false)

	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x"})
	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x", Token: "wrong"})
	assert.Empty(t, v.Messages())
	assert.Equal(t, 0, e.reg.Subscribers(channelSub("alpha/x")))

	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x", Token: "secret"})
	assert.Len(t, ofType(v, MsgUnseenHighlights), 1)
	assert.Len(t, ofType(v, MsgChannelCache), 1)

	// Once validated, later requests need no token.
	e.HandleRequest(v, Request{Type: ReqPing})
	assert.Len(t, ofType(v, MsgPong), 1)
}

func TestUnseenAcknowledgement(t *testing.T) {
	store := &fakeStore{}
	p := NewPersister(store, nil)
	e := newEngine(t, testConfig(testServer("alpha", "#x")), p, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)

	e.Handle(msg("alpha", "#x", "alice", "bob: one"))
	e.Handle(msg("alpha", "#x", "alice", "bob: two"))
	ids := e.tracker.Unseen().IDs()
	require.Len(t, ids, 2)

	e.HandleRequest(v, Request{Type: ReqReportHighlightAsSeen, MessageID: ids[0]})
	e.HandleRequest(v, Request{Type: ReqReportHighlightAsSeen, MessageID: ids[0]})
	assert.Equal(t, []string{ids[1]}, e.tracker.Unseen().IDs())

	e.HandleRequest(v, Request{Type: ReqClearUnseen})
	assert.Equal(t, 0, e.tracker.Unseen().Len())

	updates := ofType(v, MsgUnseenHighlights)
	require.Len(t, updates, 3, "welcome, one ack, one clear")
	assert.Empty(t, updates[2].IDs)

	require.NoError(t, p.Flush(context.Background()))
	assert.True(t, store.cleared)
	assert.Empty(t, store.unseenAdded, "clear supersedes queued adds")
}

func TestLastSeenBatched(t *testing.T) {
	store := &fakeStore{}
	p := NewPersister(store, nil)
	e := newEngine(t, testConfig(testServer("alpha", "#x", "#y")), p, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)

	e.Handle(msg("alpha", "#x", "alice", "1"))
	e.Handle(msg("alpha", "#x", "alice", "2"))
	e.Handle(msg("alpha", "#y", "alice", "3"))
	last, _ := e.cache.Tail(cache.NSChannel, "alpha/x")

	e.flushLastSeen()
	e.flushLastSeen()

	batches := ofType(v, MsgLastSeen)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].LastSeen, 2)
	assert.Equal(t, last.ID, batches[0].LastSeen["alpha/x"].ID)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, last.ID, store.lastSeen["alpha/x"].RecordID)
}

func TestDetachIsIdempotent(t *testing.T) {
	e := newEngine(t, testConfig(testServer("alpha", "#x")), nil, nil)
	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	e.HandleRequest(v, Request{Type: ReqSubscribe, Channel: "alpha/x"})
	e.HandleRequest(v, Request{Type: ReqSubscribe, Username: "carol"})

	e.detach(v)
	e.detach(v)
	assert.Equal(t, 0, e.reg.Subscribers(channelSub("alpha/x")))
	assert.Equal(t, 0, e.reg.Viewers())
	assert.Empty(t, e.viewers)
}

func TestWarmFromStore(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var lines []db.Line
	for i, text := range []string{"one", "bob: two", "three"} {
		r := record.Record{
			ID:       fmt.Sprintf("0%d", i),
			Channel:  "alpha/x",
			Server:   "alpha",
			Username: "alice",
			Time:     at.Add(time.Duration(i) * time.Second),
			Payload:  record.Message{Text: text},
		}
		if i == 1 {
			r.HighlightedBy = []string{"bob"}
		}
		l, err := db.LineFromRecord(r)
		require.NoError(t, err)
		lines = append(lines, l)
	}
	require.NoError(t, store.InsertLines(ctx, lines))
	require.NoError(t, store.AddUnseen(ctx, "01", "alpha/x", at))

	e := newEngine(t, testConfig(testServer("alpha", "#x")), nil, nil)
	require.NoError(t, e.Warm(ctx, store))

	got := e.cache.Get(cache.NSChannel, "alpha/x")
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Text())
	hl := e.cache.Get(cache.NSCategory, cache.CategoryHighlights)
	require.Len(t, hl, 1)
	assert.Equal(t, "01", hl[0].ID)
	assert.Equal(t, []string{"01"}, e.tracker.Unseen().IDs())
}

func TestWarmOrdersAcrossChannelsAndRestoresState(t *testing.T) {
	store := testutil.SetupTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []struct {
		id, channel, text string
		highlight         bool
	}{
		{"00", "alpha/x", "x one", false},
		{"01", "alpha/y", "y one", false},
		{"02", "alpha/x", "x two", false},
		{"03", "alpha/y", "bob: y two", true},
		{"04", "alpha/x", "x three", false},
		{"05", "alpha/y", "y three", false},
	}
	var lines []db.Line
	for i, row := range rows {
		r := record.Record{
			ID:       row.id,
			Channel:  row.channel,
			Server:   "alpha",
			Username: "carol",
			Tier:     record.TierFriend,
			Time:     at.Add(time.Duration(i) * time.Second),
			Payload:  record.Message{Text: row.text},
		}
		if row.highlight {
			r.HighlightedBy = []string{"bob"}
		}
		l, err := db.LineFromRecord(r)
		require.NoError(t, err)
		lines = append(lines, l)
	}
	require.NoError(t, store.InsertLines(ctx, lines))
	require.NoError(t, store.UpsertLastSeen(ctx, map[string]db.LastSeen{"alpha/x": {RecordID: "04", Time: at.Add(4 * time.Second)}}))

	cfg := testConfig(testServer("alpha", "#x", "#y"))
	cfg.Cache.ContextWindow = 2
	e := newEngine(t, cfg, nil, nil)
	require.NoError(t, e.Warm(ctx, store))

	var ids []string
	for _, r := range e.cache.Get(cache.NSCategory, cache.CategoryAllFriends) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"00", "01", "02", "03", "04", "05"}, ids)
	ids = ids[:0]
	for _, r := range e.cache.Get(cache.NSUser, "carol") {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"00", "01", "02", "03", "04", "05"}, ids)

	hc, ok := e.tracker.Context("03")
	require.True(t, ok)
	require.Len(t, hc.Records, 2)
	assert.Equal(t, "y one", hc.Records[0].Text())
	assert.Equal(t, "y three", hc.Records[1].Text())
	assert.Equal(t, 0, e.tracker.Unseen().Len(), "restored contexts are not unseen")

	v := testutil.NewRecordingViewer("v1")
	e.attach(v, true)
	seen := ofType(v, MsgLastSeen)
	require.Len(t, seen, 1)
	assert.Equal(t, "04", seen[0].LastSeen["alpha/x"].ID)
}

func waitConn(t *testing.T, tr *testutil.FakeTransport, server string) *testutil.FakeConn {
	t.Helper()
	var c *testutil.FakeConn
	require.Eventually(t, func() bool {
		c = tr.Conn(server)
		return c != nil
	}, 2*time.Second, 5*time.Millisecond)
	c.WaitReady(t)
	return c
}

// TestEndToEnd drives two servers sharing a channel name through the running loop.
func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(testServer("alpha", "#x"), testServer("beta", "#x"))
	tr := testutil.NewFakeTransport()
	tr.AutoRegister = true
	mgr := chat.NewManager(ctx, tr.Dial, 0)
	for _, s := range cfg.Servers {
		_, err := mgr.AddServer(s)
		require.NoError(t, err)
	}
	e := New(Options{Config: cfg, Manager: mgr})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	mgr.ConnectAll()
	alpha := waitConn(t, tr, "alpha")
	beta := waitConn(t, tr, "beta")

	v := testutil.NewRecordingViewer("v1")
	e.Attach(v, true)
	e.Submit(v, Request{Type: ReqSubscribe, Channel: "alpha/x"})
	e.Submit(v, Request{Type: ReqSubscribe, Channel: "beta/x"})
	e.Submit(v, Request{Type: ReqSubscribe, Category: cache.CategoryHighlights})

	inspect := func(fn func()) bool { return e.Do(ctx, fn) == nil }
	require.Eventually(t, func() bool {
		var a, b string
		ok := inspect(func() { a, b = e.status["alpha"], e.status["beta"] })
		return ok && a == "connected" && b == "connected"
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 151; i++ {
		alpha.Inject(msg("", "#x", "alice", fmt.Sprintf("msg %d", i)))
	}
	alpha.Inject(msg("", "#x", "alice", "ping bob"))
	beta.Inject(msg("", "#x", "carol", "beta one"))

	var alphaRecs, betaRecs, highlights []record.Record
	var unseen []string
	require.Eventually(t, func() bool {
		ok := inspect(func() {
			alphaRecs = e.cache.Get(cache.NSChannel, "alpha/x")
			betaRecs = e.cache.Get(cache.NSChannel, "beta/x")
			highlights = e.cache.Get(cache.NSCategory, cache.CategoryHighlights)
			unseen = e.tracker.Unseen().IDs()
		})
		return ok && len(alphaRecs) > 0 && alphaRecs[len(alphaRecs)-1].Text() == "ping bob" && len(betaRecs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, alphaRecs, cache.DefaultCapacity)
	assert.Equal(t, "msg 2", alphaRecs[0].Text(), "oldest messages are evicted first")
	require.Len(t, highlights, 1)
	assert.Equal(t, "ping bob", highlights[0].Text())
	assert.Equal(t, []string{highlights[0].ID}, unseen)
	assert.Len(t, ofType(v, MsgNewHighlight), 1)

	s, ok := mgr.Session("alpha")
	require.True(t, ok)
	s.Disconnect("operator")
	assert.Equal(t, chat.StateAborted, s.State())

	beta.Inject(msg("", "#x", "carol", "beta two"))
	require.Eventually(t, func() bool {
		ok := inspect(func() { betaRecs = e.cache.Get(cache.NSChannel, "beta/x") })
		return ok && len(betaRecs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, inspect(func() { alphaRecs = e.cache.Get(cache.NSChannel, "alpha/x") }))
	assert.Len(t, alphaRecs, cache.DefaultCapacity)
	assert.Equal(t, "ping bob", alphaRecs[len(alphaRecs)-1].Text())

	var betaPushes int
	for _, m := range ofType(v, MsgChannelEvent) {
		if m.Channel == "beta/x" {
			betaPushes++
		}
	}
	assert.Equal(t, 2, betaPushes)
	b, ok := mgr.Session("beta")
	require.True(t, ok)
	assert.Equal(t, chat.StateConnected, b.State())

	cancel()
	<-done
}

func TestSendMessageEchoes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(testServer("alpha", "#x"))
	tr := testutil.NewFakeTransport()
	tr.AutoRegister = true
	mgr := chat.NewManager(ctx, tr.Dial, 0)
	_, err := mgr.AddServer(cfg.Servers[0])
	require.NoError(t, err)
	e := New(Options{Config: cfg, Manager: mgr})
	go func() { _ = e.Run(ctx) }()
	mgr.ConnectAll()
	conn := waitConn(t, tr, "alpha")

	v := testutil.NewRecordingViewer("v1")
	e.Attach(v, true)
	require.Eventually(t, func() bool {
		connected := false
		err := e.Do(ctx, func() { connected = e.status["alpha"] == "connected" })
		return err == nil && connected
	}, 2*time.Second, 5*time.Millisecond)

	e.Submit(v, Request{Type: ReqSendMessage, Channel: "alpha/x", Message: "/me waves at bob"})

	var recs []record.Record
	require.Eventually(t, func() bool {
		err := e.Do(ctx, func() { recs = e.cache.Get(cache.NSChannel, "alpha/x") })
		return err == nil && len(recs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, conn.Sent(), "action #x waves at bob")
	assert.Equal(t, record.KindAction, recs[0].Kind())
	assert.Equal(t, "bob", recs[0].Username)
	assert.False(t, recs[0].Highlighted())
}
