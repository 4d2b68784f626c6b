package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/irc-relay/cache"
	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/fanout"
	"github.com/onnwee/irc-relay/highlight"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/route"
	"github.com/onnwee/irc-relay/telemetry"
)

const (
	callBuffer  = 256
	sendTimeout = 30 * time.Second
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("pipeline stopped")

// Notifier is told about every new highlight. Notify must not block.
type Notifier interface {
	Notify(r record.Record, display string)
}

// History is what the engine reads from the store at startup.
type History interface {
	Channels(ctx context.Context) ([]string, error)
	RecentLines(ctx context.Context, channel string, limit int) ([]db.Line, error)
	LoadUnseen(ctx context.Context) ([]string, error)
	LoadLastSeen(ctx context.Context) (map[string]db.LastSeen, error)
}

// Options configures an Engine.
type Options struct {
	Config    *config.Config
	Manager   *chat.Manager
	Persister *Persister // nil disables persistence
	Notifier  Notifier   // nil disables push
}

// Stats is a point-in-time summary of the engine's state.
type Stats struct {
	Viewers  int               `json:"viewers"`
	Unseen   int               `json:"unseen"`
	Channels int               `json:"channels"`
	Status   map[string]string `json:"status"`
}

type call struct {
	fn   func()
	done chan struct{}
}

// Engine owns the caches, the highlight tracker and the subscription registry.
// Everything except the registry is touched only from the loop goroutine.
type Engine struct {
	mgr     *chat.Manager
	persist *Persister
	notify  Notifier
	reg     *fanout.Registry
	log     *slog.Logger

	events  <-chan chat.Event
	calls   chan call
	stopped chan struct{}

	lastSeenEvery time.Duration
	token         string
	cache         *cache.Cache
	detector      *highlight.Detector
	tracker       *highlight.Tracker
	routes        *route.Table
	pairs         []route.Pair
	tags          map[string]chat.TagProcessor // lowercase server -> processor
	status        map[string]string            // server -> connection status
	viewers       map[string]bool              // viewer id -> authenticated
	seen          map[string]Seen              // markers not yet flushed
	lastSeen      map[string]Seen              // every marker, sent on welcome
}

// New builds an engine from the configuration. Call Warm, if needed, before Run.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	e := &Engine{
		mgr:           opts.Manager,
		persist:       opts.Persister,
		notify:        opts.Notifier,
		reg:           fanout.NewRegistry(),
		log:           slog.Default().With(slog.String("component", "pipeline")),
		calls:         make(chan call, callBuffer),
		stopped:       make(chan struct{}),
		lastSeenEvery: cfg.Persist.LastSeenInterval.Duration,
		token:         cfg.Viewer.Token,
		cache:         cache.New(cfg.Cache.Capacity, cache.Buncher{MaxMembers: cfg.Cache.BunchMax}),
		detector:      highlight.NewDetector(identities(cfg)),
		tracker:       highlight.NewTracker(cfg.Cache.ContextWindow),
		routes:        route.Compute(nil),
		tags:          make(map[string]chat.TagProcessor),
		status:        make(map[string]string),
		viewers:       make(map[string]bool),
		seen:          make(map[string]Seen),
		lastSeen:      make(map[string]Seen),
	}
	if e.lastSeenEvery <= 0 {
		e.lastSeenEvery = 500 * time.Millisecond
	}
	e.reg.OnDrop = func(fanout.Viewer) { telemetry.IncViewerDrop() }
	if e.mgr != nil {
		e.events = e.mgr.Events()
	}
	e.refreshRoutes()
	return e
}

func identities(cfg *config.Config) highlight.Identities {
	return highlight.Identities{
		Self:         cfg.Nicknames(),
		Extra:        cfg.Identities.Extra,
		Friends:      cfg.Identities.Friends,
		CloseFriends: cfg.Identities.CloseFriends,
	}
}

// Run consumes events and viewer calls until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	t := time.NewTicker(e.lastSeenEvery)
	defer t.Stop()
	e.log.Info("pipeline started")
	for {
		select {
		case <-ctx.Done():
			e.flushLastSeen()
			e.log.Info("pipeline stopped")
			return nil
		case ev := <-e.events:
			e.Handle(ev)
		case c := <-e.calls:
			c.fn()
			if c.done != nil {
				close(c.done)
			}
		case <-t.C:
			e.flushLastSeen()
		}
	}
}

func (e *Engine) post(c call) bool {
	select {
	case e.calls <- c:
		return true
	case <-e.stopped:
		return false
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case e.calls <- c:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a viewer. Authenticated viewers are sent the unseen
// highlights, the channel list and every connection status right away.
func (e *Engine) Attach(v fanout.Viewer, authed bool) {
	e.post(call{fn: func() { e.attach(v, authed) }})
}

// Detach forgets a viewer and all of its subscriptions. Repeating it is harmless.
func (e *Engine) Detach(v fanout.Viewer) {
	e.post(call{fn: func() { e.detach(v) }})
}

// Submit queues a viewer request for the loop.
func (e *Engine) Submit(v fanout.Viewer, req Request) {
	e.post(call{fn: func() { e.HandleRequest(v, req) }})
}

// Reconfigure applies reloaded identity, cache and viewer settings. Server
// and channel changes are applied to the manager by the caller first.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.post(call{fn: func() {
		e.detector = highlight.NewDetector(identities(cfg))
		e.cache.SetCapacity(cfg.Cache.Capacity)
		e.token = cfg.Viewer.Token
		e.refreshRoutes()
	}})
}

// RefreshRoutes recomputes channel routes after servers or channels changed.
func (e *Engine) RefreshRoutes() {
	e.post(call{fn: e.refreshRoutes})
}

// Stats returns a summary computed on the loop.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.Do(ctx, func() {
		st = Stats{
			Viewers:  len(e.viewers),
			Unseen:   e.tracker.Unseen().Len(),
			Channels: len(e.cache.Keys(cache.NSChannel)),
			Status:   make(map[string]string, len(e.status)),
		}
		for k, v := range e.status {
			st.Status[k] = v
		}
	})
	return st, err
}

// Warm fills the channel caches from stored history, rebuilds highlight
// contexts and restores the unseen highlights and last-seen markers. It must
// finish before Run starts.
func (e *Engine) Warm(ctx context.Context, h History) error {
	channels, err := h.Channels(ctx)
	if err != nil {
		return err
	}
	var all []record.Record
	for _, ch := range channels {
		lines, err := h.RecentLines(ctx, ch, e.cache.Capacity())
		if err != nil {
			e.log.Warn("warm channel failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		rs := make([]record.Record, 0, len(lines))
		for _, l := range lines {
			r, err := l.Record()
			if err != nil {
				e.log.Debug("skipping stored line", slog.String("id", l.ID), slog.Any("err", err))
				continue
			}
			rs = append(rs, r)
		}
		e.cache.AppendBulk(cache.NSChannel, ch, rs)
		for i, r := range rs {
			e.tracker.Add(r)
			if r.Highlighted() {
				e.tracker.Restore(r, rs[max(0, i-e.tracker.Window()):i])
			}
		}
		all = append(all, rs...)
	}

	// User and category caches interleave channels, so they are filled in time order.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	for _, r := range all {
		if r.Tier.AtLeastFriend() {
			e.cache.Append(cache.NSUser, r.Username, r)
			e.cache.Append(cache.NSCategory, cache.CategoryAllFriends, r)
		}
		if r.Highlighted() {
			e.cache.Append(cache.NSCategory, cache.CategoryHighlights, r)
		}
	}

	ids, err := h.LoadUnseen(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.tracker.Unseen().Add(id)
	}
	telemetry.SetUnseen(e.tracker.Unseen().Len())

	seen, err := h.LoadLastSeen(ctx)
	if err != nil {
		return err
	}
	for ch, ls := range seen {
		e.lastSeen[ch] = Seen{ID: ls.RecordID, Time: ls.Time}
	}
	e.log.Info("caches warmed",
		slog.Int("channels", len(channels)),
		slog.Int("records", len(all)),
		slog.Int("unseen", len(ids)),
		slog.Int("last_seen", len(seen)))
	return nil
}

var connStatus = map[chat.EventType]string{
	chat.EventConnecting: "connecting",
	chat.EventRegistered: "connected",
	chat.EventDisconnect: "disconnected",
	chat.EventClose:      "disconnected",
	chat.EventEnd:        "disconnected",
	chat.EventAbort:      "aborted",
	chat.EventFailed:     "failed",
}

// Handle runs one event through the pipeline.
func (e *Engine) Handle(ev chat.Event) {
	if st, ok := connStatus[ev.Type]; ok {
		e.setStatus(ev.Server, st)
	}
	switch ev.Type {
	case chat.EventNetError:
		e.log.Debug("network error", slog.String("server", ev.Server), slog.String("err", ev.Text))
	case chat.EventNames:
		e.publishUsers(ev)
		return
	}

	if ev.Self && (ev.Type == chat.EventPart || ev.Type == chat.EventKick) && ev.Channel != "" {
		e.publishContexts(e.tracker.DropChannel(route.Key(ev.Server, ev.Channel)))
	}

	r, ok := chat.Classify(ev, e.tags[strings.ToLower(ev.Server)])
	if !ok {
		if ev.Type != chat.EventNick && ev.Type != chat.EventNetError {
			telemetry.IncDropped()
		}
		return
	}
	r = e.detector.Annotate(r)
	if ev.Self {
		r.HighlightedBy = nil
	}
	e.ingest(r)
	if ev.Names != nil {
		e.publishUsers(ev)
	}
}

func (e *Engine) ingest(r record.Record) {
	telemetry.IncRecord(string(r.Kind()))
	if e.persist != nil {
		e.persist.Log(r)
	}
	if r.Channel == "" {
		e.placeCategory(cache.CategorySystem, r, nil)
		if e.persist != nil {
			e.persist.Insert(r)
		}
		return
	}

	out := e.cache.AppendChannel(r.Channel, r)
	stored := out.Record
	if out.Replaced {
		e.publishContexts(e.tracker.Replace(out.ReplacedID, stored))
	} else {
		e.publishContexts(e.tracker.Add(stored))
	}
	e.reg.Publish(channelSub(r.Channel), Message{
		Type:       MsgChannelEvent,
		Channel:    r.Channel,
		Display:    e.display(r.Channel),
		Record:     &stored,
		Replace:    out.Replaced,
		ReplacedID: out.ReplacedID,
	})

	if r.Tier.AtLeastFriend() {
		e.cache.Append(cache.NSUser, r.Username, r)
		e.reg.Publish(userSub(r.Username), Message{
			Type:        MsgUserCache,
			Username:    lower(r.Username),
			Records:     []record.Record{r},
			Incremental: true,
		})
		e.placeCategory(cache.CategoryAllFriends, r, nil)
	}
	if r.Highlighted() {
		e.highlight(r)
	}

	e.seen[r.Channel] = Seen{ID: stored.ID, Time: stored.Time}
	if e.persist != nil {
		e.persist.Insert(stored)
		e.persist.Delete(out.Superseded...)
	}
}

func (e *Engine) highlight(r record.Record) {
	telemetry.IncHighlight()
	hc := e.tracker.Open(r, e.cache.Last(cache.NSChannel, r.Channel, e.tracker.Window()+1))
	telemetry.SetUnseen(e.tracker.Unseen().Len())
	e.placeCategory(cache.CategoryHighlights, r, []highlight.Context{hc})

	display := e.display(r.Channel)
	e.reg.Broadcast(Message{Type: MsgNewHighlight, Channel: r.Channel, Display: display, Record: &r, Context: &hc})
	if e.persist != nil {
		e.persist.AddUnseen(r.ID, r.Channel, r.Time)
	}
	if e.notify != nil {
		e.notify.Notify(r, display)
	}
}

func (e *Engine) placeCategory(category string, r record.Record, contexts []highlight.Context) {
	e.cache.Append(cache.NSCategory, category, r)
	e.reg.Publish(categorySub(category), Message{
		Type:        MsgCategoryCache,
		Category:    category,
		Records:     []record.Record{r},
		Incremental: true,
		Contexts:    contexts,
	})
}

// publishContexts tells every viewer about highlight contexts that grew,
// changed in place or were finalized.
func (e *Engine) publishContexts(changed []highlight.Context) {
	for i := range changed {
		hc := changed[i]
		e.reg.Broadcast(Message{Type: MsgHighlightContext, Channel: hc.Channel, Display: e.display(hc.Channel), Context: &hc})
	}
}

// contextsFor returns the stored contexts of the given highlight records.
func (e *Engine) contextsFor(rs []record.Record) []highlight.Context {
	var out []highlight.Context
	for _, r := range rs {
		if hc, ok := e.tracker.Context(r.ID); ok {
			out = append(out, hc)
		}
	}
	return out
}

func (e *Engine) publishUsers(ev chat.Event) {
	if ev.Channel == "" {
		return
	}
	key := route.Key(ev.Server, ev.Channel)
	e.reg.Publish(channelSub(key), Message{Type: MsgChannelUserList, Channel: key, Users: users(ev.Names)})
}

func (e *Engine) setStatus(server, status string) {
	if server == "" || e.status[server] == status {
		return
	}
	e.status[server] = status
	e.reg.Broadcast(Message{Type: MsgConnectionStatus, Server: server, Status: status})
	e.refreshRoutes()
}

func (e *Engine) refreshRoutes() {
	if e.mgr == nil {
		return
	}
	tags := make(map[string]chat.TagProcessor)
	for _, s := range e.mgr.Sessions() {
		if s.Config().Transport == config.TransportTwitch {
			tags[strings.ToLower(s.Name())] = chat.TwitchTags{}
		}
	}
	e.tags = tags
	e.pairs = e.mgr.Pairs()
	e.routes = route.Compute(e.pairs)
	e.reg.Broadcast(e.channelData())
}

func (e *Engine) channelData() Message {
	infos := make([]ChannelInfo, 0, len(e.pairs))
	for _, p := range e.pairs {
		rt := e.routes.Route(p.Server, p.Channel)
		st := e.status[p.Server]
		if st == "" {
			st = "disconnected"
		}
		infos = append(infos, ChannelInfo{
			Key:       rt.Key,
			Server:    rt.Server,
			Channel:   rt.Channel,
			Display:   route.DisplayName(rt),
			Ambiguous: rt.Ambiguous,
			State:     st,
		})
	}
	return Message{Type: MsgChannelData, Channels: infos}
}

// display returns the user-facing name of a channel key.
func (e *Engine) display(key string) string {
	server, bare, ok := route.SplitKey(key)
	if !ok {
		return key
	}
	return route.DisplayName(e.routes.Route(server, channelName(bare)))
}

func (e *Engine) flushLastSeen() {
	if len(e.seen) == 0 {
		return
	}
	seen := e.seen
	e.seen = make(map[string]Seen)
	for ch, m := range seen {
		e.lastSeen[ch] = m
	}
	e.reg.Broadcast(Message{Type: MsgLastSeen, LastSeen: seen})
	if e.persist != nil {
		e.persist.LastSeen(seen)
	}
}

func (e *Engine) send(v fanout.Viewer, msg Message) {
	if !v.Deliver(msg) {
		telemetry.IncViewerDrop()
	}
}

func (e *Engine) attach(v fanout.Viewer, authed bool) {
	if _, known := e.viewers[v.ID()]; !known {
		telemetry.AddViewers(1)
	}
	e.viewers[v.ID()] = authed
	if authed {
		e.welcome(v)
	}
}

func (e *Engine) welcome(v fanout.Viewer) {
	e.reg.Attach(v)
	e.send(v, Message{Type: MsgUnseenHighlights, IDs: e.tracker.Unseen().IDs()})
	e.send(v, e.channelData())
	if len(e.lastSeen) > 0 {
		e.send(v, Message{Type: MsgLastSeen, LastSeen: maps.Clone(e.lastSeen)})
	}
	servers := make([]string, 0, len(e.status))
	for s := range e.status {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	for _, s := range servers {
		e.send(v, Message{Type: MsgConnectionStatus, Server: s, Status: e.status[s]})
	}
}

func (e *Engine) detach(v fanout.Viewer) {
	if _, known := e.viewers[v.ID()]; !known {
		return
	}
	delete(e.viewers, v.ID())
	e.reg.RemoveEverywhere(v)
	telemetry.AddViewers(-1)
}

func (e *Engine) validToken(token string) bool {
	if e.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1
}

// HandleRequest applies one viewer request. Requests from viewers that were not
// authenticated on attach are ignored unless they carry the viewer token.
func (e *Engine) HandleRequest(v fanout.Viewer, req Request) {
	authed, known := e.viewers[v.ID()]
	if !authed {
		if !e.validToken(req.Token) {
			e.log.Debug("unauthenticated request ignored", slog.String("viewer", v.ID()), slog.String("type", req.Type))
			return
		}
		if !known {
			telemetry.AddViewers(1)
		}
		e.viewers[v.ID()] = true
		e.welcome(v)
	}

	switch req.Type {
	case ReqSubscribe:
		e.subscribe(v, req)
	case ReqUnsubscribe:
		e.unsubscribe(v, req)
	case ReqSendMessage:
		e.sendMessage(req)
	case ReqReportHighlightAsSeen:
		if e.tracker.Unseen().Ack(req.MessageID) {
			if e.persist != nil {
				e.persist.RemoveUnseen(req.MessageID)
			}
			e.broadcastUnseen()
		}
	case ReqClearUnseen:
		if e.tracker.Unseen().Clear() > 0 {
			if e.persist != nil {
				e.persist.ClearUnseen()
			}
			e.broadcastUnseen()
		}
	case ReqPing:
		e.send(v, Message{Type: MsgPong})
	default:
		e.log.Debug("unknown request", slog.String("type", req.Type))
	}
}

func (e *Engine) broadcastUnseen() {
	telemetry.SetUnseen(e.tracker.Unseen().Len())
	e.reg.Broadcast(Message{Type: MsgUnseenHighlights, IDs: e.tracker.Unseen().IDs()})
}

func (e *Engine) subscribe(v fanout.Viewer, req Request) {
	switch {
	case req.Channel != "":
		key, ok := normalizeKey(req.Channel)
		if !ok {
			return
		}
		e.reg.Subscribe(channelSub(key), v)
		e.send(v, Message{Type: MsgChannelCache, Channel: key, Display: e.display(key), Records: e.cache.Get(cache.NSChannel, key)})
		server, bare, _ := route.SplitKey(key)
		if e.mgr != nil {
			if s, ok := e.mgr.Session(server); ok {
				e.send(v, Message{Type: MsgChannelUserList, Channel: key, Users: users(s.Names(channelName(bare)))})
			}
		}
	case req.Username != "":
		e.reg.Subscribe(userSub(req.Username), v)
		e.send(v, Message{Type: MsgUserCache, Username: lower(req.Username), Records: e.cache.Get(cache.NSUser, req.Username)})
	case req.Category != "":
		if !isCategory(req.Category) {
			return
		}
		e.reg.Subscribe(categorySub(req.Category), v)
		rs := e.cache.Get(cache.NSCategory, req.Category)
		snap := Message{Type: MsgCategoryCache, Category: req.Category, Records: rs}
		if req.Category == cache.CategoryHighlights {
			snap.Contexts = e.contextsFor(rs)
		}
		e.send(v, snap)
	}
}

func (e *Engine) unsubscribe(v fanout.Viewer, req Request) {
	switch {
	case req.Channel != "":
		if key, ok := normalizeKey(req.Channel); ok {
			e.reg.Unsubscribe(channelSub(key), v)
		}
	case req.Username != "":
		e.reg.Unsubscribe(userSub(req.Username), v)
	case req.Category != "":
		e.reg.Unsubscribe(categorySub(req.Category), v)
	}
}

// sendMessage hands the send to the session on its own goroutine; the session
// rate limiter may make it wait, and the echo comes back as an event.
func (e *Engine) sendMessage(req Request) {
	key, ok := normalizeKey(req.Channel)
	if !ok || strings.TrimSpace(req.Message) == "" || e.mgr == nil {
		return
	}
	server, bare, _ := route.SplitKey(key)
	s, ok := e.mgr.Session(server)
	if !ok {
		e.log.Warn("send to unknown server", slog.String("server", server))
		return
	}
	channel, text, isAction := channelName(bare), req.Message, req.IsAction
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.SendMessage(ctx, channel, text, isAction); err != nil {
			e.log.Warn("send failed", slog.String("server", server), slog.String("channel", channel), slog.Any("err", err))
		}
	}()
}

func normalizeKey(key string) (string, bool) {
	server, bare, ok := route.SplitKey(key)
	if !ok {
		return "", false
	}
	return route.Key(server, bare), true
}

// channelName turns a bare channel back into a joinable name.
func channelName(bare string) string {
	if strings.HasPrefix(bare, "&") {
		return bare
	}
	return "#" + bare
}

func isCategory(name string) bool {
	for _, c := range cache.Categories {
		if c == name {
			return true
		}
	}
	return false
}

func lower(s string) string { return strings.ToLower(s) }
