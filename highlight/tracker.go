package highlight

import (
	"github.com/onnwee/irc-relay/record"
)

// DefaultWindow is the number of records preceding a highlight kept as context.
const DefaultWindow = 10

// DefaultRetained bounds how many contexts are kept for lookup.
const DefaultRetained = 500

// Context is the conversation around one highlight. It holds up to Window records
// before the anchor and collects later channel records until it holds 2*Window.
type Context struct {
	AnchorID   string          `json:"anchorId"`
	Channel    string          `json:"channel"`
	Records    []record.Record `json:"records"`
	Collecting bool            `json:"collecting"`
}

func (c *Context) snapshot() Context {
	out := *c
	out.Records = append([]record.Record(nil), c.Records...)
	return out
}

// Tracker owns highlight contexts and the unseen set. Like the cache it belongs to
// the pipeline goroutine.
type Tracker struct {
	window   int
	retained int

	contexts map[string]*Context
	order    []string              // anchor ids, oldest first
	open     map[string][]*Context // channel -> collecting contexts

	unseen *UnseenSet
}

// NewTracker returns a tracker with the given context window (N).
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		retained: DefaultRetained,
		contexts: make(map[string]*Context),
		open:     make(map[string][]*Context),
		unseen:   NewUnseenSet(),
	}
}

func (t *Tracker) Window() int { return t.window }

func (t *Tracker) Unseen() *UnseenSet { return t.unseen }

// Open starts a context for anchor seeded with the most recent preceding channel
// records and marks the anchor unseen. The anchor itself is never part of its
// own context.
func (t *Tracker) Open(anchor record.Record, preceding []record.Record) Context {
	ctx := t.start(anchor, preceding)
	t.unseen.Add(anchor.ID)
	return ctx.snapshot()
}

// Restore rebuilds the context of a highlight loaded from history. Unlike Open
// it leaves the unseen set alone.
func (t *Tracker) Restore(anchor record.Record, preceding []record.Record) {
	t.start(anchor, preceding)
}

func (t *Tracker) start(anchor record.Record, preceding []record.Record) *Context {
	seed := make([]record.Record, 0, t.window)
	for _, r := range preceding {
		if r.ID != anchor.ID {
			seed = append(seed, r)
		}
	}
	if len(seed) > t.window {
		seed = seed[len(seed)-t.window:]
	}
	ctx := &Context{
		AnchorID:   anchor.ID,
		Channel:    anchor.Channel,
		Records:    seed,
		Collecting: len(seed) < 2*t.window,
	}
	t.contexts[anchor.ID] = ctx
	t.order = append(t.order, anchor.ID)
	if len(t.order) > t.retained {
		evict := t.order[0]
		t.order = t.order[1:]
		if old, ok := t.contexts[evict]; ok {
			delete(t.contexts, evict)
			t.closeContext(old)
		}
	}
	if ctx.Collecting {
		t.open[ctx.Channel] = append(t.open[ctx.Channel], ctx)
	}
	return ctx
}

// Add appends r to every collecting context of its channel and finalizes contexts
// that reach 2*Window records. It returns copies of the contexts that changed.
func (t *Tracker) Add(r record.Record) []Context {
	open := t.open[r.Channel]
	if len(open) == 0 {
		return nil
	}
	var changed []Context
	kept := open[:0]
	for _, ctx := range open {
		if ctx.AnchorID == r.ID {
			kept = append(kept, ctx)
			continue
		}
		ctx.Records = append(ctx.Records, r)
		if len(ctx.Records) >= 2*t.window {
			ctx.Collecting = false
		} else {
			kept = append(kept, ctx)
		}
		changed = append(changed, ctx.snapshot())
	}
	t.setOpen(r.Channel, kept)
	return changed
}

// Replace swaps the last record of each collecting context when it is the record a
// bunch just superseded in the channel cache. It returns copies of the contexts
// that changed.
func (t *Tracker) Replace(replacedID string, r record.Record) []Context {
	var changed []Context
	for _, ctx := range t.open[r.Channel] {
		if n := len(ctx.Records); n > 0 && ctx.Records[n-1].ID == replacedID {
			ctx.Records[n-1] = r
			changed = append(changed, ctx.snapshot())
		}
	}
	return changed
}

// Context returns a copy of the context anchored at id.
func (t *Tracker) Context(id string) (Context, bool) {
	ctx, ok := t.contexts[id]
	if !ok {
		return Context{}, false
	}
	return ctx.snapshot(), true
}

// DropChannel finalizes all collecting contexts of a channel that is no longer
// joined and returns copies of them.
func (t *Tracker) DropChannel(channel string) []Context {
	open := t.open[channel]
	delete(t.open, channel)
	out := make([]Context, 0, len(open))
	for _, ctx := range open {
		ctx.Collecting = false
		out = append(out, ctx.snapshot())
	}
	return out
}

func (t *Tracker) closeContext(ctx *Context) {
	if !ctx.Collecting {
		return
	}
	ctx.Collecting = false
	open := t.open[ctx.Channel]
	kept := open[:0]
	for _, c := range open {
		if c != ctx {
			kept = append(kept, c)
		}
	}
	t.setOpen(ctx.Channel, kept)
}

func (t *Tracker) setOpen(channel string, open []*Context) {
	if len(open) == 0 {
		delete(t.open, channel)
		return
	}
	t.open[channel] = open
}
