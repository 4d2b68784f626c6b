package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/telemetry"
)

// Store is the durable side of the relay.
type Store interface {
	InsertLines(ctx context.Context, lines []db.Line) error
	DeleteLines(ctx context.Context, ids []string) (int64, error)
	UpsertLastSeen(ctx context.Context, seen map[string]db.LastSeen) error
	AddUnseen(ctx context.Context, id, channel string, at time.Time) error
	RemoveUnseen(ctx context.Context, id string) error
	ClearUnseen(ctx context.Context) error
}

// LineWriter appends records to human-readable logs.
type LineWriter interface {
	Write(records []record.Record) error
}

type unseenOp struct {
	id      string
	channel string
	at      time.Time
	remove  bool
	clear   bool
}

type batch struct {
	inserts  map[string]record.Record
	order    []string
	deletes  []string
	logs     []record.Record
	lastSeen map[string]db.LastSeen
	unseen   []unseenOp
}

func newBatch() *batch {
	return &batch{
		inserts:  make(map[string]record.Record),
		lastSeen: make(map[string]db.LastSeen),
	}
}

func (b *batch) size() int {
	return len(b.inserts) + len(b.deletes) + len(b.logs) + len(b.lastSeen) + len(b.unseen)
}

// Persister queues writes from the pipeline and applies them in batches. Queue
// methods never block on I/O; Flush swaps the queue out under the lock and
// writes it without holding it.
type Persister struct {
	store Store
	lines LineWriter
	log   *slog.Logger

	mu sync.Mutex
	q  *batch
}

// NewPersister returns a persister. Either collaborator may be nil.
func NewPersister(store Store, lines LineWriter) *Persister {
	return &Persister{
		store: store,
		lines: lines,
		log:   slog.Default().With(slog.String("component", "persist")),
		q:     newBatch(),
	}
}

func (p *Persister) enqueue(fn func(b *batch)) {
	p.mu.Lock()
	fn(p.q)
	n := p.q.size()
	p.mu.Unlock()
	telemetry.SetPersistBacklog(n)
}

// Insert queues a row for r.
func (p *Persister) Insert(r record.Record) {
	p.enqueue(func(b *batch) {
		if _, ok := b.inserts[r.ID]; !ok {
			b.order = append(b.order, r.ID)
		}
		b.inserts[r.ID] = r
	})
}

// Delete queues removal of superseded rows. Rows still waiting to be inserted
// are dropped from the queue instead.
func (p *Persister) Delete(ids ...string) {
	if len(ids) == 0 {
		return
	}
	p.enqueue(func(b *batch) {
		for _, id := range ids {
			if _, ok := b.inserts[id]; ok {
				delete(b.inserts, id)
				continue
			}
			b.deletes = append(b.deletes, id)
		}
	})
}

// Log queues r for the line log.
func (p *Persister) Log(r record.Record) {
	p.enqueue(func(b *batch) { b.logs = append(b.logs, r) })
}

// LastSeen merges last-seen markers into the queue.
func (p *Persister) LastSeen(seen map[string]Seen) {
	if len(seen) == 0 {
		return
	}
	p.enqueue(func(b *batch) {
		for ch, s := range seen {
			b.lastSeen[ch] = db.LastSeen{RecordID: s.ID, Time: s.Time}
		}
	})
}

// AddUnseen queues a new unseen highlight.
func (p *Persister) AddUnseen(id, channel string, at time.Time) {
	p.enqueue(func(b *batch) { b.unseen = append(b.unseen, unseenOp{id: id, channel: channel, at: at}) })
}

// RemoveUnseen queues an acknowledgement.
func (p *Persister) RemoveUnseen(id string) {
	p.enqueue(func(b *batch) { b.unseen = append(b.unseen, unseenOp{id: id, remove: true}) })
}

// ClearUnseen queues removal of every unseen highlight. Earlier queued
// unseen operations become irrelevant and are discarded.
func (p *Persister) ClearUnseen() {
	p.enqueue(func(b *batch) { b.unseen = []unseenOp{{clear: true}} })
}

// Pending returns the number of queued operations.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.size()
}

// Flush writes everything queued so far. Failures are logged, counted and
// returned; the failed operations are not requeued.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	b := p.q
	p.q = newBatch()
	p.mu.Unlock()
	telemetry.SetPersistBacklog(0)
	if b.size() == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "persist", "flush",
		attribute.Int("persist.inserts", len(b.inserts)),
		attribute.Int("persist.deletes", len(b.deletes)))
	defer span.End()

	var errs []error
	telemetry.TimeFunc(telemetry.FlushDuration, func() {
		errs = p.write(ctx, b)
	})
	err := errors.Join(errs...)
	if err != nil {
		telemetry.RecordError(span, err)
		p.log.Warn("flush incomplete", slog.Any("err", err))
	} else {
		telemetry.SetSpanSuccess(span)
	}
	return err
}

func (p *Persister) write(ctx context.Context, b *batch) []error {
	var errs []error
	fail := func(op string, err error) {
		telemetry.IncPersistFailure(op)
		errs = append(errs, fmt.Errorf("%s: %w", op, err))
	}

	if p.store != nil {
		if len(b.inserts) > 0 {
			lines := make([]db.Line, 0, len(b.inserts))
			for _, id := range b.order {
				r, ok := b.inserts[id]
				if !ok {
					continue
				}
				l, err := db.LineFromRecord(r)
				if err != nil {
					fail("encode", err)
					continue
				}
				lines = append(lines, l)
			}
			if err := p.store.InsertLines(ctx, lines); err != nil {
				fail("insert", err)
			} else {
				telemetry.ObservePersistBatch(len(lines))
			}
		}
		if len(b.deletes) > 0 {
			n, err := p.store.DeleteLines(ctx, b.deletes)
			if err != nil {
				fail("delete", err)
			} else {
				p.log.Debug("superseded rows deleted", slog.Int64("rows", n))
			}
		}
		if len(b.lastSeen) > 0 {
			if err := p.store.UpsertLastSeen(ctx, b.lastSeen); err != nil {
				fail("last_seen", err)
			}
		}
		for _, op := range b.unseen {
			var err error
			switch {
			case op.clear:
				err = p.store.ClearUnseen(ctx)
			case op.remove:
				err = p.store.RemoveUnseen(ctx, op.id)
			default:
				err = p.store.AddUnseen(ctx, op.id, op.channel, op.at)
			}
			if err != nil {
				fail("unseen", err)
			}
		}
	}
	if p.lines != nil && len(b.logs) > 0 {
		if err := p.lines.Write(b.logs); err != nil {
			fail("linelog", err)
		}
	}
	return errs
}

// Run flushes every interval until ctx is done, then flushes once more with a
// short deadline so queued writes survive a clean shutdown.
func (p *Persister) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = p.Flush(fctx)
			cancel()
			return
		case <-t.C:
			_ = p.Flush(ctx)
		}
	}
}
