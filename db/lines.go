package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/irc-relay/record"
)

// Line is one persisted record. Text holds the human-readable line for every
// kind except events, whose members are stored as JSON.
type Line struct {
	ID            string
	Channel       string
	Server        string
	Kind          record.Kind
	Symbol        string
	Username      string
	Text          string
	Tags          map[string]string
	Tier          record.Tier
	HighlightedBy []string
	Time          time.Time
}

// LineFromRecord renders r for storage.
func LineFromRecord(r record.Record) (Line, error) {
	l := Line{
		ID:            r.ID,
		Channel:       r.Channel,
		Server:        r.Server,
		Kind:          r.Kind(),
		Symbol:        r.Symbol,
		Username:      r.Username,
		Tags:          r.Tags,
		Tier:          r.Tier,
		HighlightedBy: r.HighlightedBy,
		Time:          r.Time,
	}
	if ev, ok := r.Payload.(record.Events); ok {
		b, err := record.EncodeEvents(ev)
		if err != nil {
			return Line{}, fmt.Errorf("encode bunch %s: %w", r.ID, err)
		}
		l.Text = string(b)
		return l, nil
	}
	text, err := record.BuildLine(r)
	if err != nil {
		return Line{}, err
	}
	l.Text = text
	return l, nil
}

// Record parses the stored line back into a record.
func (l Line) Record() (record.Record, error) {
	r := record.Record{
		ID:            l.ID,
		Channel:       l.Channel,
		Server:        l.Server,
		Time:          l.Time,
		Tags:          l.Tags,
		Tier:          l.Tier,
		HighlightedBy: l.HighlightedBy,
	}
	if l.Kind == record.KindEvents {
		ev, err := record.DecodeEvents([]byte(l.Text), l.Channel, l.Server)
		if err != nil {
			return record.Record{}, fmt.Errorf("decode bunch %s: %w", l.ID, err)
		}
		r.Payload = ev
		return r, nil
	}
	p, err := record.ParseLine(l.Kind, l.Text)
	if err != nil {
		return record.Record{}, err
	}
	r.Symbol, r.Username, r.Payload = p.Symbol, p.Username, p.Payload
	return r, nil
}

// InsertLines writes lines in one transaction. Ids already present are skipped.
func (s *Store) InsertLines(ctx context.Context, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO lines
		(id, channel, server, kind, symbol, username, line, tags, tier, highlighted_by, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		tags := ""
		if len(l.Tags) > 0 {
			b, err := json.Marshal(l.Tags)
			if err != nil {
				return fmt.Errorf("encode tags for %s: %w", l.ID, err)
			}
			tags = string(b)
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.Channel, l.Server, string(l.Kind), l.Symbol, l.Username,
			l.Text, tags, int(l.Tier), strings.Join(l.HighlightedBy, ","), l.Time.UnixMilli()); err != nil {
			return fmt.Errorf("insert line %s: %w", l.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// DeleteLines removes lines by id and returns how many rows went away.
func (s *Store) DeleteLines(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM lines WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("delete lines: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentLines returns up to limit of the newest lines of a channel, oldest first.
func (s *Store) RecentLines(ctx context.Context, channel string, limit int) ([]Line, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, channel, server, kind, symbol, username, line, tags, tier, highlighted_by, ts
		FROM lines WHERE channel = ? ORDER BY ts DESC, id DESC LIMIT ?`), channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent lines: %w", err)
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var (
			l              Line
			kind, tags, hl string
			tier           int
			ts             int64
		)
		if err := rows.Scan(&l.ID, &l.Channel, &l.Server, &kind, &l.Symbol, &l.Username, &l.Text, &tags, &tier, &hl, &ts); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.Kind = record.Kind(kind)
		l.Tier = record.Tier(tier)
		l.Time = time.UnixMilli(ts).UTC()
		if hl != "" {
			l.HighlightedBy = strings.Split(hl, ",")
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for %s: %w", l.ID, err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lines: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Channels lists every channel key with stored lines.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel FROM lines WHERE channel <> '' ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// LastSeen marks the newest record a channel has shown.
type LastSeen struct {
	RecordID string
	Time     time.Time
}

// UpsertLastSeen stores a batch of last-seen markers.
func (s *Store) UpsertLastSeen(ctx context.Context, seen map[string]LastSeen) error {
	if len(seen) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin last seen: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	q := s.rebind(`INSERT INTO last_seen (channel, record_id, ts) VALUES (?, ?, ?)
		ON CONFLICT (channel) DO UPDATE SET record_id = excluded.record_id, ts = excluded.ts`)
	for ch, ls := range seen {
		if _, err := tx.ExecContext(ctx, q, ch, ls.RecordID, ls.Time.UnixMilli()); err != nil {
			return fmt.Errorf("upsert last seen %s: %w", ch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit last seen: %w", err)
	}
	return nil
}

// LoadLastSeen returns every stored last-seen marker keyed by channel.
func (s *Store) LoadLastSeen(ctx context.Context) (map[string]LastSeen, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, record_id, ts FROM last_seen`)
	if err != nil {
		return nil, fmt.Errorf("query last seen: %w", err)
	}
	defer rows.Close()
	out := make(map[string]LastSeen)
	for rows.Next() {
		var (
			ch, id string
			ts     int64
		)
		if err := rows.Scan(&ch, &id, &ts); err != nil {
			return nil, fmt.Errorf("scan last seen: %w", err)
		}
		out[ch] = LastSeen{RecordID: id, Time: time.UnixMilli(ts).UTC()}
	}
	return out, rows.Err()
}

// AddUnseen records a highlight the owner has not acknowledged.
func (s *Store) AddUnseen(ctx context.Context, id, channel string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO unseen_highlights (record_id, channel, ts) VALUES (?, ?, ?)
		ON CONFLICT (record_id) DO NOTHING`), id, channel, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("add unseen %s: %w", id, err)
	}
	return nil
}

// RemoveUnseen acknowledges one highlight.
func (s *Store) RemoveUnseen(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM unseen_highlights WHERE record_id = ?`), id); err != nil {
		return fmt.Errorf("remove unseen %s: %w", id, err)
	}
	return nil
}

// ClearUnseen acknowledges every highlight.
func (s *Store) ClearUnseen(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM unseen_highlights`); err != nil {
		return fmt.Errorf("clear unseen: %w", err)
	}
	return nil
}

// LoadUnseen returns unacknowledged highlight ids, oldest first.
func (s *Store) LoadUnseen(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM unseen_highlights ORDER BY ts, record_id`)
	if err != nil {
		return nil, fmt.Errorf("query unseen: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unseen: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanCount runs a COUNT(*) style query.
func (s *Store) scanCount(ctx context.Context, q string, args ...any) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}
