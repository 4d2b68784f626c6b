// Package cache holds the bounded in-memory record sequences the relay serves
// viewers from: one per channel, one per friend-tier user and one per category.
// A Cache is owned by the pipeline goroutine and is not safe for concurrent use.
package cache

import (
	"sort"
	"strings"

	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/telemetry"
)

const (
	MinCapacity     = 20
	MaxCapacity     = 500
	DefaultCapacity = 150
)

// Namespace selects one of the parallel key spaces.
type Namespace string

const (
	NSChannel  Namespace = "channel"
	NSUser     Namespace = "user"
	NSCategory Namespace = "category"
)

// Fixed category keys.
const (
	CategoryHighlights = "highlights"
	CategoryAllFriends = "allfriends"
	CategorySystem     = "system"
)

// Categories lists the fixed category keys.
var Categories = []string{CategoryHighlights, CategoryAllFriends, CategorySystem}

// ClampCapacity bounds n to [MinCapacity, MaxCapacity]; zero selects the default.
func ClampCapacity(n int) int {
	switch {
	case n == 0:
		return DefaultCapacity
	case n < MinCapacity:
		return MinCapacity
	case n > MaxCapacity:
		return MaxCapacity
	}
	return n
}

// Cache is the set of bounded sequences across all namespaces.
type Cache struct {
	capacity int
	seqs     map[Namespace]map[string]*Sequence
	buncher  Buncher
}

// New returns a cache whose sequences hold at most ClampCapacity(capacity) records.
func New(capacity int, buncher Buncher) *Cache {
	c := &Cache{
		capacity: ClampCapacity(capacity),
		seqs: map[Namespace]map[string]*Sequence{
			NSChannel:  {},
			NSUser:     {},
			NSCategory: {},
		},
		buncher: buncher,
	}
	return c
}

func (c *Cache) Capacity() int { return c.capacity }

// SetCapacity changes the bound and trims every sequence to its most recent records.
func (c *Cache) SetCapacity(n int) {
	n = ClampCapacity(n)
	if n == c.capacity {
		return
	}
	c.capacity = n
	for _, byKey := range c.seqs {
		for k, s := range byKey {
			byKey[k] = s.Resize(n)
		}
	}
}

func normalize(ns Namespace, key string) string {
	if ns == NSUser {
		return strings.ToLower(key)
	}
	return key
}

func (c *Cache) seq(ns Namespace, key string) *Sequence {
	key = normalize(ns, key)
	byKey := c.seqs[ns]
	s, ok := byKey[key]
	if !ok {
		s = NewSequence(c.capacity)
		byKey[key] = s
	}
	return s
}

// Append pushes r onto the sequence for key, evicting the oldest entry if full.
func (c *Cache) Append(ns Namespace, key string, r record.Record) (evicted bool) {
	_, evicted = c.seq(ns, key).Push(r)
	if evicted {
		telemetry.IncEviction(string(ns))
	}
	return evicted
}

// AppendBulk appends many records at once, keeping only the most recent capacity entries.
func (c *Cache) AppendBulk(ns Namespace, key string, rs []record.Record) {
	if len(rs) > c.capacity {
		rs = rs[len(rs)-c.capacity:]
	}
	s := c.seq(ns, key)
	for _, r := range rs {
		if _, evicted := s.Push(r); evicted {
			telemetry.IncEviction(string(ns))
		}
	}
}

// Get returns the records for key, oldest first. Unknown keys yield an empty slice.
func (c *Cache) Get(ns Namespace, key string) []record.Record {
	s, ok := c.seqs[ns][normalize(ns, key)]
	if !ok {
		return []record.Record{}
	}
	return s.Items()
}

// Last returns up to n of the most recent records for key.
func (c *Cache) Last(ns Namespace, key string, n int) []record.Record {
	s, ok := c.seqs[ns][normalize(ns, key)]
	if !ok {
		return nil
	}
	return s.Last(n)
}

// Tail returns the most recent record for key.
func (c *Cache) Tail(ns Namespace, key string) (record.Record, bool) {
	s, ok := c.seqs[ns][normalize(ns, key)]
	if !ok {
		return record.Record{}, false
	}
	return s.Tail()
}

// ReplaceTail swaps the most recent record for key.
func (c *Cache) ReplaceTail(ns Namespace, key string, r record.Record) (record.Record, bool) {
	s, ok := c.seqs[ns][normalize(ns, key)]
	if !ok {
		return record.Record{}, false
	}
	return s.ReplaceTail(r)
}

// AppendChannel adds r to a channel sequence, coalescing low-signal records into
// the tail when the buncher allows it.
func (c *Cache) AppendChannel(key string, r record.Record) Outcome {
	tail, hasTail := c.Tail(NSChannel, key)
	out := c.buncher.Apply(tail, hasTail, r)
	if out.Replaced {
		c.ReplaceTail(NSChannel, key, out.Record)
		telemetry.IncBunch()
		return out
	}
	c.Append(NSChannel, key, out.Record)
	return out
}

// Keys lists the keys present in a namespace, sorted.
func (c *Cache) Keys(ns Namespace) []string {
	keys := make([]string, 0, len(c.seqs[ns]))
	for k := range c.seqs[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Drop forgets the sequence for key.
func (c *Cache) Drop(ns Namespace, key string) {
	delete(c.seqs[ns], normalize(ns, key))
}
