package cache

import "github.com/onnwee/irc-relay/record"

// Sequence is a fixed-capacity ring buffer of records. Pushing onto a full
// sequence overwrites the oldest entry; nothing is ever removed mid-sequence.
type Sequence struct {
	buf  []record.Record
	head int
	n    int
}

// NewSequence returns an empty sequence holding at most capacity records.
func NewSequence(capacity int) *Sequence {
	if capacity < 1 {
		capacity = 1
	}
	return &Sequence{buf: make([]record.Record, capacity)}
}

func (s *Sequence) Len() int { return s.n }

func (s *Sequence) Cap() int { return len(s.buf) }

// Push appends r at the tail. When the sequence is full the head is evicted and returned.
func (s *Sequence) Push(r record.Record) (evicted record.Record, ok bool) {
	if s.n < len(s.buf) {
		s.buf[(s.head+s.n)%len(s.buf)] = r
		s.n++
		return record.Record{}, false
	}
	evicted = s.buf[s.head]
	s.buf[s.head] = r
	s.head = (s.head + 1) % len(s.buf)
	return evicted, true
}

// Tail returns the most recent record.
func (s *Sequence) Tail() (record.Record, bool) {
	if s.n == 0 {
		return record.Record{}, false
	}
	return s.buf[s.tailIndex()], true
}

// ReplaceTail swaps the most recent record for r and returns the old one.
func (s *Sequence) ReplaceTail(r record.Record) (old record.Record, ok bool) {
	if s.n == 0 {
		return record.Record{}, false
	}
	i := s.tailIndex()
	old = s.buf[i]
	s.buf[i] = r
	return old, true
}

// Items returns a copy of the records, oldest first.
func (s *Sequence) Items() []record.Record {
	out := make([]record.Record, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return out
}

// Last returns up to n of the most recent records, oldest first.
func (s *Sequence) Last(n int) []record.Record {
	if n > s.n {
		n = s.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]record.Record, n)
	start := s.head + s.n - n
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Resize returns a sequence with the new capacity holding the most recent records.
func (s *Sequence) Resize(capacity int) *Sequence {
	out := NewSequence(capacity)
	for _, r := range s.Last(out.Cap()) {
		out.Push(r)
	}
	return out
}

func (s *Sequence) tailIndex() int {
	return (s.head + s.n - 1) % len(s.buf)
}
