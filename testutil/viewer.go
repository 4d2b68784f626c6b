package testutil

import (
	"sync"
)

// RecordingViewer is a fanout viewer that keeps every delivered message.
type RecordingViewer struct {
	id string

	mu     sync.Mutex
	msgs   []any
	closed bool
}

// NewRecordingViewer returns a viewer with the given id.
func NewRecordingViewer(id string) *RecordingViewer {
	return &RecordingViewer{id: id}
}

func (v *RecordingViewer) ID() string { return v.id }

// Deliver records msg. A closed viewer refuses delivery.
func (v *RecordingViewer) Deliver(msg any) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.msgs = append(v.msgs, msg)
	return true
}

// Close makes further deliveries fail, like a gone connection.
func (v *RecordingViewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

// Messages returns a copy of everything delivered so far.
func (v *RecordingViewer) Messages() []any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]any(nil), v.msgs...)
}

// Reset forgets delivered messages.
func (v *RecordingViewer) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = nil
}
