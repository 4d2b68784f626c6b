package server

import (
	"sync"

	"github.com/google/uuid"
)

const defaultQueueSize = 256

// streamViewer is a fanout viewer backed by a bounded outbound queue that a
// connection writer drains. A full queue drops the message.
type streamViewer struct {
	id    string
	queue chan any
	done  chan struct{}
	once  sync.Once
}

func newStreamViewer(prefix string, size int) *streamViewer {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &streamViewer{
		id:    prefix + "-" + uuid.NewString(),
		queue: make(chan any, size),
		done:  make(chan struct{}),
	}
}

func (v *streamViewer) ID() string { return v.id }

// Deliver never blocks.
func (v *streamViewer) Deliver(msg any) bool {
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.queue <- msg:
		return true
	default:
		return false
	}
}

func (v *streamViewer) close() {
	v.once.Do(func() { close(v.done) })
}
