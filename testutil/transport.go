package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
)

// FakeTransport is a chat.Dialer whose connections are driven by the test.
type FakeTransport struct {
	// AutoRegister makes every connection report connect and registered as soon
	// as it runs.
	AutoRegister bool

	mu     sync.Mutex
	fail   error
	conns  []*FakeConn
	dialed chan *FakeConn
}

// NewFakeTransport returns a transport with no scripted failures.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{dialed: make(chan *FakeConn, 256)}
}

// SetFail makes subsequent connections end immediately with err. Nil clears it.
func (tr *FakeTransport) SetFail(err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fail = err
}

// Dial implements chat.Dialer.
func (tr *FakeTransport) Dial(cfg config.Server) chat.Conn {
	tr.mu.Lock()
	c := &FakeConn{
		server: cfg.Name,
		nick:   cfg.Nick,
		auto:   tr.AutoRegister,
		fail:   tr.fail,
		events: make(chan chat.Event, 256),
		end:    make(chan error, 1),
		ready:  make(chan struct{}),
	}
	tr.conns = append(tr.conns, c)
	tr.mu.Unlock()
	select {
	case tr.dialed <- c:
	default:
	}
	return c
}

// Dials returns how many connections were created.
func (tr *FakeTransport) Dials() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.conns)
}

// Next waits for the next dialed connection.
func (tr *FakeTransport) Next(t testing.TB) *FakeConn {
	t.Helper()
	select {
	case c := <-tr.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// Conn returns the most recent connection for server, or nil.
func (tr *FakeTransport) Conn(server string) *FakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.conns) - 1; i >= 0; i-- {
		if strings.EqualFold(tr.conns[i].server, server) {
			return tr.conns[i]
		}
	}
	return nil
}

// FakeConn is one scripted connection. Injected events are emitted from the
// Run goroutine in order.
type FakeConn struct {
	server string
	auto   bool
	fail   error
	events chan chat.Event
	end    chan error
	ready  chan struct{}

	mu   sync.Mutex
	nick string
	sent []string
}

func (c *FakeConn) Run(ctx context.Context, emit func(chat.Event)) error {
	if c.fail != nil {
		return c.fail
	}
	if c.auto {
		emit(chat.Event{Type: chat.EventConnect})
		emit(chat.Event{Type: chat.EventRegistered, Target: c.Nick()})
	}
	close(c.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.end:
			return err
		case ev := <-c.events:
			emit(ev)
		}
	}
}

// WaitReady blocks until Run has started reading injected events.
func (c *FakeConn) WaitReady(t testing.TB) {
	t.Helper()
	select {
	case <-c.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never started")
	}
}

// Inject queues an inbound event.
func (c *FakeConn) Inject(ev chat.Event) { c.events <- ev }

// End makes Run return err, as if the network dropped.
func (c *FakeConn) End(err error) { c.end <- err }

// Sent returns the control calls made so far, formatted as "verb target text".
func (c *FakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *FakeConn) record(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, strings.TrimSpace(fmt.Sprintf(format, args...)))
	return nil
}

func (c *FakeConn) Say(channel, text string) error    { return c.record("say %s %s", channel, text) }
func (c *FakeConn) Action(channel, text string) error { return c.record("action %s %s", channel, text) }
func (c *FakeConn) Join(channel string) error         { return c.record("join %s", channel) }
func (c *FakeConn) Part(channel, reason string) error { return c.record("part %s %s", channel, reason) }
func (c *FakeConn) Quit(reason string) error          { return c.record("quit %s", reason) }

func (c *FakeConn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}
