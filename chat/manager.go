package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/route"
)

// DefaultEventBuffer is the capacity of the shared event channel.
const DefaultEventBuffer = 1024

// Manager owns one Session per configured server and multiplexes their
// events onto a single channel.
type Manager struct {
	ctx    context.Context
	dial   Dialer
	events chan Event

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by lowercase name
}

// NewManager creates a manager whose sessions live until ctx is cancelled.
func NewManager(ctx context.Context, dial Dialer, buffer int) *Manager {
	if dial == nil {
		dial = DefaultDialer
	}
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Manager{
		ctx:      ctx,
		dial:     dial,
		events:   make(chan Event, buffer),
		sessions: make(map[string]*Session),
	}
}

// Events is the stream of normalized events from every session.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-m.ctx.Done():
		return false
	}
}

// AddServer registers a session for cfg without connecting it.
func (m *Manager) AddServer(cfg config.Server) (*Session, error) {
	key := strings.ToLower(cfg.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return nil, fmt.Errorf("add %s: %w", cfg.Name, ErrDuplicate)
	}
	s := newSession(m.ctx, cfg, m.dial, m.emit)
	m.sessions[key] = s
	slog.Info("server added", slog.String("component", "chat"), slog.String("server", cfg.Name), slog.String("transport", cfg.Transport))
	return s, nil
}

// RemoveServer aborts the session and forgets it. The abort happens before
// removal so an in-flight retry never outlives it.
func (m *Manager) RemoveServer(name string) error {
	s, ok := m.Session(name)
	if !ok {
		return fmt.Errorf("remove %s: %w", name, ErrUnknownServer)
	}
	s.Disconnect("server removed")
	m.mu.Lock()
	delete(m.sessions, strings.ToLower(name))
	m.mu.Unlock()
	return nil
}

// Session looks up a session by name, case-insensitively.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.ToLower(name)]
	return s, ok
}

// Sessions returns all sessions ordered by name.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Pairs lists every configured (server, channel) pair for route computation.
func (m *Manager) Pairs() []route.Pair {
	var pairs []route.Pair
	for _, s := range m.Sessions() {
		for _, ch := range s.Channels() {
			pairs = append(pairs, route.Pair{Server: s.name, Channel: ch})
		}
	}
	return pairs
}

// ConnectAll starts every session whose server is not disabled.
func (m *Manager) ConnectAll() {
	for _, s := range m.Sessions() {
		if s.Config().Disabled {
			continue
		}
		if err := s.Connect(); err != nil {
			s.log.Warn("connect skipped", slog.Any("err", err))
		}
	}
}

// Close aborts every session.
func (m *Manager) Close() {
	var wg sync.WaitGroup
	for _, s := range m.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect("shutting down")
		}(s)
	}
	wg.Wait()
}

// Apply reconciles the sessions with a reloaded server list: new servers are
// added and connected, removed servers are aborted and forgotten, and channel
// lists of existing servers are updated in place.
func (m *Manager) Apply(servers []config.Server) {
	want := make(map[string]config.Server, len(servers))
	for _, srv := range servers {
		want[strings.ToLower(srv.Name)] = srv
	}
	for _, s := range m.Sessions() {
		if _, ok := want[strings.ToLower(s.name)]; !ok {
			if err := m.RemoveServer(s.name); err != nil {
				slog.Warn("remove on reload failed", slog.String("component", "chat"), slog.Any("err", err))
			}
		}
	}
	for _, srv := range servers {
		if s, ok := m.Session(srv.Name); ok {
			s.SetChannels(srv.Channels)
			continue
		}
		s, err := m.AddServer(srv)
		if err != nil {
			slog.Warn("add on reload failed", slog.String("component", "chat"), slog.Any("err", err))
			continue
		}
		if !srv.Disabled {
			_ = s.Connect()
		}
	}
}
