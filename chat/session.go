package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/telemetry"
)

// State is a session's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateAborted      State = "aborted"
	StateFailed       State = "failed"
)

var stateNames = []string{
	string(StateDisconnected), string(StateConnecting), string(StateConnected),
	string(StateAborted), string(StateFailed),
}

// Conn is one transport connection attempt. Run dials, registers and reads until
// the connection ends or ctx is cancelled, calling emit for every inbound event.
// The control methods may be called concurrently with Run.
type Conn interface {
	Run(ctx context.Context, emit func(Event)) error
	Say(channel, text string) error
	Action(channel, text string) error
	Join(channel string) error
	Part(channel, reason string) error
	Quit(reason string) error
	Nick() string
}

// Dialer builds a fresh Conn for each connection attempt.
type Dialer func(cfg config.Server) Conn

// DefaultDialer picks the transport named by the server configuration.
func DefaultDialer(cfg config.Server) Conn {
	if cfg.Transport == "twitch" {
		return NewTwitchConn(cfg)
	}
	return NewIRCConn(cfg)
}

type emitFunc func(ctx context.Context, ev Event) bool

// Session supervises the connection to one server.
type Session struct {
	name   string
	parent context.Context
	dial   Dialer
	out    emitFunc
	log    *slog.Logger

	limiter *rate.Limiter
	// emitMu keeps a session's events in the order they were produced.
	emitMu sync.Mutex

	mu       sync.Mutex
	cfg      config.Server
	state    State
	gen      uint64
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	channels map[string]string // lower -> configured spelling
	roster   *roster
}

// abortEmitTimeout bounds how long Disconnect waits to report the abort.
const abortEmitTimeout = time.Second

func newSession(parent context.Context, cfg config.Server, dial Dialer, out emitFunc) *Session {
	s := &Session{
		name:     cfg.Name,
		parent:   parent,
		dial:     dial,
		out:      out,
		log:      slog.Default().With(slog.String("component", "chat"), slog.String("server", cfg.Name)),
		limiter:  rate.NewLimiter(sendLimit(cfg.SendRate), max(cfg.SendBurst, 1)),
		cfg:      cfg,
		state:    StateDisconnected,
		channels: make(map[string]string),
		roster:   newRoster(),
	}
	for _, ch := range cfg.Channels {
		s.channels[strings.ToLower(ch)] = ch
	}
	telemetry.SetSessionState(s.name, string(s.state), stateNames)
	return s
}

// Name returns the server's canonical name.
func (s *Session) Name() string { return s.name }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the server configuration the session was built from.
func (s *Session) Config() config.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Channels lists the channels the session joins, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Nick returns the nickname currently in use, or the configured one when offline.
func (s *Session) Nick() string {
	s.mu.Lock()
	conn, nick := s.conn, s.cfg.Nick
	s.mu.Unlock()
	if conn != nil {
		if n := conn.Nick(); n != "" {
			return n
		}
	}
	return nick
}

// Names returns the current user list of a channel.
func (s *Session) Names(channel string) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.members(channel)
}

// Connect starts the connection loop. It is a no-op when the loop is already
// running; an aborted session must be restarted with Reconnect.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAborted {
		return fmt.Errorf("connect %s: %w", s.name, ErrAborted)
	}
	if s.cancel != nil {
		return nil
	}
	s.startLocked()
	return nil
}

// Reconnect restarts an aborted session. In any other state the request is
// logged and rejected without changing the state.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAborted {
		s.log.Warn("reconnect rejected", slog.String("state", string(s.state)))
		return fmt.Errorf("reconnect %s (state %s): %w", s.name, s.state, ErrNotAborted)
	}
	s.setStateLocked(StateDisconnected)
	s.startLocked()
	return nil
}

// Disconnect aborts the session: the retry loop stops and the session stays
// aborted until Reconnect. Calling it again is a no-op.
func (s *Session) Disconnect(reason string) {
	s.mu.Lock()
	if s.state == StateAborted && s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	cancel, conn, done := s.cancel, s.conn, s.done
	s.cancel, s.conn, s.done = nil, nil, nil
	s.roster = newRoster()
	s.setStateLocked(StateAborted)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Quit(reason); err != nil {
			s.log.Debug("quit failed", slog.Any("err", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.log.Info("session aborted", slog.String("reason", reason))
	// Nothing may be draining the events during shutdown.
	ctx, stop := context.WithTimeout(s.parent, abortEmitTimeout)
	defer stop()
	s.emit(ctx, Event{Type: EventAbort})
}

// JoinChannel adds a channel to the session and joins it when connected.
func (s *Session) JoinChannel(channel string) error {
	channel = normalizeChannel(channel)
	s.mu.Lock()
	s.channels[strings.ToLower(channel)] = channel
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		return nil
	}
	if err := conn.Join(channel); err != nil {
		return fmt.Errorf("join %s: %w", channel, err)
	}
	return nil
}

// PartChannel removes a channel from the session and leaves it when connected.
func (s *Session) PartChannel(channel, reason string) error {
	channel = normalizeChannel(channel)
	s.mu.Lock()
	delete(s.channels, strings.ToLower(channel))
	s.roster.drop(channel)
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		return nil
	}
	if err := conn.Part(channel, reason); err != nil {
		return fmt.Errorf("part %s: %w", channel, err)
	}
	return nil
}

// SetChannels reconciles the joined channels with a new configured list.
func (s *Session) SetChannels(channels []string) {
	want := make(map[string]string, len(channels))
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		want[strings.ToLower(ch)] = ch
	}
	for _, ch := range s.Channels() {
		if _, ok := want[strings.ToLower(ch)]; !ok {
			if err := s.PartChannel(ch, ""); err != nil {
				s.log.Warn("part on reload failed", slog.String("channel", ch), slog.Any("err", err))
			}
		}
	}
	for lc, ch := range want {
		s.mu.Lock()
		_, have := s.channels[lc]
		s.mu.Unlock()
		if !have {
			if err := s.JoinChannel(ch); err != nil {
				s.log.Warn("join on reload failed", slog.String("channel", ch), slog.Any("err", err))
			}
		}
	}
}

// SendMessage sends text to a channel. A leading "/me " turns it into an
// action. The sent message is echoed into the event stream as if received.
// Sends wait on the session's rate limiter, so callers on a latency-sensitive
// goroutine should call it asynchronously.
func (s *Session) SendMessage(ctx context.Context, channel, text string, isAction bool) error {
	if rest, ok := strings.CutPrefix(text, "/me "); ok {
		text, isAction = rest, true
	}
	if text == "" {
		return nil
	}
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		return fmt.Errorf("send to %s on %s: %w", channel, s.name, ErrNotConnected)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}

	typ := EventMessage
	var err error
	if isAction {
		typ = EventAction
		err = conn.Action(channel, text)
	} else {
		err = conn.Say(channel, text)
	}
	if err != nil {
		return fmt.Errorf("send to %s on %s: %w", channel, s.name, err)
	}
	nick := conn.Nick()
	s.emit(s.parent, Event{
		Type:     typ,
		Channel:  channel,
		Username: nick,
		Symbol:   s.symbol(channel, nick),
		Text:     text,
		Self:     true,
	})
	return nil
}

func (s *Session) symbol(channel, nick string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.symbol(channel, nick)
}

func (s *Session) startLocked() {
	ctx, cancel := context.WithCancel(s.parent)
	s.gen++
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	cfg, gen := s.cfg, s.gen
	go func() {
		defer close(done)
		s.loop(ctx, gen, cfg)
	}()
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	telemetry.SetSessionState(s.name, string(st), stateNames)
}

// transition sets the state if gen is still the current run.
func (s *Session) transition(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.setStateLocked(st)
	return true
}

func (s *Session) loop(ctx context.Context, gen uint64, cfg config.Server) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryInitial.Duration
	bo.MaxInterval = cfg.RetryMax.Duration
	bo.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil || !s.transition(gen, StateConnecting) {
			return
		}
		s.emit(ctx, Event{Type: EventConnecting})

		conn := s.dial(cfg)
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		var registered atomic.Bool
		err := conn.Run(ctx, func(ev Event) {
			if ev.Type == EventRegistered {
				registered.Store(true)
			}
			s.handle(ctx, gen, conn, ev)
		})

		s.mu.Lock()
		if s.gen != gen || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		s.roster = newRoster()
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("connection error", slog.Any("err", err), slog.String("class", ClassifyError(err).String()))
			s.emit(ctx, Event{Type: EventNetError, Err: err, Text: err.Error()})
		}
		s.emit(ctx, Event{Type: EventDisconnect})

		if registered.Load() {
			bo.Reset()
			attempts = 0
		}
		attempts++
		if IsFatalError(err) {
			s.fail(ctx, gen, err)
			return
		}
		if cfg.MaxRetries > 0 && attempts > cfg.MaxRetries {
			s.fail(ctx, gen, fmt.Errorf("gave up after %d attempts: %w", cfg.MaxRetries, err))
			return
		}

		delay := bo.NextBackOff()
		s.log.Info("reconnecting", slog.Int("attempt", attempts), slog.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// fail reports a given-up session and settles it in the aborted state so an
// operator can Reconnect.
func (s *Session) fail(ctx context.Context, gen uint64, err error) {
	if !s.transition(gen, StateFailed) {
		return
	}
	s.log.Error("session failed", slog.Any("err", err))
	s.emit(ctx, Event{Type: EventFailed, Err: err})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel, s.done = nil, nil
	s.setStateLocked(StateAborted)
}

// handle updates session bookkeeping for one transport event and forwards it.
func (s *Session) handle(ctx context.Context, gen uint64, conn Conn, ev Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	var (
		out  = []Event{ev}
		join []string
	)
	switch ev.Type {
	case EventRegistered:
		s.setStateLocked(StateConnected)
		for _, ch := range s.channels {
			join = append(join, ch)
		}
		sort.Strings(join)
	case EventNames:
		s.roster.set(ev.Channel, ev.Names)
		out[0].Names = s.roster.members(ev.Channel)
	case EventJoin:
		s.roster.add(ev.Channel, ev.Username)
		out[0].Names = s.roster.members(ev.Channel)
	case EventPart, EventKick:
		out[0].Symbol = s.roster.symbol(ev.Channel, ev.Username)
		if strings.EqualFold(ev.Username, conn.Nick()) {
			s.roster.drop(ev.Channel)
			out[0].Self = true
		} else {
			s.roster.remove(ev.Channel, ev.Username)
		}
		out[0].Names = s.roster.members(ev.Channel)
	case EventQuit, EventKill:
		if ev.Channel == "" {
			out = out[:0]
			for _, ch := range s.roster.channelsOf(ev.Username) {
				e := ev
				e.Channel = ch
				e.Symbol = s.roster.symbol(ch, ev.Username)
				s.roster.remove(ch, ev.Username)
				e.Names = s.roster.members(ch)
				out = append(out, e)
			}
		} else {
			out[0].Symbol = s.roster.symbol(ev.Channel, ev.Username)
			s.roster.remove(ev.Channel, ev.Username)
			out[0].Names = s.roster.members(ev.Channel)
		}
	case EventMode:
		out[0].Symbol = s.roster.symbol(ev.Channel, ev.Username)
		s.roster.applyMode(ev.Channel, ev.Mode, ev.Target)
		out[0].Names = s.roster.members(ev.Channel)
	case EventNick:
		s.roster.rename(ev.Username, ev.Target)
	case EventMessage, EventAction, EventNotice:
		if ev.Symbol == "" && ev.Channel != "" {
			out[0].Symbol = s.roster.symbol(ev.Channel, ev.Username)
		}
	}
	s.mu.Unlock()

	for _, e := range out {
		s.emit(ctx, e)
	}
	for _, ch := range join {
		if err := conn.Join(ch); err != nil {
			s.log.Warn("join failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
}

func (s *Session) emit(ctx context.Context, ev Event) {
	ev.Server = s.name
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.out(ctx, ev) {
		s.log.Debug("event dropped", slog.String("type", string(ev.Type)))
	}
}

func sendLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func normalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	if ch != "" && !strings.HasPrefix(ch, "#") && !strings.HasPrefix(ch, "&") {
		ch = "#" + ch
	}
	return ch
}
