package chat

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/onnwee/irc-relay/config"
)

var errRemoteClosed = errors.New("connection closed by server")

// modesWithArg lists channel modes that always consume a parameter. 'l' takes
// one only when set.
const modesWithArg = "qaohvbeIk"

// IRCConn is a plain IRC transport over TCP or TLS.
type IRCConn struct {
	cfg  config.Server
	dial func(ctx context.Context) (net.Conn, error)

	mu      sync.Mutex
	w       *bufio.Writer
	nick    string
	pending map[string][]Member // NAMES replies being aggregated
}

// NewIRCConn builds a transport for cfg that dials the configured address.
func NewIRCConn(cfg config.Server) *IRCConn {
	c := &IRCConn{cfg: cfg, nick: cfg.Nick}
	c.dial = c.dialNetwork
	return c
}

func (c *IRCConn) dialNetwork(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: time.Minute}
	if !c.cfg.TLS {
		return nd.DialContext(ctx, "tcp", c.cfg.Addr())
	}
	td := &tls.Dialer{
		NetDialer: nd,
		Config: &tls.Config{
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed networks
			MinVersion:         tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", c.cfg.Addr())
}

// Nick returns the nickname currently registered (or being registered).
func (c *IRCConn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *IRCConn) Run(ctx context.Context, emit func(Event)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.mu.Lock()
	c.w = bufio.NewWriter(conn)
	c.nick = c.cfg.Nick
	c.pending = make(map[string][]Member)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.w = nil
		c.mu.Unlock()
	}()

	emit(Event{Type: EventConnect})

	if c.cfg.Password != "" {
		if err := c.send("PASS", c.cfg.Password); err != nil {
			return err
		}
	}
	if err := c.send("NICK", c.cfg.Nick); err != nil {
		return err
	}
	if err := c.send("USER", c.cfg.Username, "0", "*", c.cfg.RealName); err != nil {
		return err
	}

	r := bufio.NewReaderSize(conn, 16*1024)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return errRemoteClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		msg, err := ircmsg.ParseLine(line)
		if err != nil {
			slog.Debug("unparseable line", slog.String("component", "chat"), slog.String("server", c.cfg.Name), slog.Any("err", err))
			continue
		}
		if err := c.dispatch(&msg, emit); err != nil {
			return err
		}
	}
}

// dispatch translates one protocol message into events. A non-nil error ends
// the connection.
func (c *IRCConn) dispatch(msg *ircmsg.Message, emit func(Event)) error {
	nick := sourceNick(msg.Source)
	at := messageTime(msg)
	param := func(i int) string {
		if i < len(msg.Params) {
			return msg.Params[i]
		}
		return ""
	}

	switch msg.Command {
	case "PING":
		return c.send("PONG", msg.Params...)
	case "ERROR":
		return fmt.Errorf("server error: %s", param(0))
	case "464":
		return errors.New("password incorrect")
	case "465":
		return fmt.Errorf("you are banned from this server: %s", param(len(msg.Params)-1))
	case "001":
		c.mu.Lock()
		if n := param(0); n != "" {
			c.nick = n
		}
		c.mu.Unlock()
		emit(Event{Type: EventRegistered, Target: param(0), Time: at})
	case "433":
		// Nickname in use: retry with a suffix until the server accepts one.
		c.mu.Lock()
		c.nick += "_"
		next := c.nick
		c.mu.Unlock()
		return c.send("NICK", next)
	case "353":
		// RPL_NAMREPLY: <me> <symbol> <channel> :<names>
		ch := param(2)
		c.mu.Lock()
		for _, entry := range strings.Fields(param(3)) {
			c.pending[strings.ToLower(ch)] = append(c.pending[strings.ToLower(ch)], parseMember(entry))
		}
		c.mu.Unlock()
	case "366":
		ch := param(1)
		c.mu.Lock()
		names := c.pending[strings.ToLower(ch)]
		delete(c.pending, strings.ToLower(ch))
		c.mu.Unlock()
		emit(Event{Type: EventNames, Channel: ch, Names: names, Time: at})
	case "PRIVMSG":
		target, text := param(0), param(1)
		if !isChannel(target) {
			return nil // private queries are not relayed
		}
		ev := Event{Type: EventMessage, Channel: target, Username: nick, Text: text, Tags: tags(msg), Time: at}
		if body, ok := ctcpAction(text); ok {
			ev.Type, ev.Text = EventAction, body
		} else if strings.HasPrefix(text, "\x01") {
			return nil // other CTCP requests
		}
		emit(ev)
	case "NOTICE":
		if target := param(0); isChannel(target) && nick != "" {
			emit(Event{Type: EventNotice, Channel: target, Username: nick, Text: param(1), Tags: tags(msg), Time: at})
		}
	case "JOIN":
		emit(Event{Type: EventJoin, Channel: param(0), Username: nick, Time: at})
	case "PART":
		emit(Event{Type: EventPart, Channel: param(0), Username: nick, Text: param(1), Time: at})
	case "QUIT":
		emit(Event{Type: EventQuit, Username: nick, Text: param(0), Time: at})
	case "KICK":
		emit(Event{Type: EventKick, Channel: param(0), Username: param(1), By: nick, Text: param(2), Time: at})
	case "KILL":
		emit(Event{Type: EventKill, Username: param(0), By: nick, Text: param(1), Time: at})
	case "NICK":
		c.mu.Lock()
		if strings.EqualFold(nick, c.nick) {
			c.nick = param(0)
		}
		c.mu.Unlock()
		emit(Event{Type: EventNick, Username: nick, Target: param(0), Time: at})
	case "MODE":
		target := param(0)
		if !isChannel(target) || len(msg.Params) < 2 {
			return nil
		}
		for _, m := range splitModes(msg.Params[1], msg.Params[2:]) {
			emit(Event{Type: EventMode, Channel: target, Username: nick, Mode: m.Mode, Target: m.Arg, Time: at})
		}
	}
	return nil
}

type modeChange struct {
	Mode string
	Arg  string
}

// splitModes expands a mode string such as "+ov-b alice bob *!*@x" into one
// change per letter, pairing parameters in order.
func splitModes(modes string, args []string) []modeChange {
	var out []modeChange
	sign := byte('+')
	next := 0
	for i := 0; i < len(modes); i++ {
		ch := modes[i]
		if ch == '+' || ch == '-' {
			sign = ch
			continue
		}
		mc := modeChange{Mode: string([]byte{sign, ch})}
		if strings.IndexByte(modesWithArg, ch) >= 0 || (ch == 'l' && sign == '+') {
			if next < len(args) {
				mc.Arg = args[next]
				next++
			}
		}
		out = append(out, mc)
	}
	return out
}

func (c *IRCConn) send(command string, params ...string) error {
	m := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := m.Line()
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return ErrNotConnected
	}
	if _, err := c.w.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", command, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", command, err)
	}
	return nil
}

func (c *IRCConn) Say(channel, text string) error { return c.send("PRIVMSG", channel, text) }

func (c *IRCConn) Action(channel, text string) error {
	return c.send("PRIVMSG", channel, "\x01ACTION "+text+"\x01")
}

func (c *IRCConn) Join(channel string) error { return c.send("JOIN", channel) }

func (c *IRCConn) Part(channel, reason string) error {
	if reason == "" {
		return c.send("PART", channel)
	}
	return c.send("PART", channel, reason)
}

func (c *IRCConn) Quit(reason string) error {
	if reason == "" {
		return c.send("QUIT")
	}
	return c.send("QUIT", reason)
}

func sourceNick(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

func ctcpAction(text string) (string, bool) {
	body, ok := strings.CutPrefix(text, "\x01ACTION ")
	if !ok {
		return "", false
	}
	return strings.TrimSuffix(body, "\x01"), true
}

func tags(msg *ircmsg.Message) map[string]string {
	all := msg.AllTags()
	if len(all) == 0 {
		return nil
	}
	return all
}

// messageTime honours the IRCv3 server-time tag when present.
func messageTime(msg *ircmsg.Message) time.Time {
	if v, ok := msg.AllTags()["time"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
