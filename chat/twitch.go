package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/irc-relay/config"
)

// AnonymousNick is the read-only login used when no OAuth token is configured.
const AnonymousNick = "justinfan123123"

// TwitchConn is a transport for Twitch chat built on go-twitch-irc.
type TwitchConn struct {
	cfg config.Server

	mu     sync.Mutex
	client *twitch.Client
}

// NewTwitchConn builds a transport for cfg. Without a password the connection
// is anonymous and cannot send.
func NewTwitchConn(cfg config.Server) *TwitchConn {
	return &TwitchConn{cfg: cfg}
}

func (t *TwitchConn) Nick() string {
	if t.cfg.Password == "" {
		return AnonymousNick
	}
	return strings.ToLower(t.cfg.Nick)
}

func (t *TwitchConn) newClient() *twitch.Client {
	var client *twitch.Client
	if t.cfg.Password == "" {
		client = twitch.NewAnonymousClient()
	} else {
		oauth := t.cfg.Password
		if !strings.HasPrefix(oauth, "oauth:") {
			oauth = "oauth:" + oauth
		}
		client = twitch.NewClient(strings.ToLower(t.cfg.Nick), oauth)
	}
	client.IrcAddress = t.cfg.Addr()
	client.TLS = t.cfg.TLS
	return client
}

func (t *TwitchConn) Run(ctx context.Context, emit func(Event)) error {
	client := t.newClient()

	client.OnConnect(func() {
		emit(Event{Type: EventConnect})
		emit(Event{Type: EventRegistered, Target: t.Nick()})
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ev := Event{
			Type:     EventMessage,
			Channel:  "#" + msg.Channel,
			Username: msg.User.Name,
			Text:     msg.Message,
			Tags:     msg.Tags,
			Time:     msg.Time.UTC(),
		}
		if msg.Action {
			ev.Type = EventAction
		}
		emit(ev)
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		emit(Event{Type: EventJoin, Channel: "#" + msg.Channel, Username: msg.User})
	})
	client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		emit(Event{Type: EventPart, Channel: "#" + msg.Channel, Username: msg.User})
	})
	client.OnNamesMessage(func(msg twitch.NamesMessage) {
		names := make([]Member, 0, len(msg.Users))
		for _, u := range msg.Users {
			names = append(names, Member{Nick: u})
		}
		emit(Event{Type: EventNames, Channel: "#" + msg.Channel, Names: names})
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		emit(Event{
			Type:     EventTagged,
			Channel:  "#" + msg.Channel,
			Username: msg.User.Name,
			Text:     msg.Message,
			Tags:     msg.Tags,
			Time:     msg.Time.UTC(),
		})
	})
	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		// A targeted CLEARCHAT is a timeout or ban; a bare one clears the room.
		if msg.TargetUsername == "" {
			return
		}
		reason := "banned"
		if msg.BanDuration > 0 {
			reason = "timed out"
		}
		emit(Event{
			Type:     EventKick,
			Channel:  "#" + msg.Channel,
			Username: msg.TargetUsername,
			By:       "twitch",
			Text:     reason,
			Time:     msg.Time.UTC(),
		})
	})
	client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		if msg.Channel == "" {
			return
		}
		emit(Event{Type: EventNotice, Channel: "#" + msg.Channel, Username: "twitch", Text: msg.Message, Tags: msg.Tags})
	})

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.client = nil
		t.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = client.Disconnect() })
	defer stop()

	err := client.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (t *TwitchConn) current() (*twitch.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *TwitchConn) Say(channel, text string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	if t.cfg.Password == "" {
		return errors.New("anonymous twitch session cannot send")
	}
	c.Say(strings.TrimPrefix(channel, "#"), text)
	return nil
}

func (t *TwitchConn) Action(channel, text string) error {
	return t.Say(channel, "/me "+text)
}

func (t *TwitchConn) Join(channel string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	c.Join(strings.ToLower(strings.TrimPrefix(channel, "#")))
	return nil
}

func (t *TwitchConn) Part(channel, _ string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	c.Depart(strings.ToLower(strings.TrimPrefix(channel, "#")))
	return nil
}

func (t *TwitchConn) Quit(string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.Disconnect()
}
