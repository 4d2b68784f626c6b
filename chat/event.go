package chat

import "time"

// EventType names a normalized inbound event.
type EventType string

const (
	EventConnecting EventType = "connecting"
	EventConnect    EventType = "connect"
	EventRegistered EventType = "registered"
	EventDisconnect EventType = "disconnect"
	EventClose      EventType = "close"
	EventEnd        EventType = "end"
	EventAbort      EventType = "abort"
	EventFailed     EventType = "failed"
	EventNetError   EventType = "netError"
	EventMessage    EventType = "message"
	EventAction     EventType = "action"
	EventNotice     EventType = "notice"
	EventJoin       EventType = "join"
	EventPart       EventType = "part"
	EventQuit       EventType = "quit"
	EventKick       EventType = "kick"
	EventMode       EventType = "mode"
	EventKill       EventType = "kill"
	EventNames      EventType = "names"
	EventNick       EventType = "nick"
	// EventTagged carries input that only its tags can classify, such as Twitch
	// USERNOTICE system messages.
	EventTagged EventType = "tagged"
)

// Member is one entry of a channel user list.
type Member struct {
	Symbol string `json:"symbol,omitempty"`
	Nick   string `json:"nick"`
}

// Event is one normalized piece of inbound activity. Which fields are set depends
// on Type:
//
//	message/action/notice: Channel, Username, Text, Tags
//	join/part/quit/kill:   Channel, Username, Text (reason)
//	kick:                  Channel, Username (kicked), By, Text (reason)
//	mode:                  Channel, Username (setter), Mode, Target (argument)
//	names:                 Channel, Names
//	nick:                  Username (old), Target (new)
//	netError:              Err
type Event struct {
	Type     EventType
	Server   string
	Channel  string // with its '#' prefix; empty for server-level events
	Username string
	Symbol   string
	Text     string
	By       string
	Mode     string
	Target   string
	Names    []Member
	Tags     map[string]string
	Time     time.Time
	Err      error
	// Self is set on echoes of messages the relay sent and when the relay itself
	// leaves or is kicked from a channel.
	Self bool
}
