// Package record defines the canonical unit that flows through the relay pipeline:
// one classified piece of IRC activity with a stable identifier. The kind-specific
// part of a record is a sealed set of payload types, so every consumer matches on
// the payload type rather than on free-form kind strings.
package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind names the type of a record. Values match the wire and storage representation.
type Kind string

const (
	KindMessage    Kind = "msg"
	KindAction     Kind = "action"
	KindNotice     Kind = "notice"
	KindJoin       Kind = "join"
	KindPart       Kind = "part"
	KindQuit       Kind = "quit"
	KindKick       Kind = "kick"
	KindMode       Kind = "mode"
	KindKill       Kind = "kill"
	KindConnection Kind = "connectionEvent"
	KindEvents     Kind = "events"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindMessage, KindAction, KindNotice, KindJoin, KindPart, KindQuit,
	KindKick, KindMode, KindKill, KindConnection, KindEvents,
}

// LowSignal reports whether records of this kind are eligible for bunching.
func (k Kind) LowSignal() bool {
	switch k {
	case KindJoin, KindPart, KindQuit, KindKick, KindMode, KindKill:
		return true
	}
	return false
}

// Conversational reports whether the kind carries user-authored text.
func (k Kind) Conversational() bool {
	return k == KindMessage || k == KindAction || k == KindNotice
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Tier is the relationship between the relay owner and a record's author.
type Tier int

const (
	TierNone Tier = iota
	TierFriend
	TierCloseFriend
)

func (t Tier) String() string {
	switch t {
	case TierFriend:
		return "friend"
	case TierCloseFriend:
		return "closeFriend"
	default:
		return "none"
	}
}

// AtLeastFriend reports whether the tier earns per-user cache placement.
func (t Tier) AtLeastFriend() bool { return t >= TierFriend }

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a tier name; unknown names decode to TierNone.
func (t *Tier) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "friend":
		*t = TierFriend
	case "closefriend":
		*t = TierCloseFriend
	default:
		*t = TierNone
	}
	return nil
}

// Payload is the kind-specific part of a record. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	sealed()
}

type Message struct {
	Text string `json:"text"`
}

type Action struct {
	Text string `json:"text"`
}

type Notice struct {
	Text string `json:"text"`
}

type Join struct{}

type Part struct {
	Reason string `json:"reason,omitempty"`
}

type Quit struct {
	Reason string `json:"reason,omitempty"`
}

type Kick struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// Mode carries one applied mode change. Mode holds the signed letter exactly as
// applied ("+o", "-v", "+b"); Argument holds its parameter, if any.
type Mode struct {
	Mode     string `json:"mode"`
	Argument string `json:"argument,omitempty"`
}

type Kill struct {
	Reason string `json:"reason,omitempty"`
}

// ConnectionEvent records a change of a server session's connection state.
type ConnectionEvent struct {
	Status ConnStatus `json:"status"`
	Server string     `json:"server"`
}

// Events is a bunch of consecutive low-signal records collapsed into one entry.
type Events struct {
	Members   []Record `json:"members"`
	JoinCount int      `json:"joinCount"`
	PartCount int      `json:"partCount"`
}

func (Message) Kind() Kind         { return KindMessage }
func (Action) Kind() Kind          { return KindAction }
func (Notice) Kind() Kind          { return KindNotice }
func (Join) Kind() Kind            { return KindJoin }
func (Part) Kind() Kind            { return KindPart }
func (Quit) Kind() Kind            { return KindQuit }
func (Kick) Kind() Kind            { return KindKick }
func (Mode) Kind() Kind            { return KindMode }
func (Kill) Kind() Kind            { return KindKill }
func (ConnectionEvent) Kind() Kind { return KindConnection }
func (Events) Kind() Kind          { return KindEvents }

func (Message) sealed()         {}
func (Action) sealed()          {}
func (Notice) sealed()          {}
func (Join) sealed()            {}
func (Part) sealed()            {}
func (Quit) sealed()            {}
func (Kick) sealed()            {}
func (Mode) sealed()            {}
func (Kill) sealed()            {}
func (ConnectionEvent) sealed() {}
func (Events) sealed()          {}

// ConnStatus is the status word used in connection event records.
type ConnStatus string

const (
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusRegistered   ConnStatus = "registered"
	StatusDisconnected ConnStatus = "disconnected"
	StatusAborted      ConnStatus = "aborted"
	StatusFailed       ConnStatus = "failed"
)

// Preposition returns the word joining status and server in the rendered line.
func (s ConnStatus) Preposition() string {
	switch s {
	case StatusRegistered:
		return "by"
	case StatusDisconnected, StatusAborted:
		return "from"
	default:
		return "to"
	}
}

func (s ConnStatus) valid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusRegistered, StatusDisconnected, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// Record is one classified unit of IRC activity. Records are immutable once created;
// a bunch replacement produces a new record that lists superseded ids in PriorIDs.
type Record struct {
	ID            string
	Channel       string // canonical route key, empty for server-level records
	Server        string
	Username      string
	Symbol        string // membership prefix such as "@" or "+"
	Time          time.Time
	Payload       Payload
	Tags          map[string]string
	Tier          Tier
	HighlightedBy []string
	PriorIDs      []string
}

// Kind returns the kind of the record's payload.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Text returns the message body for conversational kinds and "" otherwise.
func (r Record) Text() string {
	switch p := r.Payload.(type) {
	case Message:
		return p.Text
	case Action:
		return p.Text
	case Notice:
		return p.Text
	}
	return ""
}

// Highlighted reports whether any configured identity was mentioned.
func (r Record) Highlighted() bool { return len(r.HighlightedBy) > 0 }

type wireRecord struct {
	ID            string            `json:"id"`
	Channel       string            `json:"channel,omitempty"`
	Server        string            `json:"server"`
	Username      string            `json:"username,omitempty"`
	Symbol        string            `json:"symbol,omitempty"`
	Time          time.Time         `json:"time"`
	Kind          Kind              `json:"kind"`
	Data          Payload           `json:"data"`
	Tags          map[string]string `json:"tags,omitempty"`
	Tier          Tier              `json:"tier"`
	HighlightedBy []string          `json:"highlightedBy,omitempty"`
	PriorIDs      []string          `json:"priorIds,omitempty"`
}

// MarshalJSON renders the record for viewers with a kind discriminator and the
// payload under "data".
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		ID:            r.ID,
		Channel:       r.Channel,
		Server:        r.Server,
		Username:      r.Username,
		Symbol:        r.Symbol,
		Time:          r.Time,
		Kind:          r.Kind(),
		Data:          r.Payload,
		Tags:          r.Tags,
		Tier:          r.Tier,
		HighlightedBy: r.HighlightedBy,
		PriorIDs:      r.PriorIDs,
	})
}
