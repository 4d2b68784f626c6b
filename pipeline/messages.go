package pipeline

import (
	"time"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/highlight"
	"github.com/onnwee/irc-relay/record"
)

// Outbound message types.
const (
	MsgChannelCache     = "channelCache"
	MsgUserCache        = "userCache"
	MsgCategoryCache    = "categoryCache"
	MsgChannelEvent     = "channelEvent"
	MsgChannelData      = "channelData"
	MsgChannelUserList  = "channelUserList"
	MsgUnseenHighlights = "unseenHighlights"
	MsgNewHighlight     = "newHighlight"
	MsgHighlightContext = "highlightContext"
	MsgConnectionStatus = "connectionStatus"
	MsgLastSeen         = "lastSeen"
	MsgPong             = "pong"
)

// Inbound request types.
const (
	ReqSubscribe             = "subscribe"
	ReqUnsubscribe           = "unsubscribe"
	ReqSendMessage           = "sendMessage"
	ReqReportHighlightAsSeen = "reportHighlightAsSeen"
	ReqClearUnseen           = "clearUnseenHighlights"
	ReqPing                  = "ping"
)

// Message is one frame pushed to viewers. Only the fields relevant to Type are set.
type Message struct {
	Type     string `json:"type"`
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Category string `json:"category,omitempty"`
	Display  string `json:"display,omitempty"`

	Record  *record.Record  `json:"record,omitempty"`
	Records []record.Record `json:"records,omitempty"`
	// Replace tells the viewer to overwrite its last entry for the key instead of appending.
	Replace    bool   `json:"replace,omitempty"`
	ReplacedID string `json:"replacedId,omitempty"`
	// Incremental marks a user or category cache message that carries only new records.
	Incremental bool `json:"incremental,omitempty"`

	// Context is the conversation around one highlight (newHighlight, highlightContext).
	Context *highlight.Context `json:"context,omitempty"`
	// Contexts accompany highlight records in the highlights category.
	Contexts []highlight.Context `json:"contexts,omitempty"`

	Server   string          `json:"server,omitempty"`
	Status   string          `json:"status,omitempty"`
	Users    []User          `json:"users,omitempty"`
	IDs      []string        `json:"ids,omitempty"`
	Channels []ChannelInfo   `json:"channels,omitempty"`
	LastSeen map[string]Seen `json:"lastSeen,omitempty"`
}

// Request is one frame received from a viewer.
type Request struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
	IsAction  bool   `json:"isAction,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Token     string `json:"token,omitempty"`
}

// User is one entry of a channel user list.
type User struct {
	Symbol string `json:"symbol,omitempty"`
	Nick   string `json:"nick"`
}

// ChannelInfo describes one configured channel and how to display it.
type ChannelInfo struct {
	Key       string `json:"key"`
	Server    string `json:"server"`
	Channel   string `json:"channel"`
	Display   string `json:"display"`
	Ambiguous bool   `json:"ambiguous,omitempty"`
	State     string `json:"state"`
}

// Seen is the newest record shown in a channel.
type Seen struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

func users(ms []chat.Member) []User {
	out := make([]User, len(ms))
	for i, m := range ms {
		out[i] = User{Symbol: m.Symbol, Nick: m.Nick}
	}
	return out
}

// Subscription keys are namespaced so a channel and a user of the same name never collide.
func channelSub(key string) string   { return "channel:" + key }
func userSub(name string) string     { return "user:" + lower(name) }
func categorySub(name string) string { return "category:" + name }
