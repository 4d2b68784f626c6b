package chat

import (
	"time"

	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/route"
)

var connStatus = map[EventType]record.ConnStatus{
	EventConnecting: record.StatusConnecting,
	EventConnect:    record.StatusConnected,
	EventRegistered: record.StatusRegistered,
	EventDisconnect: record.StatusDisconnected,
	EventClose:      record.StatusDisconnected,
	EventEnd:        record.StatusDisconnected,
	EventAbort:      record.StatusAborted,
	EventFailed:     record.StatusFailed,
}

// Classify converts an event into a record with a fresh id. It reports false
// for events that carry no record (names, nick changes, network errors) and for
// malformed input; such events are dropped rather than treated as errors.
// Highlight and tier annotation happen later.
func Classify(ev Event, tags TagProcessor) (record.Record, bool) {
	if ev.Server == "" {
		return record.Record{}, false
	}
	r := record.Record{
		Server: ev.Server,
		Time:   ev.Time,
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	r.Time = r.Time.UTC()

	if status, ok := connStatus[ev.Type]; ok {
		r.ID = record.NewID()
		r.Payload = record.ConnectionEvent{Status: status, Server: ev.Server}
		return r, true
	}

	if ev.Channel == "" || ev.Username == "" {
		return record.Record{}, false
	}
	r.Channel = route.Key(ev.Server, ev.Channel)
	r.Username = ev.Username
	r.Symbol = ev.Symbol

	switch ev.Type {
	case EventMessage:
		r.Payload = record.Message{Text: ev.Text}
	case EventAction:
		r.Payload = record.Action{Text: ev.Text}
	case EventNotice:
		r.Payload = record.Notice{Text: ev.Text}
	case EventJoin:
		r.Payload = record.Join{}
	case EventPart:
		r.Payload = record.Part{Reason: ev.Text}
	case EventQuit:
		r.Payload = record.Quit{Reason: ev.Text}
	case EventKill:
		r.Payload = record.Kill{Reason: ev.Text}
	case EventKick:
		if ev.By == "" {
			return record.Record{}, false
		}
		r.Payload = record.Kick{By: ev.By, Reason: ev.Text}
	case EventMode:
		if len(ev.Mode) < 2 {
			return record.Record{}, false
		}
		r.Payload = record.Mode{Mode: ev.Mode, Argument: ev.Target}
	case EventTagged:
		// Only the tags say what this is; without a processor it is noise.
		if tags == nil {
			return record.Record{}, false
		}
		processed := tags.Process(ev.Tags)
		text := processed["system-msg"]
		if text == "" {
			return record.Record{}, false
		}
		if ev.Text != "" {
			text += " " + ev.Text
		}
		r.Payload = record.Notice{Text: text}
		r.Tags = processed
		r.ID = record.NewID()
		return r, true
	default:
		return record.Record{}, false
	}

	if r.Kind().Conversational() && len(ev.Tags) > 0 {
		if tags != nil {
			r.Tags = tags.Process(ev.Tags)
		} else {
			r.Tags = ev.Tags
		}
	}
	r.ID = record.NewID()
	return r, true
}
