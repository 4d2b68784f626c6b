package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// memberLine is the storage form of one bunch member: its rendered line plus the
// metadata the line format does not carry.
type memberLine struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

type eventsBlob struct {
	JoinCount int          `json:"joinCount"`
	PartCount int          `json:"partCount"`
	Members   []memberLine `json:"members"`
}

// EncodeEvents serializes a bunch for storage. Members are stored in line form.
func EncodeEvents(p Events) ([]byte, error) {
	blob := eventsBlob{JoinCount: p.JoinCount, PartCount: p.PartCount, Members: make([]memberLine, 0, len(p.Members))}
	for _, m := range p.Members {
		line, err := BuildLine(m)
		if err != nil {
			return nil, fmt.Errorf("encode bunch member %s: %w", m.ID, err)
		}
		blob.Members = append(blob.Members, memberLine{ID: m.ID, Kind: m.Kind(), Time: m.Time, Line: line})
	}
	return json.Marshal(blob)
}

// DecodeEvents restores a bunch written by EncodeEvents. Members inherit the
// channel and server of the bunch.
func DecodeEvents(data []byte, channel, server string) (Events, error) {
	var blob eventsBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Events{}, fmt.Errorf("decode bunch: %w", err)
	}
	out := Events{JoinCount: blob.JoinCount, PartCount: blob.PartCount, Members: make([]Record, 0, len(blob.Members))}
	for _, m := range blob.Members {
		parsed, err := ParseLine(m.Kind, m.Line)
		if err != nil {
			return Events{}, fmt.Errorf("decode bunch member %s: %w", m.ID, err)
		}
		out.Members = append(out.Members, Record{
			ID:       m.ID,
			Channel:  channel,
			Server:   server,
			Username: parsed.Username,
			Symbol:   parsed.Symbol,
			Time:     m.Time,
			Payload:  parsed.Payload,
		})
	}
	return out, nil
}
