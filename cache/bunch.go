package cache

import "github.com/onnwee/irc-relay/record"

// DefaultMaxMembers caps the number of records inside one bunch.
const DefaultMaxMembers = 50

// Outcome describes what AppendChannel did with a record.
type Outcome struct {
	// Record is the entry now at the channel tail: the input itself, or a bunch.
	Record record.Record
	// Replaced is true when Record overwrote the previous tail in place.
	Replaced   bool
	ReplacedID string
	// Superseded lists ids whose stored rows should be deleted.
	Superseded []string
}

// Buncher coalesces consecutive low-signal records into "events" records.
type Buncher struct {
	MaxMembers int
	// NewID generates bunch ids; nil uses record.NewID.
	NewID func() string
}

func (b Buncher) maxMembers() int {
	if b.MaxMembers <= 0 {
		return DefaultMaxMembers
	}
	if b.MaxMembers < 2 {
		return 2
	}
	return b.MaxMembers
}

func (b Buncher) id() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return record.NewID()
}

// Apply decides how r joins a channel whose current tail is tail.
func (b Buncher) Apply(tail record.Record, hasTail bool, r record.Record) Outcome {
	if !r.Kind().LowSignal() || !hasTail {
		return Outcome{Record: r}
	}

	switch prev := tail.Payload.(type) {
	case record.Events:
		members := make([]record.Record, 0, len(prev.Members)+1)
		members = append(members, prev.Members...)
		members = append(members, r)

		var dropped []string
		if over := len(members) - b.maxMembers(); over > 0 {
			for _, m := range members[:over] {
				dropped = append(dropped, m.ID)
			}
			members = members[over:]
		}

		prior := make([]string, 0, len(tail.PriorIDs)+1+len(dropped))
		prior = append(prior, tail.PriorIDs...)
		prior = append(prior, tail.ID)
		prior = append(prior, dropped...)
		if over := len(prior) - b.maxMembers(); over > 0 {
			prior = prior[over:]
		}

		joins, parts := countOne(r)
		bunch := b.bunch(r, record.Events{
			Members:   members,
			JoinCount: prev.JoinCount + joins,
			PartCount: prev.PartCount + parts,
		}, prior)
		return Outcome{
			Record:     bunch,
			Replaced:   true,
			ReplacedID: tail.ID,
			Superseded: append([]string{tail.ID}, dropped...),
		}

	default:
		if !tail.Kind().LowSignal() {
			return Outcome{Record: r}
		}
		j1, p1 := countOne(tail)
		j2, p2 := countOne(r)
		bunch := b.bunch(r, record.Events{
			Members:   []record.Record{tail, r},
			JoinCount: j1 + j2,
			PartCount: p1 + p2,
		}, append([]string(nil), tail.PriorIDs...))
		return Outcome{
			Record:     bunch,
			Replaced:   true,
			ReplacedID: tail.ID,
			Superseded: []string{tail.ID},
		}
	}
}

func (b Buncher) bunch(latest record.Record, ev record.Events, prior []string) record.Record {
	if len(prior) == 0 {
		prior = []string{}
	}
	return record.Record{
		ID:       b.id(),
		Channel:  latest.Channel,
		Server:   latest.Server,
		Time:     latest.Time,
		Payload:  ev,
		PriorIDs: prior,
	}
}

// countOne returns the join and part contributions of a single low-signal record.
// Quits, kicks and kills count as departures.
func countOne(r record.Record) (joins, parts int) {
	switch r.Kind() {
	case record.KindJoin:
		return 1, 0
	case record.KindPart, record.KindQuit, record.KindKick, record.KindKill:
		return 0, 1
	}
	return 0, 0
}
