// Package highlight flags records that mention the relay owner, classifies
// authors into relationship tiers and keeps the conversation around each
// highlight until the owner acknowledges it.
package highlight

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/irc-relay/record"
)

// Identities configures a Detector.
type Identities struct {
	Self         []string // nicknames the relay connects with
	Extra        []string // additional names that count as a mention
	Friends      []string
	CloseFriends []string
}

// Detector is immutable once built; rebuild it when the configured lists change.
type Detector struct {
	names        map[string]string // lowercased -> configured spelling
	self         map[string]struct{}
	friends      map[string]struct{}
	closeFriends map[string]struct{}
}

// NewDetector precomputes the lowercased identity and friend sets.
func NewDetector(ids Identities) *Detector {
	d := &Detector{
		names:        make(map[string]string),
		self:         lowerSet(ids.Self),
		friends:      lowerSet(ids.Friends),
		closeFriends: lowerSet(ids.CloseFriends),
	}
	for _, group := range [][]string{ids.Self, ids.Extra} {
		for _, n := range group {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if _, dup := d.names[strings.ToLower(n)]; !dup {
				d.names[strings.ToLower(n)] = n
			}
		}
	}
	return d
}

func lowerSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out[strings.ToLower(s)] = struct{}{}
		}
	}
	return out
}

// IsSelf reports whether username is one of the relay's own nicknames.
func (d *Detector) IsSelf(username string) bool {
	_, ok := d.self[strings.ToLower(username)]
	return ok
}

// Tier classifies an author. Close friend wins when a name appears in both lists.
func (d *Detector) Tier(username string) record.Tier {
	u := strings.ToLower(username)
	if _, ok := d.closeFriends[u]; ok {
		return record.TierCloseFriend
	}
	if _, ok := d.friends[u]; ok {
		return record.TierFriend
	}
	return record.TierNone
}

// Match returns the configured identities mentioned in text as whole words, in
// order of first mention and without duplicates.
func (d *Detector) Match(text string) []string {
	if len(d.names) == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, w := range Words(text) {
		lw := strings.ToLower(w)
		name, ok := d.names[lw]
		if !ok {
			continue
		}
		if _, dup := seen[lw]; dup {
			continue
		}
		seen[lw] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Annotate sets the tier and highlight list on r. Only conversational records can
// highlight, and never when written by one of the relay's own nicknames.
func (d *Detector) Annotate(r record.Record) record.Record {
	r.Tier = d.Tier(r.Username)
	r.HighlightedBy = nil
	if r.Kind().Conversational() && !d.IsSelf(r.Username) {
		r.HighlightedBy = d.Match(r.Text())
	}
	return r
}

// Words splits text into nickname-shaped tokens.
func Words(text string) []string {
	var words []string
	start := -1
	for i, c := range text {
		if isWordRune(c) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

// isWordRune treats the special characters IRC allows in nicknames as part of a word,
// so "bob_" or "bob|away" are distinct from "bob".
func isWordRune(c rune) bool {
	if c == utf8.RuneError {
		return false
	}
	if unicode.IsLetter(c) || unicode.IsDigit(c) {
		return true
	}
	switch c {
	case '-', '_', '|', '[', ']', '\\', '`', '^', '{', '}':
		return true
	}
	return false
}
