// Package route maps (server, channel) pairs to canonical keys and decides which
// channel names need a server qualifier because they appear on more than one server.
package route

import (
	"sort"
	"strings"
)

// Pair is one active (server, channel) membership.
type Pair struct {
	Server  string
	Channel string
}

// Route is the derived routing info for one channel on one server.
type Route struct {
	Server    string
	Channel   string
	Key       string
	Ambiguous bool
}

// Bare lowercases a channel name and strips its leading '#' characters.
func Bare(channel string) string {
	return strings.ToLower(strings.TrimLeft(channel, "#"))
}

// Key returns the canonical key "<server>/<bare channel>".
func Key(server, channel string) string {
	return server + "/" + Bare(channel)
}

// SplitKey is the inverse of Key for the server part. The channel part is the bare name.
// Server names never contain '/', channel names may, so the first '/' separates them.
func SplitKey(key string) (server, bare string, ok bool) {
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Table is an immutable snapshot of ambiguity information. A new table is
// computed whenever servers or channels change.
type Table struct {
	servers map[string]map[string]struct{} // bare channel -> servers
}

// Compute builds a table from the active pairs. Duplicate pairs are ignored.
func Compute(pairs []Pair) *Table {
	t := &Table{servers: make(map[string]map[string]struct{}, len(pairs))}
	for _, p := range pairs {
		bare := Bare(p.Channel)
		if bare == "" {
			continue
		}
		set, ok := t.servers[bare]
		if !ok {
			set = make(map[string]struct{}, 1)
			t.servers[bare] = set
		}
		set[strings.ToLower(p.Server)] = struct{}{}
	}
	return t
}

// IsAmbiguous reports whether the channel is configured on two or more servers.
// The name may be given with or without '#', in any case.
func (t *Table) IsAmbiguous(channel string) bool {
	if t == nil {
		return false
	}
	return len(t.servers[Bare(channel)]) > 1
}

// Route builds the route for a channel on a server.
func (t *Table) Route(server, channel string) Route {
	return Route{
		Server:    server,
		Channel:   channel,
		Key:       Key(server, channel),
		Ambiguous: t.IsAmbiguous(channel),
	}
}

// Ambiguous lists every ambiguous bare channel name, sorted.
func (t *Table) Ambiguous() []string {
	if t == nil {
		return nil
	}
	var out []string
	for bare, set := range t.servers {
		if len(set) > 1 {
			out = append(out, bare)
		}
	}
	sort.Strings(out)
	return out
}

// DisplayName is the user-facing name of a route: the channel alone, or
// "<server> <channel>" when the channel name is ambiguous.
func DisplayName(r Route) string {
	if r.Ambiguous {
		return r.Server + " " + r.Channel
	}
	return r.Channel
}
