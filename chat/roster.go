package chat

import (
	"sort"
	"strings"

	"github.com/onnwee/irc-relay/record"
)

// prefixModes maps channel membership modes to their display symbols.
var prefixModes = map[byte]byte{'q': '~', 'a': '&', 'o': '@', 'h': '%', 'v': '+'}

// roster tracks who is in each channel and their membership prefixes.
type roster struct {
	channels map[string]map[string]*Member // lower channel -> lower nick -> member
}

func newRoster() *roster {
	return &roster{channels: make(map[string]map[string]*Member)}
}

func lower(s string) string { return strings.ToLower(s) }

func (r *roster) set(channel string, members []Member) {
	m := make(map[string]*Member, len(members))
	for _, mem := range members {
		mem := mem
		m[lower(mem.Nick)] = &mem
	}
	r.channels[lower(channel)] = m
}

func (r *roster) add(channel, nick string) {
	m, ok := r.channels[lower(channel)]
	if !ok {
		m = make(map[string]*Member)
		r.channels[lower(channel)] = m
	}
	if _, ok := m[lower(nick)]; !ok {
		m[lower(nick)] = &Member{Nick: nick}
	}
}

func (r *roster) remove(channel, nick string) {
	delete(r.channels[lower(channel)], lower(nick))
}

func (r *roster) drop(channel string) {
	delete(r.channels, lower(channel))
}

// channelsOf lists the channels nick is currently in, sorted.
func (r *roster) channelsOf(nick string) []string {
	var out []string
	for ch, m := range r.channels {
		if _, ok := m[lower(nick)]; ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func (r *roster) rename(from, to string) {
	for _, m := range r.channels {
		if mem, ok := m[lower(from)]; ok {
			delete(m, lower(from))
			mem.Nick = to
			m[lower(to)] = mem
		}
	}
}

// symbol returns the highest prefix nick holds in channel.
func (r *roster) symbol(channel, nick string) string {
	mem, ok := r.channels[lower(channel)][lower(nick)]
	if !ok || mem.Symbol == "" {
		return ""
	}
	return mem.Symbol[:1]
}

// applyMode updates prefixes for a single mode change such as "+o".
func (r *roster) applyMode(channel, mode, nick string) {
	if len(mode) != 2 || nick == "" {
		return
	}
	sym, ok := prefixModes[mode[1]]
	if !ok {
		return
	}
	mem, ok := r.channels[lower(channel)][lower(nick)]
	if !ok {
		return
	}
	has := strings.IndexByte(mem.Symbol, sym) >= 0
	switch {
	case mode[0] == '+' && !has:
		mem.Symbol = sortSymbols(mem.Symbol + string(sym))
	case mode[0] == '-' && has:
		mem.Symbol = strings.ReplaceAll(mem.Symbol, string(sym), "")
	}
}

// members returns the user list of a channel ordered by rank then nick. Each
// member carries only its highest prefix.
func (r *roster) members(channel string) []Member {
	m := r.channels[lower(channel)]
	out := make([]Member, 0, len(m))
	for _, mem := range m {
		sym := ""
		if mem.Symbol != "" {
			sym = mem.Symbol[:1]
		}
		out = append(out, Member{Symbol: sym, Nick: mem.Nick})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank(out[i].Symbol), rank(out[j].Symbol)
		if ri != rj {
			return ri < rj
		}
		return lower(out[i].Nick) < lower(out[j].Nick)
	})
	return out
}

func rank(symbol string) int {
	if symbol == "" {
		return len(record.Symbols)
	}
	return strings.IndexByte(record.Symbols, symbol[0])
}

func sortSymbols(s string) string {
	b := []byte(s)
	sort.Slice(b, func(i, j int) bool {
		return strings.IndexByte(record.Symbols, b[i]) < strings.IndexByte(record.Symbols, b[j])
	})
	return string(b)
}

// parseMember splits a NAMES entry such as "@+alice" into its prefixes and nick.
func parseMember(entry string) Member {
	symbol, nick := record.SplitSymbol(entry)
	return Member{Symbol: sortSymbols(symbol), Nick: nick}
}
