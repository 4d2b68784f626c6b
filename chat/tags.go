package chat

import (
	"sort"
	"strings"
)

// TagProcessor normalizes platform-specific message tags before they are
// merged into a record.
type TagProcessor interface {
	Process(tags map[string]string) map[string]string
}

// TagProcessorFunc adapts a function to TagProcessor.
type TagProcessorFunc func(map[string]string) map[string]string

func (f TagProcessorFunc) Process(tags map[string]string) map[string]string { return f(tags) }

// TwitchTags keeps the Twitch tags viewers render and normalizes their values:
// badges and emotes are sorted, the color is upper-cased, and system messages
// have their escaped spaces restored.
type TwitchTags struct{}

var twitchKept = []string{"badges", "color", "display-name", "emotes", "msg-id", "system-msg", "login", "id"}

func (TwitchTags) Process(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(twitchKept))
	for _, k := range twitchKept {
		v, ok := tags[k]
		if !ok || v == "" {
			continue
		}
		switch k {
		case "badges":
			v = sortedList(v, ",")
		case "emotes":
			v = sortedList(v, "/")
		case "color":
			v = strings.ToUpper(v)
		case "system-msg":
			v = strings.TrimSpace(strings.ReplaceAll(v, `\s`, " "))
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedList(v, sep string) string {
	parts := strings.Split(v, sep)
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, sep)
}
