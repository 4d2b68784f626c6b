package record

import (
	"errors"
	"fmt"
	"strings"
)

// Symbols are the channel membership prefixes that may precede a username in a line.
const Symbols = "~&@%+"

var (
	// ErrNoLineForm is returned when building a line for a kind that has no text form.
	ErrNoLineForm = errors.New("kind has no line form")
	// ErrMalformedLine is returned when a line does not match its kind's format.
	ErrMalformedLine = errors.New("malformed line")
)

// Parsed is the result of parsing a persisted line.
type Parsed struct {
	Symbol   string
	Username string
	Payload  Payload
}

// BuildLine renders a record in the human-readable log format.
func BuildLine(r Record) (string, error) {
	su := r.Symbol + r.Username
	switch p := r.Payload.(type) {
	case Message:
		return "<" + su + "> " + p.Text, nil
	case Action:
		return "* " + su + " " + p.Text, nil
	case Notice:
		return "-" + su + "- " + p.Text, nil
	case Join:
		return "** " + su + " joined", nil
	case Part:
		return "** " + su + " left" + reasonSuffix(p.Reason), nil
	case Quit:
		return "** " + su + " left" + reasonSuffix(p.Reason), nil
	case Kick:
		return "** " + su + " was kicked by " + p.By + reasonSuffix(p.Reason), nil
	case Mode:
		line := "** " + su + " sets mode: " + p.Mode
		if p.Argument != "" {
			line += " " + p.Argument
		}
		return line, nil
	case Kill:
		return "** " + su + " was killed" + reasonSuffix(p.Reason), nil
	case ConnectionEvent:
		return "*** " + string(p.Status) + " " + p.Status.Preposition() + " " + p.Server, nil
	case Events:
		return "", ErrNoLineForm
	case nil:
		return "", fmt.Errorf("build line: record %s has no payload", r.ID)
	default:
		return "", fmt.Errorf("build line: unsupported payload %T", p)
	}
}

// ParseLine is the inverse of BuildLine for a line of the given kind.
func ParseLine(kind Kind, line string) (Parsed, error) {
	switch kind {
	case KindMessage:
		if !strings.HasPrefix(line, "<") {
			return Parsed{}, malformed(kind, line)
		}
		i := strings.Index(line, "> ")
		if i < 0 {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, line[1:i], Message{Text: line[i+2:]})
	case KindAction:
		rest, ok := strings.CutPrefix(line, "* ")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		su, text, ok := strings.Cut(rest, " ")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, su, Action{Text: text})
	case KindNotice:
		if !strings.HasPrefix(line, "-") {
			return Parsed{}, malformed(kind, line)
		}
		i := strings.Index(line[1:], "- ")
		if i < 0 {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, line[1:1+i], Notice{Text: line[i+3:]})
	case KindJoin:
		su, rest, err := eventSubject(kind, line)
		if err != nil {
			return Parsed{}, err
		}
		if rest != "joined" {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, su, Join{})
	case KindPart, KindQuit:
		su, rest, err := eventSubject(kind, line)
		if err != nil {
			return Parsed{}, err
		}
		tail, ok := strings.CutPrefix(rest, "left")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		reason, ok := parseReason(tail)
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		if kind == KindQuit {
			return withUser(kind, line, su, Quit{Reason: reason})
		}
		return withUser(kind, line, su, Part{Reason: reason})
	case KindKick:
		su, rest, err := eventSubject(kind, line)
		if err != nil {
			return Parsed{}, err
		}
		tail, ok := strings.CutPrefix(rest, "was kicked by ")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		by, tail, _ := strings.Cut(tail, " ")
		if by == "" {
			return Parsed{}, malformed(kind, line)
		}
		if tail != "" {
			tail = " " + tail
		}
		reason, ok := parseReason(tail)
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, su, Kick{By: by, Reason: reason})
	case KindMode:
		su, rest, err := eventSubject(kind, line)
		if err != nil {
			return Parsed{}, err
		}
		tail, ok := strings.CutPrefix(rest, "sets mode: ")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		mode, arg, _ := strings.Cut(tail, " ")
		if mode == "" {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, su, Mode{Mode: mode, Argument: arg})
	case KindKill:
		su, rest, err := eventSubject(kind, line)
		if err != nil {
			return Parsed{}, err
		}
		tail, ok := strings.CutPrefix(rest, "was killed")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		reason, ok := parseReason(tail)
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		return withUser(kind, line, su, Kill{Reason: reason})
	case KindConnection:
		rest, ok := strings.CutPrefix(line, "*** ")
		if !ok {
			return Parsed{}, malformed(kind, line)
		}
		i := strings.LastIndexByte(rest, ' ')
		if i < 0 {
			return Parsed{}, malformed(kind, line)
		}
		server := rest[i+1:]
		rest = rest[:i]
		j := strings.LastIndexByte(rest, ' ')
		if j < 0 || server == "" {
			return Parsed{}, malformed(kind, line)
		}
		status := ConnStatus(rest[:j])
		if !status.valid() || status.Preposition() != rest[j+1:] {
			return Parsed{}, malformed(kind, line)
		}
		return Parsed{Payload: ConnectionEvent{Status: status, Server: server}}, nil
	case KindEvents:
		return Parsed{}, ErrNoLineForm
	default:
		return Parsed{}, fmt.Errorf("parse line: unknown kind %q", kind)
	}
}

// SplitSymbol separates a leading membership prefix from a username.
func SplitSymbol(su string) (symbol, username string) {
	i := 0
	for i < len(su) && strings.IndexByte(Symbols, su[i]) >= 0 {
		i++
	}
	return su[:i], su[i:]
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

func parseReason(tail string) (string, bool) {
	if tail == "" {
		return "", true
	}
	if !strings.HasPrefix(tail, " (") || !strings.HasSuffix(tail, ")") || len(tail) < 4 {
		return "", false
	}
	return tail[2 : len(tail)-1], true
}

// eventSubject strips the "** " marker and splits off the symbol+username token.
func eventSubject(kind Kind, line string) (su, rest string, err error) {
	body, ok := strings.CutPrefix(line, "** ")
	if !ok {
		return "", "", malformed(kind, line)
	}
	su, rest, ok = strings.Cut(body, " ")
	if !ok {
		return "", "", malformed(kind, line)
	}
	return su, rest, nil
}

func withUser(kind Kind, line, su string, p Payload) (Parsed, error) {
	symbol, username := SplitSymbol(su)
	if username == "" {
		return Parsed{}, malformed(kind, line)
	}
	return Parsed{Symbol: symbol, Username: username, Payload: p}, nil
}

func malformed(kind Kind, line string) error {
	return fmt.Errorf("%w: %s %q", ErrMalformedLine, kind, line)
}
