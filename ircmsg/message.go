// Package ircmsg implements the IRC wire message model: parsing raw
// protocol lines into structured messages, and serializing structured
// messages back into protocol-conformant lines, splitting over-long
// trailing arguments across multiple physical lines.
package ircmsg

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// maxLineLen is the byte budget for a single physical line, excluding
// the CR-LF terminator. The protocol limits lines to 512 bytes
// including the terminator.
const maxLineLen = 510

// Message is a single IRC protocol message.
//
// Only the last argument may contain spaces. When Trailing is set (or
// the last argument contains a space) the last argument is serialized
// with the " :" trailing marker.
type Message struct {
	Source    string
	Command   string
	Arguments []string
	Trailing  bool
}

// New builds an outbound message with the trailing marker enabled for
// the final argument. Callers that need a bare final argument clear
// Trailing afterwards; the marker is forced back on if the argument
// contains a space.
func New(source, command string, arguments ...string) Message {
	return Message{
		Source:    source,
		Command:   command,
		Arguments: arguments,
		Trailing:  true,
	}
}

// Parse reads a raw line (without its line terminator) into a Message.
//
// A leading ":" introduces the source prefix. The command must be
// followed by a space unless it ends the line; a missing command is a
// parse error. Remaining tokens are space-delimited arguments, with
// consecutive spaces collapsed, until a token starting with ":" marks
// the trailing argument, which runs to the end of the line.
func Parse(line string) (Message, error) {
	var m Message
	search := 0

	if strings.HasPrefix(line, ":") {
		next := strings.IndexByte(line, ' ')
		if next < 0 {
			return m, errors.Errorf("malformed message (%q): missing command", line)
		}
		m.Source = line[1:next]
		search = next + 1
	}

	next := strings.IndexByte(line[search:], ' ')
	if next <= 0 {
		return m, errors.Errorf("malformed message (%q): command expected at index %d", line, search)
	}
	m.Command = line[search : search+next]
	search += next + 1

	for search < len(line) {
		next = strings.IndexByte(line[search:], ' ')
		if next < 0 {
			break
		}
		if next == 0 {
			search++
			continue
		}
		arg := line[search : search+next]
		if arg[0] == ':' {
			m.Trailing = true
			break
		}
		m.Arguments = append(m.Arguments, arg)
		search += next + 1
	}

	if search < len(line) && line[search] == ':' {
		m.Trailing = true
		search++
	}
	if search < len(line) {
		m.Arguments = append(m.Arguments, line[search:])
	}

	return m, nil
}

// String serializes the message into one or more physical lines joined
// by "\r\n". When the trailing argument would push a line over the
// protocol's byte budget it is split across multiple lines, each
// repeating the same source/command/argument prefix: first at existing
// line breaks in the text, then at whitespace, and as a last resort
// inside a word at a codepoint boundary.
func (m Message) String() string {
	var b strings.Builder

	if m.Source != "" {
		b.WriteByte(':')
		b.WriteString(m.Source)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)

	if len(m.Arguments) == 0 {
		return b.String()
	}

	for _, arg := range m.Arguments[:len(m.Arguments)-1] {
		b.WriteByte(' ')
		b.WriteString(arg)
	}

	last := m.Arguments[len(m.Arguments)-1]
	if !m.Trailing && !strings.Contains(last, " ") {
		b.WriteByte(' ')
		b.WriteString(last)
		return b.String()
	}

	b.WriteString(" :")
	base := b.String()
	segments := splitTrailing(last, maxLineLen-len(base))

	if len(segments) == 1 {
		return base + segments[0]
	}

	lines := make([]string, len(segments))
	for i, seg := range segments {
		lines[i] = base + seg
	}
	return strings.Join(lines, "\r\n")
}

// splitTrailing breaks text into segments of at most budget bytes.
// Segments follow the original line breaks; blank lines are dropped.
func splitTrailing(text string, budget int) []string {
	if budget < utf8.UTFMax {
		// A pathologically long prefix leaves no room; still make
		// progress one codepoint at a time.
		budget = utf8.UTFMax
	}

	var segments []string
	for _, line := range strings.FieldsFunc(text, isLineBreak) {
		if len(line) <= budget {
			segments = append(segments, line)
			continue
		}
		segments = append(segments, wrapLine(line, budget)...)
	}

	if segments == nil {
		segments = []string{""}
	}
	return segments
}

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r'
}

// wrapLine re-wraps a single over-long line at whitespace boundaries,
// never breaking a word that fits the budget on its own. A word longer
// than the whole budget is hard-split at codepoint boundaries.
func wrapLine(line string, budget int) []string {
	var (
		out []string
		b   strings.Builder
	)

	for _, word := range strings.Fields(line) {
		sep := 0
		if b.Len() > 0 {
			sep = 1
		}
		if b.Len()+sep+len(word) <= budget {
			if sep == 1 {
				b.WriteByte(' ')
			}
			b.WriteString(word)
			continue
		}

		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
		for len(word) > budget {
			cut := fitBytes(word, budget)
			out = append(out, word[:cut])
			word = word[cut:]
		}
		b.WriteString(word)
	}

	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// fitBytes returns the byte length of the longest prefix of word that
// fits within budget without splitting a multi-byte codepoint.
func fitBytes(word string, budget int) int {
	fit := 0
	for i, r := range word {
		if i+utf8.RuneLen(r) > budget {
			break
		}
		fit = i + utf8.RuneLen(r)
	}
	return fit
}
