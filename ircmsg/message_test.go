package ircmsg

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for name, tc := range map[string]struct {
		line string
		want Message
	}{
		"privmsg with trailing": {
			line: "PRIVMSG #general :hello world",
			want: Message{Command: "PRIVMSG", Arguments: []string{"#general", "hello world"}, Trailing: true},
		},
		"source prefix": {
			line: ":nick!user@42 PRIVMSG #general :hey",
			want: Message{Source: "nick!user@42", Command: "PRIVMSG", Arguments: []string{"#general", "hey"}, Trailing: true},
		},
		"no trailing": {
			line: "NICK tester",
			want: Message{Command: "NICK", Arguments: []string{"tester"}},
		},
		"collapsed spaces": {
			line: "PRIVMSG   #general    :hi there",
			want: Message{Command: "PRIVMSG", Arguments: []string{"#general", "hi there"}, Trailing: true},
		},
		"ping token": {
			line: "PING :1609459200",
			want: Message{Command: "PING", Arguments: []string{"1609459200"}, Trailing: true},
		},
		"user handshake": {
			line: "USER x x x :x",
			want: Message{Command: "USER", Arguments: []string{"x", "x", "x", "x"}, Trailing: true},
		},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseMissingCommand(t *testing.T) {
	for _, line := range []string{
		"NOSPACE",
		":source.only",
		":source ",
	} {
		_, err := Parse(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		New("", "PRIVMSG", "#general", "hello world"),
		New("srv.Discord", "NOTICE", "tester", "You were joined to guild channel #general because you sent a message to it."),
		New("a!DiscordUser@42", "JOIN", "#general"),
		New("", "PING", "1609459200"),
		{Command: "NICK", Arguments: []string{"tester"}},
		New("srv.Discord", RplNamReply, "tester", "=", "#general", "a!DiscordUser@1 b!DiscordUser@2"),
	}

	for _, m := range messages {
		first := m.String()
		parsed, err := Parse(first)
		require.NoError(t, err, "line %q", first)
		assert.Equal(t, first, parsed.String())
	}
}

func TestStringTrailingMarkerForSpaces(t *testing.T) {
	m := Message{Command: "PRIVMSG", Arguments: []string{"#c", "two words"}}
	assert.Equal(t, "PRIVMSG #c :two words", m.String())
}

func TestStringNoTrailingMarker(t *testing.T) {
	m := Message{Source: "srv", Command: RplMyInfo, Arguments: []string{"nick", "srv", "dircd-1.0.0"}}
	assert.Equal(t, ":srv 004 nick srv dircd-1.0.0", m.String())
}

// trailingSegments re-parses every physical line of a serialized
// message and returns the trailing text carried by each.
func trailingSegments(t *testing.T, serialized string) []string {
	t.Helper()
	var segments []string
	for _, line := range strings.Split(serialized, "\r\n") {
		m, err := Parse(line)
		require.NoError(t, err)
		require.NotEmpty(t, m.Arguments)
		segments = append(segments, m.Arguments[len(m.Arguments)-1])
	}
	return segments
}

func TestSplitRespectsByteBudget(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", 60))
	m := New("someone!DiscordUser@1234567890", "PRIVMSG", "#general", text)

	serialized := m.String()
	lines := strings.Split(serialized, "\r\n")
	assert.Greater(t, len(lines), 1)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 510, "line %q", line)
	}

	// No content dropped or reordered.
	joined := strings.Join(trailingSegments(t, serialized), " ")
	assert.Equal(t, text, joined)
}

func TestSplitAtExistingNewlines(t *testing.T) {
	m := New("", "PRIVMSG", "#general", "first line\nsecond line")
	assert.Equal(t, []string{"first line", "second line"}, trailingSegments(t, m.String()))
}

func TestSplitNeverBreaksCodepoints(t *testing.T) {
	// One unbroken word of two-byte codepoints, far over budget.
	word := strings.Repeat("é", 700)
	m := New("", "PRIVMSG", "#general", word)

	segments := trailingSegments(t, m.String())
	assert.Greater(t, len(segments), 1)
	for _, seg := range segments {
		assert.True(t, utf8.ValidString(seg))
	}
	assert.Equal(t, word, strings.Join(segments, ""))
}

func TestSplitKeepsWholeWordsWhenTheyFit(t *testing.T) {
	m := New("", "PRIVMSG", "#c", strings.TrimSpace(strings.Repeat("abcdefghij ", 100)))
	for _, seg := range trailingSegments(t, m.String()) {
		for _, word := range strings.Fields(seg) {
			assert.Equal(t, "abcdefghij", word)
		}
	}
}
