package bridge

import (
	"time"

	"github.com/dircd/dircd/ircnick"
)

// ChannelKind distinguishes the three kinds of bridged conversations.
type ChannelKind int

const (
	// ChannelText is a guild text channel.
	ChannelText ChannelKind = iota
	// ChannelDM is a one-to-one direct message channel.
	ChannelDM
	// ChannelGroup is a group direct message channel.
	ChannelGroup
)

// User is the slice of a Discord user the bridge needs.
type User struct {
	ID       string
	Username string
	Bot      bool
}

// Guild is a Discord guild the bridge account belongs to.
type Guild struct {
	ID       string
	Name     string
	JoinedAt time.Time // when the bridge account joined, used for port ordering
}

// Channel is a Discord channel handle, tagged by kind.
type Channel struct {
	Kind    ChannelKind
	ID      string
	GuildID string
	Name    string

	Topic    string
	Position int // guild channels only: display position

	CreatedAt time.Time // group channels only: creation order

	Recipient User // DM channels only
}

// Token is the wire-protocol name for the channel within a session.
// Guild channels map to "#name", group channels to "&name", and DM
// channels to the peer's numeric user ID, which is stable across
// nickname changes.
func (c Channel) Token() string {
	switch c.Kind {
	case ChannelText:
		return "#" + ircnick.Sanitize(c.Name)
	case ChannelGroup:
		return "&" + ircnick.Sanitize(c.Name)
	case ChannelDM:
		return c.Recipient.ID
	}
	return ""
}

// Role is a guild role referenced by a message mention.
type Role struct {
	ID   string
	Name string
}

// Embed carries the URLs of a message embed worth relaying.
type Embed struct {
	URL      string
	ImageURL string
	VideoURL string
}

// MessageEvent is an inbound chat message from the Discord gateway.
type MessageEvent struct {
	Channel Channel
	Author  User
	Content string

	Attachments []string // attachment URLs

	Embeds []Embed

	MentionedUsers    []User
	MentionedChannels []Channel
	MentionedRoles    []Role
}

// Remote is the surface of the group-chat network the bridge consumes.
// The production implementation sits on the Discord gateway; tests
// substitute a fake.
type Remote interface {
	Open() error
	Close() error

	// Guilds lists the guilds the bridge account belongs to.
	Guilds() []Guild
	// GuildChannels lists a guild's channels.
	GuildChannels(guildID string) []Channel
	// GuildMembers lists a guild's members.
	GuildMembers(guildID string) []User
	// PrivateChannels lists the account's DM and group channels.
	PrivateChannels() []Channel
	// ChannelMembers lists the users participating in a channel.
	ChannelMembers(ch Channel) []User
	// CurrentUser is the bridge's own identity within a guild (or the
	// account identity for the reserved DM session).
	CurrentUser(guildID string) User

	// Send posts text to a channel.
	Send(channelID, text string) error
	// EnsureDM fetches or creates the DM channel with a user.
	EnsureDM(userID string) (Channel, error)
}
