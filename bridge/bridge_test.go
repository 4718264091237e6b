package bridge

import (
	"testing"
	"time"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dircd/dircd/ircmsg"
)

func TestOnReadyAssignsPortsByJoinTime(t *testing.T) {
	remote := newFakeRemote()
	remote.guilds = []Guild{
		{ID: "g2", Name: "Second Guild", JoinedAt: time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "g1", Name: "First Guild", JoinedAt: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "g3", Name: "skip this one", JoinedAt: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	b := newTestBridge(remote)
	b.Config.BasePort = 48620
	b.Config.ExcludedGuilds = []glob.Glob{glob.MustCompile("skip*")}
	defer b.Close()

	b.OnReady()

	dm, ok := b.getServer(serverDMs)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:48620", dm.addr)

	first, ok := b.getServer("g1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:48621", first.addr)

	second, ok := b.getServer("g2")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:48622", second.addr)

	_, ok = b.getServer("g3")
	assert.False(t, ok, "excluded guild must not get a session")
}

func TestResolveUserID(t *testing.T) {
	remote := newFakeRemote()
	remote.guilds = []Guild{{ID: "g1"}, {ID: "g2"}}
	remote.members["g1"] = []User{
		{ID: "1", Username: "alice"},
		{ID: "2", Username: "Bob Smith"},
	}
	remote.members["g2"] = []User{{ID: "3", Username: "carol"}}
	b := newTestBridge(remote)

	// An explicit @id suffix wins without any lookup.
	assert.Equal(t, "42", b.resolveUserID("whoever@42", "g1"))

	// Nickname search is scoped to the session's guild.
	assert.Equal(t, "1", b.resolveUserID("alice", "g1"))
	assert.Equal(t, "2", b.resolveUserID("Bob_Smith", "g1"))
	assert.Equal(t, "", b.resolveUserID("carol", "g1"))

	// The DM session searches every guild.
	assert.Equal(t, "3", b.resolveUserID("carol", serverDMs))

	assert.Equal(t, "", b.resolveUserID("nobody", "g1"))
}

func TestExclusionGlobs(t *testing.T) {
	b := newTestBridge(newFakeRemote())
	b.Config.ExcludedGuilds = []glob.Glob{glob.MustCompile("Test*"), glob.MustCompile("1234")}
	b.Config.ExcludedChannels = []glob.Glob{glob.MustCompile("*-spam")}

	assert.True(t, b.guildExcluded(Guild{ID: "999", Name: "Test Guild"}))
	assert.True(t, b.guildExcluded(Guild{ID: "1234", Name: "Other"}))
	assert.False(t, b.guildExcluded(Guild{ID: "999", Name: "Other"}))

	assert.True(t, b.channelExcluded(Channel{ID: "5", Name: "bot-spam"}))
	assert.False(t, b.channelExcluded(Channel{ID: "5", Name: "general"}))
}

func TestSessionChannels(t *testing.T) {
	remote := newFakeRemote()
	remote.channels["g1"] = []Channel{
		{Kind: ChannelText, ID: "c1", GuildID: "g1", Name: "general"},
		{Kind: ChannelText, ID: "c2", GuildID: "g1", Name: "bot-spam"},
	}
	remote.private = []Channel{
		{Kind: ChannelDM, ID: "d1", Recipient: User{ID: "7", Username: "alice"}},
		{Kind: ChannelGroup, ID: "gr1", Name: "plans"},
	}

	b := newTestBridge(remote)
	b.Config.ExcludedChannels = []glob.Glob{glob.MustCompile("*-spam")}

	guild := b.sessionChannels("g1")
	require.Len(t, guild, 1)
	assert.Equal(t, "c1", guild[0].ID)

	private := b.sessionChannels(serverDMs)
	assert.Len(t, private, 2)
}

func TestOnMessageSuppressesOwnEcho(t *testing.T) {
	remote := newFakeRemote()
	b := newTestBridge(remote)
	s := newServer(b, "g1", "Guild", "127.0.0.1:0")
	b.servers["g1"] = s

	ch := Channel{Kind: ChannelText, ID: "c1", GuildID: "g1", Name: "general"}

	// Echo of a message the session itself relayed: consumed silently.
	s.AddOwnMessage("hello")
	b.OnMessage(MessageEvent{Channel: ch, Author: remote.self, Content: "hello"})
	assert.False(t, s.IsOwnMessage("hello"))

	// The same text from another user leaves the cache alone.
	s.AddOwnMessage("hello")
	b.OnMessage(MessageEvent{Channel: ch, Author: User{ID: "1", Username: "alice"}, Content: "hello"})
	assert.True(t, s.IsOwnMessage("hello"))
}

func TestOnChannelCreatedWithoutSession(t *testing.T) {
	b := newTestBridge(newFakeRemote())

	// No session for the guild yet; the channel is picked up later.
	b.OnChannelCreated(Channel{Kind: ChannelText, ID: "c1", GuildID: "g9", Name: "general"})
	assert.Empty(t, b.servers)
}

func TestUnknownTargetMovesDMToDMServer(t *testing.T) {
	remote := newFakeRemote()
	b := newTestBridge(remote)
	guildServer := newServer(b, "g1", "Guild", "127.0.0.1:0")
	dmServer := newServer(b, serverDMs, "DMs", "127.0.0.1:0")
	b.servers["g1"] = guildServer
	b.servers[serverDMs] = dmServer

	b.unknownTargetMessage("g1", ircmsg.New("", "PRIVMSG", "alice@42", "hi there"))

	sent := remote.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{ChannelID: "dm-42", Text: "hi there"}, sent[0])

	// The created DM chat is now mapped on the DM session under the
	// peer's user ID.
	dmServer.mu.Lock()
	_, mapped := dmServer.channels["42"]
	dmServer.mu.Unlock()
	assert.True(t, mapped)
}

func TestUnknownTargetGuildChannelOnDMServer(t *testing.T) {
	remote := newFakeRemote()
	b := newTestBridge(remote)
	b.servers[serverDMs] = newServer(b, serverDMs, "DMs", "127.0.0.1:0")

	b.unknownTargetMessage(serverDMs, ircmsg.New("", "PRIVMSG", "#general", "hi"))
	assert.Empty(t, remote.sentMessages())
}
