package bridge

import (
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	ChannelID string
	Text      string
}

// fakeRemote is an in-memory Remote standing in for the Discord
// gateway.
type fakeRemote struct {
	mu sync.Mutex

	self     User
	guilds   []Guild
	channels map[string][]Channel // guild ID -> channels
	members  map[string][]User    // guild ID (or group channel ID) -> users
	private  []Channel
	dms      map[string]Channel // user ID -> dm channel

	sent []sentMessage
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		self:     User{ID: "self", Username: "bridgebot"},
		channels: make(map[string][]Channel),
		members:  make(map[string][]User),
		dms:      make(map[string]Channel),
	}
}

func (f *fakeRemote) Open() error  { return nil }
func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) Guilds() []Guild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Guild(nil), f.guilds...)
}

func (f *fakeRemote) GuildChannels(guildID string) []Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Channel(nil), f.channels[guildID]...)
}

func (f *fakeRemote) GuildMembers(guildID string) []User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]User(nil), f.members[guildID]...)
}

func (f *fakeRemote) PrivateChannels() []Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Channel(nil), f.private...)
}

func (f *fakeRemote) ChannelMembers(ch Channel) []User {
	switch ch.Kind {
	case ChannelDM:
		return []User{ch.Recipient}
	case ChannelGroup:
		return f.GuildMembers(ch.ID)
	default:
		return f.GuildMembers(ch.GuildID)
	}
}

func (f *fakeRemote) CurrentUser(guildID string) User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

func (f *fakeRemote) Send(channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID, text})
	return nil
}

func (f *fakeRemote) EnsureDM(userID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.dms[userID]; ok {
		return ch, nil
	}
	ch := Channel{
		Kind:      ChannelDM,
		ID:        "dm-" + userID,
		Recipient: User{ID: userID, Username: "peer" + userID},
	}
	f.dms[userID] = ch
	return ch, nil
}

func (f *fakeRemote) addGuildChannel(guildID string, ch Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[guildID] = append(f.channels[guildID], ch)
}

func (f *fakeRemote) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeRemote) waitForSends(t *testing.T, n int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := f.sentMessages(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d forwarded messages (got %d)", n, len(f.sentMessages()))
	return nil
}

func newTestBridge(remote Remote) *Bridge {
	b := newBridge(&Config{DiscordToken: "token", BindAddress: "127.0.0.1"})
	b.remote = remote
	return b
}
