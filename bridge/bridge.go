// Package bridge hosts one IRC server instance per bridged Discord
// guild, plus a reserved instance for direct and group messages, and
// routes gateway events between them.
package bridge

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dircd/dircd/ircmsg"
	"github.com/dircd/dircd/ircnick"
)

// Version is reported in the handshake reply block.
const Version = "1.0.0"

// serverDMs keys the reserved session carrying direct and group
// messages. It is not a valid guild ID.
const serverDMs = "DMServer"

// Config to be passed to New
type Config struct {
	DiscordToken string

	// BindAddress is the loopback address every session listens on.
	BindAddress string

	// BasePort is the DM session's port; guild sessions are assigned
	// successive ports counting up from BasePort+1, ordered by the
	// bridge account's join time to each guild.
	BasePort int

	// ExcludedGuilds and ExcludedChannels are matched against both the
	// entity's ID and its name; matching entities are not bridged.
	ExcludedGuilds   []glob.Glob
	ExcludedChannels []glob.Glob

	// SmileyMapping rewrites custom emoji markup, e.g. ":shrug:" to
	// a kaomoji.
	SmileyMapping map[string]string

	Debug bool
}

// A Bridge owns the Discord event subscription and the collection of
// IRC server sessions keyed by guild ID.
type Bridge struct {
	Config *Config

	remote Remote

	mu      sync.Mutex
	servers map[string]*Server
	wg      sync.WaitGroup
}

// New creates a Bridge over the Discord gateway. Nothing connects
// until Open.
func New(conf *Config) (*Bridge, error) {
	if conf.DiscordToken == "" {
		return nil, errors.New("missing discord token")
	}

	b := newBridge(conf)
	remote, err := newDiscord(b, conf.DiscordToken)
	if err != nil {
		return nil, errors.Wrap(err, "could not create discord client")
	}
	b.remote = remote
	return b, nil
}

func newBridge(conf *Config) *Bridge {
	if conf.BindAddress == "" {
		conf.BindAddress = "127.0.0.1"
	}
	return &Bridge{
		Config:  conf,
		servers: make(map[string]*Server),
	}
}

// Open connects to Discord. Sessions are created once the gateway
// reports ready.
func (b *Bridge) Open() error {
	if err := b.remote.Open(); err != nil {
		return errors.Wrap(err, "can't open discord connection")
	}
	return nil
}

// Close shuts down every session, waits for them to finish, then
// disconnects from Discord.
func (b *Bridge) Close() {
	b.mu.Lock()
	servers := make([]*Server, 0, len(b.servers))
	for _, s := range b.servers {
		servers = append(servers, s)
	}
	b.mu.Unlock()

	for _, s := range servers {
		s.Shutdown()
	}
	b.wg.Wait()

	if err := b.remote.Close(); err != nil {
		log.WithError(err).Errorln("discord client did not close cleanly")
	}
}

// SetDebugMode allows you to control debug logging at runtime.
func (b *Bridge) SetDebugMode(debug bool) {
	b.mu.Lock()
	b.Config.Debug = debug
	b.mu.Unlock()
}

// SetSmileyMapping swaps the emoji substitution table at runtime.
func (b *Bridge) SetSmileyMapping(mapping map[string]string) {
	b.mu.Lock()
	b.Config.SmileyMapping = mapping
	b.mu.Unlock()
}

// SetExclusions swaps the guild/channel exclusion patterns at runtime.
// Already-running sessions keep their ports; the patterns apply to new
// sessions and to channel-map population.
func (b *Bridge) SetExclusions(guilds, channels []glob.Glob) {
	b.mu.Lock()
	b.Config.ExcludedGuilds = guilds
	b.Config.ExcludedChannels = channels
	b.mu.Unlock()
}

func (b *Bridge) smileyMapping() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Config.SmileyMapping
}

func (b *Bridge) getServer(id string) (*Server, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[id]
	return s, ok
}

func (b *Bridge) removeServer(id string) {
	b.mu.Lock()
	delete(b.servers, id)
	b.mu.Unlock()
}

func (b *Bridge) startServer(guildID, guildName string, port int) {
	b.mu.Lock()
	if _, ok := b.servers[guildID]; ok {
		b.mu.Unlock()
		return
	}
	s := newServer(b, guildID, guildName, net.JoinHostPort(b.Config.BindAddress, strconv.Itoa(port)))
	b.servers[guildID] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.Run()
	}()
}

func matchesAny(patterns []glob.Glob, values ...string) bool {
	for _, p := range patterns {
		for _, v := range values {
			if p.Match(v) {
				return true
			}
		}
	}
	return false
}

func (b *Bridge) guildExcluded(g Guild) bool {
	b.mu.Lock()
	patterns := b.Config.ExcludedGuilds
	b.mu.Unlock()
	return matchesAny(patterns, g.ID, g.Name)
}

func (b *Bridge) channelExcluded(ch Channel) bool {
	b.mu.Lock()
	patterns := b.Config.ExcludedChannels
	b.mu.Unlock()
	return matchesAny(patterns, ch.ID, ch.Name)
}

// sessionChannels lists the channels a session should map when a
// client connects: private channels for the reserved DM session, text
// channels for a guild session. Excluded channels are filtered out.
func (b *Bridge) sessionChannels(guildID string) []Channel {
	var chans []Channel
	if guildID == serverDMs {
		chans = b.remote.PrivateChannels()
	} else {
		chans = b.remote.GuildChannels(guildID)
	}

	var out []Channel
	for _, ch := range chans {
		if b.channelExcluded(ch) {
			continue
		}
		switch ch.Kind {
		case ChannelText, ChannelDM, ChannelGroup:
			out = append(out, ch)
		}
	}
	return out
}

// channelNames builds the space-separated NAMES list for a channel.
func (b *Bridge) channelNames(ch Channel) string {
	members := b.remote.ChannelMembers(ch)
	names := make([]string, 0, len(members))
	for _, u := range members {
		names = append(names, ircnick.Hostmask(u.Username, u.ID))
	}
	return strings.Join(names, " ")
}

func (b *Bridge) currentNick(guildID string) string {
	return ircnick.Nick(b.remote.CurrentUser(guildID).Username)
}

func (b *Bridge) currentHostmask(guildID string) string {
	u := b.remote.CurrentUser(guildID)
	return ircnick.Hostmask(u.Username, u.ID)
}

func (b *Bridge) selfID() string {
	return b.remote.CurrentUser(serverDMs).ID
}

// OnReady creates the reserved DM session on the base port, then one
// session per eligible guild on successive ports, ordered by the
// bridge account's join time.
func (b *Bridge) OnReady() {
	b.startServer(serverDMs, "DMs", b.Config.BasePort)

	guilds := b.remote.Guilds()
	sort.Slice(guilds, func(i, j int) bool { return guilds[i].JoinedAt.Before(guilds[j].JoinedAt) })

	port := b.Config.BasePort + 1
	for _, g := range guilds {
		if b.guildExcluded(g) {
			log.WithField("guild", g.Name).Debugln("guild excluded from bridging")
			continue
		}
		b.startServer(g.ID, g.Name, port)
		port++
	}
}

// OnMessage routes an inbound Discord message to the session owning
// its channel, suppressing echoes of messages the session itself sent.
func (b *Bridge) OnMessage(ev MessageEvent) {
	log.WithFields(log.Fields{
		"channel": ev.Channel.ID,
		"kind":    ev.Channel.Kind,
	}).Debugln("message received")

	switch ev.Channel.Kind {
	case ChannelText:
		server, ok := b.getServer(ev.Channel.GuildID)
		if !ok {
			log.WithField("guild", ev.Channel.GuildID).Debugln("no session for guild")
			return
		}
		if ev.Author.ID == b.selfID() && server.IsOwnMessage(ev.Content) {
			return
		}
		server.SendMessage(ev.Channel.Token(), renderPlaintext(ev, b.smileyMapping()),
			ircnick.Hostmask(ev.Author.Username, ev.Author.ID))

	case ChannelDM:
		server, ok := b.getServer(serverDMs)
		if !ok {
			return
		}
		server.JoinDMChannel(ev.Channel)

		self := b.remote.CurrentUser(serverDMs)
		target := ircnick.Hostmask(self.Username, self.ID)
		author := ircnick.Hostmask(ev.Channel.Recipient.Username, ev.Channel.Recipient.ID)
		text := renderPlaintext(ev, b.smileyMapping())

		if ev.Author.ID != self.ID {
			server.SendMessage(target, text, author)
		} else if !server.IsOwnMessage(ev.Content) {
			// Sent by us from another device; relay it labelled.
			server.SendMessage(target, "::dircd:: [You]: "+text, author)
		}

	case ChannelGroup:
		server, ok := b.getServer(serverDMs)
		if !ok {
			return
		}
		if ev.Author.ID == b.selfID() && server.IsOwnMessage(ev.Content) {
			return
		}
		server.SendMessage(ev.Channel.Token(), renderPlaintext(ev, b.smileyMapping()),
			ircnick.Hostmask(ev.Author.Username, ev.Author.ID))

	default:
		log.WithField("channel", ev.Channel.ID).Debugln("unsupported channel kind")
	}
}

// OnUserJoined broadcasts a guild member join to its session.
func (b *Bridge) OnUserJoined(guildID string, user User) {
	if server, ok := b.getServer(guildID); ok {
		server.SendUserJoin(user, ircnick.Hostmask(user.Username, user.ID))
	}
	log.WithField("user", user.Username).Infoln("user join")
}

// OnUserLeft broadcasts a guild member departure to its session.
func (b *Bridge) OnUserLeft(guildID string, user User) {
	if server, ok := b.getServer(guildID); ok {
		server.SendUserQuit(ircnick.Hostmask(user.Username, user.ID))
	}
	log.WithField("user", user.Username).Infoln("user left")
}

// OnUserUpdated broadcasts a nickname change to the DM session and
// every guild session the user is a member of.
func (b *Bridge) OnUserUpdated(old, updated User) {
	oldNick := ircnick.Nick(old.Username)
	newNick := ircnick.Nick(updated.Username)
	if oldNick == newNick {
		return
	}

	oldHostmask := ircnick.Hostmask(old.Username, old.ID)
	if server, ok := b.getServer(serverDMs); ok {
		server.SendUserNickchange(oldHostmask, newNick)
	}
	for _, g := range b.remote.Guilds() {
		server, ok := b.getServer(g.ID)
		if !ok {
			continue
		}
		for _, member := range b.remote.GuildMembers(g.ID) {
			if member.ID == updated.ID {
				server.SendUserNickchange(oldHostmask, newNick)
				break
			}
		}
	}
	log.Infof("%s changed name to %s", oldNick, newNick)
}

// OnSelfUpdated announces the bridge's own nickname change on every
// session.
func (b *Bridge) OnSelfUpdated(old, updated User) {
	b.mu.Lock()
	servers := make([]*Server, 0, len(b.servers))
	for _, s := range b.servers {
		servers = append(servers, s)
	}
	b.mu.Unlock()

	newNick := ircnick.Nick(updated.Username)
	for _, s := range servers {
		s.SendSelfNickchange(newNick)
	}
	log.Infof("own name changed from %s to %s", ircnick.Nick(old.Username), newNick)
}

// OnChannelCreated forwards a newly created channel to the matching
// session. A guild with no session yet is a no-op; the channel is
// picked up when the session is next created.
func (b *Bridge) OnChannelCreated(ch Channel) {
	switch ch.Kind {
	case ChannelText:
		if b.channelExcluded(ch) {
			return
		}
		if server, ok := b.getServer(ch.GuildID); ok {
			server.JoinGuildChannel(ch)
			log.WithField("token", ch.Token()).Infoln("joined new guild channel")
		}
	case ChannelGroup:
		if server, ok := b.getServer(serverDMs); ok {
			server.JoinGroupChannel(ch)
			log.WithField("token", ch.Token()).Infoln("joined new group dm channel")
		}
	case ChannelDM:
		// DM channels are mapped lazily when a message arrives.
	}
}

// unknownTargetMessage handles a client message addressed to a token
// the session has no mapping for, resolving by the token's first
// character and auto-joining on success.
func (b *Bridge) unknownTargetMessage(guildID string, m ircmsg.Message) {
	target, text := m.Arguments[0], m.Arguments[1]

	if guildID == serverDMs && target[0] == '#' {
		log.WithField("target", target).Errorln("attempted to send to a guild channel on the DM server")
		if server, ok := b.getServer(serverDMs); ok {
			server.SendNotice("You cannot send a message to guild channels on the DM server.")
		}
		return
	}

	switch target[0] {
	case '#':
		server, ok := b.getServer(guildID)
		if !ok {
			return
		}
		ch, found := b.findGuildChannel(guildID, target)
		if !found {
			log.WithField("target", target).Warnln("no guild channel with that name exists")
			server.SendNotice(fmt.Sprintf("No guild channel named %s exists.", target))
			return
		}
		server.JoinGuildChannel(ch)
		server.SendNotice(fmt.Sprintf("You were joined to guild channel %s because you sent a message to it.", target))
		if err := b.remote.Send(ch.ID, text); err != nil {
			log.WithError(err).WithField("target", target).Errorln("could not forward message")
		}

	case '&':
		server, ok := b.getServer(serverDMs)
		if !ok {
			return
		}
		ch, found := b.findGroupChannel(target)
		if !found {
			log.WithField("target", target).Warnln("no group dm with that name exists")
			server.SendNotice(fmt.Sprintf("No group dm named %s exists.", target))
			return
		}
		server.JoinGroupChannel(ch)
		server.SendNotice(fmt.Sprintf("You were joined to group dm %s because you sent a message to it.", target))
		if err := b.remote.Send(ch.ID, text); err != nil {
			log.WithError(err).WithField("target", target).Errorln("could not forward message")
		}

	default:
		userID := b.resolveUserID(target, guildID)
		if userID == "" {
			if server, ok := b.getServer(guildID); ok {
				server.SendNotice(fmt.Sprintf("Could not find a user matching %s.", target))
			}
			return
		}
		ch, err := b.remote.EnsureDM(userID)
		if err != nil {
			log.WithError(err).WithField("target", target).Warnln("could not get or create dm chat")
			return
		}
		dmServer, ok := b.getServer(serverDMs)
		if !ok {
			return
		}
		dmServer.JoinDMChannel(ch)
		if err := b.remote.Send(ch.ID, text); err != nil {
			log.WithError(err).WithField("target", target).Errorln("could not forward dm")
			return
		}
		// A DM routed from a guild session moves to the DM server;
		// leave a trace on the originating session.
		if guildID != serverDMs {
			if guildServer, ok := b.getServer(guildID); ok {
				guildServer.SendNotice(fmt.Sprintf("Moved dm with %s to DM server", target))
				guildServer.SendMessage(guildServer.ClientHostmask(),
					fmt.Sprintf("::dircd:: Moved dm with %s to DM server", target), target)
			}
		}
	}
}

func (b *Bridge) findGuildChannel(guildID, token string) (Channel, bool) {
	for _, ch := range b.remote.GuildChannels(guildID) {
		if ch.Kind == ChannelText && ch.Token() == token {
			return ch, true
		}
	}
	return Channel{}, false
}

func (b *Bridge) findGroupChannel(token string) (Channel, bool) {
	for _, ch := range b.remote.PrivateChannels() {
		if ch.Kind == ChannelGroup && ch.Token() == token {
			return ch, true
		}
	}
	return Channel{}, false
}

// resolveUserID resolves a wire target token to a Discord user ID: an
// explicit "@id" suffix wins; otherwise nicknames are searched in the
// session's guild, or across all guilds for the DM session. Returns ""
// when nothing matches.
func (b *Bridge) resolveUserID(token, guildID string) string {
	if i := strings.IndexByte(token, '@'); i >= 0 {
		return token[i+1:]
	}

	if guildID == serverDMs {
		for _, g := range b.remote.Guilds() {
			if id := findByNick(b.remote.GuildMembers(g.ID), token); id != "" {
				return id
			}
		}
	} else if id := findByNick(b.remote.GuildMembers(guildID), token); id != "" {
		return id
	}

	log.WithField("target", token).Errorln("failed to resolve user id for irc target")
	return ""
}

func findByNick(users []User, nick string) string {
	for _, u := range users {
		if ircnick.Nick(u.Username) == nick {
			return u.ID
		}
	}
	return ""
}
