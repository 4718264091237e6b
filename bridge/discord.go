package bridge

import (
	"regexp"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// discordClient implements Remote over the Discord gateway and feeds
// gateway events into the Bridge. Event handlers run on discordgo's
// goroutines; everything they touch on the bridge side is locked.
type discordClient struct {
	*discordgo.Session
	bridge *Bridge
}

var channelMentionRegex = regexp.MustCompile(`<#(\d{1,20})>`)

func newDiscord(b *Bridge, token string) (*discordClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "error creating Discord session")
	}

	d := &discordClient{session, b}
	session.Identify.Intents = discordgo.IntentsAll

	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onGuildMemberAdd)
	session.AddHandler(d.onGuildMemberRemove)
	session.AddHandler(d.onGuildMemberUpdate)
	session.AddHandler(d.onUserUpdate)
	session.AddHandler(d.onChannelCreate)

	return d, nil
}

func (d *discordClient) Open() error {
	return d.Session.Open()
}

func (d *discordClient) Close() error {
	return d.Session.Close()
}

func (d *discordClient) onReady(s *discordgo.Session, r *discordgo.Ready) {
	// Fill the member cache; guild sessions need full member lists
	// for NAMES replies and nickname resolution.
	for _, g := range r.Guilds {
		if err := s.RequestGuildMembers(g.ID, "", 0, "", false); err != nil {
			log.WithError(err).WithField("guild", g.ID).Warnln("could not request guild members")
		}
	}

	d.bridge.OnReady()
}

func (d *discordClient) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	ch, err := d.channel(m.ChannelID)
	if err != nil {
		log.WithError(err).WithField("channel", m.ChannelID).Debugln("message for unknown channel")
		return
	}
	mapped, ok := mapChannel(ch)
	if !ok {
		log.WithField("channel", m.ChannelID).Debugln("only text, dm and group channels are bridged")
		return
	}

	ev := MessageEvent{
		Channel: mapped,
		Author:  mapUser(m.Author),
		Content: m.Content,
	}
	for _, a := range m.Attachments {
		ev.Attachments = append(ev.Attachments, a.URL)
	}
	for _, e := range m.Embeds {
		embed := Embed{URL: e.URL}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
		}
		if e.Video != nil {
			embed.VideoURL = e.Video.URL
		}
		ev.Embeds = append(ev.Embeds, embed)
	}
	for _, u := range m.Mentions {
		ev.MentionedUsers = append(ev.MentionedUsers, mapUser(u))
	}
	for _, roleID := range m.MentionRoles {
		if role, err := s.State.Role(m.GuildID, roleID); err == nil {
			ev.MentionedRoles = append(ev.MentionedRoles, Role{ID: role.ID, Name: role.Name})
		}
	}
	for _, match := range channelMentionRegex.FindAllStringSubmatch(m.Content, -1) {
		if mentioned, err := s.State.Channel(match[1]); err == nil {
			ev.MentionedChannels = append(ev.MentionedChannels, Channel{ID: mentioned.ID, Name: mentioned.Name})
		}
	}

	d.bridge.OnMessage(ev)
}

func (d *discordClient) onGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	d.bridge.OnUserJoined(m.GuildID, mapUser(m.User))
}

func (d *discordClient) onGuildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	d.bridge.OnUserLeft(m.GuildID, mapUser(m.User))
}

func (d *discordClient) onGuildMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.BeforeUpdate == nil || m.BeforeUpdate.User == nil {
		return
	}
	d.bridge.OnUserUpdated(mapUser(m.BeforeUpdate.User), mapUser(m.User))
}

// onUserUpdate fires for the bridge account itself.
func (d *discordClient) onUserUpdate(s *discordgo.Session, u *discordgo.UserUpdate) {
	d.bridge.OnSelfUpdated(d.CurrentUser(serverDMs), mapUser(u.User))
}

func (d *discordClient) onChannelCreate(s *discordgo.Session, c *discordgo.ChannelCreate) {
	if mapped, ok := mapChannel(c.Channel); ok {
		d.bridge.OnChannelCreated(mapped)
	}
}

func (d *discordClient) Guilds() []Guild {
	var guilds []Guild
	for _, g := range d.State.Guilds {
		guilds = append(guilds, Guild{ID: g.ID, Name: g.Name, JoinedAt: g.JoinedAt})
	}
	return guilds
}

func (d *discordClient) GuildChannels(guildID string) []Channel {
	g, err := d.State.Guild(guildID)
	if err != nil {
		log.WithError(err).WithField("guild", guildID).Warnln("guild not in state")
		return nil
	}
	var out []Channel
	for _, ch := range g.Channels {
		if mapped, ok := mapChannel(ch); ok {
			out = append(out, mapped)
		}
	}
	return out
}

func (d *discordClient) GuildMembers(guildID string) []User {
	g, err := d.State.Guild(guildID)
	if err != nil {
		log.WithError(err).WithField("guild", guildID).Warnln("guild not in state")
		return nil
	}
	var out []User
	for _, m := range g.Members {
		out = append(out, mapUser(m.User))
	}
	return out
}

func (d *discordClient) PrivateChannels() []Channel {
	var out []Channel
	for _, ch := range d.State.PrivateChannels {
		if mapped, ok := mapChannel(ch); ok {
			out = append(out, mapped)
		}
	}
	return out
}

func (d *discordClient) ChannelMembers(ch Channel) []User {
	switch ch.Kind {
	case ChannelText:
		return d.GuildMembers(ch.GuildID)
	case ChannelDM:
		return []User{ch.Recipient}
	case ChannelGroup:
		raw, err := d.channel(ch.ID)
		if err != nil {
			return nil
		}
		var out []User
		for _, u := range raw.Recipients {
			out = append(out, mapUser(u))
		}
		return out
	}
	return nil
}

func (d *discordClient) CurrentUser(guildID string) User {
	u := d.State.User
	if u == nil {
		return User{}
	}
	return mapUser(u)
}

func (d *discordClient) Send(channelID, text string) error {
	_, err := d.ChannelMessageSend(channelID, text)
	return err
}

func (d *discordClient) EnsureDM(userID string) (Channel, error) {
	raw, err := d.UserChannelCreate(userID)
	if err != nil {
		return Channel{}, errors.Wrap(err, "could not get or create dm channel")
	}
	mapped, ok := mapChannel(raw)
	if !ok {
		return Channel{}, errors.Errorf("channel %s is not a dm channel", raw.ID)
	}
	return mapped, nil
}

// channel looks a channel up in state, falling back to the REST API
// for channels (typically DMs) the gateway never announced.
func (d *discordClient) channel(id string) (*discordgo.Channel, error) {
	if ch, err := d.State.Channel(id); err == nil {
		return ch, nil
	}
	return d.Session.Channel(id)
}

func mapUser(u *discordgo.User) User {
	if u == nil {
		return User{}
	}
	return User{ID: u.ID, Username: u.Username, Bot: u.Bot}
}

// mapChannel translates a discordgo channel into the bridge's tagged
// variant. Unsupported kinds (voice, categories, threads) map to
// ok=false.
func mapChannel(ch *discordgo.Channel) (Channel, bool) {
	switch ch.Type {
	case discordgo.ChannelTypeGuildText:
		return Channel{
			Kind:     ChannelText,
			ID:       ch.ID,
			GuildID:  ch.GuildID,
			Name:     ch.Name,
			Topic:    ch.Topic,
			Position: ch.Position,
		}, true
	case discordgo.ChannelTypeDM:
		c := Channel{Kind: ChannelDM, ID: ch.ID, Name: ch.Name}
		if len(ch.Recipients) > 0 {
			c.Recipient = mapUser(ch.Recipients[0])
		}
		return c, true
	case discordgo.ChannelTypeGroupDM:
		c := Channel{Kind: ChannelGroup, ID: ch.ID, Name: ch.Name}
		if created, err := discordgo.SnowflakeTimestamp(ch.ID); err == nil {
			c.CreatedAt = created
		}
		return c, true
	}
	return Channel{}, false
}
