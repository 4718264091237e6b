package bridge

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dircd/dircd/ircmsg"
)

const (
	// pingFirstDelay is how long after accepting a connection the
	// first keepalive ping may fire.
	pingFirstDelay = 30 * time.Second
	// pingIdleInterval is the inactivity window before a keepalive
	// ping is sent; any wire traffic resets it.
	pingIdleInterval = 60 * time.Second
	// pingResponseBudget is how long the client has to answer a
	// keepalive ping before the connection is dropped.
	pingResponseBudget = 10 * time.Second
)

// A Server is one per-guild IRC server instance. It owns its TCP
// listener, at most one live client connection at a time, the wire
// channel map and the keepalive timers. All mutable connection state
// is serialized through mu; the Discord event goroutines and the
// connection's read loop both go through it.
type Server struct {
	bridge *Bridge

	guildID    string
	guildName  string
	serverName string
	startTime  time.Time

	addr string // listen address, fixed at creation
	quit chan struct{}

	mu             sync.Mutex
	ln             net.Listener
	conn           net.Conn
	clientHostmask string
	channels       map[string]Channel
	cache          *messageCache
	lastPing       string
	pingInterval   *time.Timer
	pingResponse   *time.Timer
}

func newServer(b *Bridge, guildID, guildName, addr string) *Server {
	return &Server{
		bridge:     b,
		guildID:    guildID,
		guildName:  guildName,
		serverName: strings.ReplaceAll(guildName, " ", "") + ".Discord",
		startTime:  time.Now(),
		addr:       addr,
		quit:       make(chan struct{}),
		channels:   make(map[string]Channel),
		cache:      &messageCache{},
	}
}

// Addr returns the listener address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ClientHostmask returns the identity the connected client last
// claimed via NICK, or the empty string before the handshake.
func (s *Server) ClientHostmask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientHostmask
}

// Run binds the listener and serves one client connection at a time
// until Shutdown. On return the server has deregistered itself from
// the orchestrator.
func (s *Server) Run() {
	defer s.bridge.removeServer(s.guildID)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"guild": s.guildName,
			"addr":  s.addr,
		}).Errorln("could not start IRC server")
		return
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"guild": s.guildName,
		"addr":  ln.Addr().String(),
	}).Infof("IRC server for guild %s (%s) started", s.guildName, s.guildID)

	for {
		log.WithField("guild", s.guildName).Debugln("waiting for new client connection")
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				log.WithError(err).WithField("guild", s.guildName).Errorln("accept failed, stopping IRC server")
			}
			break
		}
		s.serveConn(conn)
	}

	s.cleanupConnection()
	log.WithField("guild", s.guildName).Infof("IRC server for %s shut down", s.guildName)
}

// Shutdown stops the accept loop, closes any live connection and
// disposes the keepalive timers. Safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		log.WithField("guild", s.guildName).Infof("IRC server for %s shutting down...", s.guildName)
		close(s.quit)
	}
	ln := s.ln
	s.mu.Unlock()

	s.cleanupConnection()
	if ln != nil {
		ln.Close()
	}
}

// serveConn runs the read loop for one accepted connection. Protocol
// errors never end the loop; only I/O failure or shutdown does.
func (s *Server) serveConn(conn net.Conn) {
	log.WithField("guild", s.guildName).Infoln("client connection initiated")

	s.mu.Lock()
	s.conn = conn
	s.clientHostmask = ""
	s.lastPing = ""
	for _, ch := range s.bridge.sessionChannels(s.guildID) {
		s.addChannelLocked(ch)
	}
	s.pingInterval = time.AfterFunc(pingFirstDelay, s.pingTick)
	s.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		msg, err := ircmsg.Parse(line)
		if err != nil {
			log.WithError(err).WithField("guild", s.guildName).Errorln("dropping malformed line")
			continue
		}
		s.handleMessage(msg)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithField("guild", s.guildName).Debugln("client read error")
	}

	log.WithField("guild", s.guildName).Infoln("client connection died")
	s.cleanupConnection()
}

func (s *Server) addChannelLocked(ch Channel) {
	token := ch.Token()
	if token == "" {
		return
	}
	s.channels[token] = ch
	log.WithFields(log.Fields{
		"guild":   s.guildName,
		"token":   token,
		"channel": ch.ID,
	}).Debugln("mapped channel")
}

// cleanupConnection tears down the live connection and its timers,
// returning the server to its listening state. The channel map and
// loop-prevention cache survive; they belong to the session, not the
// connection.
func (s *Server) cleanupConnection() {
	s.mu.Lock()
	if s.pingResponse != nil {
		s.pingResponse.Stop()
		s.pingResponse = nil
	}
	if s.pingInterval != nil {
		s.pingInterval.Stop()
		s.pingInterval = nil
	}
	conn := s.conn
	s.conn = nil
	s.lastPing = ""
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (s *Server) handleMessage(m ircmsg.Message) {
	if m.Command == "PING" || m.Command == "PONG" {
		log.Debugf("< %s %s", s.serverName, m)
	} else {
		log.Infof("< %s %s", s.serverName, m)
	}
	s.refreshPingTimer()

	switch m.Command {
	case "NICK":
		if !s.validateArgCount(m, 1) {
			return
		}
		s.mu.Lock()
		s.clientHostmask = m.Arguments[0]
		s.mu.Unlock()
	case "USER":
		s.sendHandshake()
		s.SendSelfNickchange(s.bridge.currentNick(s.guildID))
		s.forceJoinChannels()
	case "PING":
		if !s.validateArgCount(m, 1) {
			return
		}
		s.sendPong(m.Arguments[0])
	case "PONG":
		if !s.validateArgCount(m, 1) {
			return
		}
		s.handlePong(m.Arguments[0])
	case "PRIVMSG", "NOTICE":
		if !s.validateArgCount(m, 2) {
			return
		}
		s.handlePrivmsg(m)
	case "MODE", "CAP", "USERHOST":
		// accepted without a reply
	default:
		log.WithField("guild", s.guildName).Warnf("unknown command [%s]", m.Command)
	}
}

func (s *Server) validateArgCount(m ircmsg.Message, count int) bool {
	if len(m.Arguments) == count {
		return true
	}
	log.WithField("guild", s.guildName).Errorf(
		"invalid argument count (%d) for command [%s] (takes %d)",
		len(m.Arguments), m.Command, count)
	return false
}

func (s *Server) handlePrivmsg(m ircmsg.Message) {
	target, text := m.Arguments[0], m.Arguments[1]

	if target[0] == '#' || target[0] == '&' {
		s.mu.Lock()
		ch, ok := s.channels[target]
		s.mu.Unlock()
		if !ok {
			s.bridge.unknownTargetMessage(s.guildID, m)
			return
		}
		switch ch.Kind {
		case ChannelText, ChannelGroup:
			s.forward(ch, text)
		default:
			log.WithField("token", target).Errorln("channel token resolved to a non-sendable channel")
		}
		return
	}

	userID := s.bridge.resolveUserID(target, s.guildID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[userID]
	s.mu.Unlock()
	if !ok {
		s.bridge.unknownTargetMessage(s.guildID, m)
		return
	}
	if ch.Kind == ChannelDM {
		s.forward(ch, text)
	}
}

// forward relays client text into Discord and records its hash so the
// gateway echo can be suppressed.
func (s *Server) forward(ch Channel, text string) {
	if err := s.bridge.remote.Send(ch.ID, text); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"guild":   s.guildName,
			"channel": ch.ID,
		}).Errorln("could not forward message to Discord")
		return
	}
	s.AddOwnMessage(text)
}

// sendIRC serializes and writes a message to the connected client,
// substituting the server name when no source is set. A nil connection
// drops the message silently.
func (s *Server) sendIRC(m ircmsg.Message, replaceEmptySource, debug bool) {
	if replaceEmptySource && m.Source == "" {
		m.Source = s.serverName
	}
	if debug {
		log.Debugf("> %s %s", s.serverName, m)
	} else {
		log.Infof("> %s %s", s.serverName, m)
	}
	s.refreshPingTimer()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte(m.String() + "\r\n")); err != nil {
		log.WithError(err).WithField("guild", s.guildName).Debugln("write to client failed")
	}
}

func (s *Server) send(m ircmsg.Message) {
	s.sendIRC(m, true, false)
}

// SendMessage relays a PRIVMSG to the attached client. An empty author
// attributes the message to the client's own hostmask.
func (s *Server) SendMessage(target, text, author string) {
	if author == "" {
		author = s.ClientHostmask()
	}
	s.sendIRC(ircmsg.New(author, "PRIVMSG", target, text), true, false)
}

// SendNotice sends an explanatory NOTICE to the attached client.
func (s *Server) SendNotice(text string) {
	s.send(ircmsg.New("", "NOTICE", s.ClientHostmask(), text))
}

func (s *Server) sendHandshake() {
	nick := s.ClientHostmask()
	s.send(ircmsg.New("", ircmsg.RplWelcome, nick,
		fmt.Sprintf("Welcome to your Discord IRC Bridge, %s", nick)))
	s.send(ircmsg.New("", ircmsg.RplYourHost, nick,
		fmt.Sprintf("Your host is dircd, version %s", Version)))
	s.send(ircmsg.New("", ircmsg.RplCreated, nick,
		fmt.Sprintf("Server has been running for %s, since %s",
			time.Since(s.startTime).Round(time.Second), s.startTime.Format(time.RFC1123))))
	info := ircmsg.New("", ircmsg.RplMyInfo, nick, s.serverName, "dircd-"+Version)
	info.Trailing = false
	s.send(info)
}

func (s *Server) sendPing(token string) {
	s.sendIRC(ircmsg.New("", "PING", token), false, true)
}

func (s *Server) sendPong(token string) {
	s.sendIRC(ircmsg.New("", "PONG", token), false, true)
}

func (s *Server) sendJoin(channel, user string) {
	s.send(ircmsg.New(user, "JOIN", channel))
}

func (s *Server) sendQuit(user string) {
	s.send(ircmsg.New(user, "QUIT", "User left server"))
}

func (s *Server) sendTopic(channel, topic string) {
	s.send(ircmsg.New("", ircmsg.RplTopic, s.ClientHostmask(), channel, topic))
}

func (s *Server) sendNames(channel, names string) {
	s.send(ircmsg.New("", ircmsg.RplNamReply, s.ClientHostmask(), "=", channel, names))
	s.send(ircmsg.New("", ircmsg.RplEndOfNames, s.ClientHostmask(), channel, "End of NAMES list"))
}

func (s *Server) sendNickchange(hostmask, newNick string) {
	s.send(ircmsg.New(hostmask, "NICK", newNick))
}

// forceJoinChannels joins the client to every mapped channel in a
// deterministic order: guild channels by display position, then group
// channels by creation time.
func (s *Server) forceJoinChannels() {
	type entry struct {
		token string
		ch    Channel
	}
	var text, group []entry

	s.mu.Lock()
	for token, ch := range s.channels {
		switch ch.Kind {
		case ChannelText:
			text = append(text, entry{token, ch})
		case ChannelGroup:
			group = append(group, entry{token, ch})
		}
	}
	s.mu.Unlock()

	sort.Slice(text, func(i, j int) bool { return text[i].ch.Position < text[j].ch.Position })
	sort.Slice(group, func(i, j int) bool { return group[i].ch.CreatedAt.Before(group[j].ch.CreatedAt) })

	for _, e := range text {
		s.announceJoin(e.token, e.ch, true)
	}
	for _, e := range group {
		s.announceJoin(e.token, e.ch, false)
	}
}

func (s *Server) announceJoin(token string, ch Channel, withTopic bool) {
	s.sendJoin(token, s.ClientHostmask())
	if withTopic {
		s.sendTopic(token, ch.Topic)
	}
	s.sendNames(token, s.bridge.channelNames(ch))
}

// JoinGuildChannel maps a guild text channel and joins the client to
// it. Already-mapped channels are left alone.
func (s *Server) JoinGuildChannel(ch Channel) {
	token := ch.Token()
	s.mu.Lock()
	if _, ok := s.channels[token]; ok {
		s.mu.Unlock()
		return
	}
	s.channels[token] = ch
	s.mu.Unlock()
	s.announceJoin(token, ch, true)
}

// JoinGroupChannel maps a group channel and joins the client to it.
func (s *Server) JoinGroupChannel(ch Channel) {
	token := ch.Token()
	s.mu.Lock()
	if _, ok := s.channels[token]; ok {
		s.mu.Unlock()
		return
	}
	s.channels[token] = ch
	s.mu.Unlock()
	s.announceJoin(token, ch, false)
}

// JoinDMChannel maps a DM channel. DM chats have no join announcement;
// the client just messages the peer's ID.
func (s *Server) JoinDMChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.Token()]; !ok {
		s.addChannelLocked(ch)
	}
}

// SendUserJoin announces a user joining to every mapped guild channel
// they participate in.
func (s *Server) SendUserJoin(user User, hostmask string) {
	type entry struct {
		token string
		ch    Channel
	}
	var text []entry
	s.mu.Lock()
	for token, ch := range s.channels {
		if ch.Kind == ChannelText {
			text = append(text, entry{token, ch})
		}
	}
	s.mu.Unlock()

	for _, e := range text {
		for _, member := range s.bridge.remote.ChannelMembers(e.ch) {
			if member.ID == user.ID {
				s.sendJoin(e.token, hostmask)
				break
			}
		}
	}
}

// SendUserQuit announces a user leaving the guild.
func (s *Server) SendUserQuit(hostmask string) {
	s.sendQuit(hostmask)
}

// SendUserNickchange announces another user's nickname change. DM map
// entries are keyed by numeric user ID and survive renames, so no
// re-keying is needed.
func (s *Server) SendUserNickchange(oldHostmask, newNick string) {
	s.sendNickchange(oldHostmask, newNick)
}

// SendSelfNickchange announces the bridge's own identity to the client
// and refreshes the stored client hostmask.
func (s *Server) SendSelfNickchange(newNick string) {
	s.sendNickchange(s.ClientHostmask(), newNick)
	hostmask := s.bridge.currentHostmask(s.guildID)
	s.mu.Lock()
	s.clientHostmask = hostmask
	s.mu.Unlock()
}

// IsOwnMessage reports whether text is the echo of a message this
// session relayed, consuming the matching cache entry.
func (s *Server) IsOwnMessage(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.isOwn(text)
}

// AddOwnMessage records a relayed message for echo suppression.
func (s *Server) AddOwnMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.add(text)
}

// pingTick fires when the connection has been idle for the keepalive
// interval. An answered ping starts a fresh one; an unanswered ping
// is a timeout.
func (s *Server) pingTick() {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	if s.lastPing != "" {
		s.mu.Unlock()
		s.pingTimeout()
		return
	}
	token := strconv.FormatInt(time.Now().Unix(), 10)
	s.lastPing = token
	s.pingResponse = time.AfterFunc(pingResponseBudget, s.pingTimeout)
	s.mu.Unlock()

	s.sendPing(token)
}

func (s *Server) handlePong(token string) {
	s.mu.Lock()
	if token == s.lastPing {
		s.lastPing = ""
		if s.pingResponse != nil {
			s.pingResponse.Stop()
		}
		s.mu.Unlock()
		return
	}
	expected := s.lastPing
	s.mu.Unlock()
	log.WithFields(log.Fields{
		"guild": s.guildName,
		"got":   token,
		"want":  expected,
	}).Warnln("ping response did not match up")
}

// refreshPingTimer pushes the idle ping out; called on every inbound
// and outbound message.
func (s *Server) refreshPingTimer() {
	s.mu.Lock()
	if s.pingInterval != nil {
		s.pingInterval.Reset(pingIdleInterval)
	}
	s.mu.Unlock()
}

// pingTimeout forcibly drops the connection; the read loop observes
// the close and performs the normal disconnect transition.
func (s *Server) pingTimeout() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	log.WithField("guild", s.guildName).Warnln("ping timeout, dropping client connection")
	conn.Close()
}
