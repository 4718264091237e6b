package ircmsg

// Numeric replies sent during and after the client handshake.
const (
	RplWelcome    = "001"
	RplYourHost   = "002"
	RplCreated    = "003"
	RplMyInfo     = "004"
	RplTopic      = "332"
	RplNamReply   = "353"
	RplEndOfNames = "366"
)
