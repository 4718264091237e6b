// Package ircnick maps Discord display names onto protocol-legal IRC
// tokens and hostmasks.
package ircnick

import (
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// tag identifies bridged users in the user portion of a hostmask.
const tag = "DiscordUser"

// Sanitize turns a Discord name into a protocol-legal token:
// non-ASCII characters are transliterated, spaces become underscores,
// and the hostmask delimiters '!' and '@' are stripped.
func Sanitize(name string) string {
	name = unidecode.Unidecode(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "!", "")
	return strings.ReplaceAll(name, "@", "")
}

// Nick is the wire nickname for a user: the sanitized account name.
// Guild-specific nicknames are not used; they collide more easily and
// change independently of the account.
func Nick(username string) string {
	return Sanitize(username)
}

// Hostmask builds the wire identity for a user: nick!DiscordUser@id.
// The host portion is the numeric user ID, since the nickname may
// change while a conversation is open.
func Hostmask(username, id string) string {
	return Nick(username) + "!" + tag + "@" + id
}
