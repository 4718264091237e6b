package bridge

import (
	"regexp"
	"strings"

	"github.com/dircd/dircd/ircnick"
)

var (
	mentionRegex = regexp.MustCompile(`<(@!?|#|@&)(\d{1,20})>`)
	emojiRegex   = regexp.MustCompile(`<(:.*?:)(\d{1,20})>`)
)

// renderPlaintext flattens a Discord message event into the text
// relayed over the wire: mention and custom-emoji markup is rewritten
// into readable form, and attachment and embed URLs are appended.
func renderPlaintext(ev MessageEvent, smileys map[string]string) string {
	body := ev.Content

	body = mentionRegex.ReplaceAllStringFunc(body, func(match string) string {
		groups := mentionRegex.FindStringSubmatch(match)
		kind, id := groups[1], groups[2]
		switch kind {
		case "@", "@!":
			for _, u := range ev.MentionedUsers {
				if u.ID == id {
					return "@" + ircnick.Nick(u.Username)
				}
			}
		case "#":
			for _, c := range ev.MentionedChannels {
				if c.ID == id {
					return "#" + ircnick.Sanitize(c.Name)
				}
			}
		case "@&":
			for _, r := range ev.MentionedRoles {
				if r.ID == id {
					return "@[" + r.Name + "]"
				}
			}
		}
		return match
	})

	body = emojiRegex.ReplaceAllStringFunc(body, func(match string) string {
		name := emojiRegex.FindStringSubmatch(match)[1]
		if mapped, ok := smileys[name]; ok {
			return mapped
		}
		return name
	})

	var b strings.Builder
	b.WriteString(body)
	for _, url := range ev.Attachments {
		b.WriteString(" ")
		b.WriteString(url)
	}
	for _, e := range ev.Embeds {
		for _, url := range []string{e.URL, e.ImageURL, e.VideoURL} {
			if url != "" && !strings.Contains(b.String(), url) {
				b.WriteString(" ")
				b.WriteString(url)
			}
		}
	}

	return b.String()
}
