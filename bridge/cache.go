package bridge

import (
	"crypto/md5"
	"encoding/hex"
)

// messageCache remembers hashes of messages the session itself relayed
// into Discord, so the gateway's echo of the same message can be
// swallowed. Strictly FIFO: only the oldest recorded hash is ever
// compared, and a match consumes it.
//
// Not safe for concurrent use; callers serialize through the session
// mutex.
type messageCache struct {
	hashes []string
}

func hashContent(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// add records a message the session just relayed.
func (c *messageCache) add(text string) {
	c.hashes = append(c.hashes, hashContent(text))
}

// isOwn reports whether text matches the oldest recorded hash,
// consuming that hash on a match.
func (c *messageCache) isOwn(text string) bool {
	if len(c.hashes) == 0 || c.hashes[0] != hashContent(text) {
		return false
	}
	c.hashes = c.hashes[1:]
	return true
}
