package chat

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// newMessageID creates a history-unique message ID from the sender,
// the current time and a random suffix.
func newMessageID(sender string) string {
	suffix := make([]byte, 8)
	rand.Read(suffix)
	data := fmt.Sprintf("%s-%d-%x", sender, time.Now().UnixNano(), suffix)
	hash := sha256.Sum256([]byte(data))
	return base64.URLEncoding.EncodeToString(hash[:16])
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// shortID trims a peer ID for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
