package delivery

import (
	"unicode/utf8"

	"github.com/parley-im/parley/internal/store"
)

const previewLimit = 80

// Preview builds the push-notification body for a message. Encrypted
// payloads get a generic string so plaintext never leaks through the push
// channel; media messages get a type-appropriate label; text is truncated.
func Preview(msg *store.Message) string {
	if msg.Encrypted() {
		return "New message"
	}
	switch msg.MediaType {
	case "image":
		return "Sent a photo"
	case "video":
		return "Sent a video"
	case "audio":
		return "Sent a voice message"
	case "file":
		return "Sent a file"
	}
	if msg.Content == "" {
		return "New message"
	}
	return truncate(msg.Content, previewLimit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
