package telegram

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bot-relay/internal/platform"

	"github.com/go-telegram/bot/models"
)

// Normalize converts an update into the canonical inbound shape. It reports
// false for update kinds the relay does not handle.
func Normalize(update *models.Update, raw json.RawMessage, receivedAt time.Time) (platform.InboundMessage, bool) {
	if update == nil || update.Message == nil {
		return platform.InboundMessage{}, false
	}
	msg := update.Message
	msgType, content, mediaRef, ok := classify(msg)
	if !ok {
		return platform.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	in := platform.InboundMessage{
		Platform: platform.Telegram,
		// message_id is only unique within a chat.
		ExternalMessageID: fmt.Sprintf("%s:%d", chatID, msg.ID),
		PeerIdentifier:    chatID,
		MessageType:       msgType,
		Content:           content,
		MediaRef:          mediaRef,
		Profile:           profile(msg),
		RawPayload:        raw,
		ReceivedAt:        receivedAt,
	}
	return in, true
}

func classify(msg *models.Message) (platform.MessageType, string, string, bool) {
	caption := strings.TrimSpace(msg.Caption)
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > best.FileSize {
				best = p
			}
		}
		return platform.TypeImage, caption, best.FileID, true
	case msg.Video != nil:
		return platform.TypeVideo, caption, msg.Video.FileID, true
	case msg.VideoNote != nil:
		return platform.TypeVideo, caption, msg.VideoNote.FileID, true
	case msg.Document != nil:
		return platform.TypeDocument, caption, msg.Document.FileID, true
	case msg.Audio != nil:
		return platform.TypeAudio, caption, msg.Audio.FileID, true
	case msg.Voice != nil:
		return platform.TypeAudio, caption, msg.Voice.FileID, true
	case msg.Location != nil:
		loc := fmt.Sprintf("%f,%f", msg.Location.Latitude, msg.Location.Longitude)
		return platform.TypeLocation, loc, "", true
	case strings.TrimSpace(msg.Text) != "":
		return platform.TypeText, strings.TrimSpace(msg.Text), "", true
	}
	return "", "", "", false
}

func profile(msg *models.Message) map[string]any {
	out := map[string]any{"chat_type": string(msg.Chat.Type)}
	if msg.From != nil {
		if msg.From.Username != "" {
			out["username"] = msg.From.Username
		}
		if msg.From.FirstName != "" {
			out["first_name"] = msg.From.FirstName
		}
		if msg.From.LastName != "" {
			out["last_name"] = msg.From.LastName
		}
	}
	return out
}
