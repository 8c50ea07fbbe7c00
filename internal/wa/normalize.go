package wa

import (
	"fmt"
	"strings"
	"time"

	"bot-relay/internal/platform"

	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
)

// Normalize converts a direct, inbound whatsmeow message into the canonical
// shape. Group chats, own messages and unsupported kinds report false.
func Normalize(evt *events.Message, receivedAt time.Time) (platform.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return platform.InboundMessage{}, false
	}
	if evt.Info.ID == "" {
		return platform.InboundMessage{}, false
	}

	in := platform.InboundMessage{
		Platform:          platform.WhatsApp,
		ExternalMessageID: string(evt.Info.ID),
		PeerIdentifier:    evt.Info.Chat.ToNonAD().String(),
		ReceivedAt:        receivedAt,
	}

	m := evt.Message
	switch {
	case strings.TrimSpace(m.GetConversation()) != "":
		in.MessageType = platform.TypeText
		in.Content = strings.TrimSpace(m.GetConversation())
	case m.GetExtendedTextMessage() != nil && strings.TrimSpace(m.GetExtendedTextMessage().GetText()) != "":
		in.MessageType = platform.TypeText
		in.Content = strings.TrimSpace(m.GetExtendedTextMessage().GetText())
	case m.GetImageMessage() != nil:
		in.MessageType = platform.TypeImage
		in.Content = strings.TrimSpace(m.GetImageMessage().GetCaption())
		in.MediaRef = m.GetImageMessage().GetDirectPath()
	case m.GetVideoMessage() != nil:
		in.MessageType = platform.TypeVideo
		in.Content = strings.TrimSpace(m.GetVideoMessage().GetCaption())
		in.MediaRef = m.GetVideoMessage().GetDirectPath()
	case m.GetAudioMessage() != nil:
		in.MessageType = platform.TypeAudio
		in.MediaRef = m.GetAudioMessage().GetDirectPath()
	case m.GetDocumentMessage() != nil:
		in.MessageType = platform.TypeDocument
		in.Content = strings.TrimSpace(m.GetDocumentMessage().GetCaption())
		in.MediaRef = m.GetDocumentMessage().GetDirectPath()
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		in.MessageType = platform.TypeLocation
		in.Content = fmt.Sprintf("%f,%f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	default:
		return platform.InboundMessage{}, false
	}

	if raw, err := protojson.Marshal(m); err == nil {
		in.RawPayload = raw
	}
	if evt.Info.PushName != "" {
		in.Profile = map[string]any{"push_name": evt.Info.PushName}
	}
	return in, true
}
