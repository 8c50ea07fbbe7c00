package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bot-relay/internal/platform"
	"bot-relay/internal/repo"
)

const (
	objectBusinessAccount = "whatsapp_business_account"
	fieldMessages         = "messages"
)

// WebhookPayload is the Cloud API notification envelope.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *Text     `json:"text,omitempty"`
	Image     *Media    `json:"image,omitempty"`
	Audio     *Media    `json:"audio,omitempty"`
	Video     *Media    `json:"video,omitempty"`
	Document  *Media    `json:"document,omitempty"`
	Location  *Location `json:"location,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Status is a delivery receipt for a message the business sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Receipt is a delivery status mapped onto the outgoing message taxonomy.
type Receipt struct {
	ExternalID string
	Status     string
}

// Extract returns the supported inbound messages and delivery receipts. It fails
// when the envelope is not a business account notification.
func Extract(payload WebhookPayload, receivedAt time.Time) ([]platform.InboundMessage, []Receipt, error) {
	if payload.Object != objectBusinessAccount {
		return nil, nil, fmt.Errorf("unexpected object %q", payload.Object)
	}
	var (
		messages []platform.InboundMessage
		receipts []Receipt
	)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != fieldMessages {
				continue
			}
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				in, ok := normalize(m, names[m.From], receivedAt)
				if ok {
					messages = append(messages, in)
				}
			}
			for _, s := range change.Value.Statuses {
				if status, ok := mapStatus(s.Status); ok && s.ID != "" {
					receipts = append(receipts, Receipt{ExternalID: s.ID, Status: status})
				}
			}
		}
	}
	return messages, receipts, nil
}

func normalize(m Message, profileName string, receivedAt time.Time) (platform.InboundMessage, bool) {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.From) == "" {
		return platform.InboundMessage{}, false
	}
	in := platform.InboundMessage{
		Platform:          platform.WhatsApp,
		ExternalMessageID: m.ID,
		PeerIdentifier:    m.From,
		ReceivedAt:        receivedAt,
	}
	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return platform.InboundMessage{}, false
		}
		in.MessageType = platform.TypeText
		in.Content = strings.TrimSpace(m.Text.Body)
	case "image":
		if !fillMedia(&in, platform.TypeImage, m.Image) {
			return platform.InboundMessage{}, false
		}
	case "audio":
		if !fillMedia(&in, platform.TypeAudio, m.Audio) {
			return platform.InboundMessage{}, false
		}
	case "video":
		if !fillMedia(&in, platform.TypeVideo, m.Video) {
			return platform.InboundMessage{}, false
		}
	case "document":
		if !fillMedia(&in, platform.TypeDocument, m.Document) {
			return platform.InboundMessage{}, false
		}
	case "location":
		if m.Location == nil {
			return platform.InboundMessage{}, false
		}
		in.MessageType = platform.TypeLocation
		in.Content = fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
		if m.Location.Name != "" {
			in.Content += " " + m.Location.Name
		}
	default:
		return platform.InboundMessage{}, false
	}

	if raw, err := json.Marshal(m); err == nil {
		in.RawPayload = raw
	}
	if profileName != "" {
		in.Profile = map[string]any{"profile_name": profileName}
	}
	return in, true
}

func fillMedia(in *platform.InboundMessage, kind platform.MessageType, media *Media) bool {
	if media == nil || media.ID == "" {
		return false
	}
	in.MessageType = kind
	in.MediaRef = media.ID
	in.Content = strings.TrimSpace(media.Caption)
	return true
}

func mapStatus(raw string) (string, bool) {
	switch raw {
	case "sent":
		return repo.DeliverySent, true
	case "delivered", "read":
		return repo.DeliveryDelivered, true
	case "failed":
		return repo.DeliveryFailed, true
	}
	return "", false
}
