package chat

import "time"

// Status is the lifecycle status of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusBlocked  Status = "blocked"
)

// Conversation is a durable thread between a user and an expert.
// At most one active conversation exists per (user, expert, type) triple;
// the lifecycle manager is the sole writer of that invariant.
type Conversation struct {
	ID            string
	UserID        string
	ExpertID      string
	Type          string // free-form classifier, e.g. "standard", "professional_quote"
	Status        Status
	LastMessage   string
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AttachmentKind classifies non-text message content.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
	AttachmentProduct  AttachmentKind = "product"
)

// Attachment references uploaded content or a product-recommendation payload.
type Attachment struct {
	Kind AttachmentKind
	Ref  string // image URL, document URL, or product payload reference
}

// Message is a single chat entry. Confirmed messages carry a server-assigned
// ID and SentAt; optimistic messages carry only a ClientID until the server
// echo arrives.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	RecipientID    string
	Text           string
	Attachment     *Attachment
	SentAt         time.Time
	Read           bool
}

// HasContent reports whether the message carries any presentable payload.
func (m *Message) HasContent() bool {
	return m.Text != "" || (m.Attachment != nil && m.Attachment.Ref != "")
}

// PlaceholderCaption returns the stand-in text shown for attachment-only
// messages in previews and conversation lists.
func PlaceholderCaption(kind AttachmentKind) string {
	switch kind {
	case AttachmentImage:
		return "[photo]"
	case AttachmentAudio:
		return "[voice message]"
	case AttachmentDocument:
		return "[document]"
	case AttachmentProduct:
		return "[product recommendation]"
	default:
		return "[attachment]"
	}
}
