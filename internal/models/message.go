package models

// RecipientType selects how a message fans out.
type RecipientType string

const (
	RecipientIndividual RecipientType = "individual"
	RecipientGroup      RecipientType = "group"
)

// DefaultMessageType is used when a message arrives without a type.
const DefaultMessageType = "TEXT"

// Message is a single chat message as stored and delivered.
type Message struct {
	ID            string        `json:"id"`
	Content       string        `json:"content"`
	ChatID        string        `json:"chat_id"`
	SenderID      string        `json:"sender_id"`
	RecipientID   string        `json:"recipient_id,omitempty"`
	RecipientType RecipientType `json:"recipient_type"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at,omitempty"`
	Status        string        `json:"status,omitempty"`
	Type          string        `json:"type"`
}
