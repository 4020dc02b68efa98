package models

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatIndividual ChatType = "individual"
	ChatGroup      ChatType = "group"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	return t == ChatIndividual || t == ChatGroup
}

// Chat is a conversation between a fixed set of members.
type Chat struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        ChatType `json:"type"`
	Members     []string `json:"members"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
	LastMessage string   `json:"last_message,omitempty"`
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
