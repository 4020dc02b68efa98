package router

import "relay-service/internal/models"

// MessageLog stores messages grouped by chat id in arrival order. It is not
// safe for concurrent use.
type MessageLog struct {
	byChat map[string][]models.Message
}

// NewMessageLog constructs a MessageLog seeded with persisted messages.
func NewMessageLog(messages map[string][]models.Message) *MessageLog {
	if messages == nil {
		messages = make(map[string][]models.Message)
	}
	return &MessageLog{byChat: messages}
}

// Append adds msg to the end of its chat's list.
func (l *MessageLog) Append(msg models.Message) {
	l.byChat[msg.ChatID] = append(l.byChat[msg.ChatID], msg)
}

// ForChat returns a copy of the messages of chatID.
func (l *MessageLog) ForChat(chatID string) []models.Message {
	return append([]models.Message(nil), l.byChat[chatID]...)
}

// ForChats concatenates the messages of chatIDs, chat by chat.
func (l *MessageLog) ForChats(chatIDs []string) []models.Message {
	var out []models.Message
	for _, id := range chatIDs {
		out = append(out, l.byChat[id]...)
	}
	return out
}

// Len returns the number of stored messages.
func (l *MessageLog) Len() int {
	n := 0
	for _, msgs := range l.byChat {
		n += len(msgs)
	}
	return n
}
