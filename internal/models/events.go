package models

import (
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventEditUser       = "edit_user"
	EventUserToken      = "user_fb_token"
	EventDisconnectUser = "disconnect_user"
	EventValidateChat   = "validate_chat_and_save"
	EventSendMessage    = "send_message"
)

// Outbound event names.
const (
	EventUserDataUpdate     = "user_data_update"
	EventNotification       = "notificationMessage"
	EventChatCreated        = "chat_created"
	EventChatCreateResponse = "chat_create_response"
	EventChatValidation     = "chat_validation_response"
	EventNewMessage         = "new_message"
	EventAck                = "ack"
	EventError              = "error"
)

// NotificationTitle is the title shown on presence toasts.
const NotificationTitle = "OarChat"

// EditUserRequest creates or updates a profile.
type EditUserRequest struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (r EditUserRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidIdentity
	}
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrMalformedPayload)
	}
	return nil
}

// TokenUpdateRequest attaches a push notification token to a user.
type TokenUpdateRequest struct {
	UserID  string `json:"user_id"`
	FBToken string `json:"fb_token"`
}

func (r TokenUpdateRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidIdentity
	}
	return nil
}

// DisconnectRequest is an explicit offline signal.
type DisconnectRequest struct {
	UserID string `json:"user_id"`
}

func (r DisconnectRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidIdentity
	}
	return nil
}

// CreateChatRequest asks for a chat to be created unless its member set already exists.
type CreateChatRequest struct {
	UserIDs []string `json:"user_ids"`
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    ChatType `json:"type"`
}

func (r CreateChatRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedPayload)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: type must be %q or %q", ErrMalformedPayload, ChatIndividual, ChatGroup)
	}
	if len(r.UserIDs) == 0 {
		return fmt.Errorf("%w: user_ids is required", ErrMalformedPayload)
	}
	for _, id := range r.UserIDs {
		if !IsValidUserID(id) {
			return fmt.Errorf("%w: user_ids contains %q", ErrInvalidIdentity, id)
		}
	}
	return nil
}

// SendMessageRequest carries a message as submitted by its sender.
type SendMessageRequest struct {
	ID            string        `json:"id"`
	Content       string        `json:"content"`
	ChatID        string        `json:"chat_id"`
	SenderID      string        `json:"sender_id"`
	RecipientID   string        `json:"recipient_id"`
	RecipientType RecipientType `json:"recipient_type"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
	Status        string        `json:"status"`
	Type          string        `json:"type"`
}

func (r SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(r.ChatID) == "" {
		return fmt.Errorf("%w: chat_id is required", ErrMalformedPayload)
	}
	if !IsValidUserID(r.SenderID) {
		return fmt.Errorf("%w: sender_id", ErrInvalidIdentity)
	}
	switch r.RecipientType {
	case RecipientIndividual:
		if !IsValidUserID(r.RecipientID) {
			return fmt.Errorf("%w: recipient_id", ErrInvalidIdentity)
		}
	case RecipientGroup:
	default:
		return fmt.Errorf("%w: recipient_type must be %q or %q", ErrMalformedPayload, RecipientIndividual, RecipientGroup)
	}
	return nil
}

// Message builds the canonical record, defaulting type and ordering key.
func (r SendMessageRequest) Message() Message {
	msg := Message{
		ID:            r.ID,
		Content:       r.Content,
		ChatID:        r.ChatID,
		SenderID:      r.SenderID,
		RecipientID:   r.RecipientID,
		RecipientType: r.RecipientType,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Status:        r.Status,
		Type:          r.Type,
	}
	if msg.Type == "" {
		msg.Type = DefaultMessageType
	}
	if msg.UpdatedAt == 0 {
		msg.UpdatedAt = msg.CreatedAt
	}
	return msg
}

// Ack is the acknowledgement payload returned to the caller of an event.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Notification is a human readable toast.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Body    string `json:"body"`
}

// ChatValidation reports the outcome of a dedup check.
type ChatValidation struct {
	Exists bool `json:"exists"`
}

// ErrorEvent reports a rejected inbound frame.
type ErrorEvent struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}
