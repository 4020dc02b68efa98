// Package router stores incoming messages and fans them out to the live
// sockets of their recipients.
package router

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

var ErrDeliveryFailed = errors.New("failed to deliver message")

// Emitter delivers an event to one socket.
type Emitter interface {
	Emit(socketID, event string, payload any) bool
}

// SocketLookup resolves the live socket of a user.
type SocketLookup interface {
	SocketFor(userID string) (string, bool)
}

// ChatBook is the part of the chat registry the router needs.
type ChatBook interface {
	Get(chatID string) (models.Chat, bool)
	SetLastMessage(chatID, content string) bool
}

// Persister snapshots the message collection.
type Persister interface {
	SaveMessages(messages map[string][]models.Message) error
}

// Router appends messages to the log and relays them. Delivery is fire and
// forget: recipients without a live socket catch up on reconnect. It is not
// safe for concurrent use.
type Router struct {
	log       *MessageLog
	chats     ChatBook
	sockets   SocketLookup
	emitter   Emitter
	persister Persister
	logger    *zap.SugaredLogger
}

// New constructs a Router.
func New(log *MessageLog, chats ChatBook, sockets SocketLookup, emitter Emitter, persister Persister, logger *zap.SugaredLogger) *Router {
	return &Router{
		log:       log,
		chats:     chats,
		sockets:   sockets,
		emitter:   emitter,
		persister: persister,
		logger:    logger,
	}
}

// Send stores the message described by req and delivers it. It returns the
// stored message and the number of sockets it was delivered to. Any failure is
// reported as ErrDeliveryFailed.
func (r *Router) Send(req models.SendMessageRequest) (msg models.Message, delivered int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("panic while routing message", "message_id", req.ID, "panic", rec)
			msg, delivered, err = models.Message{}, 0, ErrDeliveryFailed
		}
	}()

	if err := req.Validate(); err != nil {
		return models.Message{}, 0, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	msg = req.Message()
	r.log.Append(msg)
	if err := r.persister.SaveMessages(r.log.byChat); err != nil {
		r.logger.Errorw("error saving messages data", "error", err)
	}
	r.chats.SetLastMessage(msg.ChatID, msg.Content)

	switch msg.RecipientType {
	case models.RecipientIndividual:
		if r.deliver(msg.RecipientID, msg) {
			delivered++
		}
	case models.RecipientGroup:
		for _, member := range r.groupMembers(msg.ChatID) {
			if member == msg.SenderID {
				continue
			}
			if r.deliver(member, msg) {
				delivered++
			}
		}
	}
	return msg, delivered, nil
}

func (r *Router) deliver(userID string, msg models.Message) bool {
	kind := string(msg.RecipientType)
	socketID, ok := r.sockets.SocketFor(userID)
	if !ok {
		observability.IncDelivery(kind, "offline")
		return false
	}
	if !r.emitter.Emit(socketID, models.EventNewMessage, msg) {
		observability.IncDelivery(kind, "dropped")
		r.logger.Debugw("delivery dropped", "message_id", msg.ID, "user_id", userID, "socket_id", socketID)
		return false
	}
	observability.IncDelivery(kind, "delivered")
	return true
}

func (r *Router) groupMembers(chatID string) []string {
	chat, ok := r.chats.Get(chatID)
	if !ok || chat.Type != models.ChatGroup {
		return nil
	}
	seen := make(map[string]struct{}, len(chat.Members))
	members := make([]string, 0, len(chat.Members))
	for _, m := range chat.Members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	return members
}
