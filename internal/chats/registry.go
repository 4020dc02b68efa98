// Package chats owns the chat collection and enforces that no two chats share
// the same member set.
package chats

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"relay-service/internal/models"
)

var ErrAlreadyExists = errors.New("chat already exists")

// Emitter delivers an event to one socket.
type Emitter interface {
	Emit(socketID, event string, payload any) bool
}

// SocketLookup resolves the live socket of a user.
type SocketLookup interface {
	SocketFor(userID string) (string, bool)
}

// Persister snapshots the chat collection.
type Persister interface {
	SaveChats(chats map[string]models.Chat) error
}

// Registry owns the chat collection. It is not safe for concurrent use.
type Registry struct {
	chats     map[string]models.Chat
	persister Persister
	emitter   Emitter
	sockets   SocketLookup
	logger    *zap.SugaredLogger
	now       models.Clock
}

type Option func(*Registry)

func WithClock(clock models.Clock) Option {
	return func(r *Registry) { r.now = clock }
}

// NewRegistry constructs a Registry seeded with chats.
func NewRegistry(chats map[string]models.Chat, persister Persister, emitter Emitter, sockets SocketLookup, logger *zap.SugaredLogger, opts ...Option) *Registry {
	if chats == nil {
		chats = make(map[string]models.Chat)
	}
	r := &Registry{
		chats:     chats,
		persister: persister,
		emitter:   emitter,
		sockets:   sockets,
		logger:    logger,
		now:       models.SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateIfAbsent stores a new chat unless one with the same member set, or the
// same id, already exists.
func (r *Registry) CreateIfAbsent(req models.CreateChatRequest) (models.Chat, error) {
	if err := req.Validate(); err != nil {
		return models.Chat{}, err
	}
	if _, taken := r.chats[req.ID]; taken {
		return models.Chat{}, ErrAlreadyExists
	}
	for _, existing := range r.chats {
		if sameMembers(existing.Members, req.UserIDs) {
			return models.Chat{}, ErrAlreadyExists
		}
	}

	now := r.now()
	chat := models.Chat{
		ID:        req.ID,
		Name:      req.Name,
		Type:      req.Type,
		Members:   append([]string(nil), req.UserIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.chats[chat.ID] = chat
	r.persist()
	return chat, nil
}

// NotifyMembers acknowledges chat to the initiating socket and announces it to
// every other member with a live socket. It returns the number of members
// notified besides the initiator.
func (r *Registry) NotifyMembers(chat models.Chat, initiatorSocketID string) int {
	r.emitter.Emit(initiatorSocketID, models.EventChatCreateResponse, chat)

	notified := 0
	seen := make(map[string]struct{}, len(chat.Members))
	for _, member := range chat.Members {
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}

		socketID, ok := r.sockets.SocketFor(member)
		if !ok || socketID == initiatorSocketID {
			continue
		}
		if r.emitter.Emit(socketID, models.EventChatCreated, chat) {
			notified++
		}
	}
	return notified
}

// Get returns the chat with chatID.
func (r *Registry) Get(chatID string) (models.Chat, bool) {
	chat, ok := r.chats[chatID]
	return chat, ok
}

// ForMember returns the chats containing userID, ordered by id.
func (r *Registry) ForMember(userID string) []models.Chat {
	var out []models.Chat
	for _, chat := range r.chats {
		if chat.HasMember(userID) {
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetLastMessage updates the preview of an existing chat. It reports whether
// the chat exists.
func (r *Registry) SetLastMessage(chatID, content string) bool {
	chat, ok := r.chats[chatID]
	if !ok {
		return false
	}
	chat.LastMessage = content
	r.chats[chatID] = chat
	r.persist()
	return true
}

func (r *Registry) persist() {
	if err := r.persister.SaveChats(r.chats); err != nil {
		r.logger.Errorw("error saving chat data", "error", err)
	}
}

func sameMembers(a, b []string) bool {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) != len(setB) {
		return false
	}
	for id := range setA {
		if _, ok := setB[id]; !ok {
			return false
		}
	}
	return true
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
