// Package reconcile computes what a reconnecting client has missed since its
// last synchronization point.
package reconcile

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"relay-service/internal/models"
)

// BeginningOfTime is the watermark that matches every record.
const BeginningOfTime int64 = math.MinInt64

// Watermarks holds the last synchronized timestamp per collection.
type Watermarks struct {
	Users    int64
	Chats    int64
	Messages int64
}

// Everything returns watermarks that match every record.
func Everything() Watermarks {
	return Watermarks{Users: BeginningOfTime, Chats: BeginningOfTime, Messages: BeginningOfTime}
}

// ParseWatermark reads an epoch millisecond watermark. Fractions are truncated;
// empty or unparsable input yields BeginningOfTime.
func ParseWatermark(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return BeginningOfTime
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) {
		return BeginningOfTime
	}
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return BeginningOfTime
	}
	return int64(f)
}

type UserSource interface {
	All() []models.User
}

type ChatSource interface {
	ForMember(userID string) []models.Chat
}

type MessageSource interface {
	ForChats(chatIDs []string) []models.Message
}

type Emitter interface {
	Emit(socketID, event string, payload any) bool
}

// Delta is the catch-up data for one connection, each slice ascending by timestamp.
type Delta struct {
	Users    []models.User
	Chats    []models.Chat
	Messages []models.Message
}

// Engine reads the collections through their owners. Callers serialize access
// with any mutation of those collections.
type Engine struct {
	users    UserSource
	chats    ChatSource
	messages MessageSource
	emitter  Emitter
}

func NewEngine(users UserSource, chats ChatSource, messages MessageSource, emitter Emitter) *Engine {
	return &Engine{users: users, chats: chats, messages: messages, emitter: emitter}
}

// Compute returns, for userID:
//   - every other user updated after wm.Users, by updated_at;
//   - every chat containing userID updated after wm.Chats, by updated_at;
//   - every message of those chats created after wm.Messages, by updated_at
//     across all chats.
func (e *Engine) Compute(userID string, wm Watermarks) Delta {
	var d Delta

	for _, u := range e.users.All() {
		if u.ID != userID && u.UpdatedAt > wm.Users {
			d.Users = append(d.Users, u)
		}
	}
	sort.SliceStable(d.Users, func(i, j int) bool { return d.Users[i].UpdatedAt < d.Users[j].UpdatedAt })

	memberChats := e.chats.ForMember(userID)
	chatIDs := make([]string, 0, len(memberChats))
	for _, c := range memberChats {
		chatIDs = append(chatIDs, c.ID)
		if c.UpdatedAt > wm.Chats {
			d.Chats = append(d.Chats, c)
		}
	}
	sort.SliceStable(d.Chats, func(i, j int) bool { return d.Chats[i].UpdatedAt < d.Chats[j].UpdatedAt })

	for _, m := range e.messages.ForChats(chatIDs) {
		if m.CreatedAt > wm.Messages {
			d.Messages = append(d.Messages, m)
		}
	}
	sort.SliceStable(d.Messages, func(i, j int) bool { return orderKey(d.Messages[i]) < orderKey(d.Messages[j]) })

	return d
}

// Push emits d to socketID: users, then chats, then messages. It returns the
// number of events written.
func (e *Engine) Push(socketID string, d Delta) int {
	n := 0
	for _, u := range d.Users {
		if e.emitter.Emit(socketID, models.EventUserDataUpdate, u) {
			n++
		}
	}
	for _, c := range d.Chats {
		if e.emitter.Emit(socketID, models.EventChatCreated, c) {
			n++
		}
	}
	for _, m := range d.Messages {
		if e.emitter.Emit(socketID, models.EventNewMessage, m) {
			n++
		}
	}
	return n
}

// Messages stored before updated_at was tracked fall back to created_at.
func orderKey(m models.Message) int64 {
	if m.UpdatedAt != 0 {
		return m.UpdatedAt
	}
	return m.CreatedAt
}
