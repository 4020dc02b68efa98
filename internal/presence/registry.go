// Package presence tracks users, their online state and the socket that
// currently represents each of them.
package presence

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"relay-service/internal/models"
)

var (
	ErrDuplicateUsername = errors.New("username already exists")
	ErrUserNotFound      = errors.New("user not found")
)

// Emitter delivers events to live sockets.
type Emitter interface {
	Emit(socketID, event string, payload any) bool
	Broadcast(exceptSocketID, event string, payload any) int
}

// Persister snapshots the user collection.
type Persister interface {
	SaveUsers(users map[string]models.User) error
}

// Registry owns the user collection. It is not safe for concurrent use;
// callers serialize access.
type Registry struct {
	users     map[string]models.User
	persister Persister
	emitter   Emitter
	logger    *zap.SugaredLogger
	now       models.Clock
}

type Option func(*Registry)

// WithClock overrides the time source used for timestamps.
func WithClock(clock models.Clock) Option {
	return func(r *Registry) { r.now = clock }
}

// NewRegistry constructs a Registry seeded with users.
func NewRegistry(users map[string]models.User, persister Persister, emitter Emitter, logger *zap.SugaredLogger, opts ...Option) *Registry {
	if users == nil {
		users = make(map[string]models.User)
	}
	r := &Registry{
		users:     users,
		persister: persister,
		emitter:   emitter,
		logger:    logger,
		now:       models.SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOrRefresh attaches socketID to an existing user and marks it online.
// Unknown users are left alone (they register through EditProfile); the bool
// result reports whether the user was known.
func (r *Registry) RegisterOrRefresh(userID, socketID string) (models.User, bool, error) {
	if !models.IsValidUserID(userID) {
		return models.User{}, false, models.ErrInvalidIdentity
	}

	user, ok := r.users[userID]
	if ok {
		user.SocketID = socketID
		user.IsOnline = true
		user.LastOnline = r.now()
		r.users[userID] = user

		r.emitter.Broadcast(socketID, models.EventNotification, models.Notification{
			Title:   models.NotificationTitle,
			Message: fmt.Sprintf("User %s is now online.", user.Name),
			Body:    userID,
		})
		r.emitter.Broadcast(socketID, models.EventUserDataUpdate, user)
	}
	r.persist()
	return user, ok, nil
}

// EditProfile creates or updates the profile in req. The bool result reports
// whether a new user was created.
func (r *Registry) EditProfile(socketID string, req models.EditUserRequest) (models.User, bool, error) {
	if err := req.Validate(); err != nil {
		return models.User{}, false, err
	}

	for id, existing := range r.users {
		if existing.Username == req.Username && id != req.UserID {
			return models.User{}, false, ErrDuplicateUsername
		}
	}

	now := r.now()
	user, exists := r.users[req.UserID]
	user.ID = req.UserID
	user.Name = req.Name
	user.Email = req.Email
	user.Username = req.Username
	user.IsOnline = true
	user.LastOnline = now
	user.UpdatedAt = now
	if !exists {
		user.SocketID = socketID
		user.CreatedAt = now
	}
	r.users[req.UserID] = user

	if !exists {
		r.emitter.Broadcast(socketID, models.EventNotification, models.Notification{
			Title:   models.NotificationTitle,
			Message: fmt.Sprintf("User %s joined OarChat.", user.Name),
		})
	}
	r.emitter.Broadcast(socketID, models.EventUserDataUpdate, user)
	r.persist()
	return user, !exists, nil
}

// UpdateToken attaches a push token and socket reference to the user,
// creating a stub record for an id that has not registered yet.
func (r *Registry) UpdateToken(socketID string, req models.TokenUpdateRequest) (models.User, error) {
	if err := req.Validate(); err != nil {
		return models.User{}, err
	}

	user := r.users[req.UserID]
	user.ID = req.UserID
	user.FBToken = req.FBToken
	user.SocketID = socketID
	r.users[req.UserID] = user
	r.persist()
	return user, nil
}

// MarkOffline flags the user offline and broadcasts the record to every socket
// except exceptSocketID.
func (r *Registry) MarkOffline(exceptSocketID, userID string) (models.User, error) {
	if !models.IsValidUserID(userID) {
		return models.User{}, models.ErrInvalidIdentity
	}
	user, ok := r.users[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}

	user.IsOnline = false
	user.LastOnline = r.now()
	r.users[userID] = user

	r.emitter.Broadcast(exceptSocketID, models.EventUserDataUpdate, user)
	r.persist()
	return user, nil
}

// SocketFor returns the socket of an online user.
func (r *Registry) SocketFor(userID string) (string, bool) {
	user, ok := r.users[userID]
	if !ok || !user.IsOnline || user.SocketID == "" {
		return "", false
	}
	return user.SocketID, true
}

// Get returns the user with userID.
func (r *Registry) Get(userID string) (models.User, bool) {
	user, ok := r.users[userID]
	return user, ok
}

// All returns every user ordered by id.
func (r *Registry) All() []models.User {
	out := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) persist() {
	if err := r.persister.SaveUsers(r.users); err != nil {
		r.logger.Errorw("error saving user data", "error", err)
	}
}
