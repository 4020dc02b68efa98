package models

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidIdentity is returned for empty, "null" or otherwise unusable user ids.
	ErrInvalidIdentity = errors.New("invalid user id")
	// ErrMalformedPayload is returned when an inbound payload fails field validation.
	ErrMalformedPayload = errors.New("malformed payload")
)

// User is a registered account and its presence state.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	SocketID   string `json:"socket_id,omitempty"`
	FBToken    string `json:"fb_token,omitempty"`
	IsOnline   bool   `json:"is_online"`
	LastOnline int64  `json:"last_online"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// IsValidUserID reports whether id can identify a user.
func IsValidUserID(id string) bool {
	trimmed := strings.TrimSpace(id)
	return trimmed != "" && trimmed != "null" && trimmed != "undefined"
}

// Clock returns the current time in epoch milliseconds.
type Clock func() int64

// SystemClock reads the wall clock.
func SystemClock() int64 {
	return time.Now().UnixMilli()
}
