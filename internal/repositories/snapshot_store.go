package repositories

import (
	"context"
	"errors"
)

// Collection names shared by every driver.
const (
	CollectionUsers    = "users"
	CollectionChats    = "chats"
	CollectionMessages = "messages"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore persists whole-collection snapshots as opaque JSON documents.
type SnapshotStore interface {
	Load(ctx context.Context, collection string) ([]byte, error)
	Save(ctx context.Context, collection string, body []byte) error
	Close() error
}
