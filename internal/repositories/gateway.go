package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

var ErrGatewayClosed = errors.New("persistence gateway closed")

// Gateway loads the user, chat and message collections at boot and writes
// snapshots in the background. Snapshots are encoded synchronously by the
// caller, so each one reflects the in-memory state at the time of the call;
// only the write to the store is deferred. When several snapshots of the same
// collection queue up, only the latest is written.
type Gateway struct {
	store        SnapshotStore
	logger       *zap.SugaredLogger
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewGateway starts the background writer for store.
func NewGateway(store SnapshotStore, logger *zap.SugaredLogger) *Gateway {
	g := &Gateway{
		store:        store,
		logger:       logger,
		writeTimeout: 10 * time.Second,
		pending:      make(map[string][]byte),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go g.run()
	return g
}

// LoadUsers returns the persisted users, or an empty collection if the snapshot is missing or unreadable.
func (g *Gateway) LoadUsers(ctx context.Context) map[string]models.User {
	users, ok := loadCollection[map[string]models.User](ctx, g, CollectionUsers)
	if !ok || users == nil {
		return make(map[string]models.User)
	}
	return users
}

// LoadChats returns the persisted chats, or an empty collection.
func (g *Gateway) LoadChats(ctx context.Context) map[string]models.Chat {
	chats, ok := loadCollection[map[string]models.Chat](ctx, g, CollectionChats)
	if !ok || chats == nil {
		return make(map[string]models.Chat)
	}
	return chats
}

// LoadMessages returns the persisted messages grouped by chat id, or an empty collection.
func (g *Gateway) LoadMessages(ctx context.Context) map[string][]models.Message {
	messages, ok := loadCollection[map[string][]models.Message](ctx, g, CollectionMessages)
	if !ok || messages == nil {
		return make(map[string][]models.Message)
	}
	return messages
}

func loadCollection[T any](ctx context.Context, g *Gateway, collection string) (T, bool) {
	var out T
	body, err := g.store.Load(ctx, collection)
	if errors.Is(err, ErrSnapshotNotFound) {
		g.logger.Infow("no snapshot found, starting empty", "collection", collection)
		return out, false
	}
	if err != nil {
		observability.IncPersistenceError(collection, "load")
		g.logger.Errorw("error loading snapshot, starting empty", "collection", collection, "error", err)
		return out, false
	}
	if err := json.Unmarshal(body, &out); err != nil {
		observability.IncPersistenceError(collection, "decode")
		g.logger.Errorw("corrupt snapshot, starting empty", "collection", collection, "error", err)
		var zero T
		return zero, false
	}
	g.logger.Infow("snapshot loaded", "collection", collection, "bytes", len(body))
	return out, true
}

// SaveUsers queues a snapshot of users.
func (g *Gateway) SaveUsers(users map[string]models.User) error {
	return g.enqueue(CollectionUsers, users)
}

// SaveChats queues a snapshot of chats.
func (g *Gateway) SaveChats(chats map[string]models.Chat) error {
	return g.enqueue(CollectionChats, chats)
}

// SaveMessages queues a snapshot of messages.
func (g *Gateway) SaveMessages(messages map[string][]models.Message) error {
	return g.enqueue(CollectionMessages, messages)
}

func (g *Gateway) enqueue(collection string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", collection, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGatewayClosed
	}
	g.pending[collection] = body
	select {
	case g.wake <- struct{}{}:
	default:
	}
	return nil
}

func (g *Gateway) run() {
	defer close(g.done)
	for range g.wake {
		g.flush()
	}
	g.flush()
}

func (g *Gateway) flush() {
	g.mu.Lock()
	batch := g.pending
	g.pending = make(map[string][]byte)
	g.mu.Unlock()

	for collection, body := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
		err := g.store.Save(ctx, collection, body)
		cancel()
		if err != nil {
			observability.IncPersistenceError(collection, "save")
			g.logger.Errorw("error saving snapshot", "collection", collection, "error", err)
			continue
		}
		g.logger.Debugw("snapshot saved", "collection", collection, "bytes", len(body))
	}
}

// Close writes any queued snapshots, stops the writer and closes the store.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.wake)
	g.mu.Unlock()

	<-g.done
	return g.store.Close()
}
