package repositories

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-service/internal/models"
)

func newTestGateway(t *testing.T, store SnapshotStore) *Gateway {
	t.Helper()
	return NewGateway(store, zap.NewNop().Sugar())
}

func TestGatewayRoundTripThroughFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	g := newTestGateway(t, store)
	require.NoError(t, g.SaveUsers(map[string]models.User{"u1": {ID: "u1", Username: "alice", UpdatedAt: 5}}))
	require.NoError(t, g.SaveChats(map[string]models.Chat{"c1": {ID: "c1", Type: models.ChatGroup, Members: []string{"u1", "u2"}}}))
	require.NoError(t, g.SaveMessages(map[string][]models.Message{"c1": {{ID: "m1", ChatID: "c1"}, {ID: "m2", ChatID: "c1"}}}))
	require.NoError(t, g.Close())

	store, err = NewFileStore(dir)
	require.NoError(t, err)
	reloaded := newTestGateway(t, store)
	defer reloaded.Close()

	users := reloaded.LoadUsers(context.Background())
	require.Contains(t, users, "u1")
	assert.Equal(t, "alice", users["u1"].Username)

	chats := reloaded.LoadChats(context.Background())
	assert.Equal(t, []string{"u1", "u2"}, chats["c1"].Members)

	messages := reloaded.LoadMessages(context.Background())
	require.Len(t, messages["c1"], 2)
	assert.Equal(t, "m1", messages["c1"][0].ID)
	assert.Equal(t, "m2", messages["c1"][1].ID)
}

func TestGatewayMissingSnapshotsStartEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	g := newTestGateway(t, store)
	defer g.Close()

	assert.Empty(t, g.LoadUsers(context.Background()))
	assert.NotNil(t, g.LoadChats(context.Background()))
	assert.NotNil(t, g.LoadMessages(context.Background()))
}

func TestGatewayCorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CollectionUsers+".json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CollectionChats+".json"), []byte("null"), 0o644))

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	g := newTestGateway(t, store)
	defer g.Close()

	users := g.LoadUsers(context.Background())
	require.NotNil(t, users)
	assert.Empty(t, users)
	chats := g.LoadChats(context.Background())
	require.NotNil(t, chats)
	assert.Empty(t, chats)
}

type failingStore struct {
	mu    sync.Mutex
	saves int
}

func (s *failingStore) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (s *failingStore) Save(context.Context, string, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return errors.New("disk on fire")
}

func (s *failingStore) Close() error { return nil }

func TestGatewayStoreFailuresAreNotFatal(t *testing.T) {
	store := &failingStore{}
	g := newTestGateway(t, store)

	assert.Empty(t, g.LoadUsers(context.Background()))
	require.NoError(t, g.SaveUsers(map[string]models.User{"u1": {ID: "u1"}}))
	require.NoError(t, g.Close())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.saves)
}

func TestGatewayRejectsSavesAfterClose(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	g := newTestGateway(t, store)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	assert.ErrorIs(t, g.SaveChats(map[string]models.Chat{}), ErrGatewayClosed)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load(context.Background(), CollectionMessages)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}
