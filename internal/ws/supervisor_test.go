package ws

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-service/internal/chats"
	"relay-service/internal/mocks"
	"relay-service/internal/models"
	"relay-service/internal/presence"
	"relay-service/internal/reconcile"
	"relay-service/internal/router"
)

type testEnv struct {
	sup      *Supervisor
	hub      *Hub
	presence *presence.Registry
	chats    *chats.Registry
	messages *router.MessageLog
}

type seed struct {
	users    map[string]models.User
	chats    map[string]models.Chat
	messages map[string][]models.Message
}

func newTestEnv(s seed, opts ...SupervisorOption) *testEnv {
	logger := zap.NewNop().Sugar()
	clock := func() int64 { return 5000 }
	hub := NewHub(logger)
	persister := mocks.NewPersister()

	pres := presence.NewRegistry(s.users, persister, hub, logger, presence.WithClock(clock))
	chatReg := chats.NewRegistry(s.chats, persister, hub, pres, logger, chats.WithClock(clock))
	msgLog := router.NewMessageLog(s.messages)
	rt := router.New(msgLog, chatReg, pres, hub, persister, logger)
	engine := reconcile.NewEngine(pres, chatReg, msgLog, hub)

	sup := NewSupervisor(hub, Components{
		Presence: pres,
		Chats:    chatReg,
		Router:   rt,
		Engine:   engine,
	}, logger, opts...)
	return &testEnv{sup: sup, hub: hub, presence: pres, chats: chatReg, messages: msgLog}
}

func (e *testEnv) connect(t *testing.T, socketID, userID string) *Session {
	t.Helper()
	sess := NewSession(newTestClient(socketID), Handshake{UserID: userID, Watermarks: reconcile.Everything()})
	require.NoError(t, e.sup.Connect(context.Background(), sess))
	return sess
}

func (e *testEnv) send(sess *Session, event string, data any, ack *int64) {
	frame := map[string]any{"event": event, "data": data}
	if ack != nil {
		frame["ack"] = *ack
	}
	raw, _ := json.Marshal(frame)
	e.sup.HandleFrame(context.Background(), sess, raw)
}

func ackID(n int64) *int64 { return &n }

func reset(c *Client) { c.drain() }

func lastAck(t *testing.T, c *Client) models.Ack {
	t.Helper()
	frames := queued(t, c)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, models.EventAck, last.Event)
	var ack models.Ack
	require.NoError(t, json.Unmarshal(last.Data, &ack))
	return ack
}

func twoUsers() seed {
	return seed{users: map[string]models.User{
		"u1": {ID: "u1", Name: "Alice", Username: "alice", UpdatedAt: 100},
		"u2": {ID: "u2", Name: "Bob", Username: "bob", UpdatedAt: 200},
	}}
}

func TestParseHandshake(t *testing.T) {
	q := url.Values{}
	q.Set("user_id", "u1")
	q.Set("epoch_date_users", "1000")
	q.Set("epoch_date_chat", "not-a-number")

	hs := ParseHandshake(q)
	assert.Equal(t, "u1", hs.UserID)
	assert.Equal(t, int64(1000), hs.Watermarks.Users)
	assert.Equal(t, reconcile.BeginningOfTime, hs.Watermarks.Chats)
	assert.Equal(t, reconcile.BeginningOfTime, hs.Watermarks.Messages)
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	env := newTestEnv(twoUsers())
	for _, id := range []string{"", "null", "undefined"} {
		sess := NewSession(newTestClient("s-"+id), Handshake{UserID: id, Watermarks: reconcile.Everything()})
		err := env.sup.Connect(context.Background(), sess)
		assert.ErrorIs(t, err, models.ErrInvalidIdentity)
		assert.Equal(t, StateDisconnected, sess.state)
	}
	assert.Equal(t, 0, env.hub.Count())
}

func TestConnectKnownUserAnnouncesAndCatchesUp(t *testing.T) {
	s := twoUsers()
	s.chats = map[string]models.Chat{
		"c1": {ID: "c1", Type: models.ChatIndividual, Members: []string{"u1", "u2"}, UpdatedAt: 300},
	}
	s.messages = map[string][]models.Message{
		"c1": {{ID: "m1", ChatID: "c1", CreatedAt: 400, UpdatedAt: 400}},
	}
	env := newTestEnv(s)
	bob := env.connect(t, "s2", "u2")
	reset(bob.client)

	alice := env.connect(t, "s1", "u1")
	assert.Equal(t, StateActive, alice.state)

	user, ok := env.presence.Get("u1")
	require.True(t, ok)
	assert.True(t, user.IsOnline)
	assert.Equal(t, "s1", user.SocketID)

	assert.Equal(t, []string{models.EventNotification, models.EventUserDataUpdate}, eventsOf(queued(t, bob.client)))
	assert.Equal(t, []string{
		models.EventUserDataUpdate,
		models.EventChatCreated,
		models.EventNewMessage,
	}, eventsOf(queued(t, alice.client)))
}

func TestConnectUnknownUserIsSilent(t *testing.T) {
	env := newTestEnv(twoUsers())
	bob := env.connect(t, "s2", "u2")
	reset(bob.client)

	env.connect(t, "s9", "u9")
	assert.Empty(t, queued(t, bob.client))
	_, ok := env.presence.Get("u9")
	assert.False(t, ok)
}

func TestEditUserAcks(t *testing.T) {
	env := newTestEnv(twoUsers())
	sess := env.connect(t, "s3", "u3")
	reset(sess.client)

	env.send(sess, models.EventEditUser, models.EditUserRequest{UserID: "u3", Name: "Carol", Username: "carol"}, ackID(1))
	assert.True(t, lastAck(t, sess.client).Success)

	env.send(sess, models.EventEditUser, models.EditUserRequest{UserID: "u3", Name: "Carol", Username: "alice"}, ackID(2))
	ack := lastAck(t, sess.client)
	assert.False(t, ack.Success)
	assert.Equal(t, "Username already exists", ack.Message)

	env.send(sess, models.EventEditUser, models.EditUserRequest{UserID: "null", Username: "x"}, ackID(3))
	ack = lastAck(t, sess.client)
	assert.False(t, ack.Success)
	assert.Equal(t, "Invalid user ID", ack.Message)
}

func TestSendMessageDeliversAndAcks(t *testing.T) {
	s := twoUsers()
	s.chats = map[string]models.Chat{"c1": {ID: "c1", Type: models.ChatIndividual, Members: []string{"u1", "u2"}}}
	env := newTestEnv(s)
	alice := env.connect(t, "s1", "u1")
	bob := env.connect(t, "s2", "u2")
	reset(alice.client)
	reset(bob.client)

	env.send(alice, models.EventSendMessage, models.SendMessageRequest{
		ID: "m1", Content: "hi", ChatID: "c1", SenderID: "u1", RecipientID: "u2",
		RecipientType: models.RecipientIndividual, CreatedAt: 10,
	}, ackID(5))

	ack := lastAck(t, alice.client)
	assert.True(t, ack.Success)
	assert.Equal(t, "Message delivered successfully.", ack.Message)

	frames := queued(t, bob.client)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventNewMessage, frames[0].Event)
	assert.Len(t, env.messages.ForChat("c1"), 1)

	chat, _ := env.chats.Get("c1")
	assert.Equal(t, "hi", chat.LastMessage)
}

func TestSendMessageFailure(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	reset(alice.client)

	env.send(alice, models.EventSendMessage, map[string]any{"id": "m1"}, ackID(6))
	ack := lastAck(t, alice.client)
	assert.False(t, ack.Success)
	assert.Equal(t, "Failed to deliver message.", ack.Error)

	reset(alice.client)
	env.send(alice, models.EventSendMessage, map[string]any{"id": "m2"}, nil)
	frames := queued(t, alice.client)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventError, frames[0].Event)
	assert.Equal(t, 0, env.messages.Len())
}

func TestMalformedFrameReportsError(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	reset(alice.client)

	env.sup.HandleFrame(context.Background(), alice, []byte(`not json`))
	frames := queued(t, alice.client)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventError, frames[0].Event)

	reset(alice.client)
	env.send(alice, "no_such_event", map[string]any{}, ackID(9))
	assert.False(t, lastAck(t, alice.client).Success)
}

func TestValidateChatCreatesOnceAndDedups(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	bob := env.connect(t, "s2", "u2")
	reset(alice.client)
	reset(bob.client)

	req := models.CreateChatRequest{ID: "c1", Type: models.ChatIndividual, UserIDs: []string{"u1", "u2"}}
	env.send(alice, models.EventValidateChat, req, nil)
	assert.Equal(t, []string{models.EventChatCreateResponse}, eventsOf(queued(t, alice.client)))
	assert.Equal(t, []string{models.EventChatCreated}, eventsOf(queued(t, bob.client)))

	reset(alice.client)
	reset(bob.client)
	req.ID = "c2"
	req.UserIDs = []string{"u2", "u1"}
	env.send(alice, models.EventValidateChat, req, nil)

	frames := queued(t, alice.client)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventChatValidation, frames[0].Event)
	assert.JSONEq(t, `{"exists":true}`, string(frames[0].Data))
	assert.Empty(t, queued(t, bob.client))
	_, ok := env.chats.Get("c2")
	assert.False(t, ok)
}

func TestDisconnectUserClosesSessionOnce(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	bob := env.connect(t, "s2", "u2")
	reset(alice.client)
	reset(bob.client)

	env.send(alice, models.EventDisconnectUser, models.DisconnectRequest{UserID: "u1"}, nil)
	assert.Equal(t, StateDisconnected, alice.state)
	assert.Equal(t, 1, env.hub.Count())
	assert.False(t, alice.client.enqueue([]byte("x")))

	user, _ := env.presence.Get("u1")
	assert.False(t, user.IsOnline)
	assert.Equal(t, []string{models.EventUserDataUpdate}, eventsOf(queued(t, bob.client)))

	reset(bob.client)
	env.sup.Disconnect(context.Background(), alice, "closed")
	env.send(alice, models.EventEditUser, models.EditUserRequest{UserID: "u1", Username: "z"}, nil)
	assert.Empty(t, queued(t, bob.client))
}

func TestDisconnectOtherUserKeepsSession(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	bob := env.connect(t, "s2", "u2")
	reset(alice.client)

	env.send(alice, models.EventDisconnectUser, models.DisconnectRequest{UserID: "u2"}, ackID(1))
	assert.True(t, lastAck(t, alice.client).Success)
	assert.Equal(t, StateActive, alice.state)
	other, _ := env.presence.Get("u2")
	assert.False(t, other.IsOnline)

	env.sup.Disconnect(context.Background(), alice, "eof")
	self, _ := env.presence.Get("u1")
	assert.False(t, self.IsOnline)
	_, ok := env.presence.SocketFor("u1")
	assert.False(t, ok)
	assert.Equal(t, StateActive, bob.state)
	assert.Equal(t, 1, env.hub.Count())
}

func TestDisconnectUnknownUserKeepsSession(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	reset(alice.client)

	env.send(alice, models.EventDisconnectUser, models.DisconnectRequest{UserID: "ghost"}, ackID(1))
	ack := lastAck(t, alice.client)
	assert.False(t, ack.Success)
	assert.Equal(t, StateActive, alice.state)
	assert.Equal(t, 1, env.hub.Count())
	assert.True(t, alice.client.enqueue([]byte("still open")))

	user, _ := env.presence.Get("u1")
	assert.True(t, user.IsOnline)
}

func TestTransportCloseMarksOffline(t *testing.T) {
	env := newTestEnv(twoUsers())
	alice := env.connect(t, "s1", "u1")
	bob := env.connect(t, "s2", "u2")
	reset(bob.client)

	env.sup.Disconnect(context.Background(), alice, "eof")
	user, _ := env.presence.Get("u1")
	assert.False(t, user.IsOnline)
	assert.Equal(t, int64(5000), user.LastOnline)
	assert.Equal(t, []string{models.EventUserDataUpdate}, eventsOf(queued(t, bob.client)))
	assert.Equal(t, 1, env.hub.Count())
}

func TestTransportCloseOfReplacedSocket(t *testing.T) {
	env := newTestEnv(twoUsers())
	first := env.connect(t, "s1", "u1")
	env.connect(t, "s1b", "u1")

	env.sup.Disconnect(context.Background(), first, "eof")
	user, _ := env.presence.Get("u1")
	assert.True(t, user.IsOnline)
	assert.Equal(t, "s1b", user.SocketID)
}

func TestTransportCloseWithoutOffline(t *testing.T) {
	env := newTestEnv(twoUsers(), WithOfflineOnClose(false))
	alice := env.connect(t, "s1", "u1")

	env.sup.Disconnect(context.Background(), alice, "eof")
	user, _ := env.presence.Get("u1")
	assert.True(t, user.IsOnline)
	assert.Equal(t, 0, env.hub.Count())
}
