package reconcile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-service/internal/mocks"
	"relay-service/internal/models"
)

type userList []models.User

func (u userList) All() []models.User { return u }

type chatList []models.Chat

func (c chatList) ForMember(userID string) []models.Chat {
	var out []models.Chat
	for _, chat := range c {
		if chat.HasMember(userID) {
			out = append(out, chat)
		}
	}
	return out
}

type messageMap map[string][]models.Message

func (m messageMap) ForChats(ids []string) []models.Message {
	var out []models.Message
	for _, id := range ids {
		out = append(out, m[id]...)
	}
	return out
}

func fixtureEngine(emitter Emitter) *Engine {
	users := userList{
		{ID: "u1", UpdatedAt: 50},
		{ID: "u2", UpdatedAt: 30},
		{ID: "u3", UpdatedAt: 10},
		{ID: "u4", UpdatedAt: 30},
	}
	chats := chatList{
		{ID: "c1", Members: []string{"u1", "u2"}, UpdatedAt: 40},
		{ID: "c2", Members: []string{"u1", "u3", "u4"}, UpdatedAt: 20},
		{ID: "c3", Members: []string{"u2", "u3"}, UpdatedAt: 5},
	}
	messages := messageMap{
		"c1": {
			{ID: "m1", ChatID: "c1", CreatedAt: 100, UpdatedAt: 100},
			{ID: "m2", ChatID: "c1", CreatedAt: 300, UpdatedAt: 300},
		},
		"c2": {
			{ID: "m3", ChatID: "c2", CreatedAt: 200, UpdatedAt: 200},
			{ID: "m4", ChatID: "c2", CreatedAt: 50},
		},
		"c3": {
			{ID: "m5", ChatID: "c3", CreatedAt: 150, UpdatedAt: 150},
		},
	}
	return NewEngine(users, chats, messages, emitter)
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

func userID(u models.User) string { return u.ID }
func chatID(c models.Chat) string { return c.ID }
func msgID(m models.Message) string { return m.ID }

func TestComputeFromBeginningOfTime(t *testing.T) {
	e := fixtureEngine(mocks.NewRecordingEmitter())

	d := e.Compute("u1", Everything())
	assert.Equal(t, []string{"u3", "u2", "u4"}, ids(d.Users, userID))
	assert.Equal(t, []string{"c2", "c1"}, ids(d.Chats, chatID))
	assert.Equal(t, []string{"m4", "m1", "m3", "m2"}, ids(d.Messages, msgID))
}

func TestComputeRespectsWatermarks(t *testing.T) {
	e := fixtureEngine(mocks.NewRecordingEmitter())

	d := e.Compute("u1", Watermarks{Users: 30, Chats: 20, Messages: 100})
	assert.Empty(t, d.Users)
	assert.Equal(t, []string{"c1"}, ids(d.Chats, chatID))
	assert.Equal(t, []string{"m3", "m2"}, ids(d.Messages, msgID))
}

func TestComputeFiltersByCreatedAtOrdersByUpdatedAt(t *testing.T) {
	messages := messageMap{
		"c1": {
			{ID: "edited", ChatID: "c1", CreatedAt: 90, UpdatedAt: 500},
			{ID: "boundary", ChatID: "c1", CreatedAt: 100, UpdatedAt: 400},
			{ID: "late-edit", ChatID: "c1", CreatedAt: 200, UpdatedAt: 150},
			{ID: "fresh", ChatID: "c1", CreatedAt: 160, UpdatedAt: 160},
		},
	}
	e := NewEngine(userList{}, chatList{{ID: "c1", Members: []string{"u1"}}}, messages, mocks.NewRecordingEmitter())

	d := e.Compute("u1", Watermarks{Users: BeginningOfTime, Chats: BeginningOfTime, Messages: 100})
	assert.Equal(t, []string{"late-edit", "fresh"}, ids(d.Messages, msgID))
}

func TestComputeZeroWatermarkSurfacesEverything(t *testing.T) {
	e := fixtureEngine(mocks.NewRecordingEmitter())
	d := e.Compute("u3", Watermarks{})
	assert.Equal(t, []string{"u2", "u4", "u1"}, ids(d.Users, userID))
	assert.Equal(t, []string{"c3", "c2"}, ids(d.Chats, chatID))
	assert.Equal(t, []string{"m4", "m5", "m3"}, ids(d.Messages, msgID))
}

func TestComputeNeverLeaksForeignChats(t *testing.T) {
	e := fixtureEngine(mocks.NewRecordingEmitter())
	for _, wm := range []int64{BeginningOfTime, 0, 5, 20, 40} {
		d := e.Compute("u4", Watermarks{Users: wm, Chats: wm, Messages: wm})
		for _, c := range d.Chats {
			assert.True(t, c.HasMember("u4"), "chat %s leaked", c.ID)
			assert.Greater(t, c.UpdatedAt, wm)
		}
		for _, m := range d.Messages {
			assert.Equal(t, "c2", m.ChatID)
		}
	}
}

func TestComputeUnknownUser(t *testing.T) {
	e := fixtureEngine(mocks.NewRecordingEmitter())
	d := e.Compute("stranger", Everything())
	assert.Len(t, d.Users, 4)
	assert.Empty(t, d.Chats)
	assert.Empty(t, d.Messages)
}

func TestPushOrder(t *testing.T) {
	emitter := mocks.NewRecordingEmitter("s1")
	e := fixtureEngine(emitter)

	n := e.Push("s1", e.Compute("u1", Everything()))
	assert.Equal(t, 9, n)

	events := emitter.To("s1")
	require.Len(t, events, 9)
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{
		models.EventUserDataUpdate, models.EventUserDataUpdate, models.EventUserDataUpdate,
		models.EventChatCreated, models.EventChatCreated,
		models.EventNewMessage, models.EventNewMessage, models.EventNewMessage, models.EventNewMessage,
	}, names)
}

func TestParseWatermark(t *testing.T) {
	cases := map[string]int64{
		"":              BeginningOfTime,
		"  ":            BeginningOfTime,
		"abc":           BeginningOfTime,
		"NaN":           BeginningOfTime,
		"0":             0,
		"1700000000000": 1700000000000,
		" 42 ":          42,
		"42.9":          42,
		"-5":            -5,
		"1e30":          math.MaxInt64,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseWatermark(raw), "raw %q", raw)
	}
}
