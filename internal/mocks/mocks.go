package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

// PersisterMock satisfies every component Persister interface.
type PersisterMock struct {
	mock.Mock
}

func (m *PersisterMock) SaveUsers(users map[string]models.User) error {
	args := m.Called(users)
	return args.Error(0)
}

func (m *PersisterMock) SaveChats(chats map[string]models.Chat) error {
	args := m.Called(chats)
	return args.Error(0)
}

func (m *PersisterMock) SaveMessages(messages map[string][]models.Message) error {
	args := m.Called(messages)
	return args.Error(0)
}

// NewPersister returns a PersisterMock that accepts every save.
func NewPersister() *PersisterMock {
	m := new(PersisterMock)
	m.On("SaveUsers", mock.Anything).Return(nil).Maybe()
	m.On("SaveChats", mock.Anything).Return(nil).Maybe()
	m.On("SaveMessages", mock.Anything).Return(nil).Maybe()
	return m
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ observability.Publisher = (*PublisherMock)(nil)
