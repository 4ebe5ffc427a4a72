package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/models"
)

type EmitterMock struct {
	mock.Mock
}

func (m *EmitterMock) Emit(event string, payload any) error {
	args := m.Called(event, payload)
	return args.Error(0)
}

type HistoryLoaderMock struct {
	mock.Mock
}

func (m *HistoryLoaderMock) GroupHistory(ctx context.Context, groupID string) ([]models.Message, error) {
	args := m.Called(ctx, groupID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type SessionViewMock struct {
	mock.Mock
}

func (m *SessionViewMock) Snapshot() models.Session {
	args := m.Called()
	return args.Get(0).(models.Session)
}

func (m *SessionViewMock) Messages() []models.Message {
	args := m.Called()
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs
}

func (m *SessionViewMock) PendingActions() int {
	args := m.Called()
	return args.Int(0)
}

var _ interface {
	Emit(string, any) error
} = (*EmitterMock)(nil)
var _ interface {
	GroupHistory(context.Context, string) ([]models.Message, error)
} = (*HistoryLoaderMock)(nil)
var _ interface {
	Snapshot() models.Session
	Messages() []models.Message
	PendingActions() int
} = (*SessionViewMock)(nil)
