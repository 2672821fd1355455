package mocks

import (
	"context"

	"github.com/kychandar/changecast/common"
	"github.com/stretchr/testify/mock"
)

// MockNotifier is a mock implementation of services.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyCreated(ctx context.Context, entity any) common.Outcome {
	args := m.Called(ctx, entity)
	return args.Get(0).(common.Outcome)
}

func (m *MockNotifier) NotifyUpdated(ctx context.Context, entity any) common.Outcome {
	args := m.Called(ctx, entity)
	return args.Get(0).(common.Outcome)
}

func (m *MockNotifier) NotifyDeleted(ctx context.Context, entityID any) common.Outcome {
	args := m.Called(ctx, entityID)
	return args.Get(0).(common.Outcome)
}

func (m *MockNotifier) Notify(ctx context.Context, event common.EventName, data any) common.Outcome {
	args := m.Called(ctx, event, data)
	return args.Get(0).(common.Outcome)
}
