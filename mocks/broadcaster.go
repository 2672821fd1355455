package mocks

import (
	"context"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
	"github.com/stretchr/testify/mock"
)

// MockBroadcaster is a mock implementation of services.RoomBroadcaster.
type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, event common.EventName, data any) error {
	args := m.Called(ctx, event, data)
	return args.Error(0)
}

func (m *MockBroadcaster) BroadcastToRoom(ctx context.Context, room common.RoomName, event common.EventName, data any) error {
	args := m.Called(ctx, room, event, data)
	return args.Error(0)
}

// MockLocalDeliverer is a mock implementation of services.LocalDeliverer.
type MockLocalDeliverer struct {
	mock.Mock
}

func (m *MockLocalDeliverer) DeliverLocal(ctx context.Context, frame *ds.Frame) error {
	args := m.Called(ctx, frame)
	return args.Error(0)
}
