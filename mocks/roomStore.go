package mocks

import (
	"context"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	"github.com/stretchr/testify/mock"
)

// MockRoomStore is a mock implementation of services.RoomStore.
type MockRoomStore struct {
	mock.Mock
}

func (m *MockRoomStore) AddNodeToRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error {
	args := m.Called(ctx, room, nodeID)
	return args.Error(0)
}

func (m *MockRoomStore) RemoveNodeFromRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error {
	args := m.Called(ctx, room, nodeID)
	return args.Error(0)
}

func (m *MockRoomStore) ListNodesInRoom(ctx context.Context, room common.RoomName) ([]common.NodeID, error) {
	args := m.Called(ctx, room)
	nodes, _ := args.Get(0).([]common.NodeID)
	return nodes, args.Error(1)
}

func (m *MockRoomStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRoomStore) Close() {
	m.Called()
}

// MockRoomSyncer is a mock implementation of services.RoomSyncer.
type MockRoomSyncer struct {
	mock.Mock
}

func (m *MockRoomSyncer) SyncRooms(ctx context.Context, rooms []common.RoomName) error {
	args := m.Called(ctx, rooms)
	return args.Error(0)
}

// MockRoomTracker is a mock implementation of services.RoomTracker.
type MockRoomTracker struct {
	mock.Mock
}

func (m *MockRoomTracker) Join(ctx context.Context, connID string, room common.RoomName) error {
	args := m.Called(ctx, connID, room)
	return args.Error(0)
}

func (m *MockRoomTracker) Leave(ctx context.Context, connID string, room common.RoomName) error {
	args := m.Called(ctx, connID, room)
	return args.Error(0)
}

func (m *MockRoomTracker) LeaveAll(ctx context.Context, connID string) error {
	args := m.Called(ctx, connID)
	return args.Error(0)
}

func (m *MockRoomTracker) Members(room common.RoomName) []string {
	args := m.Called(room)
	members, _ := args.Get(0).([]string)
	return members
}

func (m *MockRoomTracker) Rooms() []common.RoomName {
	args := m.Called()
	rooms, _ := args.Get(0).([]common.RoomName)
	return rooms
}

func (m *MockRoomTracker) SyncLoop(ctx context.Context, syncer services.RoomSyncer) {
	m.Called(ctx, syncer)
}
