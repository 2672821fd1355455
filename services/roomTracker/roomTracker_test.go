package roomtracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/mocks"
	metricsregistry "github.com/kychandar/changecast/services/metricsRegistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const node common.NodeID = "node-1"

func TestJoin_RecordsNodeOnFirstMember(t *testing.T) {
	store := new(mocks.MockRoomStore)
	store.On("AddNodeToRoom", mock.Anything, common.RoomResources, node).Return(nil).Once()
	tracker := New(node, store, metricsregistry.New("test"))

	require.NoError(t, tracker.Join(context.Background(), "c1", common.RoomResources))
	require.NoError(t, tracker.Join(context.Background(), "c2", common.RoomResources))
	require.NoError(t, tracker.Join(context.Background(), "c2", common.RoomResources))

	assert.Equal(t, []string{"c1", "c2"}, tracker.Members(common.RoomResources))
	assert.Equal(t, []common.RoomName{common.RoomResources}, tracker.Rooms())
	store.AssertExpectations(t)
}

func TestLeave_RemovesNodeOnLastMember(t *testing.T) {
	store := new(mocks.MockRoomStore)
	store.On("AddNodeToRoom", mock.Anything, common.RoomResources, node).Return(nil).Once()
	store.On("RemoveNodeFromRoom", mock.Anything, common.RoomResources, node).Return(nil).Once()
	tracker := New(node, store, nil)
	ctx := context.Background()

	require.NoError(t, tracker.Join(ctx, "c1", common.RoomResources))
	require.NoError(t, tracker.Join(ctx, "c2", common.RoomResources))

	require.NoError(t, tracker.Leave(ctx, "c1", common.RoomResources))
	store.AssertNotCalled(t, "RemoveNodeFromRoom", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []string{"c2"}, tracker.Members(common.RoomResources))

	require.NoError(t, tracker.Leave(ctx, "c2", common.RoomResources))
	assert.Empty(t, tracker.Members(common.RoomResources))
	assert.Empty(t, tracker.Rooms())
	store.AssertExpectations(t)
}

func TestLeave_NotAMember(t *testing.T) {
	store := new(mocks.MockRoomStore)
	store.On("AddNodeToRoom", mock.Anything, mock.Anything, node).Return(nil)
	tracker := New(node, store, nil)
	ctx := context.Background()

	assert.NoError(t, tracker.Leave(ctx, "c1", common.RoomResources))
	require.NoError(t, tracker.Join(ctx, "c1", common.RoomResources))
	assert.NoError(t, tracker.Leave(ctx, "c2", common.RoomResources))
	assert.Equal(t, []string{"c1"}, tracker.Members(common.RoomResources))
	store.AssertNotCalled(t, "RemoveNodeFromRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestJoin_StoreErrorKeepsMembership(t *testing.T) {
	store := new(mocks.MockRoomStore)
	store.On("AddNodeToRoom", mock.Anything, common.RoomResources, node).Return(errors.New("valkey down"))
	tracker := New(node, store, nil)

	err := tracker.Join(context.Background(), "c1", common.RoomResources)
	assert.ErrorContains(t, err, "valkey down")
	assert.Equal(t, []string{"c1"}, tracker.Members(common.RoomResources))
}

func TestLeaveAll(t *testing.T) {
	tracker := New(node, nil, nil)
	ctx := context.Background()

	require.NoError(t, tracker.Join(ctx, "c1", "resources"))
	require.NoError(t, tracker.Join(ctx, "c1", "news"))
	require.NoError(t, tracker.Join(ctx, "c2", "news"))

	require.NoError(t, tracker.LeaveAll(ctx, "c1"))

	assert.Equal(t, []common.RoomName{"news"}, tracker.Rooms())
	assert.Equal(t, []string{"c2"}, tracker.Members("news"))
	assert.NoError(t, tracker.LeaveAll(ctx, "unknown"))
}

func TestLeaveAll_JoinsErrors(t *testing.T) {
	store := new(mocks.MockRoomStore)
	store.On("AddNodeToRoom", mock.Anything, mock.Anything, node).Return(nil)
	store.On("RemoveNodeFromRoom", mock.Anything, mock.Anything, node).Return(errors.New("gone"))
	tracker := New(node, store, nil)
	ctx := context.Background()
	require.NoError(t, tracker.Join(ctx, "c1", "a"))
	require.NoError(t, tracker.Join(ctx, "c1", "b"))

	err := tracker.LeaveAll(ctx, "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Contains(t, err.Error(), `"b"`)
	assert.Empty(t, tracker.Rooms())
}

func TestSyncLoop_SyncsPopulatedRooms(t *testing.T) {
	tracker := New(node, nil, nil)
	syncer := new(mocks.MockRoomSyncer)
	synced := make(chan []common.RoomName, 10)
	syncer.On("SyncRooms", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		synced <- args.Get(1).([]common.RoomName)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.SyncLoop(ctx, syncer)

	require.NoError(t, tracker.Join(ctx, "c1", common.RoomResources))
	select {
	case rooms := <-synced:
		assert.Equal(t, []common.RoomName{common.RoomResources}, rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("rooms were not synced after join")
	}

	require.NoError(t, tracker.Leave(ctx, "c1", common.RoomResources))
	select {
	case rooms := <-synced:
		assert.Empty(t, rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("rooms were not synced after leave")
	}
}

func TestSyncLoop_RetriesOnError(t *testing.T) {
	tracker := New(node, nil, nil)
	syncer := new(mocks.MockRoomSyncer)
	done := make(chan struct{})
	syncer.On("SyncRooms", mock.Anything, mock.Anything).Return(errors.New("nats down")).Once()
	syncer.On("SyncRooms", mock.Anything, mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tracker.Join(ctx, "c1", common.RoomResources))
	go tracker.SyncLoop(ctx, syncer)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("sync was not retried")
	}
	syncer.AssertExpectations(t)
}

func TestConcurrentJoinLeave(t *testing.T) {
	tracker := New(node, nil, metricsregistry.New("test"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			room := common.RoomName(fmt.Sprintf("room-%d", i%3))
			_ = tracker.Join(ctx, connID, room)
			if i%2 == 0 {
				_ = tracker.Leave(ctx, connID, room)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, room := range tracker.Rooms() {
		total += len(tracker.Members(room))
	}
	assert.Equal(t, 25, total)
}

// stallingRoomStore keeps room membership in memory. Writes to a stalled room announce
// themselves on started and then wait for release.
type stallingRoomStore struct {
	mu      sync.Mutex
	nodes   map[common.RoomName]map[common.NodeID]bool
	stall   map[string]bool
	started chan string
	release chan struct{}
}

func newStallingRoomStore(stall ...string) *stallingRoomStore {
	s := &stallingRoomStore{
		nodes:   map[common.RoomName]map[common.NodeID]bool{},
		stall:   map[string]bool{},
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
	for _, op := range stall {
		s.stall[op] = true
	}
	return s
}

func (s *stallingRoomStore) wait(op string) {
	s.mu.Lock()
	stall := s.stall[op]
	delete(s.stall, op)
	s.mu.Unlock()
	if stall {
		s.started <- op
		<-s.release
	}
}

func (s *stallingRoomStore) AddNodeToRoom(_ context.Context, room common.RoomName, nodeID common.NodeID) error {
	s.wait("add")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[room] == nil {
		s.nodes[room] = map[common.NodeID]bool{}
	}
	s.nodes[room][nodeID] = true
	return nil
}

func (s *stallingRoomStore) RemoveNodeFromRoom(_ context.Context, room common.RoomName, nodeID common.NodeID) error {
	s.wait("remove")
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes[room], nodeID)
	return nil
}

func (s *stallingRoomStore) ListNodesInRoom(_ context.Context, room common.RoomName) ([]common.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.NodeID
	for n := range s.nodes[room] {
		out = append(out, n)
	}
	return out, nil
}

func (s *stallingRoomStore) Ping(context.Context) error { return nil }

func (s *stallingRoomStore) Close() {}

func (s *stallingRoomStore) has(room common.RoomName) bool {
	nodes, _ := s.ListNodesInRoom(context.Background(), room)
	return len(nodes) > 0
}

func TestStoreWrites_LeaveDuringSlowJoin(t *testing.T) {
	store := newStallingRoomStore("add")
	tracker := New(node, store, nil)
	ctx := context.Background()

	joined := make(chan error, 1)
	go func() { joined <- tracker.Join(ctx, "c1", common.RoomResources) }()
	require.Equal(t, "add", <-store.started)

	left := make(chan error, 1)
	go func() { left <- tracker.Leave(ctx, "c1", common.RoomResources) }()
	select {
	case <-left:
		t.Fatal("leave wrote to the store while the join write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-joined)
	require.NoError(t, <-left)
	assert.Empty(t, tracker.Rooms())
	assert.False(t, store.has(common.RoomResources), "stale node left in room store")
}

func TestStoreWrites_RejoinDuringSlowLeave(t *testing.T) {
	store := newStallingRoomStore("remove")
	tracker := New(node, store, nil)
	ctx := context.Background()
	require.NoError(t, tracker.Join(ctx, "c1", common.RoomResources))

	left := make(chan error, 1)
	go func() { left <- tracker.Leave(ctx, "c1", common.RoomResources) }()
	require.Equal(t, "remove", <-store.started)

	joined := make(chan error, 1)
	go func() { joined <- tracker.Join(ctx, "c2", common.RoomResources) }()
	time.Sleep(50 * time.Millisecond)

	close(store.release)
	require.NoError(t, <-left)
	require.NoError(t, <-joined)
	assert.Equal(t, []string{"c2"}, tracker.Members(common.RoomResources))
	assert.True(t, store.has(common.RoomResources), "node missing from room store while it has members")
}

func TestStoreWrites_ConcurrentChurnEndsConsistent(t *testing.T) {
	store := newStallingRoomStore()
	tracker := New(node, store, nil)
	ctx := context.Background()
	rooms := []common.RoomName{"room-a", "room-b", "room-c"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := rooms[i%len(rooms)]
			connID := fmt.Sprintf("c%d", i)
			_ = tracker.Join(ctx, connID, room)
			if i%4 != 0 {
				_ = tracker.Leave(ctx, connID, room)
			}
		}(i)
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Equal(t, len(tracker.Members(room)) > 0, store.has(room), room)
	}
}
