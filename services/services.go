package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
)

// Broadcaster is the server-side channel instance the emitter forwards notifications to.
type Broadcaster interface {
	Broadcast(ctx context.Context, event common.EventName, data any) error
}

// RoomBroadcaster can additionally scope a broadcast to one room.
type RoomBroadcaster interface {
	Broadcaster
	BroadcastToRoom(ctx context.Context, room common.RoomName, event common.EventName, data any) error
}

// LocalDeliverer writes an already built frame to the connections held by this node.
// The frame is only valid for the duration of the call.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, frame *ds.Frame) error
}

// Notifier is what mutation handlers call after a successful write.
type Notifier interface {
	NotifyCreated(ctx context.Context, entity any) common.Outcome
	NotifyUpdated(ctx context.Context, entity any) common.Outcome
	NotifyDeleted(ctx context.Context, entityID any) common.Outcome
	Notify(ctx context.Context, event common.EventName, data any) common.Outcome
}

// TransportHandler receives the signals of one client transport instance.
type TransportHandler interface {
	OnConnect()
	OnDisconnect(reason string)
	OnConnectError(err error)
	OnReconnectAttempt(attempt int)
	OnReconnect(attempt int)
	OnReconnectFailed()
	OnEvent(event common.EventName, data json.RawMessage)
}

// Transport is a managed client connection: it dials, reconnects with backoff and
// frames named events. Open must not block on the network.
type Transport interface {
	Open(ctx context.Context, handler TransportHandler) error
	Close() error
	Connected() bool
	ID() string
	Send(event common.EventName, data any) error
}

type PubSubProvider interface {
	Publish(ctx context.Context, subjectName string, data []byte) error
	Subscribe(subjectName string, callBack func(msg []byte)) error
	UnSubscribe(subjectName string) error
	Connected() bool
	Close() error
}

// RoomStore records which nodes hold members of a room.
type RoomStore interface {
	AddNodeToRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error
	RemoveNodeFromRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error
	ListNodesInRoom(ctx context.Context, room common.RoomName) ([]common.NodeID, error)
	Ping(ctx context.Context) error
	Close()
}

// RoomSyncer keeps per-room upstream subscriptions equal to the populated local rooms.
type RoomSyncer interface {
	SyncRooms(ctx context.Context, rooms []common.RoomName) error
}

type RoomTracker interface {
	Join(ctx context.Context, connID string, room common.RoomName) error
	Leave(ctx context.Context, connID string, room common.RoomName) error
	LeaveAll(ctx context.Context, connID string) error
	Members(room common.RoomName) []string
	Rooms() []common.RoomName
	// SyncLoop hands the set of locally populated rooms to syncer whenever it changes,
	// until ctx is done.
	SyncLoop(ctx context.Context, syncer RoomSyncer)
}

type WebSocketBridge interface {
	ProcessMessagesFromClient(ctx context.Context)
}

type WsWriteChanManager interface {
	SetConnectionForClientID(clientID string, conn *websocket.Conn)
	// ClaimClientID registers conn under clientID unless the id is already held.
	ClaimClientID(clientID string, conn *websocket.Conn) bool
	GetConnectionForClientID(clientID string) (*websocket.Conn, bool)
	DeleteClientID(clientID string)
	WritePreparedMessage(clientID string, pm *websocket.PreparedMessage) error
	ForEachClientID(fn func(clientID string) bool)
	Len() int
}

// ResourceStore persists the records of one entity kind.
type ResourceStore interface {
	List(ctx context.Context) ([]ds.Record, error)
	Get(ctx context.Context, id uint64) (ds.Record, error)
	Create(ctx context.Context, rec *ds.Record) error
	Update(ctx context.Context, rec *ds.Record) error
	Delete(ctx context.Context, id uint64) error
}

type MetricsRegistry interface {
	GetHandler() http.Handler
	IncNotification(event common.EventName, outcome common.Outcome)
	IncClientEmit(outcome common.Outcome)
	IncInboundClientEvent(kind string)
	IncReconnect(signal string)
	IncWsConnectionCount()
	DecWsConnectionCount()
	SetRoomMembers(room common.RoomName, n int)
	ObserveRelayLatency(publishedTime time.Time)
}
