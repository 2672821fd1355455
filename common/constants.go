package common

import (
	"fmt"
	"strings"
)

type CachePrefix int

const (
	roomNodes CachePrefix = iota // 0
)

const cacheKeyFormat = "%d-%s"
const roomSubjFormat = "changecast.room.%s"
const eventNameFormat = "%s:%s"

// BroadcastSubj carries frames meant for every connected client on every node.
const BroadcastSubj = "changecast.broadcast"

func RoomNodesCacheKey(room RoomName) string {
	return fmt.Sprintf(cacheKeyFormat, roomNodes, room)
}

func RoomSubjFormat(room RoomName) string {
	return fmt.Sprintf(roomSubjFormat, room)
}

type (
	RoomName  string
	NodeID    string
	EventName string
	Action    string
)

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Room control prefixes sent upstream by clients.
const (
	joinPrefix  = "join"
	leavePrefix = "leave"
)

const (
	EntityResource = "resource"
	EntityNews     = "news"
	EntityProducer = "producer"
	EntityService  = "service"
)

var DefaultEntities = []string{EntityResource, EntityNews, EntityProducer, EntityService}

const RoomResources RoomName = "resources"

const (
	ResourceCreated EventName = "resource:created"
	ResourceUpdated EventName = "resource:updated"
	ResourceDeleted EventName = "resource:deleted"

	JoinResources  EventName = "join:resources"
	LeaveResources EventName = "leave:resources"
)

// Lifecycle signal names raised by a channel transport.
const (
	SignalConnect         = "connect"
	SignalDisconnect      = "disconnect"
	SignalConnectError    = "connect_error"
	SignalReconnect       = "reconnect"
	SignalReconnectFailed = "reconnect_failed"
)

// DisconnectReasonClient is reported when the local side closed the link on purpose.
const DisconnectReasonClient = "io client disconnect"

func IsAction(a Action) bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}

func EntityEvent(entity string, action Action) EventName {
	return EventName(fmt.Sprintf(eventNameFormat, entity, action))
}

func JoinEvent(room RoomName) EventName {
	return EventName(fmt.Sprintf(eventNameFormat, joinPrefix, room))
}

func LeaveEvent(room RoomName) EventName {
	return EventName(fmt.Sprintf(eventNameFormat, leavePrefix, room))
}

// SplitEventName splits "<prefix>:<suffix>". Both halves must be non-empty.
func SplitEventName(name EventName) (string, string, bool) {
	prefix, suffix, found := strings.Cut(string(name), ":")
	if !found || prefix == "" || suffix == "" || strings.Contains(suffix, ":") {
		return "", "", false
	}
	return prefix, suffix, true
}

// ParseRoomControl reports whether name is a join or leave request and for which room.
func ParseRoomControl(name EventName) (room RoomName, join bool, ok bool) {
	prefix, suffix, valid := SplitEventName(name)
	if !valid {
		return "", false, false
	}
	switch prefix {
	case joinPrefix:
		return RoomName(suffix), true, true
	case leavePrefix:
		return RoomName(suffix), false, true
	}
	return "", false, false
}

// EntityPayloadKey is the JSON key carrying the full entity for created/updated events.
func EntityPayloadKey(entity string) string {
	return entity
}

// EntityIDPayloadKey is the JSON key carrying the identifier for deleted events.
func EntityIDPayloadKey(entity string) string {
	return entity + "Id"
}
