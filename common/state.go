package common

// ConnectionState is the lifecycle of a client channel connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Outcome reports what happened to a notify or emit call. Notification paths never
// return errors to callers.
type Outcome int

const (
	Delivered Outcome = iota
	DroppedDisconnected
	DroppedUninitialized
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case DroppedDisconnected:
		return "dropped_disconnected"
	case DroppedUninitialized:
		return "dropped_uninitialized"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}
