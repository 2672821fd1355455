package ds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kychandar/changecast/common"
)

// Frame is the unit exchanged on the channel in both directions. Room and Origin are
// only set on frames relayed between nodes.
type Frame struct {
	Event         common.EventName `json:"event"`
	Data          json.RawMessage  `json:"data,omitempty"`
	ID            string           `json:"id,omitempty"`
	Room          common.RoomName  `json:"room,omitempty"`
	Origin        common.NodeID    `json:"origin,omitempty"`
	PublishedTime int64            `json:"published_time,omitempty"` // unix nanos
}

func (f *Frame) DeserializeFrom(b []byte) error {
	return json.Unmarshal(b, f)
}

func (f *Frame) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

// AppendSerialized appends the encoded frame to dst, growing it only when its capacity
// is short. The result matches Serialize.
func (f *Frame) AppendSerialized(dst []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := json.NewEncoder(buf).Encode(f); err != nil {
		return dst, err
	}
	b := buf.Bytes()
	return b[:len(b)-1], nil // Encode ends with a newline
}

func (f *Frame) GetEventName() common.EventName {
	return f.Event
}

func (f *Frame) GetPublishedTime() time.Time {
	if f.PublishedTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, f.PublishedTime)
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %q has no data", f.Event)
	}
	return json.Unmarshal(f.Data, v)
}

// Reset clears the frame for reuse from a pool.
func (f *Frame) Reset() {
	f.Event = ""
	f.Data = nil
	f.ID = ""
	f.Room = ""
	f.Origin = ""
	f.PublishedTime = 0
}

// ClientFrame builds the frame a client sees: event name and payload only.
func ClientFrame(event common.EventName, data any) (*Frame, error) {
	if len(event) < 1 {
		return nil, fmt.Errorf("invalid event name")
	}
	f := &Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	return json.Marshal(data)
}

func NewEmpty() *Frame {
	return &Frame{}
}
