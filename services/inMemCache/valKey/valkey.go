package valkey

import (
	"context"
	"fmt"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	"github.com/valkey-io/valkey-go"
)

// ValkeyRoomStore keeps, per room, the set of nodes holding members of that room.
type ValkeyRoomStore struct {
	client valkey.Client
}

// NewValkeyRoomStore returns a new instance.
func NewValkeyRoomStore(addr []string) (services.RoomStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  addr,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}
	return &ValkeyRoomStore{
		client: client,
	}, nil
}

// Close gracefully shuts down the Valkey client.
func (c *ValkeyRoomStore) Close() {
	if c.client == nil {
		return
	}
	c.client.Close()
}

func (c *ValkeyRoomStore) AddNodeToRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error {
	cmd := c.client.B().Sadd().Key(common.RoomNodesCacheKey(room)).Member(string(nodeID)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("sadd %s: %w", room, err)
	}
	return nil
}

func (c *ValkeyRoomStore) ListNodesInRoom(ctx context.Context, room common.RoomName) ([]common.NodeID, error) {
	cmd := c.client.B().Smembers().Key(common.RoomNodesCacheKey(room)).Build()
	result, err := c.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", room, err)
	}
	nodes := make([]common.NodeID, 0, len(result))
	for _, x := range result {
		nodes = append(nodes, common.NodeID(x))
	}
	return nodes, nil
}

func (c *ValkeyRoomStore) RemoveNodeFromRoom(ctx context.Context, room common.RoomName, nodeID common.NodeID) error {
	cmd := c.client.B().Srem().Key(common.RoomNodesCacheKey(room)).Member(string(nodeID)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("srem %s: %w", room, err)
	}
	return nil
}

func (c *ValkeyRoomStore) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}
