package ds

import (
	"time"

	"github.com/kychandar/changecast/common"
)

// ResourcePayload is sent with resource:created and resource:updated.
type ResourcePayload struct {
	Resource any `json:"resource"`
}

// ResourceDeletedPayload is sent with resource:deleted.
type ResourceDeletedPayload struct {
	ResourceID any `json:"resourceId"`
}

// EntityPayload builds the payload for a generic <entity>:<action> event. Deletes carry
// only the identifier under "<entity>Id".
func EntityPayload(entity string, action common.Action, value any) map[string]any {
	if action == common.ActionDeleted {
		return map[string]any{common.EntityIDPayloadKey(entity): value}
	}
	return map[string]any{common.EntityPayloadKey(entity): value}
}

// Record is the persisted shape of every entity kind served by the mutation API.
type Record struct {
	ID          uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind        string    `json:"-" gorm:"size:64;index;not null"`
	Title       string    `json:"title" gorm:"size:255;not null"`
	Description string    `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Record) TableName() string {
	return "records"
}

// RecordInput is the accepted request body for create and update.
type RecordInput struct {
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description"`
}
