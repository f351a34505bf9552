package models

import (
	"time"

	"trs/src/types"
)

// AuditLog is the durable audit row. UID carries the record identity
// assigned at creation; the unique index is what makes the worker's
// insert idempotent under at-least-once delivery.
type AuditLog struct {
	ID            uint                 `gorm:"primarykey" json:"id"`
	UID           string               `gorm:"type:uuid;uniqueIndex" json:"uid"`
	Type          types.AuditEventType `gorm:"index" json:"type"`
	EventID       uint                 `gorm:"index" json:"event_id,omitempty"`
	ReservationID string               `json:"reservation_id,omitempty"`
	ActorID       uint                 `json:"actor_id,omitempty"`
	Payload       types.JSONB          `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt     time.Time            `gorm:"autoCreateTime:nano" json:"created_at"`
}
