package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Timestamps struct {
	CreatedAt time.Time      `gorm:"autoCreateTime:nano" json:"created_at,omitempty"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:nano" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty,omitnil"`
}

type JSONB map[string]any
type JSONBArray []any

func (a JSONB) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONB) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

func (a JSONBArray) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONBArray) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

type UnitKind string

const (
	UNIT_SEAT      UnitKind = "seat"
	UNIT_POOL_SLOT UnitKind = "pool_slot"
)

type UnitState string

const (
	UNIT_AVAILABLE UnitState = "available"
	UNIT_HELD      UnitState = "held"
	UNIT_SOLD      UnitState = "sold"
)

type ReservationStatus string

const (
	RESERVATION_HOLDING   ReservationStatus = "holding"
	RESERVATION_CONFIRMED ReservationStatus = "confirmed"
	RESERVATION_CANCELLED ReservationStatus = "cancelled"
	RESERVATION_EXPIRED   ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ReservationStatus) Terminal() bool {
	return s == RESERVATION_CONFIRMED || s == RESERVATION_CANCELLED || s == RESERVATION_EXPIRED
}

type AuditEventType string

const (
	AUDIT_RESERVATION_HELD      AuditEventType = "RESERVATION_HELD"
	AUDIT_RESERVATION_CONFIRMED AuditEventType = "RESERVATION_CONFIRMED"
	AUDIT_RESERVATION_CANCELLED AuditEventType = "RESERVATION_CANCELLED"
	AUDIT_RESERVATION_REFUNDED  AuditEventType = "RESERVATION_REFUNDED"
	AUDIT_RESERVATION_EXPIRED   AuditEventType = "RESERVATION_EXPIRED"
	AUDIT_CAPACITY_CHANGED      AuditEventType = "CAPACITY_CHANGED"
	AUDIT_ROLE_CHANGED          AuditEventType = "ROLE_CHANGED"
)

// AuditRecord is the immutable fact handed to the audit pipeline. The UID
// is assigned when the record is created, never at publish time, so a
// retried publish cannot mint a second identity for the same fact.
type AuditRecord struct {
	UID           string         `json:"uid"`
	Type          AuditEventType `json:"type"`
	EventID       uint           `json:"event_id,omitempty"`
	ReservationID string         `json:"reservation_id,omitempty"`
	ActorID       uint           `json:"actor_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Payload       JSONB          `json:"payload,omitempty"`
}

type SimpleRequestParams struct {
	ID uint `uri:"id" binding:"required"`
}

type ReservationRequestParams struct {
	ID string `uri:"id" binding:"required,uuid"`
}

type CreateHoldRequestBody struct {
	EventID     uint     `json:"event" binding:"required"`
	CustomerID  uint     `json:"customer" binding:"required"`
	Units       []string `json:"units,omitempty" binding:"unitsxorcount"`
	PoolID      string   `json:"pool,omitempty"`
	Count       uint8    `json:"count,omitempty"`
	HoldMinutes uint     `json:"hold_minutes,omitempty" binding:"omitempty,max=60"`
}

type CancelReservationRequestBody struct {
	ActorID uint `json:"actor" binding:"required"`
}

type SectionSpec struct {
	Name  string `json:"name" binding:"required"`
	Rows  uint   `json:"rows" binding:"required"`
	Seats uint   `json:"seats" binding:"required"`
}

type PoolSpec struct {
	Name  string `json:"name" binding:"required"`
	Slots uint   `json:"slots" binding:"required"`
}

type CreateEventRequestBody struct {
	Title    string        `json:"title" binding:"required"`
	Name     string        `json:"name" binding:"required"`
	Location string        `json:"location,omitempty"`
	DateTime string        `json:"date_time" binding:"required"`
	Sections []SectionSpec `json:"sections,omitempty"`
	Pools    []PoolSpec    `json:"pools,omitempty"`
}

type AddCapacityRequestBody struct {
	PoolID  string `json:"pool" binding:"required"`
	Slots   uint   `json:"slots" binding:"required,max=10000"`
	ActorID uint   `json:"actor" binding:"required"`
}

type AssignRoleRequestBody struct {
	Role    string `json:"role" binding:"required"`
	ActorID uint   `json:"actor" binding:"required"`
}
