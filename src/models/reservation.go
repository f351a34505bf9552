package models

import (
	"time"

	"trs/src/types"
)

// Reservation groups one or more capacity units for one customer. Status
// follows holding -> confirmed|cancelled|expired; confirmed may still be
// cancelled (refund). Terminal rows are never mutated again; every
// accepted transition bumps Version.
type Reservation struct {
	ID         string                  `gorm:"primarykey;type:uuid" json:"id"`
	CustomerID uint                    `json:"customer_id,omitempty"`
	EventID    uint                    `gorm:"index" json:"event_id,omitempty"`
	UnitIDs    types.JSONBArray        `gorm:"type:jsonb" json:"unit_ids,omitempty"`
	Status     types.ReservationStatus `gorm:"default:'holding';index" json:"status,omitempty"`
	ExpiresAt  *time.Time              `gorm:"index" json:"expires_at,omitempty"`
	Version    uint                    `json:"version,omitempty"`

	Customer *User  `gorm:"foreignKey:customer_id" json:"customer,omitempty"`
	Event    *Event `gorm:"foreignKey:event_id" json:"event,omitempty"`

	types.Timestamps
}

// Units returns the unit identifiers as strings in stored (ascending)
// order.
func (r *Reservation) Units() []string {
	out := make([]string, 0, len(r.UnitIDs))
	for _, v := range r.UnitIDs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
