package models

import (
	"time"

	"trs/src/types"
)

// CapacityUnit is the smallest sellable thing: a concrete seat or one
// fungible pool slot. The string ID is built so that lexicographic order
// is the allocation order (pool slot numbers are zero padded).
//
// Invariants: state is exactly one of available|held|sold; held and sold
// rows always carry a holder; only held rows carry an expiry. Version
// increments on every accepted compare-and-swap, which makes a unit's
// history a strict monotonic sequence.
type CapacityUnit struct {
	ID            string          `gorm:"primarykey" json:"id"`
	EventID       uint            `gorm:"index:idx_units_event_section" json:"event_id,omitempty"`
	SectionID     string          `gorm:"index:idx_units_event_section" json:"section_id,omitempty"`
	Kind          types.UnitKind  `json:"kind,omitempty"`
	State         types.UnitState `gorm:"default:'available';index" json:"state,omitempty"`
	HolderID      *string         `gorm:"type:uuid" json:"holder_id,omitempty"`
	Version       uint            `json:"version,omitempty"`
	HoldExpiresAt *time.Time      `json:"hold_expires_at,omitempty"`

	types.Timestamps
}
