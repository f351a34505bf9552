package models

import (
	"time"

	"trs/src/types"
)

type Event struct {
	ID       uint      `gorm:"primarykey" json:"id"`
	Title    string    `json:"title,omitempty"`
	Name     string    `json:"name,omitempty"`
	Location string    `json:"location,omitempty"`
	DateTime time.Time `json:"date_time,omitempty"`

	Sections []Section `gorm:"foreignKey:event_id" json:"sections,omitempty"`
	Pools    []Pool    `gorm:"foreignKey:event_id" json:"pools,omitempty"`

	types.Timestamps
}

// Section is a seated block of an event layout. Capacity equals the
// number of seat units created with the layout and never changes as a
// side effect of sales.
type Section struct {
	ID       uint   `gorm:"primarykey" json:"id"`
	EventID  uint   `gorm:"index:idx_sections_event_name,unique" json:"event_id,omitempty"`
	Name     string `gorm:"index:idx_sections_event_name,unique" json:"name,omitempty"`
	Rows     uint   `json:"rows,omitempty"`
	RowSeats uint   `json:"row_seats,omitempty"`
	Capacity uint   `json:"capacity,omitempty"`

	types.Timestamps
}

// Pool is a fungible general-admission block. Slots only grows through
// the explicit capacity operation in common.
type Pool struct {
	ID      uint   `gorm:"primarykey" json:"id"`
	EventID uint   `gorm:"index:idx_pools_event_name,unique" json:"event_id,omitempty"`
	Name    string `gorm:"index:idx_pools_event_name,unique" json:"name,omitempty"`
	Slots   uint   `json:"slots,omitempty"`

	types.Timestamps
}
