package models

import "trs/src/types"

type User struct {
	ID    uint   `gorm:"primarykey" json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `gorm:"default:'customer'" json:"role,omitempty"`

	Reservations []Reservation `gorm:"foreignKey:customer_id" json:"reservations,omitempty"`

	types.Timestamps
}
