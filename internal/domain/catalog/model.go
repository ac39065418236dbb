package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is a billable clinical service: a lab test, imaging study or
// procedure.
type Service struct {
	ID        uuid.UUID       `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	GroupID   *uuid.UUID      `json:"group_id,omitempty"`
	TypeID    *uuid.UUID      `json:"type_id,omitempty"`
	RoomID    *uuid.UUID      `json:"room_id,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Group struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Type struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Room struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"code"`
	Name string    `json:"name"`
}

type ServiceFilter struct {
	GroupID *uuid.UUID
	TypeID  *uuid.UUID
	RoomID  *uuid.UUID
	Query   string
}
