package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// Reservation is a temporary earmark of funds pending confirmation of the
// actual cost. Status only moves held -> confirmed or held -> released.
type Reservation struct {
	ID     uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID uuid.UUID               `gorm:"column:user_id;type:uuid;not null;index"`
	Amount decimal.Decimal         `gorm:"column:amount;type:numeric(20,4);not null"`
	Status enums.ReservationStatus `gorm:"column:status;type:reservation_status_enum;not null;default:'held'"`
	// TransactionID links the usage transaction written when the hold is confirmed.
	TransactionID *uuid.UUID      `gorm:"column:transaction_id;type:uuid"`
	ExpiresAt     time.Time       `gorm:"column:expires_at;not null;index"`
	Metadata      json.RawMessage `gorm:"column:metadata;type:jsonb"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *Reservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
