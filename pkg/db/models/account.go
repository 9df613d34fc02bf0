package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account tracks a user's prepaid credit balance, split between spendable
// funds and the sum of active reservation holds.
type Account struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID       `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Available decimal.Decimal `gorm:"column:available;type:numeric(20,4);not null"`
	Reserved  decimal.Decimal `gorm:"column:reserved;type:numeric(20,4);not null"`
	// Version backs the optimistic locking strategy; bumped on every mutation.
	Version   int64     `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
