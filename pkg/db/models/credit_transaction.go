package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// CreditTransaction is an immutable, append-only balance-changing event.
// Amount is signed: purchases and refunds are positive, usage is negative,
// so that summing a user's transactions in creation order reproduces the
// available balance once all holds are settled.
type CreditTransaction struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID       uuid.UUID             `gorm:"column:user_id;type:uuid;not null;index"`
	Type         enums.TransactionType `gorm:"column:type;type:transaction_type_enum;not null"`
	Amount       decimal.Decimal       `gorm:"column:amount;type:numeric(20,4);not null"`
	BalanceAfter decimal.Decimal       `gorm:"column:balance_after;type:numeric(20,4);not null"`
	Description  string                `gorm:"column:description;not null"`
	Metadata     json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
}

// TableName keeps the historical table name.
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
