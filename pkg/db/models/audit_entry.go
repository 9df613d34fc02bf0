package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// AuditEntry records an immutable before/after snapshot of an account
// mutation. Entries are written in the same database transaction as the
// mutation they document and are never updated or deleted by the service.
type AuditEntry struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID         `gorm:"column:user_id;type:uuid;not null;index"`
	Action         enums.AuditAction `gorm:"column:action;type:audit_action_enum;not null"`
	Amount         decimal.Decimal   `gorm:"column:amount;type:numeric(20,4);not null"`
	BalanceBefore  decimal.Decimal   `gorm:"column:balance_before;type:numeric(20,4);not null"`
	BalanceAfter   decimal.Decimal   `gorm:"column:balance_after;type:numeric(20,4);not null"`
	ReservedBefore decimal.Decimal   `gorm:"column:reserved_before;type:numeric(20,4);not null"`
	ReservedAfter  decimal.Decimal   `gorm:"column:reserved_after;type:numeric(20,4);not null"`
	ReservationID  *uuid.UUID        `gorm:"column:reservation_id;type:uuid"`
	TransactionID  *uuid.UUID        `gorm:"column:transaction_id;type:uuid"`
	Context        json.RawMessage   `gorm:"column:context;type:jsonb"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
}

// TableName keeps the audit table name explicit.
func (AuditEntry) TableName() string {
	return "audit_entries"
}

func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
