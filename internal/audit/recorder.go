package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
)

// Entry captures everything a mutation must report before and after it runs.
type Entry struct {
	UserID         uuid.UUID
	Action         enums.AuditAction
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	ReservedBefore decimal.Decimal
	ReservedAfter  decimal.Decimal
	ReservationID  *uuid.UUID
	TransactionID  *uuid.UUID
	Context        map[string]any
}

// Recorder writes audit entries inside the caller's transaction so the entry
// commits or rolls back together with the mutation it documents.
type Recorder interface {
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	History(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditEntry, error)
}

type recorder struct {
	repo Repository
}

// NewRecorder constructs a Recorder over the given repository.
func NewRecorder(repo Repository) Recorder {
	return &recorder{repo: repo}
}

func (r *recorder) Record(ctx context.Context, tx *gorm.DB, entry Entry) error {
	if entry.UserID == uuid.Nil {
		return errors.New(errors.CodeValidation, "audit entry requires a user id")
	}
	if !entry.Action.IsValid() {
		return errors.New(errors.CodeValidation, "invalid audit action")
	}

	var raw json.RawMessage
	if len(entry.Context) > 0 {
		encoded, err := json.Marshal(entry.Context)
		if err != nil {
			return errors.Wrap(errors.CodeInternal, err, "encode audit context")
		}
		raw = encoded
	}

	row := &models.AuditEntry{
		UserID:         entry.UserID,
		Action:         entry.Action,
		Amount:         entry.Amount,
		BalanceBefore:  entry.BalanceBefore,
		BalanceAfter:   entry.BalanceAfter,
		ReservedBefore: entry.ReservedBefore,
		ReservedAfter:  entry.ReservedAfter,
		ReservationID:  entry.ReservationID,
		TransactionID:  entry.TransactionID,
		Context:        raw,
	}
	if err := r.repo.WithTx(tx).Create(ctx, row); err != nil {
		return errors.Wrap(errors.CodeDependency, err, "persist audit entry")
	}
	return nil
}

func (r *recorder) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	if userID == uuid.Nil {
		return nil, errors.New(errors.CodeValidation, "user id is required")
	}
	entries, err := r.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDependency, err, "list audit entries")
	}
	return entries, nil
}
