package ledger

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/audit"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/money"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

// Service defines the balance-changing operations of the ledger core.
type Service interface {
	Add(ctx context.Context, input AddInput) (*models.CreditTransaction, error)
	Deduct(ctx context.Context, input DeductInput) (*models.CreditTransaction, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	GetHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) (*HistoryPage, error)
}

// AddInput captures a credit (purchase or refund).
type AddInput struct {
	UserID      uuid.UUID             `json:"user_id"`
	Amount      decimal.Decimal       `json:"amount"`
	Type        enums.TransactionType `json:"type"`
	Description string                `json:"description"`
	Metadata    json.RawMessage       `json:"metadata"`
}

// DeductInput captures a usage debit.
type DeductInput struct {
	UserID      uuid.UUID       `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

// Balance is the committed state of an account.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
}

// HistoryPage is one page of a user's transactions, newest first.
type HistoryPage struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	NextCursor   string                     `json:"next_cursor,omitempty"`
}

type service struct {
	mutator *Mutator
	repo    Repository
	auditor audit.Recorder
	limits  config.LedgerConfig
}

// NewService wires a ledger service with its mutation primitives.
func NewService(mutator *Mutator, repo Repository, auditor audit.Recorder, limits config.LedgerConfig) (Service, error) {
	if mutator == nil {
		return nil, fmt.Errorf("ledger mutator required")
	}
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	return &service{mutator: mutator, repo: repo, auditor: auditor, limits: limits}, nil
}

func (s *service) Add(ctx context.Context, input AddInput) (*models.CreditTransaction, error) {
	amount, err := s.checkAmount(input.Amount)
	if err != nil {
		return nil, err
	}
	txnType := input.Type
	if txnType == "" {
		txnType = enums.TransactionTypePurchase
	}
	if !txnType.IsValid() || !txnType.IsCredit() {
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("invalid credit type %q", txnType))
	}

	var created *models.CreditTransaction
	err = s.mutator.Mutate(ctx, input.UserID, true, func(tx *gorm.DB, account *models.Account) error {
		newAvailable := money.Round(account.Available.Add(amount))
		if newAvailable.GreaterThan(s.limits.MaxBalance) {
			return errors.New(errors.CodeMaxBalance, "credit would exceed the maximum balance").
				WithDetails(map[string]string{
					"available":   account.Available.String(),
					"amount":      amount.String(),
					"max_balance": s.limits.MaxBalance.String(),
				})
		}

		before := *account
		account.Available = newAvailable

		txn := &models.CreditTransaction{
			UserID:       input.UserID,
			Type:         txnType,
			Amount:       amount,
			BalanceAfter: account.Available,
			Description:  input.Description,
			Metadata:     input.Metadata,
		}
		if err := s.repo.WithTx(tx).CreateTransaction(ctx, txn); err != nil {
			return errors.Wrap(errors.CodeDependency, err, "persist credit transaction")
		}

		if err := s.auditor.Record(ctx, tx, audit.Entry{
			UserID:         input.UserID,
			Action:         enums.AuditActionAdd,
			Amount:         amount,
			BalanceBefore:  before.Available,
			BalanceAfter:   account.Available,
			ReservedBefore: before.Reserved,
			ReservedAfter:  account.Reserved,
			TransactionID:  &txn.ID,
			Context:        map[string]any{"type": string(txnType)},
		}); err != nil {
			return err
		}

		created = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *service) Deduct(ctx context.Context, input DeductInput) (*models.CreditTransaction, error) {
	amount, err := s.checkAmount(input.Amount)
	if err != nil {
		return nil, err
	}

	var created *models.CreditTransaction
	err = s.mutator.Mutate(ctx, input.UserID, false, func(tx *gorm.DB, account *models.Account) error {
		if account.Available.LessThan(amount) {
			return errors.New(errors.CodeInsufficientFunds, "available balance cannot cover the deduction").
				WithDetails(map[string]string{
					"available": account.Available.String(),
					"requested": amount.String(),
				})
		}

		before := *account
		account.Available = money.Round(account.Available.Sub(amount))

		txn := &models.CreditTransaction{
			UserID:       input.UserID,
			Type:         enums.TransactionTypeUsage,
			Amount:       amount.Neg(),
			BalanceAfter: account.Available,
			Description:  input.Description,
			Metadata:     input.Metadata,
		}
		if err := s.repo.WithTx(tx).CreateTransaction(ctx, txn); err != nil {
			return errors.Wrap(errors.CodeDependency, err, "persist usage transaction")
		}

		if err := s.auditor.Record(ctx, tx, audit.Entry{
			UserID:         input.UserID,
			Action:         enums.AuditActionDeduct,
			Amount:         amount,
			BalanceBefore:  before.Available,
			BalanceAfter:   account.Available,
			ReservedBefore: before.Reserved,
			ReservedAfter:  account.Reserved,
			TransactionID:  &txn.ID,
		}); err != nil {
			return err
		}

		created = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	if userID == uuid.Nil {
		return nil, errors.New(errors.CodeValidation, "user id is required")
	}

	account, err := s.repo.FindAccountByUser(ctx, userID)
	if err != nil {
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.CodeNotFound, "account not found")
		}
		return nil, errors.Wrap(errors.CodeDependency, err, "load account")
	}
	return &Balance{
		Available: account.Available,
		Reserved:  account.Reserved,
		Total:     money.Round(account.Available.Add(account.Reserved)),
	}, nil
}

func (s *service) GetHistory(ctx context.Context, userID uuid.UUID, params pagination.Params) (*HistoryPage, error) {
	if userID == uuid.Nil {
		return nil, errors.New(errors.CodeValidation, "user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(params.Limit)
	txns, err := s.repo.ListTransactionsByUser(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDependency, err, "list transactions")
	}

	page := &HistoryPage{Transactions: txns}
	if len(txns) > limit {
		page.Transactions = txns[:limit]
		last := page.Transactions[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// checkAmount normalizes the amount to the stored scale and enforces the
// configured bounds.
func (s *service) checkAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := money.Round(amount)
	if !money.IsPositive(rounded) {
		return decimal.Zero, errors.New(errors.CodeValidation, "amount must be positive")
	}
	if rounded.LessThan(s.limits.MinAmount) || rounded.GreaterThan(s.limits.MaxAmount) {
		return decimal.Zero, errors.New(errors.CodeValidation, "amount outside the allowed range").
			WithDetails(map[string]string{
				"amount": rounded.String(),
				"min":    s.limits.MinAmount.String(),
				"max":    s.limits.MaxAmount.String(),
			})
	}
	return rounded, nil
}
