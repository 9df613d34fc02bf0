package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

// Repository manages persistence for accounts and credit transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindAccountByUser(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	// FindAccountByUserForUpdate takes a row lock; callers must be inside a transaction.
	FindAccountByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccountBalances(ctx context.Context, account *models.Account) error
	// UpdateAccountBalancesVersioned writes balances only when the stored
	// version still matches expectedVersion, bumping it on success.
	UpdateAccountBalancesVersioned(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error)
	CreateTransaction(ctx context.Context, txn *models.CreditTransaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*models.CreditTransaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.CreditTransaction, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{base: r.base.Rebind(tx)}
}

func (r *repository) FindAccountByUser(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.base.DB(ctx).
		Where("user_id = ?", userID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccountByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.base.DB(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("user_id = ?", userID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) CreateAccount(ctx context.Context, account *models.Account) error {
	return r.base.DB(ctx).Create(account).Error
}

func (r *repository) UpdateAccountBalances(ctx context.Context, account *models.Account) error {
	return r.base.DB(ctx).
		Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"available": account.Available,
			"reserved":  account.Reserved,
			"version":   gorm.Expr("version + 1"),
		}).Error
}

func (r *repository) UpdateAccountBalancesVersioned(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error) {
	result := r.base.DB(ctx).
		Model(&models.Account{}).
		Where("id = ? AND version = ?", account.ID, expectedVersion).
		Updates(map[string]any{
			"available": account.Available,
			"reserved":  account.Reserved,
			"version":   expectedVersion + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	return r.base.DB(ctx).Create(txn).Error
}

func (r *repository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*models.CreditTransaction, error) {
	var txn models.CreditTransaction
	if err := r.base.DB(ctx).
		Where("id = ?", id).
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.CreditTransaction, error) {
	query := r.base.DB(ctx).
		Where("user_id = ?", userID)
	if cursor != nil {
		query = query.Where(
			"created_at < ? OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var txns []models.CreditTransaction
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
