package ledger

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

type fakeLedgerRepo struct {
	findFn          func(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	findForUpdateFn func(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	createAccountFn func(ctx context.Context, account *models.Account) error
	updateFn        func(ctx context.Context, account *models.Account) error
	updateVersionFn func(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error)
}

func (f *fakeLedgerRepo) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeLedgerRepo) FindAccountByUser(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	if f.findFn != nil {
		return f.findFn(ctx, userID)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLedgerRepo) FindAccountByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	if f.findForUpdateFn != nil {
		return f.findForUpdateFn(ctx, userID)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLedgerRepo) CreateAccount(ctx context.Context, account *models.Account) error {
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, account)
	}
	return nil
}

func (f *fakeLedgerRepo) UpdateAccountBalances(ctx context.Context, account *models.Account) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, account)
	}
	return nil
}

func (f *fakeLedgerRepo) UpdateAccountBalancesVersioned(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error) {
	if f.updateVersionFn != nil {
		return f.updateVersionFn(ctx, account, expectedVersion)
	}
	return true, nil
}

func (f *fakeLedgerRepo) CreateTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	return nil
}

func (f *fakeLedgerRepo) FindTransactionByID(ctx context.Context, id uuid.UUID) (*models.CreditTransaction, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLedgerRepo) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.CreditTransaction, error) {
	return nil, nil
}

func newTestClient(t *testing.T) *db.Client {
	t.Helper()
	return db.NewWithConn(newTestDB(t))
}

func TestMutator_OptimisticRetriesThenConflict(t *testing.T) {
	t.Parallel()

	repo := &fakeLedgerRepo{}
	attempts := 0
	repo.findFn = func(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
		return &models.Account{ID: uuid.New(), UserID: userID, Version: 3}, nil
	}
	repo.updateVersionFn = func(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error) {
		attempts++
		return false, nil
	}

	m := NewMutator(newTestClient(t), repo, enums.LockingStrategyOptimistic, 2, time.Millisecond)
	err := m.Mutate(context.Background(), uuid.New(), false, func(tx *gorm.DB, account *models.Account) error {
		return nil
	})
	if !errors.HasCode(err, errors.CodeConcurrency) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected initial try plus 2 retries, got %d attempts", attempts)
	}
}

func TestMutator_OptimisticRetriesThenWins(t *testing.T) {
	t.Parallel()

	repo := &fakeLedgerRepo{}
	attempts := 0
	repo.findFn = func(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
		return &models.Account{ID: uuid.New(), UserID: userID, Version: int64(attempts)}, nil
	}
	repo.updateVersionFn = func(ctx context.Context, account *models.Account, expectedVersion int64) (bool, error) {
		attempts++
		return attempts > 1, nil
	}

	m := NewMutator(newTestClient(t), repo, enums.LockingStrategyOptimistic, 3, time.Millisecond)
	err := m.Mutate(context.Background(), uuid.New(), false, func(tx *gorm.DB, account *models.Account) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestMutator_PessimisticCreatesMissingAccount(t *testing.T) {
	t.Parallel()

	repo := &fakeLedgerRepo{}
	var created *models.Account
	repo.createAccountFn = func(ctx context.Context, account *models.Account) error {
		account.ID = uuid.New()
		created = account
		return nil
	}
	var updated bool
	repo.updateFn = func(ctx context.Context, account *models.Account) error {
		updated = true
		return nil
	}

	userID := uuid.New()
	m := NewMutator(newTestClient(t), repo, enums.LockingStrategyPessimistic, 0, time.Millisecond)
	err := m.Mutate(context.Background(), userID, true, func(tx *gorm.DB, account *models.Account) error {
		if account.UserID != userID {
			t.Fatalf("unexpected account user: %s", account.UserID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if created == nil {
		t.Fatal("expected missing account to be created")
	}
	if !updated {
		t.Fatal("expected balances to be persisted")
	}
}

func TestMutator_PessimisticMissingAccount(t *testing.T) {
	t.Parallel()

	m := NewMutator(newTestClient(t), &fakeLedgerRepo{}, enums.LockingStrategyPessimistic, 0, time.Millisecond)
	err := m.Mutate(context.Background(), uuid.New(), false, func(tx *gorm.DB, account *models.Account) error {
		t.Fatal("fn must not run without an account")
		return nil
	})
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMutator_CreateRaceSurfacesConcurrency(t *testing.T) {
	t.Parallel()

	repo := &fakeLedgerRepo{}
	repo.createAccountFn = func(ctx context.Context, account *models.Account) error {
		return stdErrors.New(`ERROR: duplicate key value violates unique constraint "accounts_user_id_key"`)
	}

	m := NewMutator(newTestClient(t), repo, enums.LockingStrategyPessimistic, 0, time.Millisecond)
	err := m.Mutate(context.Background(), uuid.New(), true, func(tx *gorm.DB, account *models.Account) error {
		return nil
	})
	if !errors.HasCode(err, errors.CodeConcurrency) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}

func TestMutator_RequiresUser(t *testing.T) {
	t.Parallel()

	m := NewMutator(newTestClient(t), &fakeLedgerRepo{}, enums.LockingStrategyPessimistic, 0, time.Millisecond)
	err := m.Mutate(context.Background(), uuid.Nil, true, func(tx *gorm.DB, account *models.Account) error {
		return nil
	})
	if !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
