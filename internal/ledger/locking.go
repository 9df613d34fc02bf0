package ledger

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
)

// errVersionConflict aborts an optimistic transaction so the attempt loop can retry.
var errVersionConflict = stdErrors.New("account version conflict")

// Mutator serializes balance mutations on a single user's account. All
// writes that touch available/reserved go through Mutate so the account
// row, the transaction rows, and the audit rows commit atomically.
type Mutator struct {
	client     *db.Client
	repo       Repository
	strategy   enums.LockingStrategy
	maxRetries int
	baseDelay  time.Duration
}

// NewMutator wires a Mutator for the configured locking strategy.
func NewMutator(client *db.Client, repo Repository, strategy enums.LockingStrategy, maxRetries int, baseDelay time.Duration) *Mutator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Mutator{
		client:     client,
		repo:       repo,
		strategy:   strategy,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// MutateFn runs inside the serialized transaction. It may adjust the
// account's Available/Reserved fields and persist related rows via tx;
// the mutator writes the adjusted balances after fn returns.
type MutateFn func(tx *gorm.DB, account *models.Account) error

// Mutate loads the user's account under the configured strategy, runs fn,
// and persists the resulting balances. With createIfMissing the account is
// created with zero balances when no row exists yet.
func (m *Mutator) Mutate(ctx context.Context, userID uuid.UUID, createIfMissing bool, fn MutateFn) error {
	if userID == uuid.Nil {
		return errors.New(errors.CodeValidation, "user id is required")
	}

	if m.strategy == enums.LockingStrategyOptimistic {
		return m.mutateOptimistic(ctx, userID, createIfMissing, fn)
	}
	return m.mutatePessimistic(ctx, userID, createIfMissing, fn)
}

func (m *Mutator) mutatePessimistic(ctx context.Context, userID uuid.UUID, createIfMissing bool, fn MutateFn) error {
	return m.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)

		account, err := repo.FindAccountByUserForUpdate(ctx, userID)
		if err != nil {
			if !stdErrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrap(errors.CodeDependency, err, "lock account")
			}
			if !createIfMissing {
				return errors.New(errors.CodeNotFound, "account not found")
			}
			account, err = m.createAccount(ctx, repo, userID)
			if err != nil {
				return err
			}
		}

		if err := fn(tx, account); err != nil {
			return err
		}
		if err := repo.UpdateAccountBalances(ctx, account); err != nil {
			return errors.Wrap(errors.CodeDependency, err, "update account balances")
		}
		return nil
	})
}

func (m *Mutator) mutateOptimistic(ctx context.Context, userID uuid.UUID, createIfMissing bool, fn MutateFn) error {
	for attempt := 0; ; attempt++ {
		err := m.client.WithTx(ctx, func(tx *gorm.DB) error {
			repo := m.repo.WithTx(tx)

			account, err := repo.FindAccountByUser(ctx, userID)
			if err != nil {
				if !stdErrors.Is(err, gorm.ErrRecordNotFound) {
					return errors.Wrap(errors.CodeDependency, err, "load account")
				}
				if !createIfMissing {
					return errors.New(errors.CodeNotFound, "account not found")
				}
				account, err = m.createAccount(ctx, repo, userID)
				if err != nil {
					return err
				}
			}
			version := account.Version

			if err := fn(tx, account); err != nil {
				return err
			}

			ok, err := repo.UpdateAccountBalancesVersioned(ctx, account, version)
			if err != nil {
				return errors.Wrap(errors.CodeDependency, err, "update account balances")
			}
			if !ok {
				return errVersionConflict
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if !stdErrors.Is(err, errVersionConflict) {
			return err
		}
		if attempt >= m.maxRetries {
			return errors.New(errors.CodeConcurrency, "account update lost a concurrent race; retry")
		}

		delay := m.baseDelay * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Mutator) createAccount(ctx context.Context, repo Repository, userID uuid.UUID) (*models.Account, error) {
	account := &models.Account{UserID: userID}
	if err := repo.CreateAccount(ctx, account); err != nil {
		// Lost an account-creation race; surface as retryable so the
		// caller re-runs and loads the winner's row.
		if db.IsUniqueViolation(err, "") {
			return nil, errors.New(errors.CodeConcurrency, "account created concurrently; retry")
		}
		return nil, errors.Wrap(errors.CodeDependency, err, "create account")
	}
	return account, nil
}
