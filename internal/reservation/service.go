package reservation

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/audit"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/money"
)

// errAlreadySettled aborts a settlement transaction when another caller
// flipped the reservation first; the caller reloads and returns the winner.
var errAlreadySettled = stdErrors.New("reservation already settled")

// Service manages the reservation lifecycle: funds move available ->
// reserved on Reserve and settle back on Confirm, Release, or expiry.
type Service interface {
	Reserve(ctx context.Context, input ReserveInput) (*models.Reservation, error)
	Confirm(ctx context.Context, reservationID uuid.UUID, actualAmount *decimal.Decimal) (*ConfirmResult, error)
	Release(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	// Expire releases an expired hold on behalf of the sweeper; same money
	// movement as Release with an expire audit trail.
	Expire(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	ListExpired(ctx context.Context, limit int) ([]models.Reservation, error)
}

// ReserveInput captures a new hold request.
type ReserveInput struct {
	UserID   uuid.UUID       `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Metadata json.RawMessage `json:"metadata"`
}

// ConfirmResult pairs the settled reservation with the usage transaction a
// confirmation writes. Transaction is nil when the reservation had already
// been released.
type ConfirmResult struct {
	Reservation *models.Reservation       `json:"reservation"`
	Transaction *models.CreditTransaction `json:"transaction,omitempty"`
}

type service struct {
	mutator    *ledger.Mutator
	repo       Repository
	ledgerRepo ledger.Repository
	auditor    audit.Recorder
	limits     config.LedgerConfig
	now        func() time.Time
}

// NewService wires a reservation service over the ledger's mutation primitives.
func NewService(mutator *ledger.Mutator, repo Repository, ledgerRepo ledger.Repository, auditor audit.Recorder, limits config.LedgerConfig) (Service, error) {
	if mutator == nil {
		return nil, fmt.Errorf("ledger mutator required")
	}
	if repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if ledgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	return &service{
		mutator:    mutator,
		repo:       repo,
		ledgerRepo: ledgerRepo,
		auditor:    auditor,
		limits:     limits,
		now:        time.Now,
	}, nil
}

func (s *service) Reserve(ctx context.Context, input ReserveInput) (*models.Reservation, error) {
	amount := money.Round(input.Amount)
	if !money.IsPositive(amount) {
		return nil, errors.New(errors.CodeValidation, "amount must be positive")
	}
	if amount.LessThan(s.limits.MinAmount) || amount.GreaterThan(s.limits.MaxAmount) {
		return nil, errors.New(errors.CodeValidation, "amount outside the allowed range").
			WithDetails(map[string]string{
				"amount": amount.String(),
				"min":    s.limits.MinAmount.String(),
				"max":    s.limits.MaxAmount.String(),
			})
	}

	var created *models.Reservation
	err := s.mutator.Mutate(ctx, input.UserID, false, func(tx *gorm.DB, account *models.Account) error {
		repo := s.repo.WithTx(tx)

		active, err := repo.CountActiveByUser(ctx, input.UserID)
		if err != nil {
			return errors.Wrap(errors.CodeDependency, err, "count active reservations")
		}
		if active >= int64(s.limits.MaxReservationsPerUser) {
			return errors.New(errors.CodeStateConflict, "too many active reservations").
				WithDetails(map[string]any{
					"active": active,
					"max":    s.limits.MaxReservationsPerUser,
				})
		}

		if account.Available.LessThan(amount) {
			return errors.New(errors.CodeInsufficientFunds, "available balance cannot cover the hold").
				WithDetails(map[string]string{
					"available": account.Available.String(),
					"requested": amount.String(),
				})
		}

		before := *account
		account.Available = money.Round(account.Available.Sub(amount))
		account.Reserved = money.Round(account.Reserved.Add(amount))

		reservation := &models.Reservation{
			UserID:    input.UserID,
			Amount:    amount,
			Status:    enums.ReservationStatusHeld,
			ExpiresAt: s.now().Add(s.limits.ReservationTTL).UTC(),
			Metadata:  input.Metadata,
		}
		if err := repo.Create(ctx, reservation); err != nil {
			return errors.Wrap(errors.CodeDependency, err, "persist reservation")
		}

		if err := s.auditor.Record(ctx, tx, audit.Entry{
			UserID:         input.UserID,
			Action:         enums.AuditActionReserve,
			Amount:         amount,
			BalanceBefore:  before.Available,
			BalanceAfter:   account.Available,
			ReservedBefore: before.Reserved,
			ReservedAfter:  account.Reserved,
			ReservationID:  &reservation.ID,
			Context:        map[string]any{"expires_at": reservation.ExpiresAt.Format(time.RFC3339)},
		}); err != nil {
			return err
		}

		created = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *service) Confirm(ctx context.Context, reservationID uuid.UUID, actualAmount *decimal.Decimal) (*ConfirmResult, error) {
	reservation, err := s.load(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation.Status.IsTerminal() {
		return s.priorResult(ctx, reservation)
	}

	actual := reservation.Amount
	if actualAmount != nil {
		actual = money.Round(*actualAmount)
		if actual.IsNegative() {
			return nil, errors.New(errors.CodeValidation, "actual amount cannot be negative")
		}
	}

	var settledTxn *models.CreditTransaction
	err = s.mutator.Mutate(ctx, reservation.UserID, false, func(tx *gorm.DB, account *models.Account) error {
		held := reservation.Amount

		// Settlement: the full hold returns from reserved; the account
		// keeps change when actual < held and covers what it can of any
		// overrun. An uncovered overrun still settles since the resource
		// was already consumed.
		charged := actual
		uncovered := decimal.Zero
		if actual.GreaterThan(held) {
			overrun := actual.Sub(held)
			coverable := money.Min(overrun, account.Available)
			charged = money.Round(held.Add(coverable))
			uncovered = money.Round(overrun.Sub(coverable))
		}

		before := *account
		account.Reserved = money.Round(account.Reserved.Sub(held))
		account.Available = money.Round(account.Available.Add(held).Sub(charged))

		txn := &models.CreditTransaction{
			ID:           uuid.New(),
			UserID:       reservation.UserID,
			Type:         enums.TransactionTypeUsage,
			Amount:       charged.Neg(),
			BalanceAfter: account.Available,
			Description:  fmt.Sprintf("confirm reservation %s", reservation.ID),
			Metadata:     reservation.Metadata,
		}

		ok, err := s.repo.WithTx(tx).UpdateStatusIfHeld(ctx, reservation.ID, enums.ReservationStatusConfirmed, &txn.ID)
		if err != nil {
			return errors.Wrap(errors.CodeDependency, err, "confirm reservation")
		}
		if !ok {
			return errAlreadySettled
		}

		if err := s.ledgerRepo.WithTx(tx).CreateTransaction(ctx, txn); err != nil {
			return errors.Wrap(errors.CodeDependency, err, "persist usage transaction")
		}

		auditCtx := map[string]any{
			"held":   held.String(),
			"actual": actual.String(),
		}
		if !uncovered.IsZero() {
			auditCtx["uncovered_shortfall"] = uncovered.String()
		}
		if err := s.auditor.Record(ctx, tx, audit.Entry{
			UserID:         reservation.UserID,
			Action:         enums.AuditActionConfirm,
			Amount:         charged,
			BalanceBefore:  before.Available,
			BalanceAfter:   account.Available,
			ReservedBefore: before.Reserved,
			ReservedAfter:  account.Reserved,
			ReservationID:  &reservation.ID,
			TransactionID:  &txn.ID,
			Context:        auditCtx,
		}); err != nil {
			return err
		}

		settledTxn = txn
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, errAlreadySettled) {
			reloaded, loadErr := s.load(ctx, reservationID)
			if loadErr != nil {
				return nil, loadErr
			}
			return s.priorResult(ctx, reloaded)
		}
		return nil, err
	}

	reservation.Status = enums.ReservationStatusConfirmed
	reservation.TransactionID = &settledTxn.ID
	return &ConfirmResult{Reservation: reservation, Transaction: settledTxn}, nil
}

func (s *service) Release(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	return s.release(ctx, reservationID, enums.AuditActionRelease)
}

func (s *service) Expire(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	return s.release(ctx, reservationID, enums.AuditActionExpire)
}

func (s *service) ListExpired(ctx context.Context, limit int) ([]models.Reservation, error) {
	reservations, err := s.repo.FindExpired(ctx, s.now().UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDependency, err, "list expired reservations")
	}
	return reservations, nil
}

func (s *service) release(ctx context.Context, reservationID uuid.UUID, action enums.AuditAction) (*models.Reservation, error) {
	reservation, err := s.load(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation.Status.IsTerminal() {
		return reservation, nil
	}

	err = s.mutator.Mutate(ctx, reservation.UserID, false, func(tx *gorm.DB, account *models.Account) error {
		ok, err := s.repo.WithTx(tx).UpdateStatusIfHeld(ctx, reservation.ID, enums.ReservationStatusReleased, nil)
		if err != nil {
			return errors.Wrap(errors.CodeDependency, err, "release reservation")
		}
		if !ok {
			return errAlreadySettled
		}

		before := *account
		account.Available = money.Round(account.Available.Add(reservation.Amount))
		account.Reserved = money.Round(account.Reserved.Sub(reservation.Amount))

		return s.auditor.Record(ctx, tx, audit.Entry{
			UserID:         reservation.UserID,
			Action:         action,
			Amount:         reservation.Amount,
			BalanceBefore:  before.Available,
			BalanceAfter:   account.Available,
			ReservedBefore: before.Reserved,
			ReservedAfter:  account.Reserved,
			ReservationID:  &reservation.ID,
		})
	})
	if err != nil {
		if stdErrors.Is(err, errAlreadySettled) {
			return s.load(ctx, reservationID)
		}
		return nil, err
	}

	reservation.Status = enums.ReservationStatusReleased
	return reservation, nil
}

func (s *service) load(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	if reservationID == uuid.Nil {
		return nil, errors.New(errors.CodeValidation, "reservation id is required")
	}
	reservation, err := s.repo.FindByID(ctx, reservationID)
	if err != nil {
		if stdErrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.CodeNotFound, "reservation not found")
		}
		return nil, errors.Wrap(errors.CodeDependency, err, "load reservation")
	}
	return reservation, nil
}

// priorResult reconstructs the response of the settlement that already
// happened: the linked usage transaction for confirmed holds, none for
// released ones.
func (s *service) priorResult(ctx context.Context, reservation *models.Reservation) (*ConfirmResult, error) {
	result := &ConfirmResult{Reservation: reservation}
	if reservation.Status == enums.ReservationStatusConfirmed && reservation.TransactionID != nil {
		txn, err := s.ledgerRepo.FindTransactionByID(ctx, *reservation.TransactionID)
		if err != nil {
			return nil, errors.Wrap(errors.CodeDependency, err, "load settlement transaction")
		}
		result.Transaction = txn
	}
	return result, nil
}
