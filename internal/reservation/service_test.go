package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/audit"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	"github.com/angelmondragon/creditledger-backend/pkg/errors"
)

type testStack struct {
	conn         *gorm.DB
	reservations Service
	ledger       ledger.Service
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:reservation_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  available NUMERIC NOT NULL DEFAULT 0,
  reserved NUMERIC NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  type TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  balance_after NUMERIC NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  metadata TEXT,
  created_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS reservations (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'held',
  transaction_id TEXT,
  expires_at DATETIME NOT NULL,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  action TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  balance_before NUMERIC NOT NULL,
  balance_after NUMERIC NOT NULL,
  reserved_before NUMERIC NOT NULL,
  reserved_after NUMERIC NOT NULL,
  reservation_id TEXT,
  transaction_id TEXT,
  context TEXT,
  created_at DATETIME
);`,
	}
	for _, stmt := range statements {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create test schema: %v", err)
		}
	}
	return conn
}

func newTestStack(t *testing.T, limits config.LedgerConfig) *testStack {
	t.Helper()

	conn := newTestDB(t)
	client := db.NewWithConn(conn)
	ledgerRepo := ledger.NewRepository(conn)
	mutator := ledger.NewMutator(client, ledgerRepo, enums.LockingStrategyOptimistic, 3, time.Millisecond)
	auditor := audit.NewRecorder(audit.NewRepository(conn))

	ledgerSvc, err := ledger.NewService(mutator, ledgerRepo, auditor, limits)
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	reservationSvc, err := NewService(mutator, NewRepository(conn), ledgerRepo, auditor, limits)
	if err != nil {
		t.Fatalf("reservation service: %v", err)
	}
	return &testStack{conn: conn, reservations: reservationSvc, ledger: ledgerSvc}
}

func defaultLimits() config.LedgerConfig {
	return config.LedgerConfig{
		MinAmount:              decimal.RequireFromString("0.0001"),
		MaxAmount:              decimal.RequireFromString("10000"),
		MaxBalance:             decimal.RequireFromString("1000000"),
		MaxReservationsPerUser: 10,
		ReservationTTL:         10 * time.Minute,
		Locking:                "optimistic",
		MaxOperationRetries:    3,
		RetryBaseDelay:         time.Millisecond,
	}
}

func (s *testStack) seed(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	if _, err := s.ledger.Add(context.Background(), ledger.AddInput{
		UserID: userID,
		Amount: decimal.RequireFromString(amount),
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (s *testStack) balance(t *testing.T, userID uuid.UUID) (string, string) {
	t.Helper()
	b, err := s.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b.Available.String(), b.Reserved.String()
}

func TestService_ReserveMovesFunds(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("30")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if reservation.Status != enums.ReservationStatusHeld {
		t.Fatalf("expected held status, got %s", reservation.Status)
	}
	if reservation.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expected future expiry, got %s", reservation.ExpiresAt)
	}

	available, reserved := stack.balance(t, userID)
	if available != "70" || reserved != "30" {
		t.Fatalf("expected 70/30, got %s/%s", available, reserved)
	}
}

func TestService_ReserveInsufficientFunds(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "50")

	_, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("60")})
	if !errors.HasCode(err, errors.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	available, reserved := stack.balance(t, userID)
	if available != "50" || reserved != "0" {
		t.Fatalf("failed reserve must not move funds, got %s/%s", available, reserved)
	}
}

func TestService_ReserveHoldLimit(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxReservationsPerUser = 2
	stack := newTestStack(t, limits)
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	for i := 0; i < 2; i++ {
		if _, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("10")}); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	_, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("10")})
	if !errors.HasCode(err, errors.CodeStateConflict) {
		t.Fatalf("expected hold limit conflict, got %v", err)
	}
}

func TestService_ConfirmWithSmallerActual(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("30")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	actual := decimal.RequireFromString("25")
	result, err := stack.reservations.Confirm(ctx, reservation.ID, &actual)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if result.Reservation.Status != enums.ReservationStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", result.Reservation.Status)
	}
	if result.Transaction == nil || !result.Transaction.Amount.Equal(decimal.RequireFromString("-25")) {
		t.Fatalf("expected -25 usage transaction, got %+v", result.Transaction)
	}

	available, reserved := stack.balance(t, userID)
	if available != "75" || reserved != "0" {
		t.Fatalf("expected 75/0 after confirm, got %s/%s", available, reserved)
	}
}

func TestService_ConfirmDefaultsToHeldAmount(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("40")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	result, err := stack.reservations.Confirm(ctx, reservation.ID, nil)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if !result.Transaction.Amount.Equal(decimal.RequireFromString("-40")) {
		t.Fatalf("expected the full hold charged, got %s", result.Transaction.Amount)
	}

	available, reserved := stack.balance(t, userID)
	if available != "60" || reserved != "0" {
		t.Fatalf("expected 60/0, got %s/%s", available, reserved)
	}
}

func TestService_ConfirmOverrunCoversFromAvailable(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("30")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	actual := decimal.RequireFromString("45")
	result, err := stack.reservations.Confirm(ctx, reservation.ID, &actual)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if !result.Transaction.Amount.Equal(decimal.RequireFromString("-45")) {
		t.Fatalf("expected -45 usage transaction, got %s", result.Transaction.Amount)
	}

	available, reserved := stack.balance(t, userID)
	if available != "55" || reserved != "0" {
		t.Fatalf("expected 55/0, got %s/%s", available, reserved)
	}
}

func TestService_ConfirmOverrunBeyondAvailable(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "10")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("10")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	// The account holds nothing beyond the reservation; the overrun cannot
	// be covered but the confirmation still settles.
	actual := decimal.RequireFromString("15")
	result, err := stack.reservations.Confirm(ctx, reservation.ID, &actual)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if !result.Transaction.Amount.Equal(decimal.RequireFromString("-10")) {
		t.Fatalf("expected only the coverable charge, got %s", result.Transaction.Amount)
	}

	available, reserved := stack.balance(t, userID)
	if available != "0" || reserved != "0" {
		t.Fatalf("expected 0/0, got %s/%s", available, reserved)
	}
}

func TestService_ConfirmTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("20")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	first, err := stack.reservations.Confirm(ctx, reservation.ID, nil)
	if err != nil {
		t.Fatalf("first Confirm error: %v", err)
	}
	second, err := stack.reservations.Confirm(ctx, reservation.ID, nil)
	if err != nil {
		t.Fatalf("second Confirm error: %v", err)
	}
	if second.Transaction == nil || second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("repeat confirm must return the original transaction")
	}

	// Only one settlement moved money.
	available, reserved := stack.balance(t, userID)
	if available != "80" || reserved != "0" {
		t.Fatalf("expected 80/0, got %s/%s", available, reserved)
	}
}

func TestService_ReleaseReturnsFunds(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("30")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	released, err := stack.reservations.Release(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if released.Status != enums.ReservationStatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	available, reserved := stack.balance(t, userID)
	if available != "100" || reserved != "0" {
		t.Fatalf("expected 100/0 after round trip, got %s/%s", available, reserved)
	}

	// Releases never write transactions.
	var count int64
	if err := stack.conn.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, enums.TransactionTypeUsage).
		Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no usage transactions, got %d", count)
	}

	// Release after release stays a no-op.
	again, err := stack.reservations.Release(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("repeat Release error: %v", err)
	}
	if again.Status != enums.ReservationStatusReleased {
		t.Fatalf("expected released, got %s", again.Status)
	}
}

func TestService_ReleaseAfterConfirmIsNoOp(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("20")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if _, err := stack.reservations.Confirm(ctx, reservation.ID, nil); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}

	settled, err := stack.reservations.Release(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if settled.Status != enums.ReservationStatusConfirmed {
		t.Fatalf("release must not reverse a confirmation, got %s", settled.Status)
	}

	available, reserved := stack.balance(t, userID)
	if available != "80" || reserved != "0" {
		t.Fatalf("expected 80/0, got %s/%s", available, reserved)
	}
}

func TestService_NotFound(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()

	if _, err := stack.reservations.Confirm(ctx, uuid.New(), nil); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := stack.reservations.Release(ctx, uuid.New()); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_ConcurrentReserveSingleWinner(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	userID := uuid.New()
	stack.seed(t, userID, "100")

	// Two holds of 60 against 100: only one can win the funds check.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stack.reservations.Reserve(context.Background(), ReserveInput{
				UserID: userID,
				Amount: decimal.RequireFromString("60"),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.HasCode(err, errors.CodeInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one winner and one insufficient funds, got %d winners, %d rejected", succeeded, insufficient)
	}

	available, reserved := stack.balance(t, userID)
	if available != "40" || reserved != "60" {
		t.Fatalf("expected 40/60 after contention, got %s/%s", available, reserved)
	}
}

func TestService_ExpireReclaimsFunds(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, defaultLimits())
	ctx := context.Background()
	userID := uuid.New()
	stack.seed(t, userID, "100")

	reservation, err := stack.reservations.Reserve(ctx, ReserveInput{UserID: userID, Amount: decimal.RequireFromString("25")})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	// Force the hold past its TTL.
	if err := stack.conn.Model(&models.Reservation{}).
		Where("id = ?", reservation.ID).
		Update("expires_at", time.Now().Add(-time.Minute).UTC()).Error; err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	expired, err := stack.reservations.ListExpired(ctx, 10)
	if err != nil {
		t.Fatalf("ListExpired error: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != reservation.ID {
		t.Fatalf("expected the backdated hold, got %+v", expired)
	}

	if _, err := stack.reservations.Expire(ctx, reservation.ID); err != nil {
		t.Fatalf("Expire error: %v", err)
	}

	available, reserved := stack.balance(t, userID)
	if available != "100" || reserved != "0" {
		t.Fatalf("expected funds reclaimed, got %s/%s", available, reserved)
	}

	var entry models.AuditEntry
	if err := stack.conn.
		Where("reservation_id = ? AND action = ?", reservation.ID, enums.AuditActionExpire).
		First(&entry).Error; err != nil {
		t.Fatalf("expected an expire audit entry: %v", err)
	}
}
