package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/creditledger-backend/internal/reservation"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/metrics"
)

const (
	defaultBatchSize      = 50
	defaultBatchDelay     = 100 * time.Millisecond
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 250 * time.Millisecond
)

// ReservationExpiryJobParams configure the expired-hold reclamation job.
type ReservationExpiryJobParams struct {
	Logger         *logger.Logger
	Reservations   reservation.Service
	Metrics        *metrics.SweeperMetrics
	BatchSize      int
	BatchDelay     time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type reservationExpiryJob struct {
	logg           *logger.Logger
	reservations   reservation.Service
	metrics        *metrics.SweeperMetrics
	batchSize      int
	batchDelay     time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewReservationExpiryJob builds the job that releases expired holds in
// batches, returning their funds to the owning accounts.
func NewReservationExpiryJob(params ReservationExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchDelay := params.BatchDelay
	if batchDelay <= 0 {
		batchDelay = defaultBatchDelay
	}
	maxRetries := params.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	retryBaseDelay := params.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}
	return &reservationExpiryJob{
		logg:           params.Logger,
		reservations:   params.Reservations,
		metrics:        params.Metrics,
		batchSize:      batchSize,
		batchDelay:     batchDelay,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}, nil
}

func (j *reservationExpiryJob) Name() string { return "reservation-expiry" }

func (j *reservationExpiryJob) Run(ctx context.Context) error {
	total := 0
	// Holds that exhausted their retries this tick. ListExpired always
	// returns the oldest holds first, so the fetch over-reads past them to
	// keep the sweep moving.
	abandoned := map[uuid.UUID]bool{}
	for {
		fetch := j.batchSize + len(abandoned)
		rows, err := j.reservations.ListExpired(ctx, fetch)
		if err != nil {
			return fmt.Errorf("list expired reservations: %w", err)
		}
		lastPage := len(rows) < fetch

		batch := make([]models.Reservation, 0, j.batchSize)
		for _, hold := range rows {
			if abandoned[hold.ID] {
				continue
			}
			batch = append(batch, hold)
			if len(batch) == j.batchSize {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		released, failed, batchErr := j.releaseBatch(ctx, batch)
		total += released
		j.metrics.AddReleased(j.Name(), released)
		if batchErr != nil {
			if ctx.Err() != nil {
				j.logFinish(ctx, total)
				return fmt.Errorf("release batch: %w", batchErr)
			}
			// Out of retries for these holds; they stay in the table and
			// the next tick tries again. Keep sweeping the rest.
			for _, hold := range failed {
				abandoned[hold.ID] = true
			}
			failCtx := j.logg.WithFields(ctx, map[string]any{"failed": len(failed)})
			j.logg.Error(failCtx, "abandoning failed releases until next sweep", batchErr)
		}

		if lastPage && len(batch) < j.batchSize {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.batchDelay):
		}
	}
	j.logFinish(ctx, total)
	return nil
}

// releaseBatch releases every hold in the batch, retrying the failed
// subset with exponential backoff until maxRetries is exhausted. Holds
// still failing at that point are returned to the caller.
func (j *reservationExpiryJob) releaseBatch(ctx context.Context, batch []models.Reservation) (int, []models.Reservation, error) {
	released := 0
	pending := batch
	for attempt := 0; ; attempt++ {
		var failed []models.Reservation
		var errs []error
		for _, hold := range pending {
			if _, err := j.reservations.Expire(ctx, hold.ID); err != nil {
				errs = append(errs, fmt.Errorf("reservation %s: %w", hold.ID, err))
				failed = append(failed, hold)
				continue
			}
			released++
		}
		if len(failed) == 0 {
			return released, nil, nil
		}
		if attempt >= j.maxRetries {
			return released, failed, multierr.Combine(errs...)
		}

		retryCtx := j.logg.WithFields(ctx, map[string]any{
			"failed":  len(failed),
			"attempt": attempt + 1,
		})
		j.logg.Warn(retryCtx, "retrying failed releases")

		delay := j.retryBaseDelay * (1 << attempt)
		select {
		case <-ctx.Done():
			return released, failed, ctx.Err()
		case <-time.After(delay):
		}
		pending = failed
	}
}

func (j *reservationExpiryJob) logFinish(ctx context.Context, total int) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"reservations_released": total,
		"batch_size":            j.batchSize,
	})
	j.logg.Info(logCtx, "expired reservation sweep complete")
}
