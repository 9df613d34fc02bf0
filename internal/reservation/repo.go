package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// Repository manages persistence for reservations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, reservation *models.Reservation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	// UpdateStatusIfHeld transitions held -> status in a single conditional
	// update; false means the reservation was already settled.
	UpdateStatusIfHeld(ctx context.Context, id uuid.UUID, status enums.ReservationStatus, transactionID *uuid.UUID) (bool, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a reservation repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{base: r.base.Rebind(tx)}
}

func (r *repository) Create(ctx context.Context, reservation *models.Reservation) error {
	return r.base.DB(ctx).Create(reservation).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	if err := r.base.DB(ctx).
		Where("id = ?", id).
		First(&reservation).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (r *repository) UpdateStatusIfHeld(ctx context.Context, id uuid.UUID, status enums.ReservationStatus, transactionID *uuid.UUID) (bool, error) {
	updates := map[string]any{"status": status}
	if transactionID != nil {
		updates["transaction_id"] = *transactionID
	}
	result := r.base.DB(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ?", id, enums.ReservationStatusHeld).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	if err := r.base.DB(ctx).
		Model(&models.Reservation{}).
		Where("user_id = ? AND status = ?", userID, enums.ReservationStatusHeld).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	query := r.base.DB(ctx).
		Where("status = ? AND expires_at < ?", enums.ReservationStatusHeld, cutoff).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&reservations).Error; err != nil {
		return nil, err
	}
	return reservations, nil
}
