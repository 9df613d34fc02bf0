package audit

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditledger-backend/internal/repo"
	"github.com/angelmondragon/creditledger-backend/pkg/db/models"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

// Repository manages persistence for audit entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.AuditEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditEntry, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.Rebind(tx)}
}

func (r *repository) Create(ctx context.Context, entry *models.AuditEntry) error {
	return r.base.DB(ctx).Create(entry).Error
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := r.base.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(pagination.NormalizeLimit(limit)).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
