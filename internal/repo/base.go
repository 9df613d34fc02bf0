package repo

import (
	"context"

	"gorm.io/gorm"
)

// Base carries the GORM handle shared by the domain repositories. Repositories
// embed it so transaction rebinding and context propagation work the same way
// across the ledger, reservation, and audit stores.
type Base struct {
	db *gorm.DB
}

// NewBase wraps a GORM connection.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Rebind returns a Base backed by tx, or the receiver unchanged when tx is
// nil. WithTx implementations use it so reads and writes inside a mutation
// share the mutation's transaction.
func (b Base) Rebind(tx *gorm.DB) Base {
	if tx == nil {
		return b
	}
	return Base{db: tx}
}
