package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/idempotency"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/pagination"
)

const idempotencyHeader = "Idempotency-Key"

type addCreditsRequest struct {
	UserID      uuid.UUID       `json:"user_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Type        string          `json:"type" validate:"omitempty,oneof=purchase refund"`
	Description string          `json:"description" validate:"omitempty,max=500"`
	Metadata    json.RawMessage `json:"metadata"`
}

type deductCreditsRequest struct {
	UserID      uuid.UUID       `json:"user_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Description string          `json:"description" validate:"omitempty,max=500"`
	Metadata    json.RawMessage `json:"metadata"`
}

// AddCredits credits a user's account. Retries carrying the same
// Idempotency-Key replay the original transaction instead of crediting twice.
func AddCredits(svc ledger.Service, guard *idempotency.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		var req addCreditsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := guard.Do(r.Context(), "ledger.add", r.Header.Get(idempotencyHeader), req, func(ctx context.Context) (any, error) {
			return svc.Add(ctx, ledger.AddInput{
				UserID:      req.UserID,
				Amount:      req.Amount,
				Type:        enums.TransactionType(req.Type),
				Description: req.Description,
				Metadata:    req.Metadata,
			})
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteRaw(w, mutationStatus(outcome), outcome.Result)
	}
}

// DeductCredits debits a user's available balance.
func DeductCredits(svc ledger.Service, guard *idempotency.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		var req deductCreditsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := guard.Do(r.Context(), "ledger.deduct", r.Header.Get(idempotencyHeader), req, func(ctx context.Context) (any, error) {
			return svc.Deduct(ctx, ledger.DeductInput{
				UserID:      req.UserID,
				Amount:      req.Amount,
				Description: req.Description,
				Metadata:    req.Metadata,
			})
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteRaw(w, mutationStatus(outcome), outcome.Result)
	}
}

// GetBalance returns the committed available/reserved/total figures.
func GetBalance(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		userID, err := pathUUID(r, "userId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		balance, err := svc.GetBalance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}

// GetHistory lists a user's transactions, newest first.
func GetHistory(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		userID, err := pathUUID(r, "userId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.GetHistory(r.Context(), userID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+param)
	}
	return id, nil
}

func mutationStatus(outcome *idempotency.Outcome) int {
	if outcome.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
