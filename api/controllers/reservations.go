package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/api/responses"
	"github.com/angelmondragon/creditledger-backend/api/validators"
	"github.com/angelmondragon/creditledger-backend/internal/idempotency"
	"github.com/angelmondragon/creditledger-backend/internal/reservation"
	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
)

type createReservationRequest struct {
	UserID   uuid.UUID       `json:"user_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"required"`
	Metadata json.RawMessage `json:"metadata"`
}

type confirmReservationRequest struct {
	ActualAmount *decimal.Decimal `json:"actual_amount"`
}

// settlementArgs binds an idempotency fingerprint to the reservation being
// settled, not just the request body.
type settlementArgs struct {
	ReservationID uuid.UUID        `json:"reservation_id"`
	ActualAmount  *decimal.Decimal `json:"actual_amount,omitempty"`
}

// CreateReservation places a hold on a user's available balance.
func CreateReservation(svc reservation.Service, guard *idempotency.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reservation service unavailable"))
			return
		}

		var req createReservationRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := guard.Do(r.Context(), "reservation.create", r.Header.Get(idempotencyHeader), req, func(ctx context.Context) (any, error) {
			return svc.Reserve(ctx, reservation.ReserveInput{
				UserID:   req.UserID,
				Amount:   req.Amount,
				Metadata: req.Metadata,
			})
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteRaw(w, mutationStatus(outcome), outcome.Result)
	}
}

// ConfirmReservation settles a hold against its actual usage. The body is
// optional; omitting actual_amount charges the full held amount.
func ConfirmReservation(svc reservation.Service, guard *idempotency.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reservation service unavailable"))
			return
		}

		reservationID, err := pathUUID(r, "reservationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req confirmReservationRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		args := settlementArgs{ReservationID: reservationID, ActualAmount: req.ActualAmount}
		outcome, err := guard.Do(r.Context(), "reservation.confirm", r.Header.Get(idempotencyHeader), args, func(ctx context.Context) (any, error) {
			return svc.Confirm(ctx, reservationID, req.ActualAmount)
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteRaw(w, http.StatusOK, outcome.Result)
	}
}

// ReleaseReservation cancels a hold and returns the funds to the available
// balance. Releasing an already-settled reservation is a no-op.
func ReleaseReservation(svc reservation.Service, guard *idempotency.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reservation service unavailable"))
			return
		}

		reservationID, err := pathUUID(r, "reservationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		args := settlementArgs{ReservationID: reservationID}
		outcome, err := guard.Do(r.Context(), "reservation.release", r.Header.Get(idempotencyHeader), args, func(ctx context.Context) (any, error) {
			return svc.Release(ctx, reservationID)
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteRaw(w, http.StatusOK, outcome.Result)
	}
}
