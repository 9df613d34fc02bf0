package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/creditledger-backend/api/controllers"
	"github.com/angelmondragon/creditledger-backend/api/middleware"
	"github.com/angelmondragon/creditledger-backend/internal/audit"
	"github.com/angelmondragon/creditledger-backend/internal/idempotency"
	"github.com/angelmondragon/creditledger-backend/internal/ledger"
	"github.com/angelmondragon/creditledger-backend/internal/reservation"
	"github.com/angelmondragon/creditledger-backend/pkg/config"
	"github.com/angelmondragon/creditledger-backend/pkg/db"
	"github.com/angelmondragon/creditledger-backend/pkg/logger"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	guard *idempotency.Guard,
	ledgerService ledger.Service,
	reservationService reservation.Service,
	auditor audit.Recorder,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins...),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{userId}", func(r chi.Router) {
			r.Get("/balance", controllers.GetBalance(ledgerService, logg))
			r.Get("/transactions", controllers.GetHistory(ledgerService, logg))
			r.Get("/audit", controllers.GetAuditHistory(auditor, logg))
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/add", controllers.AddCredits(ledgerService, guard, logg))
			r.Post("/deduct", controllers.DeductCredits(ledgerService, guard, logg))
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", controllers.CreateReservation(reservationService, guard, logg))
			r.Post("/{reservationId}/confirm", controllers.ConfirmReservation(reservationService, guard, logg))
			r.Post("/{reservationId}/release", controllers.ReleaseReservation(reservationService, guard, logg))
		})
	})

	return r
}
