package http

import (
	"net/http"

	"cardsync/internal/auth"
	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/config"
	"cardsync/internal/http/handler"
	mw "cardsync/internal/http/middleware"
	"cardsync/internal/jobs"
	"cardsync/internal/ledger"
	"cardsync/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

func NewRouter(cfg config.Config, db *gorm.DB, jwtSvc *auth.JWT, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{DB: db, JWT: jwtSvc}
	r.Post("/auth/login", ah.Login)

	sh := &handler.SyncHandler{
		Queue:    &jobs.QueueRepo{DB: db, MaxRetries: cfg.MaxRetries},
		Runs:     &jobs.RunRepo{DB: db},
		Catalog:  &catalog.Repo{DB: db},
		Ledger:   &ledger.Repo{DB: db, MaxRetries: cfg.MaxRetries},
		Breakers: &breaker.DBStore{DB: db},
		Limiter:  limiter,
		StuckMax: cfg.StuckJobMax,
	}

	r.Route("/sync", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Post("/{game}", sh.Trigger)
		r.Post("/runs/{id}/cancel", sh.CancelRun)
		r.Post("/reap", sh.Reap)

		r.Get("/runs", sh.ListRuns)
		r.Get("/runs/{id}", sh.GetRun)
		r.Get("/queue", sh.ListQueue)
		r.Get("/retries", sh.ListRetries)
		r.Get("/breakers", sh.ListBreakers)
	})

	return r
}
