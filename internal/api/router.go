package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zex-protocol/zexporta/internal/config"
	"github.com/zex-protocol/zexporta/internal/db"
	"github.com/zex-protocol/zexporta/internal/healthcheck"
	"github.com/zex-protocol/zexporta/internal/models"
)

// NewRouter builds the deposit API surface: the health endpoint plus
// the deposit inspection listing.
func NewRouter(cfg *config.Config, database *db.DB, health *healthcheck.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/_health", healthHandler(health))
	r.Get("/v1/deposits/finalized/{chain}", finalizedDepositsHandler(cfg, database))

	return r
}

func healthHandler(health *healthcheck.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := health.Healthy(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if len(failures) > 0 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"status":   "unhealthy",
				"failures": failures,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func finalizedDepositsHandler(cfg *config.Config, database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainSymbol := chi.URLParam(r, "chain")
		if _, err := cfg.Chain(chainSymbol); err != nil {
			httpError(w, http.StatusNotFound, "unknown chain")
			return
		}

		status := models.DepositFinalized
		if s := r.URL.Query().Get("status"); s != "" {
			status = models.DepositStatus(s)
		}

		var fromBlock *models.BlockNumber
		if s := r.URL.Query().Get("from_block"); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid from_block")
				return
			}
			block := models.BlockNumber(n)
			fromBlock = &block
		}

		deposits, err := database.FindDepositsByStatus(chainSymbol, status, fromBlock, nil, 0)
		if err != nil {
			slog.Error("deposit listing failed",
				"chain", chainSymbol,
				"error", err,
			)
			httpError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if deposits == nil {
			deposits = []models.Deposit{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deposits)
	}
}

func httpError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
