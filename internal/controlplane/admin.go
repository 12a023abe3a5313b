package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/MeowExort/pw-hub-relics/internal/config"
	"github.com/MeowExort/pw-hub-relics/internal/observability"
	"github.com/MeowExort/pw-hub-relics/internal/pow"
)

// RegisterAdminHandlers mounts the operator endpoints on a mux that is only
// ever bound to the admin address, never the public one. The config dump is
// redacted; secrets stay out of the admin plane.
func RegisterAdminHandlers(mux *http.ServeMux, metrics *observability.Metrics, cfg *config.Config, challenges *pow.Store, logger *observability.Logger) {
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/config", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cfg.Redacted()); err != nil {
			logger.Warnw("config dump failed", "err", err)
		}
	}))
	mux.Handle("/statusz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pendingChallenges": challenges.Len(),
			"powDifficulty":     challenges.Difficulty(),
		})
	}))
}
