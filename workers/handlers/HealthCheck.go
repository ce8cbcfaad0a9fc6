package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if a.Ping != nil {
		if err := a.Ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("Health check failed")
			responseError(w, "", "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
