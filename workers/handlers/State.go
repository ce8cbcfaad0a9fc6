package handlers

import (
	"net/http"
)

// State is kept for clients of the previous bridge API.
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, &APIStateResponse{
		Status:   "ok",
		Networks: a.Networks,
	}, http.StatusOK)
}
