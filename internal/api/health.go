package api

import (
	"net/http"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

type healthResponse struct {
	Status    string                           `json:"status"`
	Providers map[string]domain.ProviderHealth `json:"providers"`
	Breakers  map[string]string                `json:"circuit_breakers"`
}

// handleHealth probes every provider and reports degraded when any probe
// fails or any circuit is open. Probes are informational only; they never
// consume rate limit and never move a breaker.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := h.gateway.CheckProviders(r.Context())
	breakers := h.gateway.BreakerStates()

	status := "healthy"
	for _, p := range providers {
		if !p.Available {
			status = "degraded"
			break
		}
	}
	if status == "healthy" {
		for _, state := range breakers {
			if state != "closed" {
				status = "degraded"
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Providers: providers,
		Breakers:  breakers,
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
