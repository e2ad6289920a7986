// ABOUTME: Health endpoint handler, first in the ingress chain
// ABOUTME: Unauthenticated liveness probe on /healthz and /health

package ingress

import (
	"net/http"

	"github.com/2389/perch-gateway/internal/httperr"
)

// ServiceName appears in health responses and startup banners.
const ServiceName = "perch-gateway"

type healthPayload struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler answers liveness probes. It runs before auth so
// orchestrators can probe without credentials.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/healthz" && r.URL.Path != "/health" {
		return false
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httperr.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return true
	}
	httperr.WriteJSON(w, http.StatusOK, healthPayload{OK: true, Status: "ok", Service: ServiceName})
	return true
}
