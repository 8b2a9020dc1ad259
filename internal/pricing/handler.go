package pricing

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler exposes the delivery lookup API the storefront's checkout page
// uses to populate the county and area selectors.
type Handler struct {
	delivery *DeliveryRepository
	logger   *slog.Logger
}

func NewHandler(delivery *DeliveryRepository, logger *slog.Logger) *Handler {
	return &Handler{
		delivery: delivery,
		logger:   logger,
	}
}

func (h *Handler) HandleListCounties(w http.ResponseWriter, r *http.Request) {
	counties, err := h.delivery.ListCounties(r.Context())
	if err != nil {
		h.logger.Error("failed to list counties", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, counties)
}

func (h *Handler) HandleListAreas(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing county code")
		return
	}

	areas, err := h.delivery.ListAreas(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to list delivery areas", "error", err, "county", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, areas)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
