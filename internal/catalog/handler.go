package catalog

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler exposes the variant read API the storefront needs: current price
// and stock per SKU. Reservation moves are internal to the checkout flow
// and not reachable over HTTP.
type Handler struct {
	repo   *VariantRepository
	cache  *VariantCache
	logger *slog.Logger
}

func NewHandler(repo *VariantRepository, cache *VariantCache, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

func (h *Handler) HandleListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.repo.ListVariants(r.Context())
	if err != nil {
		h.logger.Error("failed to list variants", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, variants)
}

func (h *Handler) HandleGetVariant(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	if sku == "" {
		h.writeError(w, http.StatusBadRequest, "missing sku")
		return
	}

	if h.cache != nil {
		if v, err := h.cache.Get(r.Context(), sku); err != nil {
			h.logger.Warn("variant cache read failed", "error", err, "sku", sku)
		} else if v != nil {
			h.writeJSON(w, http.StatusOK, v)
			return
		}
	}

	variant, err := h.repo.GetVariant(r.Context(), sku)
	if err != nil {
		h.logger.Error("failed to get variant", "error", err, "sku", sku)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if variant == nil {
		h.writeError(w, http.StatusNotFound, "variant not found")
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), variant); err != nil {
			h.logger.Warn("variant cache write failed", "error", err, "sku", sku)
		}
	}

	h.writeJSON(w, http.StatusOK, variant)
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
