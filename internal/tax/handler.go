package tax

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/platform/httpx"
)

// Handler exposes invoice tax computation over HTTP.
type Handler struct {
	logger *slog.Logger
	calc   *Calculator
	gstin  *gstin.Validator
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, calc *Calculator, v *gstin.Validator) *Handler {
	return &Handler{logger: logger, calc: calc, gstin: v}
}

// MountRoutes registers tax routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices/compute", h.computeInvoice)
	r.Post("/gstin/validate", h.validateGSTIN)
}

type validateGSTINRequest struct {
	GSTIN string `json:"gstin"`
}

type validateGSTINResponse struct {
	GSTIN     string `json:"gstin"`
	Valid     bool   `json:"valid"`
	StateCode string `json:"state_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// validateGSTIN checks one GSTIN and reports the failure reason instead
// of a bare boolean, so callers can surface actionable errors.
func (h *Handler) validateGSTIN(w http.ResponseWriter, r *http.Request) {
	var req validateGSTINRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}

	normalized := gstin.Normalize(req.GSTIN)
	resp := validateGSTINResponse{GSTIN: normalized}
	if err := h.gstin.Validate(req.GSTIN); err != nil {
		var vErr *gstin.ValidationError
		if errors.As(err, &vErr) {
			resp.Reason = string(vErr.Reason)
		} else {
			resp.Reason = err.Error()
		}
		httpx.JSON(w, http.StatusOK, resp)
		return
	}
	resp.Valid = true
	resp.StateCode = gstin.StateCode(normalized)
	httpx.JSON(w, http.StatusOK, resp)
}

// computeInvoice derives per-line and invoice-level tax amounts for the
// submitted invoice and returns the computed invoice.
func (h *Handler) computeInvoice(w http.ResponseWriter, r *http.Request) {
	var inv Invoice
	if err := httpx.DecodeJSON(r, &inv); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}

	computed, err := h.calc.Compute(inv)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, computed)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var invErr *ValidationError
	var gstinErr *gstin.ValidationError
	switch {
	case errors.As(err, &invErr):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, ErrMixedSupplyType) {
			status = http.StatusBadRequest
		}
		httpx.Problem(w, status, "Invalid Invoice", invErr.Error())
	case errors.As(err, &gstinErr):
		httpx.Problem(w, http.StatusBadRequest, "Invalid GSTIN", gstinErr.Error())
	default:
		h.logger.Error("compute invoice tax", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
