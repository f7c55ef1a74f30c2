package recon

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gstforge/gstforge/internal/platform/httpx"
)

// Handler wires the reconciliation HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers reconciliation routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.triggerRun)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/runs/{id}/summary", h.getSummary)
	r.Get("/runs/{id}/matches", h.listMatches)
}

type triggerRunRequest struct {
	// Period is the return period being reconciled, e.g. "2024-01".
	Period string `json:"period" validate:"required,len=7"`
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be in YYYY-MM form")
		return
	}

	run, err := h.service.TriggerRun(r.Context(), req.Period)
	if err != nil {
		h.logger.Error("trigger reconciliation run", slog.String("period", req.Period), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.service.ListMatchRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, matches)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrRunInProgress):
		httpx.Problem(w, http.StatusConflict, "Run In Progress", err.Error())
	case errors.Is(err, ErrDuplicateRun):
		httpx.Problem(w, http.StatusConflict, "Duplicate Run", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
