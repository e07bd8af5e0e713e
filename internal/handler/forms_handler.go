package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"formedge/internal/store"
	apperrors "formedge/pkg/errors"
	"formedge/pkg/logger"
)

// DocumentFinder is the slice of the store proxy the handler needs.
type DocumentFinder interface {
	FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts store.FindOptions) (store.Document, error)
}

// FormsHandler serves form documents through the connection proxy.
type FormsHandler struct {
	store DocumentFinder
	log   *logger.Logger
}

// NewFormsHandler creates a new forms handler
func NewFormsHandler(finder DocumentFinder, log *logger.Logger) *FormsHandler {
	return &FormsHandler{store: finder, log: log}
}

// Get handles GET /api/forms/{formID}
func (h *FormsHandler) Get(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")
	if formID == "" {
		writeError(w, apperrors.NewValidationError("", "form id is required", nil), h.log)
		return
	}

	doc, err := h.store.FindOne(r.Context(), "forms", map[string]interface{}{"formId": formID}, store.FindOptions{})
	if err != nil {
		writeError(w, apperrors.NewInternalError("failed to load form", err), h.log)
		return
	}
	if doc == nil {
		writeError(w, apperrors.NewNotFoundError("form not found"), h.log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.log.WithError(err).Error("Failed to encode form response")
	}
}

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, appErr *apperrors.AppError, log *logger.Logger) {
	if appErr.StatusCode >= http.StatusInternalServerError {
		log.WithError(appErr).Error("Request failed")
	}

	response := &apperrors.ErrorResponse{}
	response.Error.Type = appErr.Type
	response.Error.Code = appErr.Code
	response.Error.Message = appErr.Message
	response.Error.Details = appErr.Details
	response.Error.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Error("Failed to encode error response")
	}
}
