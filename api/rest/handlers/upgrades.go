package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"upgrade-orchestrator/api/rest/middleware"
	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/models"
	"upgrade-orchestrator/core/spec"
	"upgrade-orchestrator/core/upgrades"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// UpgradeHandler handles upgrade-related HTTP requests
type UpgradeHandler struct {
	svc    *upgrades.Service
	logger *slog.Logger
}

// NewUpgradeHandler creates a new upgrade handler
func NewUpgradeHandler(svc *upgrades.Service, logger *slog.Logger) *UpgradeHandler {
	return &UpgradeHandler{svc: svc, logger: logger}
}

// CreateUpgradeResponse represents the response after creating an upgrade
type CreateUpgradeResponse struct {
	ID      string               `json:"id"`
	Status  models.UpgradeStatus `json:"status"`
	Message string               `json:"message"`
}

// BatchEntryResult is the outcome of one manifest entry
type BatchEntryResult struct {
	Index   int                        `json:"index"`
	ID      string                     `json:"id,omitempty"`
	Status  models.UpgradeStatus       `json:"status,omitempty"`
	Error   string                     `json:"error,omitempty"`
	Errors  []apperrors.FieldViolation `json:"errors,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// BatchResponse summarises a manifest submission
type BatchResponse struct {
	Results []BatchEntryResult `json:"results"`
	Created int                `json:"created"`
	Failed  int                `json:"failed"`
}

func caller(r *http.Request) upgrades.Caller {
	return upgrades.Caller{
		Subject:   middleware.Subject(r.Context()),
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// CreateUpgrade handles POST /api/v1/upgrades
func (h *UpgradeHandler) CreateUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgrades.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, h.logger, apperrors.Validation([]apperrors.FieldViolation{
			{Field: "body", Message: "request body must be a JSON object"},
		}))
		return
	}

	res, err := h.svc.Create(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateUpgradeResponse{
		ID:      res.ID,
		Status:  res.Status,
		Message: "Upgrade request created",
	})
}

// CreateBatch handles POST /api/v1/upgrades/batch with a YAML manifest body.
// The manifest counts once against the caller's rate limit. Entries are
// submitted independently, so one bad entry does not block the others.
func (h *UpgradeHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, h.logger, apperrors.Validation([]apperrors.FieldViolation{
			{Field: "body", Message: "request body is too large or unreadable"},
		}))
		return
	}

	manifest, err := spec.ParseManifest(body)
	if err != nil {
		writeError(w, r, h.logger, apperrors.Validation([]apperrors.FieldViolation{
			{Field: "manifest", Message: err.Error()},
		}))
		return
	}

	items, err := h.svc.CreateBatch(r.Context(), caller(r), manifest.Requests())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := BatchResponse{Results: make([]BatchEntryResult, 0, len(items))}
	for i, item := range items {
		entry := BatchEntryResult{Index: i}
		if item.Err != nil {
			var appErr *apperrors.Error
			if !errors.As(item.Err, &appErr) {
				appErr = apperrors.Internal("unexpected error", item.Err)
			}
			entry.Error = string(appErr.Kind)
			entry.Errors = appErr.Fields
			if appErr.Kind == apperrors.KindInternal {
				entry.Message = "Internal server error"
			} else {
				entry.Message = appErr.Message
			}
			resp.Failed++
		} else {
			entry.ID = item.Result.ID
			entry.Status = item.Result.Status
			resp.Created++
		}
		resp.Results = append(resp.Results, entry)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetUpgrade handles GET /api/v1/upgrades/{id}
func (h *UpgradeHandler) GetUpgrade(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListUpgrades handles GET /api/v1/upgrades
func (h *UpgradeHandler) ListUpgrades(w http.ResponseWriter, r *http.Request) {
	q, err := upgrades.ParseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetUpgradeEvents handles GET /api/v1/upgrades/{id}/events
func (h *UpgradeHandler) GetUpgradeEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"id":       event.ID,
			"at":       event.At,
			"toStatus": event.ToStatus,
			"reason":   event.Reason,
		}
		if event.FromStatus != nil {
			item["fromStatus"] = *event.FromStatus
		}
		if len(event.Meta) > 0 {
			item["meta"] = event.Meta
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}
