package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"MailTrace/internal/csvparser"
	"MailTrace/internal/db"
	"MailTrace/internal/dispatch"
	"MailTrace/internal/models"
	"MailTrace/internal/render"
	"MailTrace/internal/stats"
	"MailTrace/internal/tracking"
)

// trackingPixel is a fixed 1x1 transparent PNG. The open endpoint serves it
// unconditionally; a broken pixel would be visible inside the email client.
var trackingPixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/wcAAgAB/1h1ZAAAAABJRU5ErkJggg==")

// RecordStore is the read/template side of the record store the HTTP layer
// touches directly.
type RecordStore interface {
	GetLog(ctx context.Context, id string) (*models.EmailLog, error)
	CreateTemplate(ctx context.Context, tpl *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	UpdateTemplate(ctx context.Context, id string, tpl *models.Template, description, text *string) error
	DeleteTemplate(ctx context.Context, id string) error
}

type Handler struct {
	Dispatcher *dispatch.Dispatcher
	Resolver   *tracking.Resolver
	Stats      *stats.Aggregator
	Store      RecordStore
	APIKey     string
	Log        *zap.Logger
}

// Register mounts all routes. The tracking endpoints stay outside the API
// key group: they are hit by email clients and browsers that cannot carry
// credentials.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/email", func(r chi.Router) {
		r.Get("/tracking/open/{trackingID}", h.trackOpen)
		r.Get("/tracking/click/{trackingID}", h.trackClick)

		r.Group(func(r chi.Router) {
			if h.APIKey != "" {
				r.Use(h.requireAPIKey)
			}

			r.Post("/send", h.send)
			r.Post("/bulk", h.sendBulk)
			r.Post("/bulk/csv", h.sendBulkCSV)
			r.Get("/status/{id}", h.emailStatus)
			r.Get("/batch/{batchID}", h.batchStatus)
			r.Get("/queue/status", h.queueStatus)
			r.Get("/stats", h.overview)

			r.Route("/templates", func(r chi.Router) {
				r.Get("/", h.listTemplates)
				r.Post("/", h.createTemplate)
				r.Get("/{id}", h.getTemplate)
				r.Put("/{id}", h.updateTemplate)
				r.Delete("/{id}", h.deleteTemplate)
			})
		})
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != h.APIKey {
			h.respondError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ----------------------------
// Tracking
// ----------------------------

func (h *Handler) trackOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	h.Resolver.HandleOpen(r.Context(), trackingID, tracking.RequestContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(trackingPixel)
}

func (h *Handler) trackClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	target, err := h.Resolver.HandleClick(r.Context(), trackingID, r.URL.Query().Get("url"),
		tracking.RequestContext{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
	if errors.Is(err, tracking.ErrMissingURL) {
		http.Error(w, "Missing URL parameter", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Invalid URL parameter", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// ----------------------------
// Submission
// ----------------------------

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stampOrigin(&req, r)

	receipt, err := h.Dispatcher.Send(r.Context(), &req)
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}

	h.respond(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"job_id":      receipt.JobID,
		"tracking_id": receipt.TrackingID,
		"message":     "Email queued successfully",
	})
}

type bulkRequest struct {
	Emails     []*models.SendRequest `json:"emails"`
	TemplateID string                `json:"template_id,omitempty"`
}

func (h *Handler) sendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Emails) == 0 {
		h.respondError(w, http.StatusBadRequest, "emails array is required")
		return
	}

	for _, email := range req.Emails {
		if email.TemplateID == "" {
			email.TemplateID = req.TemplateID
		}
		stampOrigin(email, r)
	}

	batchID, count, err := h.Dispatcher.SendBulk(r.Context(), req.Emails)
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}

	h.respond(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"batch_id": batchID,
		"count":    count,
		"message":  "Batch queued successfully",
	})
}

func (h *Handler) sendBulkCSV(w http.ResponseWriter, r *http.Request) {
	templateID := r.URL.Query().Get("template_id")

	file, _, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "csv file is required")
		return
	}
	defer file.Close()

	if templateID == "" {
		templateID = r.FormValue("template_id")
	}
	if templateID == "" {
		h.respondError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	rows, err := csvparser.ParseRecipientRows(file, 1000)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqs := csvparser.ToSendRequests(rows, templateID)
	for _, req := range reqs {
		stampOrigin(req, r)
	}

	batchID, count, err := h.Dispatcher.SendBulk(r.Context(), reqs)
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}

	h.respond(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"batch_id": batchID,
		"count":    count,
		"message":  "Batch queued successfully",
	})
}

// ----------------------------
// Status / Stats
// ----------------------------

func (h *Handler) emailStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Store.GetLog(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Email not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"id":         entry.ID,
			"to":         entry.To,
			"subject":    entry.Subject,
			"status":     entry.Status,
			"sent_at":    entry.SentAt,
			"opened_at":  entry.OpenedAt,
			"clicked_at": entry.ClickedAt,
			"error":      entry.ErrorMsg,
		},
	})
}

func (h *Handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Stats.BatchStatus(r.Context(), chi.URLParam(r, "batchID"))
	if errors.Is(err, stats.ErrBatchNotFound) {
		h.respondError(w, http.StatusNotFound, "Batch not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    status,
	})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	queue, metrics, err := h.Stats.QueueStatus(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"queue":   queue,
		"metrics": metrics,
	})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Stats.Overview(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    overview,
	})
}

// ----------------------------
// Templates
// ----------------------------

type templateRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Subject     string  `json:"subject"`
	HTML        string  `json:"html"`
	Text        *string `json:"text"`
	IsActive    *bool   `json:"is_active"`
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.Subject == "" || req.HTML == "" {
		h.respondError(w, http.StatusBadRequest, "name, subject and html are required")
		return
	}

	tpl := models.Template{
		Name:     req.Name,
		Subject:  req.Subject,
		HTML:     req.HTML,
		IsActive: true,
	}
	if req.Description != nil {
		tpl.Description = *req.Description
	}
	if req.Text != nil {
		tpl.Text = *req.Text
	}
	if req.IsActive != nil {
		tpl.IsActive = *req.IsActive
	}

	if err := h.Store.CreateTemplate(r.Context(), &tpl); err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    tpl,
	})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    tpl,
	})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Store.ListTemplates(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    templates,
	})
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	tpl := models.Template{
		Name:    req.Name,
		Subject: req.Subject,
		HTML:    req.HTML,
	}

	err := h.Store.UpdateTemplate(r.Context(), id, &tpl, req.Description, req.Text)
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	updated, err := h.Store.GetTemplate(r.Context(), id)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    updated,
	})
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := h.Store.DeleteTemplate(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Template deleted successfully",
	})
}

// ----------------------------
// Helpers
// ----------------------------

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Log.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.Log.Error("request failed", zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "internal server error")
}

func (h *Handler) respondDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, render.ErrTemplateNotFound):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, err)
	}
}

// stampOrigin records the submitting caller's address in the entry metadata.
func stampOrigin(req *models.SendRequest, r *http.Request) {
	if req.Metadata == nil {
		req.Metadata = make(map[string]any, 1)
	}
	req.Metadata["ip"] = clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
