package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/driftmail/email-scheduler/internal/bulk"
	"github.com/driftmail/email-scheduler/internal/config"
	"github.com/driftmail/email-scheduler/internal/core"
	"github.com/driftmail/email-scheduler/internal/ingest"
	"github.com/driftmail/email-scheduler/internal/schedule"
	"github.com/driftmail/email-scheduler/internal/scheduler"
)

type Server struct {
	Store    *core.Store
	Resolver *schedule.Resolver
	Sched    *scheduler.Scheduler
	Ingestor *ingest.Ingestor
	Cfg      config.Config

	validate *validator.Validate
}

func NewServer(store *core.Store, resolver *schedule.Resolver, sched *scheduler.Scheduler, ing *ingest.Ingestor, cfg config.Config) *Server {
	return &Server{
		Store:    store,
		Resolver: resolver,
		Sched:    sched,
		Ingestor: ing,
		Cfg:      cfg,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	r.Post("/emails", s.createEmail)
	r.Post("/emails/bulk", s.createBulkEmail)
	r.Get("/emails", s.listEmails)
	r.Get("/emails/stats", s.getStats)
	r.Get("/emails/{id}", s.getEmail)
	r.Patch("/emails/{id}", s.updateEmail)
	r.Post("/emails/{id}/cancel", s.cancelEmail)
	r.Post("/emails/{id}/retry", s.retryEmail)

	r.Get("/cron", s.triggerScheduler)
	r.Post("/webhooks/email", s.handleWebhook)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain error kinds onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var (
		ve *core.ValidationError
		ae *core.AuthorizationError
		nf *core.NotFoundError
		sc *core.StateConflictError
		pe *core.ProviderError
		ce *core.ConfigurationError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.As(err, &ae):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": ae.Error()})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nf.Error()})
	case errors.As(err, &sc):
		writeJSON(w, http.StatusConflict, map[string]string{"error": sc.Error()})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": pe.Error()})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": ce.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// userID extracts the opaque caller identity. Session handling lives
// upstream; this service only ever sees the resolved id.
func userID(r *http.Request) (string, error) {
	uid := r.Header.Get("X-User-ID")
	if uid == "" {
		return "", core.Unauthorized("missing X-User-ID")
	}
	return uid, nil
}

func (s *Server) isAdmin(r *http.Request) bool {
	if s.Cfg.AdminToken == "" {
		return false
	}
	return r.Header.Get("Authorization") == "Bearer "+s.Cfg.AdminToken
}

type createEmailRequest struct {
	Subject        string  `json:"subject" validate:"required,max=255"`
	HTMLBody       string  `json:"html_body" validate:"required"`
	TextBody       *string `json:"text_body"`
	RecipientEmail string  `json:"recipient_email" validate:"required,email"`
	RecipientName  *string `json:"recipient_name"`
	ScheduledFor   string  `json:"scheduled_for"` // wall-clock, empty = now
}

func (s *Server) createEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var in createEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	scheduledFor, err := s.Resolver.Resolve(in.ScheduledFor)
	if err != nil {
		writeErr(w, err)
		return
	}

	c, err := s.Store.CreateCampaign(r.Context(), core.NewCampaign{
		UserID:       uid,
		Subject:      in.Subject,
		HTMLBody:     in.HTMLBody,
		TextBody:     in.TextBody,
		ScheduledFor: scheduledFor,
		Recipients:   []core.NewRecipient{{Email: in.RecipientEmail, Name: in.RecipientName}},
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.campaignBody(c))
}

type createBulkEmailRequest struct {
	Subject      string  `json:"subject" validate:"required,max=255"`
	HTMLBody     string  `json:"html_body" validate:"required"`
	TextBody     *string `json:"text_body"`
	ScheduledFor string  `json:"scheduled_for"`
	CSVData      string  `json:"csv_data" validate:"required"`
}

func (s *Server) createBulkEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var in createBulkEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := bulk.Process(in.CSVData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(res.Valid) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no valid email addresses found in CSV"})
		return
	}
	scheduledFor, err := s.Resolver.Resolve(in.ScheduledFor)
	if err != nil {
		writeErr(w, err)
		return
	}

	recipients := make([]core.NewRecipient, 0, len(res.Valid))
	for _, v := range res.Valid {
		recipients = append(recipients, core.NewRecipient{Email: v.Email, Name: v.Name})
	}
	c, err := s.Store.CreateCampaign(r.Context(), core.NewCampaign{
		UserID:       uid,
		Subject:      in.Subject,
		HTMLBody:     in.HTMLBody,
		TextBody:     in.TextBody,
		ScheduledFor: scheduledFor,
		Recipients:   recipients,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"email": c,
		"summary": map[string]any{
			"total":   res.Total,
			"valid":   len(res.Valid),
			"invalid": len(res.Invalid),
			"errors":  res.Invalid,
		},
	})
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) {
	filter := core.ListFilter{Limit: 20}
	if s.isAdmin(r) {
		// admin override lists across all owners
	} else {
		uid, err := userID(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		filter.UserID = uid
	}

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		switch v {
		case core.StatusScheduled, core.StatusSending, core.StatusSent, core.StatusFailed, core.StatusCancelled:
			filter.Status = &v
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status filter"})
			return
		}
	}
	filter.Search = r.URL.Query().Get("search")
	filter.Offset = (page - 1) * filter.Limit

	items, total, err := s.Store.ListCampaigns(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	pages := (total + filter.Limit - 1) / filter.Limit
	writeJSON(w, http.StatusOK, map[string]any{
		"emails": items,
		"pagination": map[string]any{
			"page": page, "limit": filter.Limit, "total": total, "pages": pages,
		},
	})
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	c, err := s.Store.GetCampaign(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.campaignBody(c))
}

type updateEmailRequest struct {
	Subject      *string `json:"subject" validate:"omitempty,min=1,max=255"`
	HTMLBody     *string `json:"html_body" validate:"omitempty,min=1"`
	TextBody     *string `json:"text_body"`
	ScheduledFor *string `json:"scheduled_for"`
}

func (s *Server) updateEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	var in updateEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	patch := core.CampaignPatch{Subject: in.Subject, HTMLBody: in.HTMLBody, TextBody: in.TextBody}
	if in.ScheduledFor != nil {
		t, err := s.Resolver.Resolve(*in.ScheduledFor)
		if err != nil {
			writeErr(w, err)
			return
		}
		patch.ScheduledFor = &t
	}

	c, err := s.Store.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), uid, patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.campaignBody(c))
}

func (s *Server) cancelEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	c, err := s.Store.CancelCampaign(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.campaignBody(c))
}

func (s *Server) retryEmail(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	if err := s.Store.RetryCampaign(r.Context(), chi.URLParam(r, "id"), uid); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	var since *time.Time
	now := time.Now()
	switch strings.ToLower(r.URL.Query().Get("time_range")) {
	case "", "all":
	case "today":
		t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		since = &t
	case "week":
		t := now.AddDate(0, 0, -7)
		since = &t
	case "month":
		t := now.AddDate(0, -1, 0)
		since = &t
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid time_range"})
		return
	}

	st, err := s.Store.Stats(r.Context(), uid, since)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// campaignBody pairs the stored UTC instant with its fixed-offset
// wall-clock rendering so clients never reinterpret it in their zone.
func (s *Server) campaignBody(c *core.Campaign) map[string]any {
	return map[string]any{
		"email":               c,
		"scheduled_for_local": s.Resolver.Display(c.ScheduledFor),
	}
}
