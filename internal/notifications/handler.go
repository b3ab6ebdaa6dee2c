package notifications

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrInvalidNotificationType, Status: http.StatusBadRequest},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest},
	{Error: ErrInvalidRecipientType, Status: http.StatusBadRequest},
	{Error: ErrInvalidRecipient, Status: http.StatusBadRequest},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest, Message: "invalid status"},
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	processor *Processor
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service, processor *Processor) *Handler {
	return &Handler{
		service:   service,
		processor: processor,
		validator: validator.New(),
	}
}

// RegisterRoutes registers notification routes (require auth).
// Queue control routes additionally require the operator role.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Get("/", h.List)
		r.Get("/stats", h.Stats)
		r.Get("/{id}", h.Get)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			r.Post("/process", h.Process)
			r.Post("/retry-failed", h.RetryFailed)
		})
	})
}

// EnqueueRequestBody represents request body for enqueuing a notification.
type EnqueueRequestBody struct {
	CompanyID        string         `json:"company_id" validate:"required"`
	RecipientType    string         `json:"recipient_type" validate:"required,oneof=tenant company_user"`
	RecipientID      string         `json:"recipient_id" validate:"required"`
	NotificationType string         `json:"notification_type" validate:"required,oneof=billing_issued payment_reminder overdue_notice payment_confirmed lease_expiring maintenance_update account_created"`
	Channels         []string       `json:"channels" validate:"required,min=1,dive,oneof=email sms"`
	TemplateData     map[string]any `json:"template_data"`
	ScheduledAt      *time.Time     `json:"scheduled_at"`
}

// ProcessRequestBody represents request body for a manual processQueue run.
type ProcessRequestBody struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=1000"`
}

// EnqueueResponse is the response for Enqueue.
type EnqueueResponse struct {
	Results map[domain.Channel]EnqueueResult `json:"results"`
	Errors  map[domain.Channel]string        `json:"errors,omitempty"`
	Queued  int                              `json:"queued"`
	Skipped int                              `json:"skipped"`
	Failed  int                              `json:"failed"`
	Summary string                           `json:"summary"`
}

// Enqueue handles POST /notifications.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequestBody
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	channels := make([]domain.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channels = append(channels, domain.Channel(ch))
	}

	result := h.service.EnqueueBulk(r.Context(), BulkEnqueueRequest{
		CompanyID:        req.CompanyID,
		RecipientType:    domain.RecipientType(req.RecipientType),
		RecipientID:      req.RecipientID,
		NotificationType: domain.NotificationType(req.NotificationType),
		Channels:         channels,
		TemplateData:     req.TemplateData,
		ScheduledAt:      req.ScheduledAt,
	})

	resp := EnqueueResponse{
		Results: result.Results,
		Queued:  result.Queued,
		Skipped: result.Skipped,
		Failed:  result.Failed,
		Summary: result.Summary(),
	}
	if len(result.Errors) > 0 {
		resp.Errors = make(map[domain.Channel]string, len(result.Errors))
		for ch := range result.Errors {
			resp.Errors[ch] = "enqueue failed"
		}
	}

	status := http.StatusAccepted
	if result.Failed > 0 && result.Queued == 0 && result.Skipped == 0 {
		status = http.StatusInternalServerError
	}
	httputil.Success(w, status, resp)
}

// List handles GET /notifications.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		CompanyID:   q.Get("company_id"),
		RecipientID: q.Get("recipient_id"),
		Status:      QueueStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if items == nil {
		items = []QueueItem{}
	}
	httputil.Success(w, http.StatusOK, items)
}

// Get handles GET /notifications/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// Stats handles GET /notifications/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// Process handles POST /notifications/process.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequestBody
	if err := httputil.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.processor.ProcessQueue(r.Context(), req.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

// RetryFailed handles POST /notifications/retry-failed.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.processor.RetryFailed(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int64{"requeued": n})
}
