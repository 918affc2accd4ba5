package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
	"github.com/shanani/mailpipe/pkg/mailerr"
)

// bulkEnqueueConcurrency bounds how many items in a single POST /queue-bulk
// request are enqueued at once (§5 bulk-send concurrency).
const bulkEnqueueConcurrency = 5

// QueueService is the subset of the queue manager the HTTP layer drives.
type QueueService interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error)
	Cancel(ctx context.Context, queueID string) (bool, error)
	Statistics(ctx context.Context) (*domain.QueueStats, error)
	GetByID(ctx context.Context, queueID string) (*domain.QueueItem, error)
	GetByIDs(ctx context.Context, queueIDs []string) ([]*domain.QueueItem, error)
	ListPage(ctx context.Context, f domain.ListFilter) ([]*domain.QueueItem, int64, error)
}

// TemplateLookup resolves a template name to its numeric id for the
// queue-template endpoint (§6).
type TemplateLookup interface {
	GetByName(ctx context.Context, name string) (*domain.EmailTemplate, error)
}

// HealthChecker runs the C10 probe set for GET /health.
type HealthChecker interface {
	Check(ctx context.Context) (domain.QueueHealthResponse, error)
}

// QueueHandler implements the enqueue API (C11, §6).
type QueueHandler struct {
	queue     QueueService
	templates TemplateLookup
	health    HealthChecker
	log       logger.Logger
}

// NewQueueHandler builds a QueueHandler.
func NewQueueHandler(queue QueueService, templates TemplateLookup, healthChecker HealthChecker, log logger.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, templates: templates, health: healthChecker, log: log}
}

// RegisterRoutes wires every §6 endpoint onto mux.
func (h *QueueHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/queue", h.handleQueue)
	mux.HandleFunc("/queue-template", h.handleQueueTemplate)
	mux.HandleFunc("/queue-bulk", h.handleQueueBulk)
	mux.HandleFunc("/status/", h.handleStatus)
	mux.HandleFunc("/status/batch", h.handleStatusBatch)
	mux.HandleFunc("/cancel/", h.handleCancel)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/statistics", h.handleStatistics)
	mux.HandleFunc("/list", h.handleList)
}

func (h *QueueHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueueEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.queue.Enqueue(r.Context(), req.toEnqueueRequest())
	h.respondEnqueued(w, item, err)
}

func (h *QueueHandler) handleQueueTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueueTemplateEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	templateID := req.TemplateID
	if templateID == "" && req.TemplateName != "" {
		tmpl, err := h.templates.GetByName(r.Context(), req.TemplateName)
		if err != nil {
			h.log.WithField("error", err.Error()).Error("failed to look up template by name")
			WriteJSONError(w, "failed to look up template", http.StatusInternalServerError)
			return
		}
		if tmpl == nil {
			WriteJSONError(w, "template not found", http.StatusNotFound)
			return
		}
		templateID = strconv.FormatInt(tmpl.ID, 10)
	}
	if templateID == "" {
		WriteJSONError(w, "template_id or template_name is required", http.StatusBadRequest)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	item, err := h.queue.Enqueue(r.Context(), domain.EnqueueRequest{
		ToEmails: req.ToEmails, CcEmails: req.CcEmails, BccEmails: req.BccEmails,
		TemplateID: templateID, TemplateData: req.TemplateData, Priority: priority,
		ScheduledFor: req.ScheduledFor, CreatedBy: req.CreatedBy, RequestSource: req.RequestSource,
	})
	h.respondEnqueued(w, item, err)
}

func (h *QueueHandler) respondEnqueued(w http.ResponseWriter, item *domain.QueueItem, err error) {
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEmailResponse(item))
}

func (h *QueueHandler) handleQueueBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueueBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		WriteJSONError(w, "items must contain at least one email", http.StatusBadRequest)
		return
	}

	resp := h.enqueueBulk(r.Context(), req.Items)
	writeJSON(w, http.StatusOK, resp)
}

// enqueueBulk fans each item out to the queue service behind a bounded
// semaphore so a large bulk request can't open hundreds of concurrent
// enqueues at once, per §5's bounded-concurrency requirement.
func (h *QueueHandler) enqueueBulk(ctx context.Context, items []QueueEmailRequest) QueueBulkResponse {
	sem := semaphore.NewWeighted(bulkEnqueueConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	accepted := make(map[int]string)
	rejected := make(map[int]string)

	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			rejected[i] = err.Error()
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(i int, item QueueEmailRequest) {
			defer wg.Done()
			defer sem.Release(1)

			enqueued, err := h.queue.Enqueue(ctx, item.toEnqueueRequest())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected[i] = err.Error()
				return
			}
			accepted[i] = enqueued.QueueID
		}(i, item)
	}
	wg.Wait()

	resp := QueueBulkResponse{}
	for i := range items {
		if queueID, ok := accepted[i]; ok {
			resp.Accepted = append(resp.Accepted, queueID)
		}
		if errMsg, ok := rejected[i]; ok {
			resp.Rejected = append(resp.Rejected, RejectedItem{Index: i, Error: errMsg})
		}
	}
	return resp
}

func (h *QueueHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queueID := strings.TrimPrefix(r.URL.Path, "/status/")
	if queueID == "" {
		WriteJSONError(w, "queue_id is required", http.StatusBadRequest)
		return
	}

	item, err := h.queue.GetByID(r.Context(), queueID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if item == nil {
		WriteJSONError(w, "queue item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toEmailStatusResponse(item))
}

func (h *QueueHandler) handleStatusBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(ids) == 0 {
		WriteJSONError(w, "request body must be a non-empty array of queue ids", http.StatusBadRequest)
		return
	}

	items, err := h.queue.GetByIDs(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]EmailStatusResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toEmailStatusResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *QueueHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queueID := strings.TrimPrefix(r.URL.Path, "/cancel/")
	if queueID == "" {
		WriteJSONError(w, "queue_id is required", http.StatusBadRequest)
		return
	}

	cancelled, err := h.queue.Cancel(r.Context(), queueID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !cancelled {
		WriteJSONError(w, "queue item not found or no longer cancellable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (h *QueueHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.health == nil {
		WriteJSONError(w, "health reporter not configured", http.StatusInternalServerError)
		return
	}

	report, err := h.health.Check(r.Context())
	if err != nil {
		h.log.WithField("error", err.Error()).Error("health check failed")
		WriteJSONError(w, "health check failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *QueueHandler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.queue.Statistics(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueStatisticsResponse(stats))
}

func (h *QueueHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := domain.ListFilter{
		Page:     intOrDefault(q.Get("page"), 1),
		PageSize: intOrDefault(q.Get("pageSize"), 50),
		Status:   domain.QueueStatus(q.Get("status")),
		Priority: domain.Priority(q.Get("priority")),
		Search:   q.Get("search"),
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = &from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = &to
	}

	items, total, err := h.queue.ListPage(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListQueueItemsResponse{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

func intOrDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (h *QueueHandler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if me, ok := mailerr.As(err); ok && me.Kind == mailerr.KindValidation {
		status = http.StatusBadRequest
	}
	h.log.WithField("error", err.Error()).Error("queue API request failed")
	WriteJSONError(w, err.Error(), status)
}
