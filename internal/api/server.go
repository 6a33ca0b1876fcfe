package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/queue"
	"github.com/pcl-labs/mediaflow/internal/ratelimit"
	"github.com/pcl-labs/mediaflow/internal/store"
	"github.com/pcl-labs/mediaflow/internal/stream"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
)

// Store is the persistence slice the HTTP surface drives. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CancelJob(ctx context.Context, id string) (models.Job, error)
	MarkEnqueueFailed(ctx context.Context, id string, errMsg string) error
	ListDeadLetters(ctx context.Context, userID string, limit int) ([]models.DeadLetterEntry, error)
	RecordEvent(ctx context.Context, p store.RecordEventParams) (models.PipelineEvent, error)

	CreateDocument(ctx context.Context, userID, title string) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	CreateVersion(ctx context.Context, documentID, userID string, content store.VersionContent, retry store.VersionRetry) (models.DocumentVersion, error)
	SetLatestVersion(ctx context.Context, documentID string, expectedVersionID *string, newVersionID string) (bool, error)
	ListVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error)

	CheckStep(ctx context.Context, userID, key, requestHash string) (*models.StepInvocation, error)
	FinalizeStep(ctx context.Context, inv models.StepInvocation) error

	MarkNotificationSeen(ctx context.Context, notificationID int64, userID string) error
	DismissNotification(ctx context.Context, notificationID int64, userID string) error
}

// Server wires the producer HTTP surface: job submission, step endpoints,
// document versions, and the SSE relays.
type Server struct {
	cfg         config.Config
	store       Store
	producer    *queue.Producer
	relay       *stream.Relay
	notifyRelay *stream.NotificationRelay
	limiter     *ratelimit.TokenBucket
	steps       StepRunner
}

// New constructs the API server. limiter may be nil (inline deployments
// without Redis skip rate limiting).
func New(cfg config.Config, st Store, producer *queue.Producer, relay *stream.Relay, notifyRelay *stream.NotificationRelay, limiter *ratelimit.TokenBucket, steps StepRunner) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		producer:    producer,
		relay:       relay,
		notifyRelay: notifyRelay,
		limiter:     limiter,
		steps:       steps,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/steps/{stepType}", s.handleStep)

	r.Post("/documents", s.handleCreateDocument)
	r.Get("/documents/{id}", s.handleGetDocument)
	r.Post("/documents/{id}/versions", s.handleCreateVersion)
	r.Get("/documents/{id}/versions", s.handleListVersions)

	r.Get("/events/stream", s.handleEventStream)
	r.Get("/notifications/stream", s.handleNotificationStream)
	r.Post("/notifications/{id}/seen", s.handleNotificationSeen)
	r.Post("/notifications/{id}/dismiss", s.handleDismissNotification)

	return r
}

type createJobRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type createJobResponse struct {
	Job      models.Job `json:"job"`
	Enqueued bool       `json:"enqueued"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		UserID:  userID,
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := s.producer.Enqueue(r.Context(), queue.Message{
		JobID:   job.ID,
		UserID:  userID,
		JobType: job.Type,
	})
	if result.Err != nil && result.HardFail {
		// This deployment requires guaranteed background processing: fail the
		// row too so it does not linger pending with no message behind it.
		if err := s.store.MarkEnqueueFailed(r.Context(), job.ID, result.Err.Error()); err != nil {
			log.Printf("mark enqueue-failed for job %s: %v", job.ID, err)
		}
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}

	jobID := job.ID
	_, _ = s.store.RecordEvent(r.Context(), store.RecordEventParams{
		UserID:  userID,
		JobID:   &jobID,
		Type:    models.EventJobQueued,
		Stage:   "queued",
		Status:  models.StatusPending,
		Message: "job accepted",
	})

	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, Enqueued: result.Enqueued})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.UserID != userID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if existing.UserID != userID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	job, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_, _ = s.store.RecordEvent(r.Context(), store.RecordEventParams{
		UserID:  userID,
		JobID:   &id,
		Type:    models.EventJobCancelled,
		Stage:   "cancelled",
		Status:  models.StatusCancelled,
		Message: "cancel requested via API",
	})
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	items, err := s.store.ListDeadLetters(r.Context(), userID, 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	doc, err := s.store.CreateDocument(r.Context(), userID, req.Title)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	doc, ok := s.documentForUser(w, r, userID, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// documentForUser loads a document and enforces ownership. Foreign documents
// are reported as not found, matching the job getter.
func (s *Server) documentForUser(w http.ResponseWriter, r *http.Request, userID, docID string) (models.Document, bool) {
	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		writeStoreError(w, err)
		return models.Document{}, false
	}
	if doc.UserID != userID {
		http.Error(w, "not found", http.StatusNotFound)
		return models.Document{}, false
	}
	return doc, true
}

type createVersionRequest struct {
	Format            string         `json:"format"`
	Body              map[string]any `json:"body"`
	Frontmatter       map[string]any `json:"frontmatter"`
	ExpectedVersionID *string        `json:"expected_version_id"`
}

type createVersionResponse struct {
	Version         models.DocumentVersion `json:"version"`
	PointerAdvanced bool                   `json:"pointer_advanced"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	docID := chi.URLParam(r, "id")
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if _, ok := s.documentForUser(w, r, userID, docID); !ok {
		return
	}

	ver, err := s.store.CreateVersion(r.Context(), docID, userID, store.VersionContent{
		Format:      req.Format,
		Body:        req.Body,
		Frontmatter: req.Frontmatter,
	}, store.VersionRetry{
		Attempts: s.cfg.VersionRaceAttempts,
		Base:     s.cfg.BackoffBase,
		Cap:      s.cfg.BackoffCap,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// The pointer only advances if the caller's observed value still holds;
	// a lost race is reported, not retried, so the caller can re-read.
	advanced, err := s.store.SetLatestVersion(r.Context(), docID, req.ExpectedVersionID, ver.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !advanced {
		status = http.StatusConflict
	}
	writeJSON(w, status, createVersionResponse{Version: ver, PointerAdvanced: advanced})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	docID := chi.URLParam(r, "id")
	if _, ok := s.documentForUser(w, r, userID, docID); !ok {
		return
	}
	versions, err := s.store.ListVersions(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var jobID *string
	if v := r.URL.Query().Get("job_id"); v != "" {
		jobID = &v
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid since cursor", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	s.relay.ServeEvents(w, r, userID, jobID, since)
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session is required", http.StatusBadRequest)
		return
	}
	s.notifyRelay.ServeNotifications(w, r, userID, sessionID)
}

func (s *Server) handleNotificationSeen(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}
	if err := s.store.MarkNotificationSeen(r.Context(), id, userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seen"})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}
	if err := s.store.DismissNotification(r.Context(), id, userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

// userFromRequest reads the authenticated user set by the fronting proxy.
// Login and credential exchange happen outside this service.
func userFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v, true
	}
	http.Error(w, "missing user", http.StatusUnauthorized)
	return "", false
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrContention):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
