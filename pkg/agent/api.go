package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cloudless/trainagent/pkg/executor"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// JobController is the part of the executor the control API drives
type JobController interface {
	List() []training.View
	Status(jobID string) (training.View, error)
	PauseTraining(ctx context.Context, jobID string) error
	ResumeTraining(ctx context.Context, jobID, checkpointPath string) error
	CancelTraining(ctx context.Context, jobID string) error
}

// APIDependencies holds the collaborators of the control API
type APIDependencies struct {
	Jobs      JobController
	Events    *observability.EventStream
	Resources func() HostSnapshot

	// APIKey guards every route except /health. Empty disables auth.
	APIKey string
	Logger *zap.Logger
}

type resumeRequest struct {
	CheckpointPath string `json:"checkpoint_path"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type controlAPI struct {
	deps APIDependencies
}

// NewControlAPI builds the router the control plane uses to pause, resume
// and cancel jobs on this agent
func NewControlAPI(deps APIDependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	api := &controlAPI{deps: deps}

	r := chi.NewRouter()
	r.Use(api.requestLogger)
	r.Use(api.recovery)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(api.authenticate)

		r.Get("/jobs", api.listJobs)
		r.Get("/jobs/{jobID}", api.getJob)
		r.Post("/jobs/{jobID}/pause", api.pauseJob)
		r.Post("/jobs/{jobID}/resume", api.resumeJob)
		r.Post("/jobs/{jobID}/cancel", api.cancelJob)

		r.Get("/events", api.listEvents)
		r.Get("/resources", api.getResources)
	})

	return r
}

func (a *controlAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Jobs.List())
}

func (a *controlAPI) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := a.deps.Jobs.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *controlAPI) pauseJob(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.deps.Jobs.PauseTraining)
}

func (a *controlAPI) cancelJob(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.deps.Jobs.CancelTraining)
}

func (a *controlAPI) resumeJob(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	// An empty body resumes from the stored checkpoint
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_BODY", Message: "Request body must be a JSON object"})
		return
	}

	a.control(w, r, func(ctx context.Context, jobID string) error {
		return a.deps.Jobs.ResumeTraining(ctx, jobID, req.CheckpointPath)
	})
}

// control runs a lifecycle operation and answers with the job's view
func (a *controlAPI) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	jobID := chi.URLParam(r, "jobID")
	ctx := observability.WithJobID(r.Context(), jobID)

	if err := op(ctx, jobID); err != nil {
		observability.ContextLogger(ctx, a.deps.Logger).Info("Control request rejected",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}

	view, err := a.deps.Jobs.Status(jobID)
	if err != nil {
		// A cancelled paused job leaves the registry straight away
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID})
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (a *controlAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		writeJSON(w, http.StatusOK, []observability.Event{})
		return
	}

	q := r.URL.Query()
	filter := observability.EventFilter{JobID: q.Get("job_id")}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, observability.EventType(t))
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_QUERY", Message: "since must be an RFC3339 timestamp"})
			return
		}
		filter.StartTime = ts
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "INVALID_QUERY", Message: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	events := a.deps.Events.GetEvents(filter)
	if events == nil {
		events = []observability.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *controlAPI) getResources(w http.ResponseWriter, r *http.Request) {
	if a.deps.Resources == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "Resource monitoring is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Resources())
}

func (a *controlAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.deps.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "INVALID_TOKEN", Message: "Missing or invalid Authorization header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *controlAPI) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = observability.GenerateRequestID()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)

		next.ServeHTTP(rec, r.WithContext(ctx))

		a.deps.Logger.Debug("Control request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *controlAPI) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				a.deps.Logger.Error("Panic in control API handler",
					zap.Any("panic", err),
					zap.String("stack", string(debug.Stack())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeError maps executor errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, executor.ErrJobNotFound):
		status, code = http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, executor.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, executor.ErrNoCheckpoint):
		status, code = http.StatusUnprocessableEntity, "NO_CHECKPOINT"
	case errors.Is(err, executor.ErrCapacityExceeded):
		status, code = http.StatusServiceUnavailable, "CAPACITY_EXCEEDED"
	case errors.Is(err, executor.ErrShuttingDown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
