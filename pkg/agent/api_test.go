package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cloudless/trainagent/pkg/executor"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeJobs records control calls and answers with canned errors
type fakeJobs struct {
	mu      sync.Mutex
	views   map[string]training.View
	err     error
	calls   []string
	resumed string
}

func (f *fakeJobs) List() []training.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []training.View
	for _, v := range f.views {
		out = append(out, v)
	}
	return out
}

func (f *fakeJobs) Status(jobID string) (training.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[jobID]
	if !ok {
		return training.View{}, fmt.Errorf("%w: %s", executor.ErrJobNotFound, jobID)
	}
	return v, nil
}

func (f *fakeJobs) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeJobs) PauseTraining(ctx context.Context, jobID string) error {
	return f.record("pause " + jobID)
}

func (f *fakeJobs) ResumeTraining(ctx context.Context, jobID, checkpointPath string) error {
	f.mu.Lock()
	f.resumed = checkpointPath
	f.mu.Unlock()
	return f.record("resume " + jobID)
}

func (f *fakeJobs) CancelTraining(ctx context.Context, jobID string) error {
	return f.record("cancel " + jobID)
}

func newTestAPI(t *testing.T, jobs *fakeJobs, events *observability.EventStream) http.Handler {
	t.Helper()
	return NewControlAPI(APIDependencies{
		Jobs:      jobs,
		Events:    events,
		Resources: func() HostSnapshot { return HostSnapshot{CPUCores: 8} },
		APIKey:    "secret",
		Logger:    zaptest.NewLogger(t),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestControlAPI_Auth(t *testing.T) {
	h := newTestAPI(t, &fakeJobs{}, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	// Health is public
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestControlAPI_GetJob(t *testing.T) {
	jobs := &fakeJobs{views: map[string]training.View{
		"job-1": {ID: "job-1", Status: training.StatusRunning, CurrentStep: 42},
	}}
	h := newTestAPI(t, jobs, nil)

	w := do(t, h, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view training.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, training.StatusRunning, view.Status)
	assert.Equal(t, 42, view.CurrentStep)

	w = do(t, h, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "JOB_NOT_FOUND")

	w = do(t, h, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var views []training.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 1)
}

func TestControlAPI_ControlOperations(t *testing.T) {
	jobs := &fakeJobs{views: map[string]training.View{
		"job-1": {ID: "job-1", Status: training.StatusRunning},
	}}
	h := newTestAPI(t, jobs, nil)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs/job-1/pause", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs/job-1/resume", "").Code)
	assert.Equal(t, http.StatusAccepted,
		do(t, h, http.MethodPost, "/jobs/job-1/resume", `{"checkpoint_path":"/ckpt/job-1/step-50"}`).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/jobs/job-1/cancel", "").Code)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	assert.Equal(t, []string{"pause job-1", "resume job-1", "resume job-1", "cancel job-1"}, jobs.calls)
	assert.Equal(t, "/ckpt/job-1/step-50", jobs.resumed)
}

func TestControlAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: job-1", executor.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: cannot pause", executor.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: job-1", executor.ErrNoCheckpoint), http.StatusUnprocessableEntity},
		{executor.ErrCapacityExceeded, http.StatusServiceUnavailable},
		{executor.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newTestAPI(t, &fakeJobs{err: tt.err}, nil)
			w := do(t, h, http.MethodPost, "/jobs/job-1/pause", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestControlAPI_ResumeInvalidBody(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestAPI(t, jobs, nil)

	w := do(t, h, http.MethodPost, "/jobs/job-1/resume", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, jobs.calls)
}

func TestControlAPI_Events(t *testing.T) {
	events := observability.NewEventStream(observability.EventStreamConfig{}, zap.NewNop())
	ctx := context.Background()
	events.RecordEvent(ctx, observability.NewJobEvent(observability.EventPauseRequested, "job-1", "pause"))
	events.RecordEvent(ctx, observability.NewJobEvent(observability.EventCancelRequested, "job-2", "cancel"))
	events.RecordEvent(ctx, observability.NewTransitionEvent("job-1", "running", "paused", ""))

	h := newTestAPI(t, &fakeJobs{}, events)

	decode := func(w *httptest.ResponseRecorder) []observability.Event {
		require.Equal(t, http.StatusOK, w.Code)
		var out []observability.Event
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, decode(do(t, h, http.MethodGet, "/events", "")), 3)
	assert.Len(t, decode(do(t, h, http.MethodGet, "/events?job_id=job-1", "")), 2)
	assert.Len(t, decode(do(t, h, http.MethodGet, "/events?type=job.cancel_requested", "")), 1)

	last := decode(do(t, h, http.MethodGet, "/events?limit=1", ""))
	require.Len(t, last, 1)
	assert.Equal(t, observability.EventJobTransition, last[0].Type)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/events?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/events?since=yesterday", "").Code)
}

func TestControlAPI_Resources(t *testing.T) {
	h := newTestAPI(t, &fakeJobs{}, nil)

	w := do(t, h, http.MethodGet, "/resources", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap HostSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 8, snap.CPUCores)
}
