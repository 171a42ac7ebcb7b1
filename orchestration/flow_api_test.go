package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentloop/core"
)

type failingFlows struct{ err error }

func (f failingFlows) StartFlow(context.Context, RunRequest) (*FlowHandle, error) { return nil, f.err }
func (f failingFlows) GetJob(context.Context, string) (*PollingJob, error)        { return nil, f.err }
func (f failingFlows) GetEvents(context.Context, string, int64) (*EventPage, error) {
	return nil, f.err
}

func newFlowTestServer(t *testing.T, runner FlowRunner) (*httptest.Server, *PollingJobStore) {
	t.Helper()
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), runner, time.Second, nil)
	mux := http.NewServeMux()
	NewFlowAPIHandler(store, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = store.Wait(context.Background())
	})
	return srv, store
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestFlowAPI_StartAndPoll(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
		sink.Status("Checking "+req.Question, core.PhaseExecuting)
		return &OrchestratorResult{Success: true, Response: "done: " + req.UserID}
	})
	srv, store := newFlowTestServer(t, runner)

	resp, err := http.Post(srv.URL+"/api/v1/flows", "application/json",
		bytes.NewBufferString(`{"message": "weather", "user_id": "u-7"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started FlowStartResponse
	decodeBody(t, resp, &started)
	require.NotEmpty(t, started.FlowID)
	assert.NotEmpty(t, started.MessageID)
	assert.Equal(t, JobPending, started.Status)
	assert.Equal(t, "/api/v1/flows/"+started.FlowID, started.StatusURL)
	assert.Equal(t, "/api/v1/flows/"+started.FlowID+"/events", started.EventsURL)

	require.NoError(t, store.Wait(context.Background()))

	resp, err = http.Get(srv.URL + started.StatusURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job PollingJob
	decodeBody(t, resp, &job)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, "done: u-7", job.Response)
	assert.Len(t, job.Events, 2)

	resp, err = http.Get(srv.URL + started.EventsURL + "?since=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page EventPage
	decodeBody(t, resp, &page)
	assert.Equal(t, started.FlowID, page.FlowID)
	assert.Equal(t, JobCompleted, page.Status)
	require.Len(t, page.Events, 1)
	assert.Equal(t, EventEnd, page.Events[0].Type)
	assert.Equal(t, int64(2), page.NextSince)
}

func TestFlowAPI_Errors(t *testing.T) {
	srv, _ := newFlowTestServer(t, runnerFunc(func(context.Context, RunRequest, core.StatusSink) *OrchestratorResult {
		return &OrchestratorResult{Success: true}
	}))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"invalid json", http.MethodPost, "/api/v1/flows", `{oops}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing message", http.MethodPost, "/api/v1/flows", `{"message": "  "}`, http.StatusBadRequest, "MISSING_MESSAGE"},
		{"list not allowed", http.MethodGet, "/api/v1/flows", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"delete not allowed", http.MethodDelete, "/api/v1/flows/abc", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"missing id", http.MethodGet, "/api/v1/flows/", "", http.StatusBadRequest, "MISSING_FLOW_ID"},
		{"unknown flow", http.MethodGet, "/api/v1/flows/nope", "", http.StatusNotFound, "FLOW_NOT_FOUND"},
		{"unknown flow events", http.MethodGet, "/api/v1/flows/nope/events", "", http.StatusNotFound, "FLOW_NOT_FOUND"},
		{"bad since", http.MethodGet, "/api/v1/flows/nope/events?since=abc", "", http.StatusBadRequest, "INVALID_SINCE"},
		{"negative since", http.MethodGet, "/api/v1/flows/nope/events?since=-1", "", http.StatusBadRequest, "INVALID_SINCE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body ErrorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestFlowAPI_StoreErrors(t *testing.T) {
	h := NewFlowAPIHandler(failingFlows{err: errors.New("redis down")}, nil)

	rr := httptest.NewRecorder()
	h.HandleStart(rr, httptest.NewRequest(http.MethodPost, "/api/v1/flows", bytes.NewBufferString(`{"message": "hi"}`)))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "STORE_ERROR")

	rr = httptest.NewRecorder()
	h.HandleGetFlow(rr, httptest.NewRequest(http.MethodGet, "/api/v1/flows/abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "STORE_ERROR")

	rr = httptest.NewRecorder()
	h.HandleGetEvents(rr, httptest.NewRequest(http.MethodGet, "/api/v1/flows/abc/events", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestFlowAPI_Health(t *testing.T) {
	srv, _ := newFlowTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestExtractFlowID(t *testing.T) {
	assert.Equal(t, "abc", extractFlowID("/api/v1/flows/abc"))
	assert.Equal(t, "abc", extractFlowID("/api/v1/flows/abc/events"))
	assert.Equal(t, "", extractFlowID("/api/v1/flows/"))
	assert.Equal(t, "", extractFlowID("/api/v1/tasks/abc"))
}
