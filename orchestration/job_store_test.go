package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/itsneelabh/agentloop/core"
)

type runnerFunc func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult

func (f runnerFunc) Run(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
	return f(ctx, req, sink)
}

func waitForStatus(t *testing.T, store *PollingJobStore, flowID string, want JobStatus) *PollingJob {
	t.Helper()
	var job *PollingJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), flowID)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestPollingJobStore_StartFlowReturnsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
		sink.Status("Looking things up", core.PhaseExecuting)
		<-release
		sink.Status("Response ready", core.PhaseCompleting)
		return &OrchestratorResult{Success: true, Response: "answer for " + req.Question}
	})
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), runner, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := store.StartFlow(ctx, RunRequest{Question: "q1", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.FlowID)
	require.NotEmpty(t, handle.MessageID)
	cancel() // the run is detached from the caller

	job := waitForStatus(t, store, handle.FlowID, JobRunning)
	assert.Equal(t, "u1", job.UserID)

	close(release)
	job = waitForStatus(t, store, handle.FlowID, JobCompleted)
	assert.Equal(t, "answer for q1", job.Response)
	assert.Empty(t, job.Error)

	require.Len(t, job.Events, 3)
	assert.Equal(t, StoredEvent{Seq: 1, Type: EventStatus, Message: "Looking things up", Phase: core.PhaseExecuting}, withoutTime(job.Events[0]))
	assert.Equal(t, EventEnd, job.Events[2].Type)

	require.NoError(t, store.Wait(context.Background()))
}

func withoutTime(e StoredEvent) StoredEvent {
	e.Timestamp = time.Time{}
	return e
}

func TestPollingJobStore_FailedRuns(t *testing.T) {
	tests := []struct {
		name      string
		runner    runnerFunc
		wantError string
	}{
		{
			name: "error result",
			runner: func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
				sink.Error(genericFailureMessage, "ORCHESTRATION_FAILED", false)
				return &OrchestratorResult{Success: false, Response: genericFailureMessage, Error: "model offline"}
			},
			wantError: "model offline",
		},
		{
			name: "exhausted without error text",
			runner: func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
				return &OrchestratorResult{Success: false, Response: "I wasn't able to complete this request"}
			},
			wantError: "orchestration finished without an answer",
		},
		{
			name: "panic",
			runner: func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
				panic("runner exploded")
			},
			wantError: "run panicked: runner exploded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), tt.runner, time.Second, nil)
			handle, err := store.StartFlow(context.Background(), RunRequest{Question: "q"})
			require.NoError(t, err)
			require.NoError(t, store.Wait(context.Background()))

			job, err := store.GetJob(context.Background(), handle.FlowID)
			require.NoError(t, err)
			assert.Equal(t, JobFailed, job.Status)
			assert.Equal(t, tt.wantError, job.Error)
			require.NotEmpty(t, job.Events)
			assert.Equal(t, EventEnd, job.Events[len(job.Events)-1].Type)
		})
	}
}

func TestPollingJobStore_RunTimeout(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
		<-ctx.Done()
		return &OrchestratorResult{Success: false, Error: ctx.Err().Error()}
	})
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), runner, 20*time.Millisecond, nil)

	handle, err := store.StartFlow(context.Background(), RunRequest{Question: "q"})
	require.NoError(t, err)
	job := waitForStatus(t, store, handle.FlowID, JobFailed)
	assert.Contains(t, job.Error, "deadline exceeded")
}

func TestPollingJobStore_GetEvents(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
		sink.Status("one", core.PhaseAnalyzing)
		sink.Status("two", core.PhaseExecuting)
		return &OrchestratorResult{Success: true, Response: "ok"}
	})
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), runner, time.Second, nil)
	ctx := context.Background()

	handle, err := store.StartFlow(ctx, RunRequest{Question: "q"})
	require.NoError(t, err)
	require.NoError(t, store.Wait(ctx))

	page, err := store.GetEvents(ctx, handle.FlowID, 0)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, page.Status)
	require.Len(t, page.Events, 3)
	assert.Equal(t, int64(3), page.NextSince)

	page, err = store.GetEvents(ctx, handle.FlowID, 1)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "two", page.Events[0].Message)

	page, err = store.GetEvents(ctx, handle.FlowID, 3)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.NotNil(t, page.Events)
	assert.Equal(t, int64(3), page.NextSince)

	_, err = store.GetEvents(ctx, "missing", 0)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestPollingJobStore_WithOrchestratorAgent(t *testing.T) {
	reg := newFakeRegistry().add("weather", okTool("sunny"))
	routed := &routedModel{
		planner: func() (string, error) {
			return `{"tool_calls": [{"name": "weather", "arguments": {"city": "Oslo"}}]}`, nil
		},
		composer: func() (string, error) { return "Sunny in Oslo.", nil },
	}
	agent := newTestAgent(routed.client(), reg)
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), agent, time.Second, nil)

	handle, err := store.StartFlow(context.Background(), RunRequest{Question: "Weather in Oslo?", UserID: "u"})
	require.NoError(t, err)
	require.NoError(t, store.Wait(context.Background()))

	job, err := store.GetJob(context.Background(), handle.FlowID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, "Sunny in Oslo.", job.Response)
	assert.Equal(t, core.PhaseAnalyzing, job.Events[0].Phase)
	for i := 1; i < len(job.Events); i++ {
		assert.Greater(t, job.Events[i].Seq, job.Events[i-1].Seq)
	}
}

func TestPollingJobStore_WaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := runnerFunc(func(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
		<-release
		return &OrchestratorResult{Success: true}
	})
	store := NewPollingJobStore(NewMemoryJobRepository(core.JobsConfig{}), runner, time.Minute, nil)
	_, err := store.StartFlow(context.Background(), RunRequest{Question: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, store.Wait(ctx), context.DeadlineExceeded)
}
