package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// Job store defaults.
const (
	DefaultJobTTL        = 30 * time.Minute
	DefaultMaxJobs       = 200
	DefaultJobRunTimeout = 5 * time.Minute
)

// JobStatus is the lifecycle state of a polling job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further updates will follow.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Event types recorded by a background run.
const (
	EventStatus = "status"
	EventError  = "error"
	EventEnd    = "end"
)

// StoredEvent is one buffered sink call. Seq is assigned by the repository
// and is strictly increasing per job.
type StoredEvent struct {
	Seq       int64      `json:"seq"`
	Type      string     `json:"type"`
	Message   string     `json:"message,omitempty"`
	Phase     core.Phase `json:"phase,omitempty"`
	Code      string     `json:"code,omitempty"`
	Fatal     bool       `json:"fatal,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// PollingJob is the record of one background orchestration run.
type PollingJob struct {
	FlowID    string        `json:"flow_id"`
	MessageID string        `json:"message_id"`
	UserID    string        `json:"user_id,omitempty"`
	Status    JobStatus     `json:"status"`
	Events    []StoredEvent `json:"events"`
	Response  string        `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// JobUpdate is the terminal or intermediate state written by a run.
type JobUpdate struct {
	Status   JobStatus
	Response string
	Error    string
}

// JobRepository persists polling jobs. Implementations evict expired and
// surplus jobs opportunistically on every call and return an error wrapping
// core.ErrJobNotFound for unknown or evicted flows.
type JobRepository interface {
	Create(ctx context.Context, job *PollingJob) error
	Get(ctx context.Context, flowID string) (*PollingJob, error)
	AppendEvent(ctx context.Context, flowID string, event StoredEvent) (int64, error)
	Update(ctx context.Context, flowID string, update JobUpdate) error
	EventsSince(ctx context.Context, flowID string, since int64) ([]StoredEvent, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// RepositoryOption customises a job repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	now    func() time.Time
	logger core.Logger
}

// WithClock overrides the time source used for timestamps and eviction.
func WithClock(now func() time.Time) RepositoryOption {
	return func(o *repositoryOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRepositoryLogger sets the repository logger.
func WithRepositoryLogger(logger core.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

func applyRepositoryOptions(opts []RepositoryOption) repositoryOptions {
	o := repositoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = core.ComponentLogger(o.logger, "agentloop/orchestration")
	return o
}

func jobLimits(cfg core.JobsConfig) (time.Duration, int) {
	ttl, limit := cfg.TTL, cfg.MaxJobs
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	if limit <= 0 {
		limit = DefaultMaxJobs
	}
	return ttl, limit
}

func jobNotFound(op, flowID string) error {
	return &core.FrameworkError{Op: op, Kind: "job", ID: flowID, Err: core.ErrJobNotFound}
}

// FlowRunner runs one orchestration turn. *OrchestratorAgent implements it.
type FlowRunner interface {
	Run(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult
}

// FlowHandle identifies a started background run.
type FlowHandle struct {
	FlowID    string `json:"flow_id"`
	MessageID string `json:"message_id"`
}

// EventPage is the answer to an events poll.
type EventPage struct {
	FlowID    string        `json:"flow_id"`
	Status    JobStatus     `json:"status"`
	Events    []StoredEvent `json:"events"`
	NextSince int64         `json:"next_since"`
}

// PollingJobStore starts orchestration runs detached from the caller and
// buffers their progress for pull-based clients.
type PollingJobStore struct {
	repo       JobRepository
	runner     FlowRunner
	runTimeout time.Duration
	logger     core.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewPollingJobStore creates a job store. A non-positive runTimeout uses
// DefaultJobRunTimeout.
func NewPollingJobStore(repo JobRepository, runner FlowRunner, runTimeout time.Duration, logger core.Logger) *PollingJobStore {
	if runTimeout <= 0 {
		runTimeout = DefaultJobRunTimeout
	}
	return &PollingJobStore{
		repo:       repo,
		runner:     runner,
		runTimeout: runTimeout,
		logger:     core.ComponentLogger(logger, "agentloop/orchestration"),
		now:        time.Now,
	}
}

// StartFlow records a pending job and runs the orchestration in the
// background. It returns as soon as the job is stored; cancelling ctx
// afterwards does not stop the run.
func (s *PollingJobStore) StartFlow(ctx context.Context, req RunRequest) (*FlowHandle, error) {
	now := s.now()
	job := &PollingJob{
		FlowID:    uuid.New().String(),
		MessageID: uuid.New().String(),
		UserID:    req.UserID,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		s.logger.ErrorWithContext(ctx, "Failed to create job", map[string]interface{}{
			"operation": "job_start",
			"flow_id":   job.FlowID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, job.FlowID, req)
	}()

	telemetry.Counter("agentloop.jobs.started")
	s.logger.InfoWithContext(ctx, "Job started", map[string]interface{}{
		"operation":  "job_start",
		"flow_id":    job.FlowID,
		"message_id": job.MessageID,
		"user_id":    req.UserID,
	})
	return &FlowHandle{FlowID: job.FlowID, MessageID: job.MessageID}, nil
}

func (s *PollingJobStore) run(ctx context.Context, flowID string, req RunRequest) {
	sink := &jobSink{store: s, ctx: ctx, flowID: flowID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorWithContext(ctx, "Job run panicked", map[string]interface{}{
				"operation": "job_run",
				"flow_id":   flowID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			sink.Error(genericFailureMessage, "ORCHESTRATION_FAILED", true)
			sink.End()
			s.update(ctx, flowID, JobUpdate{Status: JobFailed, Error: fmt.Sprintf("run panicked: %v", r)})
		}
	}()

	s.update(ctx, flowID, JobUpdate{Status: JobRunning})
	result := s.runner.Run(ctx, req, sink)
	sink.End()

	update := JobUpdate{Status: JobCompleted}
	if result != nil {
		update.Response = result.Response
	}
	switch {
	case result == nil:
		update.Status, update.Error = JobFailed, "orchestration returned no result"
	case !result.Success:
		update.Status, update.Error = JobFailed, result.Error
		if update.Error == "" {
			update.Error = "orchestration finished without an answer"
		}
	}
	s.update(ctx, flowID, update)

	s.logger.InfoWithContext(ctx, "Job finished", map[string]interface{}{
		"operation": "job_run",
		"flow_id":   flowID,
		"status":    string(update.Status),
	})
}

func (s *PollingJobStore) update(ctx context.Context, flowID string, update JobUpdate) {
	// The run context may have expired; the record must still be written.
	if err := s.repo.Update(context.WithoutCancel(ctx), flowID, update); err != nil {
		s.logger.WarnWithContext(ctx, "Failed to update job", map[string]interface{}{
			"operation": "job_update",
			"flow_id":   flowID,
			"status":    string(update.Status),
			"error":     err.Error(),
		})
	}
}

// GetJob returns the job snapshot including all buffered events.
func (s *PollingJobStore) GetJob(ctx context.Context, flowID string) (*PollingJob, error) {
	return s.repo.Get(ctx, flowID)
}

// GetEvents returns events with Seq greater than since.
func (s *PollingJobStore) GetEvents(ctx context.Context, flowID string, since int64) (*EventPage, error) {
	// Status is read first so a terminal status guarantees the page holds
	// every event of the run.
	job, err := s.repo.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.EventsSince(ctx, flowID, since)
	if err != nil {
		return nil, err
	}
	page := &EventPage{FlowID: flowID, Status: job.Status, Events: events, NextSince: since}
	if page.Events == nil {
		page.Events = []StoredEvent{}
	}
	if n := len(events); n > 0 {
		page.NextSince = events[n-1].Seq
	}
	return page, nil
}

// Wait blocks until every background run has finished or ctx is done.
func (s *PollingJobStore) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jobSink appends every sink call to the job's event buffer.
type jobSink struct {
	store  *PollingJobStore
	ctx    context.Context
	flowID string

	mu    sync.Mutex
	ended bool
}

func (j *jobSink) Status(message string, phase core.Phase) {
	j.append(StoredEvent{Type: EventStatus, Message: message, Phase: phase})
}

func (j *jobSink) Error(message, code string, fatal bool) {
	j.append(StoredEvent{Type: EventError, Message: message, Code: code, Fatal: fatal})
}

func (j *jobSink) End() {
	j.mu.Lock()
	if j.ended {
		j.mu.Unlock()
		return
	}
	j.ended = true
	j.mu.Unlock()
	j.append(StoredEvent{Type: EventEnd})
}

func (j *jobSink) append(event StoredEvent) {
	event.Timestamp = j.store.now()
	if _, err := j.store.repo.AppendEvent(context.WithoutCancel(j.ctx), j.flowID, event); err != nil {
		j.store.logger.WarnWithContext(j.ctx, "Failed to append job event", map[string]interface{}{
			"operation":  "job_event",
			"flow_id":    j.flowID,
			"event_type": event.Type,
			"error":      err.Error(),
		})
	}
}
