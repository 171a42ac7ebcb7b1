package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// MemoryJobRepository keeps jobs in a mutex-guarded map.
type MemoryJobRepository struct {
	mu      sync.Mutex
	jobs    map[string]*memoryJob
	created uint64

	ttl     time.Duration
	maxJobs int
	now     func() time.Time
	logger  core.Logger
}

type memoryJob struct {
	job     PollingJob
	order   uint64
	lastSeq int64
}

// NewMemoryJobRepository creates an in-process repository bounded by cfg.TTL
// and cfg.MaxJobs.
func NewMemoryJobRepository(cfg core.JobsConfig, opts ...RepositoryOption) *MemoryJobRepository {
	o := applyRepositoryOptions(opts)
	ttl, limit := jobLimits(cfg)
	return &MemoryJobRepository{
		jobs:    make(map[string]*memoryJob),
		ttl:     ttl,
		maxJobs: limit,
		now:     o.now,
		logger:  o.logger,
	}
}

func (m *MemoryJobRepository) Create(ctx context.Context, job *PollingJob) error {
	if job == nil || job.FlowID == "" {
		return core.NewFrameworkError("MemoryJobRepository.Create", "job", core.ErrInvalidConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	stored.Events = nil
	m.created++
	m.jobs[stored.FlowID] = &memoryJob{job: stored, order: m.created}
	m.evictLocked(ctx)
	return nil
}

func (m *MemoryJobRepository) Get(ctx context.Context, flowID string) (*PollingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(ctx)

	entry, ok := m.jobs[flowID]
	if !ok {
		return nil, jobNotFound("MemoryJobRepository.Get", flowID)
	}
	snapshot := entry.job
	snapshot.Events = append([]StoredEvent{}, entry.job.Events...)
	return &snapshot, nil
}

func (m *MemoryJobRepository) AppendEvent(ctx context.Context, flowID string, event StoredEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(ctx)

	entry, ok := m.jobs[flowID]
	if !ok {
		return 0, jobNotFound("MemoryJobRepository.AppendEvent", flowID)
	}
	entry.lastSeq++
	event.Seq = entry.lastSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	entry.job.Events = append(entry.job.Events, event)
	entry.job.UpdatedAt = m.now()
	telemetry.Counter("agentloop.jobs.events", "backend", "memory", "type", string(event.Type))
	return event.Seq, nil
}

func (m *MemoryJobRepository) Update(ctx context.Context, flowID string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(ctx)

	entry, ok := m.jobs[flowID]
	if !ok {
		return jobNotFound("MemoryJobRepository.Update", flowID)
	}
	applyUpdate(&entry.job, update, m.now())
	return nil
}

func (m *MemoryJobRepository) EventsSince(ctx context.Context, flowID string, since int64) ([]StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(ctx)

	entry, ok := m.jobs[flowID]
	if !ok {
		return nil, jobNotFound("MemoryJobRepository.EventsSince", flowID)
	}
	return eventsAfter(entry.job.Events, since), nil
}

func (m *MemoryJobRepository) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(ctx)
	return len(m.jobs), nil
}

// Close is a no-op.
func (m *MemoryJobRepository) Close() error { return nil }

// evictLocked drops jobs older than the TTL, then the oldest-created surplus
// above the cap.
func (m *MemoryJobRepository) evictLocked(ctx context.Context) {
	now := m.now()
	expired := 0
	for id, entry := range m.jobs {
		if now.Sub(entry.job.CreatedAt) > m.ttl {
			delete(m.jobs, id)
			expired++
		}
	}

	surplus := len(m.jobs) - m.maxJobs
	if surplus > 0 {
		entries := make([]*memoryJob, 0, len(m.jobs))
		for _, entry := range m.jobs {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
				return a.job.CreatedAt.Before(b.job.CreatedAt)
			}
			return a.order < b.order
		})
		for _, entry := range entries[:surplus] {
			delete(m.jobs, entry.job.FlowID)
		}
	}

	if expired > 0 || surplus > 0 {
		recordEviction(ctx, m.logger, expired, max(surplus, 0))
	}
}

func recordEviction(ctx context.Context, logger core.Logger, expired, surplus int) {
	for i := 0; i < expired; i++ {
		telemetry.Counter("agentloop.jobs.evicted", "reason", "ttl")
	}
	for i := 0; i < surplus; i++ {
		telemetry.Counter("agentloop.jobs.evicted", "reason", "capacity")
	}
	logger.DebugWithContext(ctx, "Evicted jobs", map[string]interface{}{
		"operation": "job_eviction",
		"expired":   expired,
		"surplus":   surplus,
	})
}

func applyUpdate(job *PollingJob, update JobUpdate, now time.Time) {
	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Response != "" {
		job.Response = update.Response
	}
	if update.Error != "" {
		job.Error = update.Error
	}
	job.UpdatedAt = now
}

func eventsAfter(events []StoredEvent, since int64) []StoredEvent {
	out := make([]StoredEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out
}
