package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// DefaultJobKeyPrefix namespaces job keys in Redis.
const DefaultJobKeyPrefix = "agentloop:jobs"

const maxJobWriteRetries = 50

// RedisJobRepository stores jobs in Redis so pollers can reach any replica.
//
// Layout per flow:
//
//	{prefix}:job:{id}     JSON job record without events, expires at createdAt+TTL
//	{prefix}:events:{id}  list of JSON events, expires with the job
//	{prefix}:seq:{id}     INCR counter assigning event seq
//	{prefix}:index        sorted set of flow ids scored by createdAt (ns)
type RedisJobRepository struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	ttl        time.Duration
	maxJobs    int
	now        func() time.Time
	logger     core.Logger
}

// NewRedisJobRepository wraps an existing client. Close does not close it.
func NewRedisJobRepository(client *redis.Client, cfg core.JobsConfig, opts ...RepositoryOption) *RedisJobRepository {
	o := applyRepositoryOptions(opts)
	ttl, limit := jobLimits(cfg)
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultJobKeyPrefix
	}
	return &RedisJobRepository{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		maxJobs: limit,
		now:     o.now,
		logger:  o.logger,
	}
}

// NewRedisJobRepositoryFromURL connects to cfg.RedisURL and verifies the
// connection with PING.
func NewRedisJobRepositoryFromURL(ctx context.Context, cfg core.JobsConfig, opts ...RepositoryOption) (*RedisJobRepository, error) {
	if cfg.RedisURL == "" {
		return nil, core.NewFrameworkError("NewRedisJobRepositoryFromURL", "config", core.ErrMissingConfiguration)
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisJobRepository(client, cfg, opts...)
	r.ownsClient = true
	r.logger.Info("Redis job repository connected", map[string]interface{}{
		"operation":  "job_repository_init",
		"key_prefix": r.prefix,
		"ttl":        r.ttl.String(),
		"max_jobs":   r.maxJobs,
	})
	return r, nil
}

func (r *RedisJobRepository) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *RedisJobRepository) eventsKey(id string) string {
	return fmt.Sprintf("%s:events:%s", r.prefix, id)
}

func (r *RedisJobRepository) seqKey(id string) string {
	return fmt.Sprintf("%s:seq:%s", r.prefix, id)
}

func (r *RedisJobRepository) indexKey() string { return r.prefix + ":index" }

func (r *RedisJobRepository) Create(ctx context.Context, job *PollingJob) error {
	if job == nil || job.FlowID == "" {
		return core.NewFrameworkError("RedisJobRepository.Create", "job", core.ErrInvalidConfiguration)
	}
	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	stored.Events = nil

	ttl := r.remaining(stored.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("job %s created at %s is already expired", stored.FlowID, stored.CreatedAt)
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.jobKey(stored.FlowID), data, ttl).Result()
	if err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to store job", map[string]interface{}{
			"operation": "job_create",
			"flow_id":   stored.FlowID,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to store job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", stored.FlowID)
	}

	if err := r.client.ZAdd(ctx, r.indexKey(), &redis.Z{
		Score:  float64(stored.CreatedAt.UnixNano()),
		Member: stored.FlowID,
	}).Err(); err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to index job", map[string]interface{}{
			"operation": "job_create",
			"flow_id":   stored.FlowID,
			"error":     err.Error(),
		})
		_ = r.client.Del(ctx, r.jobKey(stored.FlowID)).Err()
		return fmt.Errorf("failed to index job: %w", err)
	}

	r.evict(ctx)
	return nil
}

func (r *RedisJobRepository) Get(ctx context.Context, flowID string) (*PollingJob, error) {
	r.evict(ctx)
	job, err := r.load(ctx, "RedisJobRepository.Get", flowID)
	if err != nil {
		return nil, err
	}
	events, err := r.events(ctx, flowID)
	if err != nil {
		return nil, err
	}
	job.Events = events
	return job, nil
}

func (r *RedisJobRepository) AppendEvent(ctx context.Context, flowID string, event StoredEvent) (int64, error) {
	r.evict(ctx)
	job, err := r.load(ctx, "RedisJobRepository.AppendEvent", flowID)
	if err != nil {
		return 0, err
	}
	ttl := r.remaining(job.CreatedAt)
	if ttl <= 0 {
		return 0, jobNotFound("RedisJobRepository.AppendEvent", flowID)
	}

	seq, err := r.client.Incr(ctx, r.seqKey(flowID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign event seq: %w", err)
	}
	event.Seq = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.mutate(ctx, "RedisJobRepository.AppendEvent", flowID,
		func(job *PollingJob) { job.UpdatedAt = r.now() },
		func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, r.eventsKey(flowID), data)
			pipe.Expire(ctx, r.eventsKey(flowID), ttl)
			pipe.Expire(ctx, r.seqKey(flowID), ttl)
		})
	if err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to append job event", map[string]interface{}{
			"operation": "job_event",
			"flow_id":   flowID,
			"seq":       seq,
			"error":     err.Error(),
		})
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	telemetry.Counter("agentloop.jobs.events", "backend", "redis", "type", string(event.Type))
	return seq, nil
}

func (r *RedisJobRepository) Update(ctx context.Context, flowID string, update JobUpdate) error {
	r.evict(ctx)
	err := r.mutate(ctx, "RedisJobRepository.Update", flowID,
		func(job *PollingJob) { applyUpdate(job, update, r.now()) }, nil)
	if err != nil && !core.IsNotFound(err) {
		r.logger.ErrorWithContext(ctx, "Failed to update job", map[string]interface{}{
			"operation": "job_update",
			"flow_id":   flowID,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to update job: %w", err)
	}
	return err
}

// mutate rewrites the job record under WATCH so concurrent writers never
// overwrite each other's fields. extra queues more commands into the same
// transaction.
func (r *RedisJobRepository) mutate(ctx context.Context, op, flowID string, change func(job *PollingJob), extra func(pipe redis.Pipeliner)) error {
	key := r.jobKey(flowID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return jobNotFound(op, flowID)
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		var job PollingJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		change(&job)
		record, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if extra != nil {
				extra(pipe)
			}
			pipe.SetXX(ctx, key, record, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxJobWriteRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return &core.FrameworkError{Op: op, Kind: "job", ID: flowID, Err: core.ErrMaxRetriesExceeded}
}

func (r *RedisJobRepository) EventsSince(ctx context.Context, flowID string, since int64) ([]StoredEvent, error) {
	r.evict(ctx)
	exists, err := r.client.Exists(ctx, r.jobKey(flowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return nil, jobNotFound("RedisJobRepository.EventsSince", flowID)
	}
	events, err := r.events(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return eventsAfter(events, since), nil
}

func (r *RedisJobRepository) Count(ctx context.Context) (int, error) {
	r.evict(ctx)
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(n), nil
}

// Close closes the client only when the repository created it.
func (r *RedisJobRepository) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

func (r *RedisJobRepository) load(ctx context.Context, op, flowID string) (*PollingJob, error) {
	data, err := r.client.Get(ctx, r.jobKey(flowID)).Bytes()
	if err == redis.Nil {
		return nil, jobNotFound(op, flowID)
	}
	if err != nil {
		r.logger.ErrorWithContext(ctx, "Failed to load job", map[string]interface{}{
			"operation": "job_load",
			"flow_id":   flowID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job PollingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisJobRepository) events(ctx context.Context, flowID string) ([]StoredEvent, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(flowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	events := make([]StoredEvent, 0, len(raw))
	for _, item := range raw {
		var e StoredEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			r.logger.WarnWithContext(ctx, "Skipping malformed job event", map[string]interface{}{
				"operation": "job_load",
				"flow_id":   flowID,
				"error":     err.Error(),
			})
			continue
		}
		events = append(events, e)
	}
	// Concurrent appends may push out of seq order.
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func (r *RedisJobRepository) remaining(createdAt time.Time) time.Duration {
	return createdAt.Add(r.ttl).Sub(r.now())
}

// evict removes jobs created before now-TTL, then the oldest surplus above
// the cap. Failures are logged; eviction never fails the calling operation.
func (r *RedisJobRepository) evict(ctx context.Context) {
	cutoff := r.now().Add(-r.ttl).UnixNano()
	expired, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		r.evictionFailed(ctx, err)
		return
	}
	if err := r.remove(ctx, expired); err != nil {
		r.evictionFailed(ctx, err)
		return
	}

	count, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		r.evictionFailed(ctx, err)
		return
	}
	var surplus []string
	if over := count - int64(r.maxJobs); over > 0 {
		surplus, err = r.client.ZRange(ctx, r.indexKey(), 0, over-1).Result()
		if err != nil {
			r.evictionFailed(ctx, err)
			return
		}
		if err := r.remove(ctx, surplus); err != nil {
			r.evictionFailed(ctx, err)
			return
		}
	}

	if len(expired) > 0 || len(surplus) > 0 {
		recordEviction(ctx, r.logger, len(expired), len(surplus))
	}
}

func (r *RedisJobRepository) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			members[i] = id
			pipe.Del(ctx, r.jobKey(id), r.eventsKey(id), r.seqKey(id))
		}
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
	return err
}

func (r *RedisJobRepository) evictionFailed(ctx context.Context, err error) {
	r.logger.WarnWithContext(ctx, "Job eviction failed", map[string]interface{}{
		"operation": "job_eviction",
		"error":     err.Error(),
	})
}
