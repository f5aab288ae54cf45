package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/rookery/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for jobs that don't set their own.
const (
	DefaultMaxAttempts  = 3
	DefaultLeaseTime    = 2 * time.Minute
	DefaultBackoffBase  = 5 * time.Second
	DefaultBackoffCap   = 10 * time.Minute
	DefaultStaleReclaim = 5 * time.Minute
)

// Options tune the queue's retry and lease behaviour. The zero value uses the
// defaults above.
type Options struct {
	MaxAttempts int
	LeaseTime   time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.LeaseTime <= 0 {
		o.LeaseTime = DefaultLeaseTime
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
}

// Queue is a durable job queue over the blackboard's Redis instance.
//
// Jobs live in hashes; one ZSET per state acts as the index. The pending ZSET
// is scored by run_at_ms so due jobs are a single ZRANGEBYSCORE away, and the
// running ZSET is scored by lease expiry so stale leases are equally cheap to
// find. Claiming is a Lua script, so two pollers can never claim the same job.
type Queue struct {
	bb   *blackboard.Client
	rdb  *redis.Client
	opts Options

	// now is swappable for tests.
	now func() time.Time
}

// New creates a queue bound to the blackboard client's instance namespace.
func New(bb *blackboard.Client, opts Options) *Queue {
	opts.withDefaults()
	return &Queue{
		bb:   bb,
		rdb:  bb.Redis(),
		opts: opts,
		now:  time.Now,
	}
}

// claimScript atomically moves due jobs from pending to running and stamps
// the lease. Returning the ids keeps the round trip to one call.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[1]))
for i, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[4], id)
  local key = ARGV[5] .. id
  redis.call('HSET', key, 'state', 'running', 'claimed_by', ARGV[3], 'claimed_at_ms', ARGV[2], 'lease_expires_at_ms', ARGV[4])
  redis.call('HINCRBY', key, 'attempts', 1)
end
return ids
`)

// requeueScript moves jobs whose lease expired before ARGV[1] back to pending.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  local key = ARGV[3] .. id
  redis.call('HSET', key, 'state', 'pending', 'run_at_ms', ARGV[1])
  redis.call('HDEL', key, 'claimed_by', 'claimed_at_ms', 'lease_expires_at_ms')
end
return ids
`)

// Enqueue stores the job and makes it claimable at job.RunAtMs (now when
// unset). The job's ID, state, attempt counters and timestamps are filled in.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	now := q.now().UnixMilli()
	job.State = StatePending
	job.Attempts = 0
	job.CreatedAtMs = now
	if job.RunAtMs == 0 {
		job.RunAtMs = now
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	instance := q.bb.InstanceName()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(instance, job.ID), jobToHash(job))
	pipe.ZAdd(ctx, stateKey(instance, StatePending), redis.Z{Score: float64(job.RunAtMs), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.appendEvent(ctx, blackboard.EventJobEnqueued, job, nil)
	return nil
}

// Get returns a job by id. Returns an error wrapping redis.Nil when missing.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	hash, err := q.rdb.HGetAll(ctx, jobKey(q.bb.InstanceName(), jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, redis.Nil)
	}
	return hashToJob(hash)
}

// ClaimDue atomically claims up to limit due jobs for workerID. Each returned
// job is in state running with a fresh lease; no other caller can hold it
// until the lease expires.
func (q *Queue) ClaimDue(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	instance := q.bb.InstanceName()
	now := q.now().UnixMilli()
	leaseUntil := now + q.opts.LeaseTime.Milliseconds()

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{stateKey(instance, StatePending), stateKey(instance, StateRunning)},
		limit, now, workerID, leaseUntil, jobKeyPrefix(instance),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(res))
	for _, id := range res {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ExtendLease pushes a running job's lease out by the configured lease time.
// Long-running handlers call this to keep the stale-lease sweeper off.
func (q *Queue) ExtendLease(ctx context.Context, job *Job) error {
	instance := q.bb.InstanceName()
	leaseUntil := q.now().UnixMilli() + q.opts.LeaseTime.Milliseconds()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(instance, job.ID), "lease_expires_at_ms", leaseUntil)
	pipe.ZAdd(ctx, stateKey(instance, StateRunning), redis.Z{Score: float64(leaseUntil), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to extend lease for job %s: %w", job.ID, err)
	}
	job.LeaseExpiresAtMs = leaseUntil
	return nil
}

// Complete marks a running job completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	instance := q.bb.InstanceName()
	now := q.now().UnixMilli()

	err := q.transition(ctx, job.ID, func(j *Job, pipe redis.Pipeliner) error {
		j.State = StateCompleted
		j.FinishedAtMs = now
		pipe.HSet(ctx, jobKey(instance, j.ID), "state", string(StateCompleted), "finished_at_ms", now)
		pipe.ZRem(ctx, stateKey(instance, StateRunning), j.ID)
		pipe.ZAdd(ctx, stateKey(instance, StateCompleted), redis.Z{Score: float64(now), Member: j.ID})
		return nil
	}, StateRunning)
	if err != nil {
		return err
	}

	job.State = StateCompleted
	job.FinishedAtMs = now
	q.appendEvent(ctx, blackboard.EventJobCompleted, job, nil)
	return nil
}

// Fail records a failed attempt. Unless permanent, the job is retried with
// exponential backoff until its attempts are exhausted; the attempt that
// reaches MaxAttempts is the one that moves it to failed. A pending job can
// also be failed, but only terminally - permanent or already exhausted - which
// is how an operator kills a poison job waiting for its next retry.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, permanent bool) error {
	instance := q.bb.InstanceName()
	now := q.now().UnixMilli()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	var finalState JobState
	err := q.transition(ctx, job.ID, func(j *Job, pipe redis.Pipeliner) error {
		exhausted := permanent || j.Attempts >= j.MaxAttempts
		if j.State == StatePending && !exhausted {
			return fmt.Errorf("job %s is pending with attempts left, expected running", j.ID)
		}
		pipe.ZRem(ctx, stateKey(instance, j.State), j.ID)

		if exhausted {
			finalState = StateFailed
			pipe.HSet(ctx, jobKey(instance, j.ID),
				"state", string(StateFailed), "finished_at_ms", now, "last_error", msg)
			pipe.ZAdd(ctx, stateKey(instance, StateFailed), redis.Z{Score: float64(now), Member: j.ID})
			return nil
		}

		finalState = StatePending
		runAt := now + q.backoff(j.Attempts).Milliseconds()
		pipe.HSet(ctx, jobKey(instance, j.ID),
			"state", string(StatePending), "run_at_ms", runAt, "last_error", msg)
		pipe.HDel(ctx, jobKey(instance, j.ID), "claimed_by", "claimed_at_ms", "lease_expires_at_ms")
		pipe.ZAdd(ctx, stateKey(instance, StatePending), redis.Z{Score: float64(runAt), Member: j.ID})
		return nil
	}, StateRunning, StatePending)
	if err != nil {
		return err
	}

	job.State = finalState
	job.LastError = msg
	if finalState == StateFailed {
		job.FinishedAtMs = now
		q.appendEvent(ctx, blackboard.EventJobFailed, job, map[string]string{"error": msg})
	}
	return nil
}

// backoff computes the retry delay after the given number of attempts:
// base * 2^(attempts-1), capped.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if d > q.opts.BackoffCap {
		d = q.opts.BackoffCap
	}
	return d
}

// RequeueStale returns running jobs whose lease expired more than age ago to
// pending, making them immediately claimable. Returns the ids it moved.
func (q *Queue) RequeueStale(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	if age < 0 {
		age = 0
	}
	instance := q.bb.InstanceName()
	cutoff := q.now().Add(-age).UnixMilli()

	ids, err := requeueScript.Run(ctx, q.rdb,
		[]string{stateKey(instance, StateRunning), stateKey(instance, StatePending)},
		cutoff, limit, jobKeyPrefix(instance),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs in the given state, oldest-scored first, up to limit.
func (q *Queue) List(ctx context.Context, state JobState, limit int64) ([]*Job, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	instance := q.bb.InstanceName()
	ids, err := q.rdb.ZRange(ctx, stateKey(instance, state), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue // hash expired between index read and fetch
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[JobState]int64, error) {
	instance := q.bb.InstanceName()
	states := []JobState{StatePending, StateRunning, StateCompleted, StateFailed}

	pipe := q.rdb.Pipeline()
	cmds := make(map[JobState]*redis.IntCmd, len(states))
	for _, s := range states {
		cmds[s] = pipe.ZCard(ctx, stateKey(instance, s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[JobState]int64, len(cmds))
	for s, cmd := range cmds {
		counts[s] = cmd.Val()
	}
	return counts, nil
}

// transition runs mutate inside a WATCH on the job hash, verifying the job is
// in one of the expected states first. Retries on interleaved writes. The
// mutate callback may return an error to reject the transition based on the
// freshly loaded job.
func (q *Queue) transition(ctx context.Context, jobID string, mutate func(*Job, redis.Pipeliner) error, expect ...JobState) error {
	instance := q.bb.InstanceName()
	key := jobKey(instance, jobID)

	const maxRetries = 16
	for i := 0; i < maxRetries; i++ {
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			hash, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to read job: %w", err)
			}
			if len(hash) == 0 {
				return fmt.Errorf("job %s: %w", jobID, redis.Nil)
			}
			job, err := hashToJob(hash)
			if err != nil {
				return err
			}
			if !stateIn(job.State, expect) {
				return fmt.Errorf("job %s is %s, expected %s", jobID, job.State, statesLabel(expect))
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return mutate(job, pipe)
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s transition: too many concurrent modifications", jobID)
}

func stateIn(s JobState, states []JobState) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

func statesLabel(states []JobState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " or ")
}

func (q *Queue) appendEvent(ctx context.Context, eventType string, job *Job, data map[string]string) {
	if data == nil {
		data = map[string]string{}
	}
	data["job_type"] = string(job.Type)
	data["attempts"] = fmt.Sprintf("%d", job.Attempts)
	ev := &blackboard.Event{
		Type:   eventType,
		JobID:  job.ID,
		ItemID: job.ItemID,
		Data:   data,
	}
	// Audit events are best-effort; queue state is already durable.
	_ = q.bb.AppendEvent(ctx, ev)
}

// EnqueueRunAgent is a convenience for the most common job: run an agent
// against a blackboard task.
func (q *Queue) EnqueueRunAgent(ctx context.Context, taskID, agentID string) (*Job, error) {
	payload, err := json.Marshal(map[string]string{"task_id": taskID, "agent_id": agentID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	job := &Job{
		Type:    TypeRunAgent,
		ItemID:  taskID,
		Payload: payload,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
