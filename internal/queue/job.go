package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JobState is the durable lifecycle state of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Validate checks if the job state is a known value
func (s JobState) Validate() error {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid job state: %s", s)
	}
}

// JobType identifies which handler runs a job.
type JobType string

const (
	TypeRunAgent       JobType = "run_agent"
	TypeMaintenance    JobType = "maintenance_tick"
	TypeBenchmarkModel JobType = "benchmark_model"
	TypeUpdateMetrics  JobType = "update_metrics"
)

// Job is a durable unit of background work. Jobs survive process restarts:
// everything needed to run (or re-run) one lives in its Redis hash.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`

	// ItemID optionally correlates the job with a blackboard item
	// (e.g. the task a run_agent job executes).
	ItemID string `json:"item_id,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	// RunAtMs is the earliest time the job may be claimed. Backoff pushes it
	// into the future on retry.
	RunAtMs int64 `json:"run_at_ms"`

	// Lease bookkeeping, set while running.
	ClaimedBy        string `json:"claimed_by,omitempty"`
	ClaimedAtMs      int64  `json:"claimed_at_ms,omitempty"`
	LeaseExpiresAtMs int64  `json:"lease_expires_at_ms,omitempty"`

	FinishedAtMs int64  `json:"finished_at_ms,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// Validate checks job fields before it is enqueued.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if j.Type == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}

// jobToHash converts a job to a flat Redis hash.
func jobToHash(j *Job) map[string]interface{} {
	hash := map[string]interface{}{
		"id":            j.ID,
		"type":          string(j.Type),
		"state":         string(j.State),
		"attempts":      j.Attempts,
		"max_attempts":  j.MaxAttempts,
		"created_at_ms": j.CreatedAtMs,
		"run_at_ms":     j.RunAtMs,
	}
	if len(j.Payload) > 0 {
		hash["payload"] = string(j.Payload)
	}
	if j.ItemID != "" {
		hash["item_id"] = j.ItemID
	}
	if j.ClaimedBy != "" {
		hash["claimed_by"] = j.ClaimedBy
	}
	if j.ClaimedAtMs != 0 {
		hash["claimed_at_ms"] = j.ClaimedAtMs
	}
	if j.LeaseExpiresAtMs != 0 {
		hash["lease_expires_at_ms"] = j.LeaseExpiresAtMs
	}
	if j.FinishedAtMs != 0 {
		hash["finished_at_ms"] = j.FinishedAtMs
	}
	if j.LastError != "" {
		hash["last_error"] = j.LastError
	}
	return hash
}

// hashToJob reconstructs a job from its Redis hash.
func hashToJob(hash map[string]string) (*Job, error) {
	j := &Job{
		ID:        hash["id"],
		Type:      JobType(hash["type"]),
		State:     JobState(hash["state"]),
		ItemID:    hash["item_id"],
		ClaimedBy: hash["claimed_by"],
		LastError: hash["last_error"],
	}
	if j.ID == "" {
		return nil, fmt.Errorf("job hash missing id field")
	}
	if p := hash["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}

	var err error
	intFields := []struct {
		name string
		dst  *int64
	}{
		{"created_at_ms", &j.CreatedAtMs},
		{"run_at_ms", &j.RunAtMs},
		{"claimed_at_ms", &j.ClaimedAtMs},
		{"lease_expires_at_ms", &j.LeaseExpiresAtMs},
		{"finished_at_ms", &j.FinishedAtMs},
	}
	for _, f := range intFields {
		if v := hash[f.name]; v != "" {
			if *f.dst, err = strconv.ParseInt(v, 10, 64); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", f.name, err)
			}
		}
	}
	if v := hash["attempts"]; v != "" {
		if j.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid attempts: %w", err)
		}
	}
	if v := hash["max_attempts"]; v != "" {
		if j.MaxAttempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid max_attempts: %w", err)
		}
	}
	return j, nil
}

// Key helpers. All queue keys share the blackboard's instance namespace so a
// single FLUSHDB-free teardown (delete rookery:{instance}:*) covers both.

func jobKey(instance, jobID string) string {
	return fmt.Sprintf("rookery:%s:job:%s", instance, jobID)
}

func jobKeyPrefix(instance string) string {
	return fmt.Sprintf("rookery:%s:job:", instance)
}

func stateKey(instance string, state JobState) string {
	return fmt.Sprintf("rookery:%s:jobs:%s", instance, state)
}
