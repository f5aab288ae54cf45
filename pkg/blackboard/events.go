package blackboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is an append-only audit record. Events are write-only from the core's
// perspective: they are appended on every notable transition and never
// mutated. Storage is a Redis stream, capped to a bounded length so the
// trailing window the evaluator scans stays cheap.
type Event struct {
	ID          string            `json:"id"`   // Redis stream entry id
	Type        string            `json:"type"` // e.g. request_received, goal_created, job_failed
	AgentID     string            `json:"agent_id,omitempty"`
	ModelID     string            `json:"model_id,omitempty"`
	ItemID      string            `json:"item_id,omitempty"` // blackboard item correlation
	JobID       string            `json:"job_id,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAtMs int64             `json:"created_at_ms"`
}

// Well-known event types appended by the core.
const (
	EventRequestReceived   = "request_received"
	EventGoalCreated       = "goal_created"
	EventTaskDispatched    = "task_dispatched"
	EventAgentRunCompleted = "agent_run_completed"
	EventAgentRunFailed    = "agent_run_failed"
	EventStreamCancelled   = "stream_cancelled"
	EventJobEnqueued       = "job_enqueued"
	EventJobCompleted      = "job_completed"
	EventJobFailed         = "job_failed"
	EventModelScoresUpdate = "model_scores_updated"
)

// eventStreamMaxLen caps the audit stream. The evaluator only ever scans a
// trailing window, so old entries can be dropped by Redis (approximate trim).
const eventStreamMaxLen = 10000

// AppendEvent appends an audit event to the instance's event stream.
// The stream entry id becomes the event's ID.
func (c *Client) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.Type == "" {
		return &ValidationError{Msg: "event type cannot be empty"}
	}
	if ev.CreatedAtMs == 0 {
		ev.CreatedAtMs = time.Now().UnixMilli()
	}

	values := map[string]interface{}{
		"type":          ev.Type,
		"created_at_ms": ev.CreatedAtMs,
	}
	if ev.AgentID != "" {
		values["agent_id"] = ev.AgentID
	}
	if ev.ModelID != "" {
		values["model_id"] = ev.ModelID
	}
	if ev.ItemID != "" {
		values["item_id"] = ev.ItemID
	}
	if ev.JobID != "" {
		values["job_id"] = ev.JobID
	}
	for k, v := range ev.Data {
		values["data:"+k] = v
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventsStreamKey(c.instanceName),
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	ev.ID = id
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int64) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := c.rdb.XRevRangeN(ctx, EventsStreamKey(c.instanceName), "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]*Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, messageToEvent(msg))
	}
	return events, nil
}

// RecentEventsByModel returns up to limit events referencing the model,
// newest first. The scan is bounded by the stream cap, which bounds the
// evaluator's trailing window.
func (c *Client) RecentEventsByModel(ctx context.Context, modelID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := c.rdb.XRevRangeN(ctx, EventsStreamKey(c.instanceName), "+", "-", eventStreamMaxLen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]*Event, 0, limit)
	for _, msg := range msgs {
		ev := messageToEvent(msg)
		if ev.ModelID != modelID {
			continue
		}
		events = append(events, ev)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// messageToEvent converts a raw stream entry back to an Event.
func messageToEvent(msg redis.XMessage) *Event {
	ev := &Event{ID: msg.ID}
	for k, v := range msg.Values {
		s, _ := v.(string)
		switch k {
		case "type":
			ev.Type = s
		case "agent_id":
			ev.AgentID = s
		case "model_id":
			ev.ModelID = s
		case "item_id":
			ev.ItemID = s
		case "job_id":
			ev.JobID = s
		case "created_at_ms":
			ev.CreatedAtMs, _ = strconv.ParseInt(s, 10, 64)
		default:
			if len(k) > 5 && k[:5] == "data:" {
				if ev.Data == nil {
					ev.Data = map[string]string{}
				}
				ev.Data[k[5:]] = s
			}
		}
	}
	return ev
}
