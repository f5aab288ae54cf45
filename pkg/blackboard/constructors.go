package blackboard

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Typed constructors
//
// These wrappers set the canonical type, the required dimensions, and the
// parent link in one atomic Create, so every goal/task/output lands on the
// blackboard correctly typed and linked - never "bare".

// Dimension keys and well-known values used by the typed constructors.
const (
	DimStatus   = "status"
	DimPriority = "priority"
	DimSource   = "source"
	DimAgentID  = "agent_id"
	DimModelID  = "model_id"
	DimRating   = "rating"
	DimPartial  = "partial"

	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"

	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"

	SourceUser   = "user"
	SourceSystem = "system"
)

// CreateUserRequest records an incoming external request.
func (c *Client) CreateUserRequest(ctx context.Context, summary string, detail json.RawMessage) (*Item, error) {
	item := &Item{
		ID:      uuid.New().String(),
		Type:    ItemTypeUserRequest,
		Summary: summary,
		Dimensions: map[string]string{
			DimStatus: StatusOpen,
			DimSource: SourceUser,
		},
		Detail: detail,
	}
	if err := c.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateGoal creates a goal item. parentID is optional; when set, the goal is
// linked as a child of the parent (typically the originating user_request).
// dims overlay the defaults {status: open, priority: high, source: user}.
func (c *Client) CreateGoal(ctx context.Context, summary, parentID string, dims map[string]string) (*Item, error) {
	item := &Item{
		ID:      uuid.New().String(),
		Type:    ItemTypeGoal,
		Summary: summary,
		Dimensions: map[string]string{
			DimStatus:   StatusOpen,
			DimPriority: PriorityHigh,
			DimSource:   SourceUser,
		},
	}
	for k, v := range dims {
		item.Dimensions[k] = v
	}
	if parentID != "" {
		item.Links.Parents = []string{parentID}
	}
	if err := c.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateTask creates a task item under a goal.
func (c *Client) CreateTask(ctx context.Context, summary, goalID string, dims map[string]string) (*Item, error) {
	item := &Item{
		ID:      uuid.New().String(),
		Type:    ItemTypeTask,
		Summary: summary,
		Dimensions: map[string]string{
			DimStatus:   StatusOpen,
			DimPriority: PriorityMedium,
		},
	}
	for k, v := range dims {
		item.Dimensions[k] = v
	}
	if goalID != "" {
		item.Links.Parents = []string{goalID}
	}
	if err := c.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateAgentOutput records an agent's work product, linked to the goal or
// task it answers. agentID and modelID are recorded as dimensions for
// evaluator queries.
func (c *Client) CreateAgentOutput(ctx context.Context, summary, parentID, agentID, modelID string, detail json.RawMessage) (*Item, error) {
	item := &Item{
		ID:      uuid.New().String(),
		Type:    ItemTypeAgentOutput,
		Summary: summary,
		Dimensions: map[string]string{
			DimStatus: StatusDone,
		},
		Detail: detail,
	}
	if agentID != "" {
		item.Dimensions[DimAgentID] = agentID
	}
	if modelID != "" {
		item.Dimensions[DimModelID] = modelID
	}
	if parentID != "" {
		item.Links.Parents = []string{parentID}
	}
	if err := c.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateJudgement records a quality assessment of an output, feeding the model
// evaluator. rating is the judge's score formatted as a decimal in [0,1].
// outputID is linked as a parent so judgements are reachable from the output.
func (c *Client) CreateJudgement(ctx context.Context, summary, outputID, modelID, rating string) (*Item, error) {
	item := &Item{
		ID:      uuid.New().String(),
		Type:    ItemTypeJudgement,
		Summary: summary,
		Dimensions: map[string]string{
			DimRating: rating,
		},
	}
	if modelID != "" {
		item.Dimensions[DimModelID] = modelID
	}
	if outputID != "" {
		item.Links.Parents = []string{outputID}
	}
	if err := c.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}
