// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the Rookery blackboard. The blackboard is the central shared knowledge store
// where all Rookery components (orchestrator, scheduler, agents, CLI) interact via
// well-defined data structures stored in Redis.
//
// All Redis keys and channels are namespaced by instance name to enable multiple
// Rookery instances to safely coexist on a single Redis server.
package blackboard

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Item represents a typed knowledge item on the blackboard. Items form a general
// mutable graph: every item is addressed by a stable UUID and refers to other
// items only through link sets of ids, never embedded references.
type Item struct {
	ID          string            `json:"id"`               // UUID - unique identifier for this item
	Type        ItemType          `json:"type"`             // Canonical item type
	Summary     string            `json:"summary"`          // Short human-readable text
	Dimensions  map[string]string `json:"dimensions"`       // Open string-keyed values used for filtering (status, priority, ...)
	Links       Links             `json:"links"`            // Graph edges to other items
	Detail      json.RawMessage   `json:"detail,omitempty"` // Optional structured payload
	CreatedAtMs int64             `json:"created_at_ms"`    // Unix timestamp in milliseconds
	UpdatedAtMs int64             `json:"updated_at_ms"`    // Unix timestamp in milliseconds, bumped on every mutation
}

// ItemType is the closed enumeration of blackboard item types.
type ItemType string

const (
	ItemTypeUserRequest      ItemType = "user_request"
	ItemTypeGoal             ItemType = "goal"
	ItemTypeTask             ItemType = "task"
	ItemTypeAgentOutput      ItemType = "agent_output"
	ItemTypeJudgement        ItemType = "judgement"
	ItemTypeAgentProposal    ItemType = "agent_proposal"
	ItemTypeArchitectureVote ItemType = "architecture_vote"
	ItemTypeMemoryEntry      ItemType = "memory_entry"
	ItemTypeMetric           ItemType = "metric"

	// Query-only refinements. These are never stored on an item; queries expand
	// them to goal items with the matching "source" dimension.
	ItemTypeUserGoal   ItemType = "user_goal"
	ItemTypeSystemGoal ItemType = "system_goal"
)

// storableItemTypes are the types an item may actually carry.
var storableItemTypes = map[ItemType]bool{
	ItemTypeUserRequest:      true,
	ItemTypeGoal:             true,
	ItemTypeTask:             true,
	ItemTypeAgentOutput:      true,
	ItemTypeJudgement:        true,
	ItemTypeAgentProposal:    true,
	ItemTypeArchitectureVote: true,
	ItemTypeMemoryEntry:      true,
	ItemTypeMetric:           true,
}

// Validate checks if the ItemType may be stored on an item.
// Query-only refinements fail validation here: they are accepted by Query
// expansion, not by Create.
func (it ItemType) Validate() error {
	if storableItemTypes[it] {
		return nil
	}
	return fmt.Errorf("unknown or query-only item type: %q", it)
}

// Links holds the three link sets of an item. Each set is ordered but unique.
//
// Parents/Children are directional and symmetric with each other: if item A
// lists B in Children, B lists A in Parents. Related links are symmetric with
// themselves: if A lists B in Related, B lists A in Related.
type Links struct {
	Parents  []string `json:"parents"`
	Children []string `json:"children"`
	Related  []string `json:"related"`
}

// LinkRole identifies which link set a query or update refers to.
type LinkRole string

const (
	LinkRoleParent  LinkRole = "parent"
	LinkRoleChild   LinkRole = "child"
	LinkRoleRelated LinkRole = "related"
	// LinkRoleAny matches membership in any of the three sets (query only).
	LinkRoleAny LinkRole = "any"
)

// Validate checks if the LinkRole is a valid enum value.
func (lr LinkRole) Validate() error {
	switch lr {
	case LinkRoleParent, LinkRoleChild, LinkRoleRelated, LinkRoleAny:
		return nil
	default:
		return fmt.Errorf("unknown link role: %q", lr)
	}
}

// PeerIDs returns every distinct id referenced by any link set.
func (l Links) PeerIDs() []string {
	seen := make(map[string]bool)
	var peers []string
	for _, set := range [][]string{l.Parents, l.Children, l.Related} {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				peers = append(peers, id)
			}
		}
	}
	return peers
}

// Contains reports whether id is present in the named link set.
// LinkRoleAny checks all three sets.
func (l Links) Contains(role LinkRole, id string) bool {
	switch role {
	case LinkRoleParent:
		return containsID(l.Parents, id)
	case LinkRoleChild:
		return containsID(l.Children, id)
	case LinkRoleRelated:
		return containsID(l.Related, id)
	case LinkRoleAny:
		return containsID(l.Parents, id) || containsID(l.Children, id) || containsID(l.Related, id)
	default:
		return false
	}
}

// Validate checks if the Item has valid field values.
// Returns an error if any validation fails.
func (i *Item) Validate() error {
	if !isValidUUID(i.ID) {
		return &ValidationError{Msg: "invalid item ID: not a valid UUID"}
	}

	if err := i.Type.Validate(); err != nil {
		return &ValidationError{Msg: err.Error()}
	}

	if i.Summary == "" {
		return &ValidationError{Msg: "item summary cannot be empty"}
	}

	for _, set := range []struct {
		name string
		ids  []string
	}{
		{"parents", i.Links.Parents},
		{"children", i.Links.Children},
		{"related", i.Links.Related},
	} {
		seen := make(map[string]bool)
		for idx, id := range set.ids {
			if !isValidUUID(id) {
				return &ValidationError{Msg: fmt.Sprintf("invalid %s link at index %d: not a valid UUID", set.name, idx)}
			}
			if id == i.ID {
				return &ValidationError{Msg: fmt.Sprintf("item cannot link to itself in %s", set.name)}
			}
			if seen[id] {
				return &ValidationError{Msg: fmt.Sprintf("duplicate %s link: %s", set.name, id)}
			}
			seen[id] = true
		}
	}

	if len(i.Detail) > 0 && !json.Valid(i.Detail) {
		return &ValidationError{Msg: "item detail is not valid JSON"}
	}

	return nil
}

// containsID reports whether ids contains id.
func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// addID appends id to ids if not already present, preserving order.
func addID(ids []string, id string) []string {
	if containsID(ids, id) {
		return ids
	}
	return append(ids, id)
}

// removeID removes id from ids, preserving the order of the remainder.
func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
