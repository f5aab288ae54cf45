package blackboard

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// OrderField selects which timestamp a query is ordered by.
type OrderField string

const (
	OrderByCreated OrderField = "created_at"
	OrderByUpdated OrderField = "updated_at"
)

// OrderDirection selects the sort direction of query results.
type OrderDirection string

const (
	OrderDesc OrderDirection = "desc"
	OrderAsc  OrderDirection = "asc"
)

// Query describes a blackboard item search. All populated filters are ANDed
// together. The zero value matches every item, newest first.
type Query struct {
	// Types filters by item type (single or set membership). Query-only
	// refinements (user_goal, system_goal) expand to goal plus a source
	// dimension filter.
	Types []ItemType

	// Dimensions are equality filters; every key must match.
	Dimensions map[string]string

	// SummaryContains is a case-insensitive substring match on the summary.
	SummaryContains string

	// LinkedTo matches items whose link set (per LinkRole) contains this id.
	LinkedTo string
	LinkRole LinkRole

	// CreatedAfterMs / CreatedBeforeMs bound the creation time (inclusive,
	// milliseconds; zero = unbounded).
	CreatedAfterMs  int64
	CreatedBeforeMs int64

	// Pagination and ordering. OrderBy defaults to created_at, Direction to
	// desc (newest first). Limit 0 means no limit.
	OrderBy   OrderField
	Direction OrderDirection
	Limit     int
	Offset    int
}

// normalize validates the query and expands query-only type refinements.
// Returns the effective storable types (nil = all) and extra dimension filters.
func (q *Query) normalize() ([]ItemType, map[string]string, error) {
	if q.LinkedTo != "" {
		if !isValidUUID(q.LinkedTo) {
			return nil, nil, &ValidationError{Msg: "linked_to is not a valid UUID"}
		}
		if q.LinkRole == "" {
			q.LinkRole = LinkRoleAny
		}
		if err := q.LinkRole.Validate(); err != nil {
			return nil, nil, &ValidationError{Msg: err.Error()}
		}
	}

	switch q.OrderBy {
	case "", OrderByCreated:
		q.OrderBy = OrderByCreated
	case OrderByUpdated:
	default:
		return nil, nil, &ValidationError{Msg: fmt.Sprintf("unknown order field: %q", q.OrderBy)}
	}

	switch q.Direction {
	case "", OrderDesc:
		q.Direction = OrderDesc
	case OrderAsc:
	default:
		return nil, nil, &ValidationError{Msg: fmt.Sprintf("unknown order direction: %q", q.Direction)}
	}

	if q.Limit < 0 || q.Offset < 0 {
		return nil, nil, &ValidationError{Msg: "limit and offset must be non-negative"}
	}

	extraDims := map[string]string{}
	var types []ItemType
	for _, t := range q.Types {
		switch t {
		case ItemTypeUserGoal:
			types = append(types, ItemTypeGoal)
			extraDims["source"] = "user"
		case ItemTypeSystemGoal:
			types = append(types, ItemTypeGoal)
			extraDims["source"] = "system"
		default:
			if err := t.Validate(); err != nil {
				return nil, nil, &ValidationError{Msg: err.Error()}
			}
			types = append(types, t)
		}
	}

	// De-duplicate expanded types.
	seen := make(map[ItemType]bool, len(types))
	uniq := types[:0]
	for _, t := range types {
		if !seen[t] {
			seen[t] = true
			uniq = append(uniq, t)
		}
	}

	return uniq, extraDims, nil
}

// Query returns the items matching the filter, ordered and paginated.
//
// Candidate ids are pulled from the per-type created-at indexes (or the global
// index when no type filter is set), already narrowed by the creation-time
// range; the remaining filters run in-process over the fetched items. The
// blackboard holds coordination state, not bulk data, so candidate sets stay
// small.
func (c *Client) Query(ctx context.Context, q Query) ([]*Item, error) {
	types, extraDims, err := q.normalize()
	if err != nil {
		return nil, err
	}

	ids, err := c.candidateIDs(ctx, types, q.CreatedAfterMs, q.CreatedBeforeMs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Item{}, nil
	}

	items, err := c.fetchItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	filtered := items[:0]
	for _, item := range items {
		if !matchesQuery(item, &q, extraDims) {
			continue
		}
		filtered = append(filtered, item)
	}

	sortItems(filtered, q.OrderBy, q.Direction)

	// Pagination after ordering.
	if q.Offset >= len(filtered) {
		return []*Item{}, nil
	}
	filtered = filtered[q.Offset:]
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}

	return filtered, nil
}

// CountByType returns the number of items per storable type. Used by health
// reporting and the CLI.
func (c *Client) CountByType(ctx context.Context) (map[ItemType]int64, error) {
	pipe := c.rdb.Pipeline()
	cmds := make(map[ItemType]*redis.IntCmd, len(storableItemTypes))
	for t := range storableItemTypes {
		cmds[t] = pipe.ZCard(ctx, ItemsByTypeKey(c.instanceName, t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	counts := make(map[ItemType]int64, len(cmds))
	for t, cmd := range cmds {
		counts[t] = cmd.Val()
	}
	return counts, nil
}

// candidateIDs pulls item ids from the narrowest available index.
func (c *Client) candidateIDs(ctx context.Context, types []ItemType, afterMs, beforeMs int64) ([]string, error) {
	min, max := "-inf", "+inf"
	if afterMs > 0 {
		min = fmt.Sprintf("%d", afterMs)
	}
	if beforeMs > 0 {
		max = fmt.Sprintf("%d", beforeMs)
	}
	rangeBy := &redis.ZRangeBy{Min: min, Max: max}

	if len(types) == 0 {
		ids, err := c.rdb.ZRangeByScore(ctx, ItemsAllKey(c.instanceName), rangeBy).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read item index: %w", err)
		}
		return ids, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringSliceCmd, 0, len(types))
	for _, t := range types {
		cmds = append(cmds, pipe.ZRangeByScore(ctx, ItemsByTypeKey(c.instanceName, t), rangeBy))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read type indexes: %w", err)
	}

	var ids []string
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val()...)
	}
	return ids, nil
}

// fetchItems loads item hashes in one pipeline. Ids whose hash vanished
// between the index read and the fetch are skipped.
func (c *Client) fetchItems(ctx context.Context, ids []string) ([]*Item, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, ItemKey(c.instanceName, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch items: %w", err)
	}

	items := make([]*Item, 0, len(ids))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		item, err := HashToItem(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// matchesQuery applies the in-process filters.
func matchesQuery(item *Item, q *Query, extraDims map[string]string) bool {
	for k, v := range q.Dimensions {
		if item.Dimensions[k] != v {
			return false
		}
	}
	for k, v := range extraDims {
		if item.Dimensions[k] != v {
			return false
		}
	}

	if q.SummaryContains != "" &&
		!strings.Contains(strings.ToLower(item.Summary), strings.ToLower(q.SummaryContains)) {
		return false
	}

	if q.LinkedTo != "" && !item.Links.Contains(q.LinkRole, q.LinkedTo) {
		return false
	}

	return true
}

// sortItems orders items by the requested timestamp, ties broken by id so
// results are deterministic.
func sortItems(items []*Item, field OrderField, dir OrderDirection) {
	keyOf := func(i *Item) int64 {
		if field == OrderByUpdated {
			return i.UpdatedAtMs
		}
		return i.CreatedAtMs
	}
	sort.Slice(items, func(a, b int) bool {
		ka, kb := keyOf(items[a]), keyOf(items[b])
		if ka == kb {
			if dir == OrderAsc {
				return items[a].ID < items[b].ID
			}
			return items[a].ID > items[b].ID
		}
		if dir == OrderAsc {
			return ka < kb
		}
		return ka > kb
	})
}
