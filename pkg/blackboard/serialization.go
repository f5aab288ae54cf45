package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like the
// dimensions map and link sets are JSON-encoded into single hash fields. This
// provides a balance between queryability (individual fields) and flexibility
// (complex structures).

// ItemToHash converts an Item struct to a Redis hash format.
// Map and link fields are JSON-encoded.
func ItemToHash(i *Item) (map[string]interface{}, error) {
	dimensionsJSON, err := json.Marshal(i.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dimensions: %w", err)
	}

	linksJSON, err := json.Marshal(i.Links)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal links: %w", err)
	}

	hash := map[string]interface{}{
		"id":            i.ID,
		"type":          string(i.Type),
		"summary":       i.Summary,
		"dimensions":    string(dimensionsJSON),
		"links":         string(linksJSON),
		"detail":        string(i.Detail),
		"created_at_ms": i.CreatedAtMs,
		"updated_at_ms": i.UpdatedAtMs,
	}

	return hash, nil
}

// HashToItem converts a Redis hash to an Item struct.
// JSON fields are decoded back to Go types.
func HashToItem(hash map[string]string) (*Item, error) {
	var dimensions map[string]string
	if dimensionsJSON := hash["dimensions"]; dimensionsJSON != "" {
		if err := json.Unmarshal([]byte(dimensionsJSON), &dimensions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dimensions: %w", err)
		}
	}
	if dimensions == nil {
		dimensions = map[string]string{}
	}

	var links Links
	if linksJSON := hash["links"]; linksJSON != "" {
		if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
			return nil, fmt.Errorf("failed to unmarshal links: %w", err)
		}
	}

	// Ensure empty slices instead of nil for consistency
	if links.Parents == nil {
		links.Parents = []string{}
	}
	if links.Children == nil {
		links.Children = []string{}
	}
	if links.Related == nil {
		links.Related = []string{}
	}

	var detail json.RawMessage
	if d := hash["detail"]; d != "" {
		detail = json.RawMessage(d)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	item := &Item{
		ID:          hash["id"],
		Type:        ItemType(hash["type"]),
		Summary:     hash["summary"],
		Dimensions:  dimensions,
		Links:       links,
		Detail:      detail,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}

	return item, nil
}
