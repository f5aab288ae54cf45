// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the Rookery blackboard.
//
// # Overview
//
// The blackboard is the central shared knowledge store where all Rookery
// components (orchestrator, job scheduler, agents, CLI) interact via
// well-defined data structures stored in Redis. It implements the Blackboard
// architectural pattern - a shared workspace where independent agents
// collaborate by reading and writing structured data.
//
// # Core Concepts
//
// Items are typed knowledge records forming a general mutable graph. Every
// item is addressed by a stable UUID and refers to other items only through
// link sets of ids (parents, children, related), never embedded references.
// This sidesteps cycle and ownership problems entirely and makes symmetry
// enforcement a local, auditable operation.
//
// The link-symmetry invariant: if item A lists B in children, B lists A in
// parents; related links are symmetric with each other. Every mutation that
// introduces or removes a link updates the referenced peers in the same
// optimistic transaction, so the invariant holds at every observable point
// and no dangling link ids can exist.
//
// Events are append-only audit records in a capped Redis stream. They are
// write-only from the core's perspective and feed the model evaluator's
// trailing outcome window.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Rookery instances to safely coexist on a single Redis
// server without interference.
//
// # Usage Example
//
//	import "github.com/dyluth/rookery/pkg/blackboard"
//
//	client, err := blackboard.NewClient(&redis.Options{Addr: "localhost:6379"}, "default-1")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Typed constructors guarantee every goal is correctly typed and linked.
//	request, err := client.CreateUserRequest(ctx, "summarise the day's activity", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	goal, err := client.CreateGoal(ctx, "summarise activity", request.ID, nil)
//
//	// Query the graph.
//	open, err := client.Query(ctx, blackboard.Query{
//		Types:      []blackboard.ItemType{blackboard.ItemTypeGoal},
//		Dimensions: map[string]string{blackboard.DimStatus: blackboard.StatusOpen},
//	})
//
// # Redis Schema
//
// Items: rookery:{instance_name}:item:{item_id} (hash)
// Item indexes: rookery:{instance_name}:items:all and
// rookery:{instance_name}:items:type:{type} (ZSETs scored by created_at_ms)
// Events: rookery:{instance_name}:events (stream, capped)
// Live item events: rookery:{instance_name}:item_events (Pub/Sub)
//
// # Design Principles
//
//   - Type safety: all data structures have strong typing with validation methods
//   - Symmetry: link updates are atomic across the item and its peers
//   - Auditability: every notable transition appends an event
//   - Isolation: instance namespacing prevents cross-instance interference
package blackboard
