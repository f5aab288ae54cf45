package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds the optimistic-lock retry loop for link-symmetry
// transactions. Contention on a single shared parent is short-lived, so a
// small bound is enough; exhaustion surfaces as ErrConflict.
const maxTxRetries = 16

// errPeersChanged signals that an item's link sets changed between the
// snapshot read and the WATCH, so the transaction must restart with the
// fresh peer set.
var errPeersChanged = errors.New("blackboard: peer set changed during transaction")

// Client provides instance-scoped Redis operations for the blackboard.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new blackboard client for the specified instance.
// The client automatically namespaces all keys and channels with the instance name.
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the instance this client is namespaced to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Redis exposes the underlying Redis client for sibling components (job queue,
// model registry) that share the connection and namespace.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Create writes a new item to Redis, wires up reciprocal links on every peer
// named in the item's link sets, and publishes an item event.
//
// The item, its peers' link updates, and the index entries are committed in a
// single optimistic transaction scoped to the item and its peers, so two goals
// attaching under the same parent concurrently can never lose a sibling's link.
// All referenced peers must already exist.
func (c *Client) Create(ctx context.Context, item *Item) error {
	if item.ID == "" {
		return &ValidationError{Msg: "item ID must be set before Create (use uuid.New().String())"}
	}
	if item.Dimensions == nil {
		item.Dimensions = map[string]string{}
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid item: %w", err)
	}

	now := time.Now().UnixMilli()
	if item.CreatedAtMs == 0 {
		item.CreatedAtMs = now
	}
	item.UpdatedAtMs = item.CreatedAtMs

	peers := item.Links.PeerIDs()
	watchKeys := make([]string, 0, len(peers)+1)
	watchKeys = append(watchKeys, ItemKey(c.instanceName, item.ID))
	for _, peerID := range peers {
		watchKeys = append(watchKeys, ItemKey(c.instanceName, peerID))
	}

	txn := func(tx *redis.Tx) error {
		// The id must be fresh.
		exists, err := tx.Exists(ctx, ItemKey(c.instanceName, item.ID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check item existence: %w", err)
		}
		if exists > 0 {
			return &ValidationError{Msg: fmt.Sprintf("item %s already exists", item.ID)}
		}

		// Load every peer; reciprocal links can only be wired to items that exist.
		peerItems, err := c.loadItemsTx(ctx, tx, peers)
		if err != nil {
			return err
		}

		for _, parentID := range item.Links.Parents {
			p := peerItems[parentID]
			p.Links.Children = addID(p.Links.Children, item.ID)
		}
		for _, childID := range item.Links.Children {
			ch := peerItems[childID]
			ch.Links.Parents = addID(ch.Links.Parents, item.ID)
		}
		for _, relID := range item.Links.Related {
			r := peerItems[relID]
			r.Links.Related = addID(r.Links.Related, item.ID)
		}

		itemHash, err := ItemToHash(item)
		if err != nil {
			return fmt.Errorf("failed to serialize item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ItemKey(c.instanceName, item.ID), itemHash)
			pipe.ZAdd(ctx, ItemsAllKey(c.instanceName), redis.Z{Score: float64(item.CreatedAtMs), Member: item.ID})
			pipe.ZAdd(ctx, ItemsByTypeKey(c.instanceName, item.Type), redis.Z{Score: float64(item.CreatedAtMs), Member: item.ID})
			return c.writePeersPipe(ctx, pipe, peerItems, now)
		})
		return err
	}

	if err := c.runOptimistic(ctx, txn, watchKeys); err != nil {
		return err
	}

	c.publishItemEvent(ctx, "created", item)
	return nil
}

// Get retrieves an item by ID.
// Returns (nil, redis.Nil) if the item doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) Get(ctx context.Context, itemID string) (*Item, error) {
	key := ItemKey(c.instanceName, itemID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read item from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	item, err := HashToItem(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize item: %w", err)
	}

	return item, nil
}

// ItemUpdate describes a partial mutation of an item.
type ItemUpdate struct {
	// Dimensions are shallow-merged key by key into the item's dimensions.
	Dimensions map[string]string

	// Detail replaces the item's detail payload when set. With MergeDetail,
	// both payloads must be JSON objects and keys are shallow-merged instead.
	Detail      json.RawMessage
	MergeDetail bool

	// AddLinks / RemoveLinks are link-set deltas. Reciprocal links on the
	// referenced peers are updated in the same transaction.
	AddLinks    Links
	RemoveLinks Links
}

// Update applies a partial mutation to an item. Dimension merges overwrite key
// by key; link deltas keep symmetry by updating the referenced peers in the
// same optimistic transaction. Returns the updated item.
func (c *Client) Update(ctx context.Context, itemID string, upd ItemUpdate) (*Item, error) {
	addPeers := upd.AddLinks.PeerIDs()
	removePeers := upd.RemoveLinks.PeerIDs()

	peerSet := make(map[string]bool)
	var peers []string
	for _, id := range append(append([]string{}, addPeers...), removePeers...) {
		if id == itemID {
			return nil, &ValidationError{Msg: "item cannot link to itself"}
		}
		if !peerSet[id] {
			peerSet[id] = true
			peers = append(peers, id)
		}
	}

	watchKeys := make([]string, 0, len(peers)+1)
	watchKeys = append(watchKeys, ItemKey(c.instanceName, itemID))
	for _, peerID := range peers {
		watchKeys = append(watchKeys, ItemKey(c.instanceName, peerID))
	}

	var updated *Item

	txn := func(tx *redis.Tx) error {
		item, err := c.getItemTx(ctx, tx, itemID)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()

		for k, v := range upd.Dimensions {
			item.Dimensions[k] = v
		}

		if upd.Detail != nil {
			if !json.Valid(upd.Detail) {
				return &ValidationError{Msg: "update detail is not valid JSON"}
			}
			if upd.MergeDetail && len(item.Detail) > 0 {
				merged, err := mergeJSONObjects(item.Detail, upd.Detail)
				if err != nil {
					return &ValidationError{Msg: fmt.Sprintf("cannot merge detail: %v", err)}
				}
				item.Detail = merged
			} else {
				item.Detail = upd.Detail
			}
		}

		peerItems, err := c.loadItemsTx(ctx, tx, peers)
		if err != nil {
			return err
		}

		// Removals first so an id moved between roles ends up present.
		for _, parentID := range upd.RemoveLinks.Parents {
			item.Links.Parents = removeID(item.Links.Parents, parentID)
			if p, ok := peerItems[parentID]; ok {
				p.Links.Children = removeID(p.Links.Children, itemID)
			}
		}
		for _, childID := range upd.RemoveLinks.Children {
			item.Links.Children = removeID(item.Links.Children, childID)
			if ch, ok := peerItems[childID]; ok {
				ch.Links.Parents = removeID(ch.Links.Parents, itemID)
			}
		}
		for _, relID := range upd.RemoveLinks.Related {
			item.Links.Related = removeID(item.Links.Related, relID)
			if r, ok := peerItems[relID]; ok {
				r.Links.Related = removeID(r.Links.Related, itemID)
			}
		}

		for _, parentID := range upd.AddLinks.Parents {
			item.Links.Parents = addID(item.Links.Parents, parentID)
			peerItems[parentID].Links.Children = addID(peerItems[parentID].Links.Children, itemID)
		}
		for _, childID := range upd.AddLinks.Children {
			item.Links.Children = addID(item.Links.Children, childID)
			peerItems[childID].Links.Parents = addID(peerItems[childID].Links.Parents, itemID)
		}
		for _, relID := range upd.AddLinks.Related {
			item.Links.Related = addID(item.Links.Related, relID)
			peerItems[relID].Links.Related = addID(peerItems[relID].Links.Related, itemID)
		}

		item.UpdatedAtMs = now

		if err := item.Validate(); err != nil {
			return fmt.Errorf("update produced invalid item: %w", err)
		}

		itemHash, err := ItemToHash(item)
		if err != nil {
			return fmt.Errorf("failed to serialize item: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ItemKey(c.instanceName, itemID), itemHash)
			return c.writePeersPipe(ctx, pipe, peerItems, now)
		})
		if err != nil {
			return err
		}

		updated = item
		return nil
	}

	if err := c.runOptimistic(ctx, txn, watchKeys); err != nil {
		return nil, err
	}

	c.publishItemEvent(ctx, "updated", updated)
	return updated, nil
}

// Delete removes an item and strips its id from every peer's link sets.
// Returns false if the item did not exist. A successful delete leaves no
// dangling link ids anywhere on the blackboard.
func (c *Client) Delete(ctx context.Context, itemID string) (bool, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		item, err := c.Get(ctx, itemID)
		if err != nil {
			if IsNotFound(err) {
				return false, nil
			}
			return false, err
		}

		peers := item.Links.PeerIDs()
		watchKeys := make([]string, 0, len(peers)+1)
		watchKeys = append(watchKeys, ItemKey(c.instanceName, itemID))
		for _, peerID := range peers {
			watchKeys = append(watchKeys, ItemKey(c.instanceName, peerID))
		}

		txn := func(tx *redis.Tx) error {
			fresh, err := c.getItemTx(ctx, tx, itemID)
			if err != nil {
				return err
			}

			// If a concurrent link update changed the peer set we are not
			// watching the right keys; restart with the fresh snapshot.
			if !samePeerSet(peers, fresh.Links.PeerIDs()) {
				return errPeersChanged
			}

			peerItems, err := c.loadKnownItemsTx(ctx, tx, peers)
			if err != nil {
				return err
			}
			now := time.Now().UnixMilli()
			for _, p := range peerItems {
				p.Links.Parents = removeID(p.Links.Parents, itemID)
				p.Links.Children = removeID(p.Links.Children, itemID)
				p.Links.Related = removeID(p.Links.Related, itemID)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, ItemKey(c.instanceName, itemID))
				pipe.ZRem(ctx, ItemsAllKey(c.instanceName), itemID)
				pipe.ZRem(ctx, ItemsByTypeKey(c.instanceName, fresh.Type), itemID)
				return c.writePeersPipe(ctx, pipe, peerItems, now)
			})
			return err
		}

		err = c.rdb.Watch(ctx, txn, watchKeys...)
		switch {
		case err == nil:
			c.publishItemEvent(ctx, "deleted", item)
			return true, nil
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, errPeersChanged):
			continue
		case IsNotFound(err):
			return false, nil
		default:
			return false, err
		}
	}
	return false, ErrConflict
}

// ScanItemIDs returns the ids of all items whose id starts with the given
// prefix, in no particular order. Uses SCAN so it is safe against large
// keyspaces, but it is still a full keyspace walk; intended for CLI lookups,
// not hot paths.
func (c *Client) ScanItemIDs(ctx context.Context, prefix string) ([]string, error) {
	pattern := ItemKey(c.instanceName, prefix+"*")
	keyPrefix := ItemKey(c.instanceName, "")

	var ids []string
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan items: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// runOptimistic executes a WATCH transaction with a bounded retry loop.
func (c *Client) runOptimistic(ctx context.Context, txn func(tx *redis.Tx) error, watchKeys []string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := c.rdb.Watch(ctx, txn, watchKeys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// getItemTx reads an item inside a WATCH transaction.
func (c *Client) getItemTx(ctx context.Context, tx *redis.Tx, itemID string) (*Item, error) {
	hashData, err := tx.HGetAll(ctx, ItemKey(c.instanceName, itemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read item from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	item, err := HashToItem(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize item: %w", err)
	}
	return item, nil
}

// loadItemsTx reads the given items inside a WATCH transaction. Every id must
// exist; a missing peer aborts the transaction with a not-found error so no
// dangling link can be created.
func (c *Client) loadItemsTx(ctx context.Context, tx *redis.Tx, ids []string) (map[string]*Item, error) {
	items := make(map[string]*Item, len(ids))
	for _, id := range ids {
		item, err := c.getItemTx(ctx, tx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil, fmt.Errorf("linked item %s: %w", id, err)
			}
			return nil, err
		}
		items[id] = item
	}
	return items, nil
}

// loadKnownItemsTx is loadItemsTx for peers that may have been deleted
// concurrently; missing peers are skipped rather than treated as errors.
func (c *Client) loadKnownItemsTx(ctx context.Context, tx *redis.Tx, ids []string) (map[string]*Item, error) {
	items := make(map[string]*Item, len(ids))
	for _, id := range ids {
		item, err := c.getItemTx(ctx, tx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items[id] = item
	}
	return items, nil
}

// writePeersPipe queues HSET writes for every touched peer.
func (c *Client) writePeersPipe(ctx context.Context, pipe redis.Pipeliner, peerItems map[string]*Item, now int64) error {
	for _, peer := range peerItems {
		peer.UpdatedAtMs = now
		peerHash, err := ItemToHash(peer)
		if err != nil {
			return fmt.Errorf("failed to serialize peer item %s: %w", peer.ID, err)
		}
		pipe.HSet(ctx, ItemKey(c.instanceName, peer.ID), peerHash)
	}
	return nil
}

// samePeerSet reports whether two peer id slices contain the same ids.
func samePeerSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// mergeJSONObjects shallow-merges two JSON objects, with keys from overlay
// overwriting keys in base.
func mergeJSONObjects(base, overlay json.RawMessage) (json.RawMessage, error) {
	var baseMap, overlayMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("existing detail is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(overlay, &overlayMap); err != nil {
		return nil, fmt.Errorf("new detail is not a JSON object: %w", err)
	}
	for k, v := range overlayMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}

// ItemEvent is the payload published to the item events Pub/Sub channel.
type ItemEvent struct {
	Action string `json:"action"` // created, updated, deleted
	Item   *Item  `json:"item"`
}

// publishItemEvent publishes a live notification for watchers. Pub/Sub is
// at-most-once and best-effort; the durable audit trail is the event stream.
func (c *Client) publishItemEvent(ctx context.Context, action string, item *Item) {
	if item == nil {
		return
	}
	payload, err := json.Marshal(&ItemEvent{Action: action, Item: item})
	if err != nil {
		return
	}
	c.rdb.Publish(ctx, ItemEventsChannel(c.instanceName), payload)
}

// Subscription represents an active Pub/Sub subscription to item events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *ItemEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of item events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *ItemEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeItemEvents subscribes to item create/update/delete events for this
// instance. Returns a Subscription that delivers full item events.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeItemEvents(ctx context.Context) (*Subscription, error) {
	channel := ItemEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *ItemEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event ItemEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal item event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
