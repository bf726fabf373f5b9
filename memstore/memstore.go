// Package memstore is an in-memory feed.Store. It backs tests and the
// "memory" backend of the server.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GetStream/feed-reactions/feed"
)

// Store keeps items and reactions in process memory. A single mutex makes
// every operation, including reaction updates, linearizable.
type Store struct {
	mu        sync.Mutex
	items     map[string]feed.Item
	reactions map[string]map[string]feed.Reaction // item id -> user id -> reaction
	last      time.Time

	// Now is the clock used to assign timestamps. Defaults to time.Now.
	Now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		items:     make(map[string]feed.Item),
		reactions: make(map[string]map[string]feed.Reaction),
	}
}

// now returns a strictly increasing timestamp. Callers hold mu.
func (s *Store) now() time.Time {
	clock := time.Now
	if s.Now != nil {
		clock = s.Now
	}
	t := feed.Timestamp(clock())
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func clone(it feed.Item) feed.Item {
	it.Counts = it.Counts.Clone()
	it.Hashtags = slices.Clone(it.Hashtags)
	return it
}

// CreateItem stores a new active item with a fresh id and timestamp.
func (s *Store) CreateItem(_ context.Context, item feed.Item) (feed.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item = clone(item)
	item.ID = uuid.NewString()
	item.Status = feed.StatusActive
	item.CreatedAt = s.now()
	s.items[item.ID] = item
	return clone(item), nil
}

// Put stores item as given, overwriting any item with the same id. Tests use
// it to seed exact timestamps and inconsistent counts.
func (s *Store) Put(item feed.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item = clone(item)
	item.CreatedAt = feed.Timestamp(item.CreatedAt)
	if item.Status == "" {
		item.Status = feed.StatusActive
	}
	s.items[item.ID] = item
}

// PutReaction stores a reaction row without touching the item's counts.
func (s *Store) PutReaction(r feed.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[r.ItemID] == nil {
		s.reactions[r.ItemID] = make(map[string]feed.Reaction)
	}
	s.reactions[r.ItemID][r.UserID] = r
}

// GetItem returns the item with the given id.
func (s *Store) GetItem(_ context.Context, itemID string) (feed.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return feed.Item{}, feed.ErrItemNotFound
	}
	return clone(it), nil
}

// ListItems returns active items matching the query in feed order.
func (s *Store) ListItems(ctx context.Context, q feed.ListQuery) ([]feed.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, feed.Unavailable("list items", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []feed.Item
	for _, it := range s.items {
		if it.Status != feed.StatusActive || !it.Matches(q.Filter) {
			continue
		}
		if q.After != nil && !q.After.Before(it.Position()) {
			continue
		}
		out = append(out, clone(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position().Before(out[j].Position()) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SoftDeleteItem marks the item deleted.
func (s *Store) SoftDeleteItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return feed.ErrItemNotFound
	}
	it.Status = feed.StatusDeleted
	s.items[itemID] = it
	return nil
}

// IncrementCounter adds delta to the counter, flooring at zero.
func (s *Store) IncrementCounter(_ context.Context, itemID string, c feed.Counter, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return 0, feed.ErrItemNotFound
	}
	var v *int64
	switch c {
	case feed.CounterComments:
		v = &it.CommentCount
	case feed.CounterShares:
		v = &it.ShareCount
	default:
		return 0, fmt.Errorf("unknown counter %q", c)
	}
	*v = max(*v+delta, 0)
	s.items[itemID] = it
	return *v, nil
}

// GetReaction returns the user's reaction, or nil.
func (s *Store) GetReaction(_ context.Context, itemID, userID string) (*feed.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return nil, feed.ErrItemNotFound
	}
	r, ok := s.reactions[itemID][userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// UpdateReaction applies tx under the store lock.
func (s *Store) UpdateReaction(ctx context.Context, itemID, userID string, tx feed.ReactionTx) error {
	if err := ctx.Err(); err != nil {
		return feed.Unavailable("update reaction", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return feed.ErrItemNotFound
	}
	var cur *feed.Reaction
	if r, ok := s.reactions[itemID][userID]; ok {
		cur = &r
	}
	w, err := tx(clone(it), cur)
	if err != nil {
		return err
	}
	if w.Kind == "" {
		delete(s.reactions[itemID], userID)
	} else {
		if s.reactions[itemID] == nil {
			s.reactions[itemID] = make(map[string]feed.Reaction)
		}
		s.reactions[itemID][userID] = feed.Reaction{ItemID: itemID, UserID: userID, Kind: w.Kind, UpdatedAt: s.now()}
	}
	it.Counts = w.Counts.Clone()
	s.items[itemID] = it
	return nil
}

// ListReactions returns the item's reaction rows ordered by user id.
func (s *Store) ListReactions(_ context.Context, itemID string) ([]feed.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return nil, feed.ErrItemNotFound
	}
	return s.rowsLocked(itemID), nil
}

func (s *Store) rowsLocked(itemID string) []feed.Reaction {
	out := make([]feed.Reaction, 0, len(s.reactions[itemID]))
	for _, r := range s.reactions[itemID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UpdateCounts applies tx under the store lock.
func (s *Store) UpdateCounts(_ context.Context, itemID string, tx feed.CountsTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return feed.ErrItemNotFound
	}
	counts, err := tx(s.rowsLocked(itemID), it.Counts.Clone())
	if err != nil {
		return err
	}
	it.Counts = counts.Clone()
	s.items[itemID] = it
	return nil
}
