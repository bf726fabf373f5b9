package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/GetStream/feed-reactions/feed"
)

// Store keeps items, index entries and reactions in one keyspace:
//
//	item/{id}                                  record
//	idx\x00{field}\x00{value}\x00{micros}\x00{id}  empty
//	rx/{item id}/{user id}                     reactionRecord
//
// Index timestamps are zero padded so byte order is feed order, and the
// index is read with a reverse iterator.
type Store struct {
	db *badger.DB
	gc *gcRunner

	mu   sync.Mutex
	last time.Time

	// Now is the clock used to assign timestamps. Defaults to time.Now.
	Now func() time.Time

	// MaxRetries bounds attempts of a transaction that keeps conflicting.
	// Defaults to 16.
	MaxRetries int
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.close()
	}
	return s.db.Close()
}

type record struct {
	ID           string           `msgpack:"id"`
	Kind         string           `msgpack:"kind"`
	AuthorID     string           `msgpack:"author"`
	GroupID      string           `msgpack:"group,omitempty"`
	Hashtags     []string         `msgpack:"tags,omitempty"`
	Body         string           `msgpack:"body,omitempty"`
	Status       string           `msgpack:"status"`
	CreatedAt    int64            `msgpack:"created"`
	Counts       map[string]int64 `msgpack:"counts"`
	CommentCount int64            `msgpack:"comments"`
	ShareCount   int64            `msgpack:"shares"`
}

func (r record) FeedItem() feed.Item {
	counts := make(feed.Counts, len(r.Counts))
	for k, n := range r.Counts {
		counts[feed.ReactionKind(k)] = n
	}
	return feed.Item{
		ID:           r.ID,
		Kind:         feed.ItemKind(r.Kind),
		AuthorID:     r.AuthorID,
		GroupID:      r.GroupID,
		Hashtags:     r.Hashtags,
		Body:         r.Body,
		Status:       feed.Status(r.Status),
		CreatedAt:    time.UnixMicro(r.CreatedAt).UTC(),
		Counts:       counts.Clone(),
		CommentCount: r.CommentCount,
		ShareCount:   r.ShareCount,
	}
}

func (r *record) setCounts(c feed.Counts) {
	r.Counts = make(map[string]int64, len(c))
	for k, n := range c.Clone() {
		r.Counts[string(k)] = n
	}
}

type reactionRecord struct {
	Kind      string `msgpack:"kind"`
	UpdatedAt int64  `msgpack:"updated"`
}

func itemKey(id string) []byte { return []byte("item/" + id) }

func reactionPrefix(itemID string) []byte { return []byte("rx/" + itemID + "/") }

func reactionKey(itemID, userID string) []byte {
	return append(reactionPrefix(itemID), userID...)
}

func indexPrefix(f feed.Filter) []byte {
	return []byte("idx\x00" + string(f.Field) + "\x00" + f.Value + "\x00")
}

func indexKey(f feed.Filter, p feed.Position) []byte {
	return fmt.Appendf(indexPrefix(f), "%020d\x00%s", p.CreatedAt.UnixMicro(), p.ID)
}

// filters lists every filter the item is listed under.
func filters(it feed.Item) []feed.Filter {
	out := []feed.Filter{feed.Global, feed.ByAuthor(it.AuthorID), feed.ByKind(it.Kind)}
	if it.GroupID != "" {
		out = append(out, feed.ByGroup(it.GroupID))
	}
	for _, tag := range it.Hashtags {
		out = append(out, feed.ByHashtag(tag))
	}
	return out
}

// now returns a strictly increasing microsecond timestamp.
func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
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

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent transactions. Errors returned by fn pass through unchanged.
func (s *Store) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	tries := s.MaxRetries
	if tries <= 0 {
		tries = 16
	}
	var err error
	for range tries {
		if cerr := ctx.Err(); cerr != nil {
			return feed.Unavailable(op, cerr)
		}
		var fnErr error
		err = s.db.Update(func(txn *badger.Txn) error {
			fnErr = fn(txn)
			return fnErr
		})
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, badger.ErrConflict):
			continue
		}
		return feed.Unavailable(op, err)
	}
	return feed.Unavailable(op, err)
}

func (s *Store) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return feed.Unavailable(op, err)
	}
	var fnErr error
	err := s.db.View(func(txn *badger.Txn) error {
		fnErr = fn(txn)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return feed.Unavailable(op, err)
	}
	return err
}

func getRecord(txn *badger.Txn, id string) (*record, error) {
	it, err := txn.Get(itemKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, feed.ErrItemNotFound
	}
	if err != nil {
		return nil, feed.Unavailable("get item", err)
	}
	var rec record
	if err := it.Value(func(val []byte) error { return msgpack.Unmarshal(val, &rec) }); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *record) error {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := txn.Set(itemKey(rec.ID), b); err != nil {
		return feed.Unavailable("set item", err)
	}
	return nil
}

// CreateItem stores a new active item and its index entries.
func (s *Store) CreateItem(ctx context.Context, in feed.Item) (feed.Item, error) {
	rec := &record{
		ID:        uuid.NewString(),
		Kind:      string(in.Kind),
		AuthorID:  in.AuthorID,
		GroupID:   in.GroupID,
		Hashtags:  slices.Clone(in.Hashtags),
		Body:      in.Body,
		Status:    string(feed.StatusActive),
		CreatedAt: s.now().UnixMicro(),
	}
	rec.setCounts(nil)
	it := rec.FeedItem()

	err := s.update(ctx, "create item", func(txn *badger.Txn) error {
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		for _, f := range filters(it) {
			if err := txn.Set(indexKey(f, it.Position()), nil); err != nil {
				return feed.Unavailable("set index", err)
			}
		}
		return nil
	})
	if err != nil {
		return feed.Item{}, err
	}
	return it, nil
}

// GetItem returns the item with the given id.
func (s *Store) GetItem(ctx context.Context, itemID string) (feed.Item, error) {
	var it feed.Item
	err := s.view(ctx, "get item", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		it = rec.FeedItem()
		return nil
	})
	return it, err
}

// ListItems iterates the filter's index backwards from q.After.
func (s *Store) ListItems(ctx context.Context, q feed.ListQuery) ([]feed.Item, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = feed.MaxPageSize
	}
	prefix := indexPrefix(q.Filter)
	seek := append(slices.Clone(prefix), 0xff)
	var skip []byte
	if q.After != nil {
		seek = indexKey(q.Filter, *q.After)
		skip = seek
	}

	var out []feed.Item
	err := s.view(ctx, "list items", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(seek); iter.ValidForPrefix(prefix) && len(out) < limit; iter.Next() {
			key := iter.Item().Key()
			if skip != nil && bytes.Equal(key, skip) {
				continue
			}
			id := string(key[bytes.LastIndexByte(key, 0)+1:])
			rec, err := getRecord(txn, id)
			if errors.Is(err, feed.ErrItemNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// Index keys are NUL separated, so a prefix scan can reach
			// values that merely start with the filter value.
			if it := rec.FeedItem(); rec.Status == string(feed.StatusActive) && it.Matches(q.Filter) {
				out = append(out, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDeleteItem marks the item deleted and drops its index entries.
func (s *Store) SoftDeleteItem(ctx context.Context, itemID string) error {
	return s.update(ctx, "delete item", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		it := rec.FeedItem()
		for _, f := range filters(it) {
			if err := txn.Delete(indexKey(f, it.Position())); err != nil {
				return feed.Unavailable("delete index", err)
			}
		}
		rec.Status = string(feed.StatusDeleted)
		return putRecord(txn, rec)
	})
}

// IncrementCounter adds delta to a counter, flooring at zero.
func (s *Store) IncrementCounter(ctx context.Context, itemID string, c feed.Counter, delta int64) (int64, error) {
	var value int64
	err := s.update(ctx, "increment", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		var v *int64
		switch c {
		case feed.CounterComments:
			v = &rec.CommentCount
		case feed.CounterShares:
			v = &rec.ShareCount
		default:
			return fmt.Errorf("unknown counter %q", c)
		}
		*v = max(*v+delta, 0)
		value = *v
		return putRecord(txn, rec)
	})
	return value, err
}

func getReaction(txn *badger.Txn, itemID, userID string) (*feed.Reaction, error) {
	it, err := txn.Get(reactionKey(itemID, userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, feed.Unavailable("get reaction", err)
	}
	var rr reactionRecord
	if err := it.Value(func(val []byte) error { return msgpack.Unmarshal(val, &rr) }); err != nil {
		return nil, fmt.Errorf("decode reaction: %w", err)
	}
	return &feed.Reaction{
		ItemID:    itemID,
		UserID:    userID,
		Kind:      feed.ReactionKind(rr.Kind),
		UpdatedAt: time.UnixMicro(rr.UpdatedAt).UTC(),
	}, nil
}

// GetReaction returns the user's reaction, or nil if there is none.
func (s *Store) GetReaction(ctx context.Context, itemID, userID string) (*feed.Reaction, error) {
	var r *feed.Reaction
	err := s.view(ctx, "get reaction", func(txn *badger.Txn) error {
		if _, err := getRecord(txn, itemID); err != nil {
			return err
		}
		var err error
		r, err = getReaction(txn, itemID, userID)
		return err
	})
	return r, err
}

// UpdateReaction applies fn in a serializable transaction. Badger aborts
// the commit when a concurrent transaction wrote a key fn read, and the
// whole read-decide-write cycle is retried.
func (s *Store) UpdateReaction(ctx context.Context, itemID, userID string, fn feed.ReactionTx) error {
	return s.update(ctx, "update reaction", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		cur, err := getReaction(txn, itemID, userID)
		if err != nil {
			return err
		}
		w, err := fn(rec.FeedItem(), cur)
		if err != nil {
			return err
		}

		key := reactionKey(itemID, userID)
		if w.Kind == "" {
			if err := txn.Delete(key); err != nil {
				return feed.Unavailable("delete reaction", err)
			}
		} else {
			b, err := msgpack.Marshal(reactionRecord{Kind: string(w.Kind), UpdatedAt: s.now().UnixMicro()})
			if err != nil {
				return fmt.Errorf("encode reaction: %w", err)
			}
			if err := txn.Set(key, b); err != nil {
				return feed.Unavailable("set reaction", err)
			}
		}
		rec.setCounts(w.Counts)
		return putRecord(txn, rec)
	})
}

func listReactions(txn *badger.Txn, itemID string) ([]feed.Reaction, error) {
	prefix := reactionPrefix(itemID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := txn.NewIterator(opts)
	defer iter.Close()

	var out []feed.Reaction
	for iter.Rewind(); iter.Valid(); iter.Next() {
		var rr reactionRecord
		if err := iter.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &rr) }); err != nil {
			return nil, fmt.Errorf("decode reaction: %w", err)
		}
		out = append(out, feed.Reaction{
			ItemID:    itemID,
			UserID:    string(iter.Item().Key()[len(prefix):]),
			Kind:      feed.ReactionKind(rr.Kind),
			UpdatedAt: time.UnixMicro(rr.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// ListReactions returns the item's reaction rows ordered by user id.
func (s *Store) ListReactions(ctx context.Context, itemID string) ([]feed.Reaction, error) {
	var out []feed.Reaction
	err := s.view(ctx, "list reactions", func(txn *badger.Txn) error {
		if _, err := getRecord(txn, itemID); err != nil {
			return err
		}
		var err error
		out, err = listReactions(txn, itemID)
		return err
	})
	return out, err
}

// UpdateCounts recomputes the item's counts in one transaction.
func (s *Store) UpdateCounts(ctx context.Context, itemID string, fn feed.CountsTx) error {
	return s.update(ctx, "update counts", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		rows, err := listReactions(txn, itemID)
		if err != nil {
			return err
		}
		counts, err := fn(rows, rec.FeedItem().Counts)
		if err != nil {
			return err
		}
		rec.setCounts(counts)
		return putRecord(txn, rec)
	})
}
