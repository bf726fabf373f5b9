package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GetStream/feed-reactions/feed"
)

// Redis provides feed storage in Redis.
//
// Layout:
//
//	items:{id}            hash   item fields and the comment/share counters
//	items:{id}:counts     hash   reaction kind -> count
//	items:{id}:reactions  hash   user id -> "kind|micros"
//	feed:clock            string last created_at handed out, in micros
//	feed:all              zset   every active item
//	feed:{field}:{value}  zset   active items matching one filter
//
// Index members all have score 0 and the form "{created_at micros, zero
// padded}:{id}", so lexicographic order is feed order.
type Redis struct {
	cli *redis.Client

	// MaxRetries bounds optimistic transaction attempts. Defaults to 16.
	MaxRetries int
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr, password string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli), nil
}

// New wraps an existing client.
func New(cli *redis.Client) *Redis {
	return &Redis{cli: cli}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	itemPrefix  = "items"
	indexPrefix = "feed"
	clockKey    = indexPrefix + ":clock"
	defaultTxs  = 16
)

func itemKey(id string) string      { return fmt.Sprintf("%s:%s", itemPrefix, id) }
func countsKey(id string) string    { return fmt.Sprintf("%s:%s:counts", itemPrefix, id) }
func reactionsKey(id string) string { return fmt.Sprintf("%s:%s:reactions", itemPrefix, id) }

func indexKey(f feed.Filter) string {
	if f.Field == feed.FilterNone {
		return indexPrefix + ":all"
	}
	return fmt.Sprintf("%s:%s:%s", indexPrefix, f.Field, f.Value)
}

// indexKeys lists every index the item belongs to.
func indexKeys(it feed.Item) []string {
	keys := []string{
		indexKey(feed.Global),
		indexKey(feed.ByAuthor(it.AuthorID)),
		indexKey(feed.ByKind(it.Kind)),
	}
	if it.GroupID != "" {
		keys = append(keys, indexKey(feed.ByGroup(it.GroupID)))
	}
	for _, tag := range it.Hashtags {
		keys = append(keys, indexKey(feed.ByHashtag(tag)))
	}
	return keys
}

func member(p feed.Position) string {
	return fmt.Sprintf("%020d:%s", p.CreatedAt.UnixMicro(), p.ID)
}

func memberID(m string) string {
	_, id, _ := strings.Cut(m, ":")
	return id
}

// incrScript adds to a counter field of an existing item hash, flooring at
// zero. It returns -1 when the item does not exist.
var incrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local v = redis.call("HINCRBY", KEYS[1], ARGV[1], ARGV[2])
if v < 0 then
	redis.call("HSET", KEYS[1], ARGV[1], 0)
	return 0
end
return v
`)

// CreateItem stores the item and adds it to its indexes. Its timestamp comes
// from the server clock, bumped past the last one handed out so that
// concurrent creators never share or reorder timestamps.
func (r *Redis) CreateItem(ctx context.Context, in feed.Item) (feed.Item, error) {
	it := feed.Item{
		ID:       uuid.NewString(),
		Kind:     in.Kind,
		AuthorID: in.AuthorID,
		GroupID:  in.GroupID,
		Hashtags: in.Hashtags,
		Body:     in.Body,
		Status:   feed.StatusActive,
		Counts:   feed.Counts{}.Clone(),
	}
	err := r.watch(ctx, func(tx *redis.Tx) error {
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return feed.Unavailable("time", err)
		}
		last, err := tx.Get(ctx, clockKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return feed.Unavailable("get clock", err)
		}
		micros := max(feed.Timestamp(now).UnixMicro(), last+1)
		it.CreatedAt = time.UnixMicro(micros).UTC()

		m, err := newItem(it)
		if err != nil {
			return err
		}
		return exec(ctx, tx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, clockKey, micros, 0)
			pipe.HSet(ctx, itemKey(it.ID), m)
			pipe.HSet(ctx, countsKey(it.ID), countsArgs(it.Counts))
			z := redis.Z{Score: 0, Member: member(it.Position())}
			for _, key := range indexKeys(it) {
				pipe.ZAdd(ctx, key, z)
			}
			return nil
		})
	}, clockKey)
	if err != nil {
		return feed.Item{}, err
	}
	return it, nil
}

// GetItem returns the item with the given id.
func (r *Redis) GetItem(ctx context.Context, itemID string) (feed.Item, error) {
	return r.readItem(ctx, r.cli, itemID)
}

func (r *Redis) readItem(ctx context.Context, c redis.Cmdable, itemID string) (feed.Item, error) {
	var (
		itemCmd   *redis.MapStringStringCmd
		countsCmd *redis.MapStringStringCmd
	)
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		itemCmd = pipe.HGetAll(ctx, itemKey(itemID))
		countsCmd = pipe.HGetAll(ctx, countsKey(itemID))
		return nil
	})
	if err != nil {
		return feed.Item{}, feed.Unavailable("hgetall", err)
	}
	return decodeItem(itemCmd, countsCmd)
}

func decodeItem(itemCmd, countsCmd *redis.MapStringStringCmd) (feed.Item, error) {
	if len(itemCmd.Val()) == 0 {
		return feed.Item{}, feed.ErrItemNotFound
	}
	var m item
	if err := itemCmd.Scan(&m); err != nil {
		return feed.Item{}, fmt.Errorf("scan item: %w", err)
	}
	counts, err := parseCounts(countsCmd.Val())
	if err != nil {
		return feed.Item{}, err
	}
	return m.FeedItem(counts)
}

// ListItems walks the filter's index backwards from q.After. Items deleted
// between the index read and the item read are skipped and the page is
// topped up from further down the index.
func (r *Redis) ListItems(ctx context.Context, q feed.ListQuery) ([]feed.Item, error) {
	key := indexKey(q.Filter)
	upper := "+"
	if q.After != nil {
		upper = "(" + member(*q.After)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = feed.MaxPageSize
	}

	out := make([]feed.Item, 0, limit)
	for len(out) < limit {
		want := limit - len(out)
		members, err := r.cli.ZRevRangeByLex(ctx, key, &redis.ZRangeBy{
			Min:   "-",
			Max:   upper,
			Count: int64(want),
		}).Result()
		if err != nil {
			return nil, feed.Unavailable("zrevrangebylex", err)
		}
		if len(members) == 0 {
			break
		}

		items, err := r.readItems(ctx, members)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.Status == feed.StatusActive {
				out = append(out, it)
			}
		}

		if len(members) < want {
			break
		}
		upper = "(" + members[len(members)-1]
	}
	return out, nil
}

// readItems fetches the items named by index members in one round trip.
// Members whose item hash is gone are skipped.
func (r *Redis) readItems(ctx context.Context, members []string) ([]feed.Item, error) {
	itemCmds := make([]*redis.MapStringStringCmd, len(members))
	countsCmds := make([]*redis.MapStringStringCmd, len(members))
	_, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			id := memberID(m)
			itemCmds[i] = pipe.HGetAll(ctx, itemKey(id))
			countsCmds[i] = pipe.HGetAll(ctx, countsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, feed.Unavailable("hgetall", err)
	}

	out := make([]feed.Item, 0, len(members))
	for i := range members {
		it, err := decodeItem(itemCmds[i], countsCmds[i])
		if errors.Is(err, feed.ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// SoftDeleteItem marks the item deleted and removes it from its indexes.
func (r *Redis) SoftDeleteItem(ctx context.Context, itemID string) error {
	it, err := r.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKey(itemID), "status", string(feed.StatusDeleted))
		m := member(it.Position())
		for _, key := range indexKeys(it) {
			pipe.ZRem(ctx, key, m)
		}
		return nil
	})
	if err != nil {
		return feed.Unavailable("delete item", err)
	}
	return nil
}

// IncrementCounter adds delta to a counter with a server-side script.
func (r *Redis) IncrementCounter(ctx context.Context, itemID string, c feed.Counter, delta int64) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("unknown counter %q", c)
	}
	v, err := incrScript.Run(ctx, r.cli, []string{itemKey(itemID)}, string(c), delta).Int64()
	if err != nil {
		return 0, feed.Unavailable("incr", err)
	}
	if v < 0 {
		return 0, feed.ErrItemNotFound
	}
	return v, nil
}

// GetReaction returns the user's reaction, or nil if there is none.
func (r *Redis) GetReaction(ctx context.Context, itemID, userID string) (*feed.Reaction, error) {
	var (
		exists *redis.IntCmd
		get    *redis.StringCmd
	)
	_, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, itemKey(itemID))
		get = pipe.HGet(ctx, reactionsKey(itemID), userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, feed.Unavailable("hget", err)
	}
	if exists.Val() == 0 {
		return nil, feed.ErrItemNotFound
	}
	if errors.Is(get.Err(), redis.Nil) {
		return nil, nil
	}
	rx, err := decodeReaction(itemID, userID, get.Val())
	if err != nil {
		return nil, err
	}
	return &rx, nil
}

// UpdateReaction applies fn under WATCH on the item's keys. A transaction
// aborted by a concurrent writer is retried with fresh reads.
func (r *Redis) UpdateReaction(ctx context.Context, itemID, userID string, fn feed.ReactionTx) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		it, err := r.readItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		var cur *feed.Reaction
		v, err := tx.HGet(ctx, reactionsKey(itemID), userID).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return feed.Unavailable("hget", err)
		default:
			rx, err := decodeReaction(itemID, userID, v)
			if err != nil {
				return err
			}
			cur = &rx
		}

		w, err := fn(it, cur)
		if err != nil {
			return err
		}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return feed.Unavailable("time", err)
		}

		return exec(ctx, tx, func(pipe redis.Pipeliner) error {
			if w.Kind == "" {
				pipe.HDel(ctx, reactionsKey(itemID), userID)
			} else {
				pipe.HSet(ctx, reactionsKey(itemID), userID, encodeReaction(w.Kind, feed.Timestamp(now)))
			}
			pipe.HSet(ctx, countsKey(itemID), countsArgs(w.Counts))
			return nil
		})
	}, itemKey(itemID), countsKey(itemID), reactionsKey(itemID))
}

// ListReactions returns the item's reaction rows ordered by user id.
func (r *Redis) ListReactions(ctx context.Context, itemID string) ([]feed.Reaction, error) {
	n, err := r.cli.Exists(ctx, itemKey(itemID)).Result()
	if err != nil {
		return nil, feed.Unavailable("exists", err)
	}
	if n == 0 {
		return nil, feed.ErrItemNotFound
	}
	return r.reactions(ctx, r.cli, itemID)
}

func (r *Redis) reactions(ctx context.Context, c redis.Cmdable, itemID string) ([]feed.Reaction, error) {
	vals, err := c.HGetAll(ctx, reactionsKey(itemID)).Result()
	if err != nil {
		return nil, feed.Unavailable("hgetall", err)
	}
	out := make([]feed.Reaction, 0, len(vals))
	for userID, v := range vals {
		rx, err := decodeReaction(itemID, userID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateCounts recomputes the counts hash under WATCH.
func (r *Redis) UpdateCounts(ctx context.Context, itemID string, fn feed.CountsTx) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		it, err := r.readItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		rows, err := r.reactions(ctx, tx, itemID)
		if err != nil {
			return err
		}
		counts, err := fn(rows, it.Counts)
		if err != nil {
			return err
		}
		return exec(ctx, tx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, countsKey(itemID))
			pipe.HSet(ctx, countsKey(itemID), countsArgs(counts))
			return nil
		})
	}, itemKey(itemID), countsKey(itemID), reactionsKey(itemID))
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed before EXEC. Errors returned by fn pass through unchanged.
func (r *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	tries := r.MaxRetries
	if tries <= 0 {
		tries = defaultTxs
	}
	for range tries {
		var fnErr error
		err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
			fnErr = fn(tx)
			return fnErr
		}, keys...)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil && fnErr == nil:
			return feed.Unavailable("watch", err)
		}
		return err
	}
	return feed.Unavailable("watch", redis.TxFailedErr)
}

// exec commits a pipelined transaction. An aborted EXEC is returned as is so
// watch can retry it.
func exec(ctx context.Context, tx *redis.Tx, fn func(redis.Pipeliner) error) error {
	_, err := tx.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return feed.Unavailable("exec", err)
	}
	return err
}
