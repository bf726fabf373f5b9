package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/GetStream/feed-reactions/feed"
)

// An item represents a feed item hash in Redis. Reaction counts live in a
// separate hash so they can be rewritten without touching the item.
type item struct {
	ID           string `redis:"id"`
	Kind         string `redis:"kind"`
	AuthorID     string `redis:"author_id"`
	GroupID      string `redis:"group_id"`
	Hashtags     string `redis:"hashtags"`
	Body         string `redis:"body"`
	Status       string `redis:"status"`
	CreatedAt    int64  `redis:"created_at"`
	CommentCount int64  `redis:"comment_count"`
	ShareCount   int64  `redis:"share_count"`
}

// newItem builds the hash for it. Hashtags are a msgpack array so tags may
// hold any character.
func newItem(it feed.Item) (*item, error) {
	m := &item{
		ID:        it.ID,
		Kind:      string(it.Kind),
		AuthorID:  it.AuthorID,
		GroupID:   it.GroupID,
		Body:      it.Body,
		Status:    string(it.Status),
		CreatedAt: it.CreatedAt.UnixMicro(),
	}
	if len(it.Hashtags) > 0 {
		b, err := msgpack.Marshal(it.Hashtags)
		if err != nil {
			return nil, fmt.Errorf("encode hashtags: %w", err)
		}
		m.Hashtags = string(b)
	}
	return m, nil
}

func (it item) FeedItem(counts feed.Counts) (feed.Item, error) {
	var tags []string
	if it.Hashtags != "" {
		if err := msgpack.Unmarshal([]byte(it.Hashtags), &tags); err != nil {
			return feed.Item{}, fmt.Errorf("decode hashtags: %w", err)
		}
	}
	return feed.Item{
		ID:           it.ID,
		Kind:         feed.ItemKind(it.Kind),
		AuthorID:     it.AuthorID,
		GroupID:      it.GroupID,
		Hashtags:     tags,
		Body:         it.Body,
		Status:       feed.Status(it.Status),
		CreatedAt:    time.UnixMicro(it.CreatedAt).UTC(),
		Counts:       counts.Clone(),
		CommentCount: it.CommentCount,
		ShareCount:   it.ShareCount,
	}, nil
}

// parseCounts reads a counts hash.
func parseCounts(vals map[string]string) (feed.Counts, error) {
	out := feed.Counts{}.Clone()
	for k, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count %s: %w", k, err)
		}
		out[feed.ReactionKind(k)] = n
	}
	return out, nil
}

func countsArgs(c feed.Counts) map[string]any {
	out := make(map[string]any, len(c))
	for k, n := range c.Clone() {
		out[string(k)] = n
	}
	return out
}

// A reaction is stored as one field of the item's reactions hash, keyed by
// user id, with the value "kind|updated_at micros".
func encodeReaction(kind feed.ReactionKind, at time.Time) string {
	return fmt.Sprintf("%s|%d", kind, at.UnixMicro())
}

func decodeReaction(itemID, userID, v string) (feed.Reaction, error) {
	kind, ts, ok := strings.Cut(v, "|")
	if !ok {
		return feed.Reaction{}, fmt.Errorf("malformed reaction %q", v)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return feed.Reaction{}, fmt.Errorf("parse reaction time: %w", err)
	}
	return feed.Reaction{
		ItemID:    itemID,
		UserID:    userID,
		Kind:      feed.ReactionKind(kind),
		UpdatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}
