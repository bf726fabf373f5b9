package postgres

import (
	"time"

	"github.com/GetStream/feed-reactions/feed"
)

// An item represents a feed item in the database.
type item struct {
	ID             string           `bun:",pk,type:uuid,default:gen_random_uuid()"`
	Kind           string           `bun:",notnull"`
	AuthorID       string           `bun:",notnull"`
	GroupID        string           `bun:",notnull,default:''"`
	Hashtags       []string         `bun:",array"`
	Body           string           `bun:",notnull,default:''"`
	Status         string           `bun:",notnull,default:'active'"`
	CreatedAt      time.Time        `bun:",nullzero,notnull,default:clock_timestamp()"`
	ReactionCounts map[string]int64 `bun:",type:jsonb,nullzero,notnull,default:'{}'"`
	CommentCount   int64            `bun:",notnull,default:0"`
	ShareCount     int64            `bun:",notnull,default:0"`
}

// A reaction is the single reaction row of one user on one item.
type reaction struct {
	ItemID    string    `bun:",pk,type:uuid"`
	UserID    string    `bun:",pk"`
	Kind      string    `bun:",notnull"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:clock_timestamp()"`
}

func (it item) FeedItem() feed.Item {
	counts := make(feed.Counts, len(it.ReactionCounts))
	for k, n := range it.ReactionCounts {
		counts[feed.ReactionKind(k)] = n
	}
	return feed.Item{
		ID:           it.ID,
		Kind:         feed.ItemKind(it.Kind),
		AuthorID:     it.AuthorID,
		GroupID:      it.GroupID,
		Hashtags:     it.Hashtags,
		Body:         it.Body,
		Status:       feed.Status(it.Status),
		CreatedAt:    feed.Timestamp(it.CreatedAt),
		Counts:       counts.Clone(),
		CommentCount: it.CommentCount,
		ShareCount:   it.ShareCount,
	}
}

func (r reaction) FeedReaction() feed.Reaction {
	return feed.Reaction{
		ItemID:    r.ItemID,
		UserID:    r.UserID,
		Kind:      feed.ReactionKind(r.Kind),
		UpdatedAt: r.UpdatedAt,
	}
}

func dbCounts(c feed.Counts) map[string]int64 {
	out := make(map[string]int64, len(c))
	for k, n := range c {
		out[string(k)] = n
	}
	return out
}
