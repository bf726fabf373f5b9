package feed

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ItemKind distinguishes the content types that share one feed.
type ItemKind string

const (
	KindPost  ItemKind = "post"
	KindStory ItemKind = "story"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == KindPost || k == KindStory
}

// Status is the lifecycle state of an item. Only active items are paged.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// ReactionKind is the sentiment a user attaches to an item.
type ReactionKind string

const (
	Like    ReactionKind = "like"
	Love    ReactionKind = "love"
	Dislike ReactionKind = "dislike"
)

var reactionKinds = []ReactionKind{Like, Love, Dislike}

// Kinds returns the closed set of reaction kinds.
func Kinds() []ReactionKind {
	return slices.Clone(reactionKinds)
}

// Valid reports whether k belongs to the closed set of reaction kinds.
func (k ReactionKind) Valid() bool {
	return slices.Contains(reactionKinds, k)
}

// ParseReactionKind parses a reaction kind, case-insensitively.
func ParseReactionKind(s string) (ReactionKind, error) {
	k := ReactionKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown reaction kind %q", s)
	}
	return k, nil
}

// Counts holds the denormalized number of reactions per kind on an item.
// Values are never negative.
type Counts map[ReactionKind]int64

// Clone returns a copy of c with every known kind present.
func (c Counts) Clone() Counts {
	out := make(Counts, len(reactionKinds))
	for _, k := range reactionKinds {
		out[k] = 0
	}
	for k, n := range c {
		out[k] = n
	}
	return out
}

// Add returns a copy of c with delta applied to kind. The result is floored at
// zero even when the stored value is already inconsistent with the ledger.
func (c Counts) Add(kind ReactionKind, delta int64) Counts {
	out := c.Clone()
	out[kind] = max(out[kind]+delta, 0)
	return out
}

// Total is the sum of all reaction counts.
func (c Counts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// An Item is a post or story in the feed.
type Item struct {
	ID           string
	Kind         ItemKind
	AuthorID     string
	GroupID      string
	Hashtags     []string
	Body         string
	Status       Status
	CreatedAt    time.Time
	Counts       Counts
	CommentCount int64
	ShareCount   int64
}

// Position returns the ordering key of the item.
func (it Item) Position() Position {
	return Position{CreatedAt: it.CreatedAt, ID: it.ID}
}

// Matches reports whether the item satisfies the filter. It ignores status.
func (it Item) Matches(f Filter) bool {
	switch f.Field {
	case FilterNone:
		return true
	case FilterAuthor:
		return it.AuthorID == f.Value
	case FilterGroup:
		return it.GroupID == f.Value
	case FilterKind:
		return string(it.Kind) == f.Value
	case FilterHashtag:
		return slices.Contains(it.Hashtags, f.Value)
	}
	return false
}

// A Reaction is a single user's reaction on an item. There is at most one per
// (item, user) pair; absence means no reaction.
type Reaction struct {
	ItemID    string
	UserID    string
	Kind      ReactionKind
	UpdatedAt time.Time
}

// Position is the total ordering key of the feed: CreatedAt descending, ties
// broken by ID descending.
type Position struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether p sorts ahead of other in feed order.
func (p Position) Before(other Position) bool {
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.After(other.CreatedAt)
	}
	return p.ID > other.ID
}

// Counter names a best-effort engagement counter stored on an item.
type Counter string

const (
	CounterComments Counter = "comment_count"
	CounterShares   Counter = "share_count"
)

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	return c == CounterComments || c == CounterShares
}

// Timestamp truncates t to the precision every store keeps.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
