package api

import (
	"time"

	"github.com/GetStream/feed-reactions/feed"
)

// An Item is the JSON form of a feed item.
type Item struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind"`
	AuthorID     string           `json:"author_id"`
	GroupID      string           `json:"group_id,omitempty"`
	Hashtags     []string         `json:"hashtags"`
	Body         string           `json:"body"`
	CreatedAt    time.Time        `json:"created_at"`
	Reactions    map[string]int64 `json:"reaction_counts"`
	CommentCount int64            `json:"comment_count"`
	ShareCount   int64            `json:"share_count"`
}

func newItem(it feed.Item) Item {
	tags := it.Hashtags
	if tags == nil {
		tags = []string{}
	}
	return Item{
		ID:           it.ID,
		Kind:         string(it.Kind),
		AuthorID:     it.AuthorID,
		GroupID:      it.GroupID,
		Hashtags:     tags,
		Body:         it.Body,
		CreatedAt:    it.CreatedAt,
		Reactions:    counts(it.Counts),
		CommentCount: it.CommentCount,
		ShareCount:   it.ShareCount,
	}
}

func counts(c feed.Counts) map[string]int64 {
	out := make(map[string]int64, len(c))
	for k, n := range c.Clone() {
		out[string(k)] = n
	}
	return out
}
