// Package storetest runs the behaviour every feed.Store must share against a
// backend under test.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetStream/feed-reactions/feed"
)

// Run runs the conformance tests. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) feed.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s feed.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ListOrder", testListOrder},
		{"ListKeyset", testListKeyset},
		{"ListFilters", testListFilters},
		{"ListFiltersExact", testListFiltersExact},
		{"HashtagSeparators", testHashtagSeparators},
		{"CreateMonotonic", testCreateMonotonic},
		{"SoftDelete", testSoftDelete},
		{"IncrementCounter", testIncrementCounter},
		{"UpdateReaction", testUpdateReaction},
		{"UpdateReactionAbort", testUpdateReactionAbort},
		{"UpdateReactionConcurrent", testUpdateReactionConcurrent},
		{"UpdateCounts", testUpdateCounts},
		{"MissingItem", testMissingItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func create(t *testing.T, s feed.Store, it feed.Item) feed.Item {
	t.Helper()
	if it.Kind == "" {
		it.Kind = feed.KindPost
	}
	if it.AuthorID == "" {
		it.AuthorID = "author"
	}
	out, err := s.CreateItem(context.Background(), it)
	require.NoError(t, err)
	return out
}

func ids(items []feed.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// sorted returns the ids of items in feed order.
func sorted(items ...feed.Item) []string {
	slices.SortFunc(items, func(a, b feed.Item) int {
		if a.Position().Before(b.Position()) {
			return -1
		}
		return 1
	})
	return ids(items)
}

func testCreateAndGet(t *testing.T, s feed.Store) {
	ctx := context.Background()
	created := create(t, s, feed.Item{
		Kind:     feed.KindStory,
		AuthorID: "u1",
		GroupID:  "g1",
		Hashtags: []string{"go", "feeds"},
		Body:     "hello",
	})
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, feed.StatusActive, created.Status)

	got, err := s.GetItem(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, feed.KindStory, got.Kind)
	assert.Equal(t, "u1", got.AuthorID)
	assert.Equal(t, "g1", got.GroupID)
	assert.Equal(t, []string{"go", "feeds"}, got.Hashtags)
	assert.Equal(t, "hello", got.Body)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", created.CreatedAt, got.CreatedAt)
	assert.Equal(t, feed.Counts{}.Clone(), got.Counts.Clone())
}

func testListOrder(t *testing.T, s feed.Store) {
	for i := range 5 {
		create(t, s, feed.Item{Body: fmt.Sprint(i)})
	}
	items, err := s.ListItems(context.Background(), feed.ListQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i-1].Position().Before(items[i].Position()),
			"item %d sorts after item %d", i-1, i)
	}
}

func testListKeyset(t *testing.T, s feed.Store) {
	ctx := context.Background()
	for range 7 {
		create(t, s, feed.Item{})
	}
	all, err := s.ListItems(ctx, feed.ListQuery{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 7)

	var paged []feed.Item
	var after *feed.Position
	for {
		page, err := s.ListItems(ctx, feed.ListQuery{After: after, Limit: 3})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		pos := page[len(page)-1].Position()
		after = &pos
	}
	assert.Equal(t, ids(all), ids(paged))
}

func testListFilters(t *testing.T, s feed.Store) {
	ctx := context.Background()
	a := create(t, s, feed.Item{AuthorID: "alice", GroupID: "g1", Hashtags: []string{"go"}})
	b := create(t, s, feed.Item{AuthorID: "bob", Kind: feed.KindStory, Hashtags: []string{"go", "rust"}})
	c := create(t, s, feed.Item{AuthorID: "alice", GroupID: "g2"})

	tests := []struct {
		filter feed.Filter
		want   []string
	}{
		{feed.Global, sorted(a, b, c)},
		{feed.ByAuthor("alice"), sorted(a, c)},
		{feed.ByGroup("g1"), []string{a.ID}},
		{feed.ByHashtag("go"), sorted(a, b)},
		{feed.ByHashtag("rust"), []string{b.ID}},
		{feed.ByKind(feed.KindStory), []string{b.ID}},
		{feed.ByAuthor("nobody"), []string{}},
	}
	for _, tt := range tests {
		items, err := s.ListItems(ctx, feed.ListQuery{Filter: tt.filter, Limit: 10})
		require.NoError(t, err, tt.filter.String())
		assert.Equal(t, tt.want, ids(items), tt.filter.String())
	}
}

// Filter values that extend another value past a NUL must not leak into
// its listing. A store may refuse such values outright.
func testListFiltersExact(t *testing.T, s feed.Store) {
	ctx := context.Background()
	a := create(t, s, feed.Item{AuthorID: "alice", GroupID: "g1", Hashtags: []string{"go"}})
	_, err := s.CreateItem(ctx, feed.Item{
		Kind:     feed.KindPost,
		AuthorID: "alice\x00mallory",
		GroupID:  "g1\x00x",
		Hashtags: []string{"go\x00x"},
	})
	if err != nil {
		t.Logf("store refused NUL values: %v", err)
	}

	for _, f := range []feed.Filter{feed.ByAuthor("alice"), feed.ByGroup("g1"), feed.ByHashtag("go")} {
		items, err := s.ListItems(ctx, feed.ListQuery{Filter: f, Limit: 10})
		require.NoError(t, err, f.String())
		assert.Equal(t, []string{a.ID}, ids(items), f.String())
	}
}

func testHashtagSeparators(t *testing.T, s feed.Store) {
	ctx := context.Background()
	tags := []string{"a,b", "c d", "e|f"}
	it := create(t, s, feed.Item{Hashtags: tags})

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, tags, got.Hashtags)

	for _, tag := range tags {
		items, err := s.ListItems(ctx, feed.ListQuery{Filter: feed.ByHashtag(tag), Limit: 10})
		require.NoError(t, err, tag)
		assert.Equal(t, []string{it.ID}, ids(items), tag)
	}
	items, err := s.ListItems(ctx, feed.ListQuery{Filter: feed.ByHashtag("a"), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testCreateMonotonic(t *testing.T, s feed.Store) {
	ctx := context.Background()
	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []feed.Item
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, err := s.CreateItem(ctx, feed.Item{Kind: feed.KindPost, AuthorID: "author"})
			assert.NoError(t, err)
			mu.Lock()
			all = append(all, it)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, all, n)

	seen := map[int64]string{}
	for _, it := range all {
		us := it.CreatedAt.UnixMicro()
		if prev, ok := seen[us]; ok {
			t.Errorf("items %s and %s share created_at %v", prev, it.ID, it.CreatedAt)
		}
		seen[us] = it.ID
	}

	// Sequential creates land strictly after everything before them.
	last := create(t, s, feed.Item{})
	for _, it := range all {
		assert.True(t, it.CreatedAt.Before(last.CreatedAt), "%v not before %v", it.CreatedAt, last.CreatedAt)
	}
}

func testSoftDelete(t *testing.T, s feed.Store) {
	ctx := context.Background()
	a := create(t, s, feed.Item{})
	b := create(t, s, feed.Item{})

	require.NoError(t, s.SoftDeleteItem(ctx, a.ID))

	items, err := s.ListItems(ctx, feed.ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(items))

	got, err := s.GetItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.StatusDeleted, got.Status)
}

func testIncrementCounter(t *testing.T, s feed.Store) {
	ctx := context.Background()
	it := create(t, s, feed.Item{})

	n, err := s.IncrementCounter(ctx, it.ID, feed.CounterShares, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.IncrementCounter(ctx, it.ID, feed.CounterShares, -5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.IncrementCounter(ctx, it.ID, feed.CounterComments, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CommentCount)
	assert.EqualValues(t, 0, got.ShareCount)

	_, err = s.IncrementCounter(ctx, it.ID, feed.Counter("views"), 1)
	assert.Error(t, err)
}

func set(kind feed.ReactionKind, counts feed.Counts) feed.ReactionTx {
	return func(feed.Item, *feed.Reaction) (feed.ReactionWrite, error) {
		return feed.ReactionWrite{Kind: kind, Counts: counts}, nil
	}
}

func testUpdateReaction(t *testing.T, s feed.Store) {
	ctx := context.Background()
	it := create(t, s, feed.Item{})

	var seen *feed.Reaction
	err := s.UpdateReaction(ctx, it.ID, "u1", func(item feed.Item, cur *feed.Reaction) (feed.ReactionWrite, error) {
		seen = cur
		return feed.ReactionWrite{Kind: feed.Love, Counts: feed.Counts{feed.Love: 1}}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, seen)

	r, err := s.GetReaction(ctx, it.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, feed.Love, r.Kind)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, it.ID, r.ItemID)

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Counts[feed.Love])

	err = s.UpdateReaction(ctx, it.ID, "u1", func(item feed.Item, cur *feed.Reaction) (feed.ReactionWrite, error) {
		seen = cur
		return feed.ReactionWrite{Counts: feed.Counts{}}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, feed.Love, seen.Kind)

	r, err = s.GetReaction(ctx, it.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, r)

	rows, err := s.ListReactions(ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testUpdateReactionAbort(t *testing.T, s feed.Store) {
	ctx := context.Background()
	it := create(t, s, feed.Item{})
	boom := errors.New("boom")

	err := s.UpdateReaction(ctx, it.ID, "u1", func(feed.Item, *feed.Reaction) (feed.ReactionWrite, error) {
		return feed.ReactionWrite{}, boom
	})
	assert.ErrorIs(t, err, boom)

	r, err := s.GetReaction(ctx, it.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func testUpdateReactionConcurrent(t *testing.T, s feed.Store) {
	ctx := context.Background()
	it := create(t, s, feed.Item{})

	const users = 8
	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.UpdateReaction(ctx, it.ID, fmt.Sprintf("u%d", i), func(item feed.Item, cur *feed.Reaction) (feed.ReactionWrite, error) {
				return feed.ReactionWrite{Kind: feed.Like, Counts: item.Counts.Add(feed.Like, 1)}, nil
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.EqualValues(t, users, got.Counts[feed.Like])

	rows, err := s.ListReactions(ctx, it.ID)
	require.NoError(t, err)
	assert.Len(t, rows, users)
}

func testUpdateCounts(t *testing.T, s feed.Store) {
	ctx := context.Background()
	it := create(t, s, feed.Item{})
	require.NoError(t, s.UpdateReaction(ctx, it.ID, "b", set(feed.Like, feed.Counts{feed.Like: 9})))
	require.NoError(t, s.UpdateReaction(ctx, it.ID, "a", set(feed.Dislike, feed.Counts{feed.Like: 9})))

	var rows []feed.Reaction
	var stored feed.Counts
	err := s.UpdateCounts(ctx, it.ID, func(r []feed.Reaction, c feed.Counts) (feed.Counts, error) {
		rows, stored = r, c
		return feed.Counts{feed.Like: 1, feed.Dislike: 1}, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 9, stored[feed.Like])
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].UserID)
	assert.Equal(t, feed.Dislike, rows[0].Kind)
	assert.Equal(t, "b", rows[1].UserID)

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.Counts{feed.Like: 1, feed.Love: 0, feed.Dislike: 1}, got.Counts.Clone())
}

func testMissingItem(t *testing.T, s feed.Store) {
	ctx := context.Background()
	const id = "00000000-0000-0000-0000-000000000000"

	_, err := s.GetItem(ctx, id)
	assert.ErrorIs(t, err, feed.ErrItemNotFound)
	assert.ErrorIs(t, s.SoftDeleteItem(ctx, id), feed.ErrItemNotFound)
	_, err = s.IncrementCounter(ctx, id, feed.CounterComments, 1)
	assert.ErrorIs(t, err, feed.ErrItemNotFound)
	_, err = s.GetReaction(ctx, id, "u1")
	assert.ErrorIs(t, err, feed.ErrItemNotFound)
	_, err = s.ListReactions(ctx, id)
	assert.ErrorIs(t, err, feed.ErrItemNotFound)
	assert.ErrorIs(t, s.UpdateReaction(ctx, id, "u1", set(feed.Like, feed.Counts{})), feed.ErrItemNotFound)
	assert.ErrorIs(t, s.UpdateCounts(ctx, id, func([]feed.Reaction, feed.Counts) (feed.Counts, error) {
		return feed.Counts{}, nil
	}), feed.ErrItemNotFound)
}
