package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/feed/storetest"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	r.MaxRetries = 1000
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedis(t *testing.T) {
	storetest.Run(t, func(t *testing.T) feed.Store {
		r, _ := newTestRedis(t)
		return r
	})
}

func TestMember(t *testing.T) {
	older := feed.Position{CreatedAt: time.UnixMicro(9), ID: "b"}
	newer := feed.Position{CreatedAt: time.UnixMicro(10), ID: "a"}
	tie := feed.Position{CreatedAt: time.UnixMicro(10), ID: "c"}

	assert.Equal(t, "00000000000000000010:a", member(newer))
	assert.Less(t, member(older), member(newer))
	assert.Less(t, member(newer), member(tie))
	assert.Equal(t, "a", memberID(member(newer)))
}

func TestCreateItem_MonotonicClock(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(fixed)

	var got []time.Time
	for range 3 {
		it, err := r.CreateItem(ctx, feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
		require.NoError(t, err)
		got = append(got, it.CreatedAt)
	}
	// The server clock stepped back.
	mr.SetTime(fixed.Add(-time.Hour))
	it, err := r.CreateItem(ctx, feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
	require.NoError(t, err)
	got = append(got, it.CreatedAt)

	for i, ts := range got {
		want := fixed.Add(time.Duration(i) * time.Microsecond)
		assert.True(t, want.Equal(ts), "item %d: created_at %v, want %v", i, ts, want)
	}
}

func TestListItems_SkipsVanishedItems(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	var created []feed.Item
	for range 4 {
		it, err := r.CreateItem(ctx, feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
		require.NoError(t, err)
		created = append(created, it)
	}
	// Drop an item hash while leaving its index entry behind.
	mr.Del(itemKey(created[1].ID))

	items, err := r.ListItems(ctx, feed.ListQuery{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	for _, it := range items {
		assert.NotEqual(t, created[1].ID, it.ID)
	}
}

func TestSoftDeleteItem_RemovesIndexEntries(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	it, err := r.CreateItem(ctx, feed.Item{Kind: feed.KindStory, AuthorID: "u1", GroupID: "g1", Hashtags: []string{"go"}})
	require.NoError(t, err)
	require.NoError(t, r.SoftDeleteItem(ctx, it.ID))

	for _, key := range []string{"feed:all", "feed:author:u1", "feed:group:g1", "feed:hashtag:go", "feed:kind:story"} {
		members, _ := mr.ZMembers(key)
		assert.Empty(t, members, key)
	}
	status := mr.HGet(itemKey(it.ID), "status")
	assert.Equal(t, "deleted", status)
}

func TestUnavailable(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.ListItems(context.Background(), feed.ListQuery{Limit: 1})
	assert.ErrorIs(t, err, feed.ErrRemoteUnavailable)

	err = r.UpdateReaction(context.Background(), "x", "u1", func(feed.Item, *feed.Reaction) (feed.ReactionWrite, error) {
		return feed.ReactionWrite{}, nil
	})
	assert.ErrorIs(t, err, feed.ErrRemoteUnavailable)
}
