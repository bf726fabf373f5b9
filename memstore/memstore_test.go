package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/feed/storetest"
	"github.com/GetStream/feed-reactions/memstore"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) feed.Store { return memstore.New() })
}

func TestStore_MonotonicClock(t *testing.T) {
	s := memstore.New()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	a, err := s.CreateItem(context.Background(), feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateItem(context.Background(), feed.Item{Kind: feed.KindPost, AuthorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !b.CreatedAt.After(a.CreatedAt) {
		t.Errorf("second item created at %v, want after %v", b.CreatedAt, a.CreatedAt)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	s := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ListItems(ctx, feed.ListQuery{Limit: 10})
	if !errors.Is(err, feed.ErrRemoteUnavailable) || !errors.Is(err, context.Canceled) {
		t.Errorf("ListItems() error = %v, want remote unavailable caused by cancel", err)
	}
}
