package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/GetStream/feed-reactions/api/validator"
	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/memstore"
)

func TestAPI_listItems(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	item := feed.Item{
		ID:        "1",
		Kind:      feed.KindPost,
		AuthorID:  "testuser",
		Hashtags:  []string{"go"},
		Body:      "Hello",
		Status:    feed.StatusActive,
		CreatedAt: created,
		Counts:    feed.Counts{feed.Like: 2},
	}
	cursor, err := feed.EncodeCursor(feed.ByAuthor("testuser"), item.Position())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		store      *testStore
		query      string
		wantStatus int
		wantBody   string
	}{
		{
			name: "StoreUnavailable",
			store: &testStore{
				listItems: func(t *testing.T, q feed.ListQuery) ([]feed.Item, error) {
					return nil, feed.Unavailable("scan", errors.New("connection refused"))
				},
			},
			wantStatus: 503,
			wantBody: `{
				"error": "Storage temporarily unavailable"
			}`,
		},
		{
			name: "StoreError",
			store: &testStore{
				listItems: func(t *testing.T, q feed.ListQuery) ([]feed.Item, error) {
					return nil, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not list items"
			}`,
		},
		{
			name: "Empty",
			store: &testStore{
				listItems: func(t *testing.T, q feed.ListQuery) ([]feed.Item, error) {
					if q.Limit != feed.DefaultPageSize {
						t.Errorf("Got limit %d, want %d", q.Limit, feed.DefaultPageSize)
					}
					if q.After != nil {
						t.Errorf("Got position %v, want none", q.After)
					}
					return nil, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"items": [],
				"has_more": false
			}`,
		},
		{
			name:  "FullPage",
			query: "?filter=author:testuser&page_size=1",
			store: &testStore{
				listItems: func(t *testing.T, q feed.ListQuery) ([]feed.Item, error) {
					if diff := cmp.Diff(feed.ByAuthor("testuser"), q.Filter); diff != "" {
						t.Errorf("Filter mismatch (-want +got):\n%s", diff)
					}
					return []feed.Item{item}, nil
				},
			},
			wantStatus: 200,
			wantBody: fmt.Sprintf(`{
				"items": [
					{
						"id": "1",
						"kind": "post",
						"author_id": "testuser",
						"hashtags": ["go"],
						"body": "Hello",
						"created_at": "2024-01-01T00:00:00Z",
						"reaction_counts": {"dislike": 0, "like": 2, "love": 0},
						"comment_count": 0,
						"share_count": 0
					}
				],
				"next_cursor": %q,
				"has_more": true
			}`, cursor),
		},
		{
			name:  "Cursor",
			query: "?filter=author:testuser&cursor=" + cursor,
			store: &testStore{
				listItems: func(t *testing.T, q feed.ListQuery) ([]feed.Item, error) {
					if q.After == nil || q.After.ID != "1" || !q.After.CreatedAt.Equal(created) {
						t.Errorf("Got position %v, want after item 1", q.After)
					}
					return nil, nil
				},
			},
			wantStatus: 200,
			wantBody: fmt.Sprintf(`{
				"items": [],
				"next_cursor": %q,
				"has_more": false
			}`, cursor),
		},
		{
			name:       "CursorForOtherFilter",
			query:      "?filter=author:someoneelse&cursor=" + cursor,
			store:      &testStore{},
			wantStatus: 400,
			wantBody: `{
				"error": "Invalid cursor, refresh the feed"
			}`,
		},
		{
			name:       "InvalidFilter",
			query:      "?filter=mood:happy",
			store:      &testStore{},
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{
						"field": "filter",
						"message": "must be empty or one of author:, group:, hashtag:, kind: followed by a value"
					}
				]
			}`,
		},
		{
			name:       "InvalidPageSize",
			query:      "?page_size=ten",
			store:      &testStore{},
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{
						"field": "page_size",
						"message": "must be a non-negative integer"
					}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.store.T = t
			api := newTestAPI(t, tt.store)

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL+"/items"+tt.query, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_createItem(t *testing.T) {
	tests := []struct {
		name        string
		store       *testStore
		req         string
		wantStatus  int
		wantBody    string
		containsLog string
	}{
		{
			name:       "InvalidJSON",
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body"
			}`,
		},
		{
			name: "Invalid",
			req: `{
				"kind": "reel",
				"hashtags": ["a,b"]
			}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "kind", "message": "must be post or story"},
					{"field": "author_id", "message": "is required"},
					{"field": "hashtags[0]", "message": "must not contain any of ,"}
				]
			}`,
		},
		{
			name: "NulInKeys",
			req: `{
				"kind": "post",
				"author_id": "alice\u0000mallory",
				"group_id": "g1\u0000",
				"hashtags": ["go\u0000x"]
			}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "author_id", "message": "must not contain NUL characters"},
					{"field": "group_id", "message": "must not contain NUL characters"},
					{"field": "hashtags[0]", "message": "must not contain NUL characters"}
				]
			}`,
		},
		{
			name: "StoreError",
			req: `{
				"kind": "post",
				"author_id": "test"
			}`,
			store: &testStore{
				createItem: func(t *testing.T, it feed.Item) (feed.Item, error) {
					return feed.Item{}, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not create item"
			}`,
			containsLog: "something went wrong",
		},
		{
			name: "OK",
			req: `{
				"kind": "story",
				"author_id": "test",
				"group_id": "g1",
				"hashtags": ["go"],
				"body": "hello"
			}`,
			store: &testStore{
				createItem: func(t *testing.T, it feed.Item) (feed.Item, error) {
					want := feed.Item{Kind: feed.KindStory, AuthorID: "test", GroupID: "g1", Hashtags: []string{"go"}, Body: "hello"}
					if diff := cmp.Diff(want, it); diff != "" {
						t.Errorf("Item mismatch (-want +got):\n%s", diff)
					}
					it.ID = "1"
					it.Status = feed.StatusActive
					it.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
					return it, nil
				},
			},
			wantStatus: 201,
			wantBody: `{
				"id": "1",
				"kind": "story",
				"author_id": "test",
				"group_id": "g1",
				"hashtags": ["go"],
				"body": "hello",
				"created_at": "2024-01-01T00:00:00Z",
				"reaction_counts": {"dislike": 0, "like": 0, "love": 0},
				"comment_count": 0,
				"share_count": 0
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			if tt.store == nil {
				tt.store = &testStore{}
			}
			tt.store.T = t
			api := newTestAPI(t, tt.store)
			api.Logger = slog.New(slog.NewTextHandler(buf, nil))

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("POST", srv.URL+"/items", strings.NewReader(tt.req))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
		})
	}
}

func TestAPI_toggleReaction(t *testing.T) {
	tests := []struct {
		name       string
		itemID     string
		req        string
		wantStatus int
		wantBody   string
	}{
		{
			name:   "Added",
			itemID: "item-1",
			req: `{
				"user_id": "u1",
				"kind": "love"
			}`,
			wantStatus: 200,
			wantBody: `{
				"item_id": "item-1",
				"outcome": "added",
				"current": "love",
				"reaction_counts": {"dislike": 0, "like": 2, "love": 1}
			}`,
		},
		{
			name:   "Changed",
			itemID: "item-1",
			req: `{
				"user_id": "u2",
				"kind": "dislike"
			}`,
			wantStatus: 200,
			wantBody: `{
				"item_id": "item-1",
				"outcome": "changed",
				"previous": "like",
				"current": "dislike",
				"reaction_counts": {"dislike": 1, "like": 1, "love": 0}
			}`,
		},
		{
			name:   "Removed",
			itemID: "item-1",
			req: `{
				"user_id": "u2",
				"kind": "like"
			}`,
			wantStatus: 200,
			wantBody: `{
				"item_id": "item-1",
				"outcome": "removed",
				"previous": "like",
				"reaction_counts": {"dislike": 0, "like": 1, "love": 0}
			}`,
		},
		{
			name:   "NotFound",
			itemID: "missing",
			req: `{
				"user_id": "u1",
				"kind": "like"
			}`,
			wantStatus: 404,
			wantBody: `{
				"error": "Item not found"
			}`,
		},
		{
			name:   "Deleted",
			itemID: "item-deleted",
			req: `{
				"user_id": "u1",
				"kind": "like"
			}`,
			wantStatus: 404,
			wantBody: `{
				"error": "Item not found"
			}`,
		},
		{
			name:   "UnknownKind",
			itemID: "item-1",
			req: `{
				"user_id": "u1",
				"kind": "wow"
			}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "kind", "message": "must be one of like, love, dislike"}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore()
			api := newTestAPI(t, store)

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("POST", srv.URL+"/items/"+tt.itemID+"/reactions", strings.NewReader(tt.req))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_itemRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "GetItem",
			method:     "GET",
			path:       "/items/item-1",
			wantStatus: 200,
			wantBody: `{
				"id": "item-1",
				"kind": "post",
				"author_id": "alice",
				"hashtags": [],
				"body": "",
				"created_at": "2024-01-01T00:00:00Z",
				"reaction_counts": {"dislike": 0, "like": 2, "love": 0},
				"comment_count": 0,
				"share_count": 0
			}`,
		},
		{
			name:       "GetDeletedItem",
			method:     "GET",
			path:       "/items/item-deleted",
			wantStatus: 404,
			wantBody:   `{"error": "Item not found"}`,
		},
		{
			name:       "Counts",
			method:     "GET",
			path:       "/items/item-1/reactions",
			wantStatus: 200,
			wantBody: `{
				"item_id": "item-1",
				"reaction_counts": {"dislike": 0, "like": 2, "love": 0}
			}`,
		},
		{
			name:       "UserReaction",
			method:     "GET",
			path:       "/items/item-1/reactions/u2",
			wantStatus: 200,
			wantBody:   `{"item_id": "item-1", "user_id": "u2", "kind": "like"}`,
		},
		{
			name:       "NoUserReaction",
			method:     "GET",
			path:       "/items/item-1/reactions/u9",
			wantStatus: 200,
			wantBody:   `{"item_id": "item-1", "user_id": "u9"}`,
		},
		{
			name:       "Comment",
			method:     "POST",
			path:       "/items/item-1/comments",
			wantStatus: 200,
			wantBody:   `{"item_id": "item-1", "count": 1}`,
		},
		{
			name:       "Share",
			method:     "POST",
			path:       "/items/item-1/shares",
			wantStatus: 200,
			wantBody:   `{"item_id": "item-1", "count": 1}`,
		},
		{
			name:       "ShareMissing",
			method:     "POST",
			path:       "/items/missing/shares",
			wantStatus: 404,
			wantBody:   `{"error": "Item not found"}`,
		},
		{
			name:       "Reconcile",
			method:     "POST",
			path:       "/items/item-1/reconcile",
			wantStatus: 200,
			wantBody: `{
				"item_id": "item-1",
				"drifted": true,
				"stored": {"dislike": 0, "like": 2, "love": 0},
				"actual": {"dislike": 0, "like": 1, "love": 0}
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, seededStore())

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_deleteItem(t *testing.T) {
	store := seededStore()
	api := newTestAPI(t, store)
	srv := httptest.NewServer(api)
	defer srv.Close()

	req, _ := http.NewRequest("DELETE", srv.URL+"/items/item-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	checkStatus(t, resp.StatusCode, 204)

	it, err := store.GetItem(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if it.Status != feed.StatusDeleted {
		t.Errorf("Got status %q, want %q", it.Status, feed.StatusDeleted)
	}

	req, _ = http.NewRequest("GET", srv.URL+"/items", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	checkStatus(t, resp.StatusCode, 200)
	checkBody(t, resp, `{"items": [], "has_more": false}`)
}

func TestAPI_metrics(t *testing.T) {
	api := newTestAPI(t, seededStore())
	api.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "feed_up 1\n")
	})
	srv := httptest.NewServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	checkStatus(t, resp.StatusCode, 200)
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "feed_up 1\n" {
		t.Errorf("Got body %q", b)
	}
}

func newTestAPI(t *testing.T, store feed.Store) *API {
	return &API{
		Logger: slogt.New(t),
		Store:  store,
		Pager:  feed.NewPager(store),
		Ledger: feed.NewLedger(store, slogt.New(t)),
		Val:    validator.New(),
	}
}

// seededStore holds item-1 with a stale like count of 2 backed by a single
// like from u2, and a deleted item.
func seededStore() *memstore.Store {
	s := memstore.New()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Put(feed.Item{
		ID:        "item-1",
		Kind:      feed.KindPost,
		AuthorID:  "alice",
		CreatedAt: created,
		Counts:    feed.Counts{feed.Like: 2},
	})
	s.PutReaction(feed.Reaction{ItemID: "item-1", UserID: "u2", Kind: feed.Like, UpdatedAt: created})
	s.Put(feed.Item{
		ID:        "item-deleted",
		Kind:      feed.KindPost,
		AuthorID:  "alice",
		Status:    feed.StatusDeleted,
		CreatedAt: created.Add(time.Hour),
	})
	return s
}

// testStore is a feed.Store whose methods are provided per test.
type testStore struct {
	T          *testing.T
	createItem func(t *testing.T, it feed.Item) (feed.Item, error)
	getItem    func(t *testing.T, itemID string) (feed.Item, error)
	listItems  func(t *testing.T, q feed.ListQuery) ([]feed.Item, error)
}

var errNotImplemented = errors.New("not implemented")

func (s *testStore) CreateItem(_ context.Context, it feed.Item) (feed.Item, error) {
	if s.createItem == nil {
		return feed.Item{}, errNotImplemented
	}
	return s.createItem(s.T, it)
}

func (s *testStore) GetItem(_ context.Context, itemID string) (feed.Item, error) {
	if s.getItem == nil {
		return feed.Item{}, errNotImplemented
	}
	return s.getItem(s.T, itemID)
}

func (s *testStore) ListItems(_ context.Context, q feed.ListQuery) ([]feed.Item, error) {
	if s.listItems == nil {
		return nil, errNotImplemented
	}
	return s.listItems(s.T, q)
}

func (s *testStore) SoftDeleteItem(context.Context, string) error {
	return errNotImplemented
}

func (s *testStore) IncrementCounter(context.Context, string, feed.Counter, int64) (int64, error) {
	return 0, errNotImplemented
}

func (s *testStore) GetReaction(context.Context, string, string) (*feed.Reaction, error) {
	return nil, errNotImplemented
}

func (s *testStore) UpdateReaction(context.Context, string, string, feed.ReactionTx) error {
	return errNotImplemented
}

func (s *testStore) ListReactions(context.Context, string) ([]feed.Reaction, error) {
	return nil, errNotImplemented
}

func (s *testStore) UpdateCounts(context.Context, string, feed.CountsTx) error {
	return errNotImplemented
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	defer resp.Body.Close()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

// normalizeJSON re-encodes a JSON document compactly so that formatting
// differences do not matter. Object keys keep their order.
func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	var buf bytes.Buffer
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Could not read JSON: %v", err)
	}
	if err := json.Compact(&buf, b); err != nil {
		t.Fatalf("Could not compact JSON: %v", err)
	}
	return strings.TrimSpace(buf.String())
}
