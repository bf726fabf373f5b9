package feed_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/GetStream/feed-reactions/feed"
)

func TestCursor_RoundTrip(t *testing.T) {
	filters := []feed.Filter{
		feed.Global,
		feed.ByAuthor("u1"),
		feed.ByGroup("g1"),
		feed.ByHashtag("go"),
		feed.ByKind(feed.KindStory),
	}
	pos := feed.Position{CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC), ID: "item-1"}

	for _, f := range filters {
		t.Run(f.String(), func(t *testing.T) {
			c, err := feed.EncodeCursor(f, pos)
			if err != nil {
				t.Fatalf("EncodeCursor() error = %v", err)
			}
			got, err := feed.DecodeCursor(f, c)
			if err != nil {
				t.Fatalf("DecodeCursor() error = %v", err)
			}
			if want := feed.Timestamp(pos.CreatedAt); !got.CreatedAt.Equal(want) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want)
			}
			if got.ID != pos.ID {
				t.Errorf("ID = %q, want %q", got.ID, pos.ID)
			}
		})
	}
}

func TestCursor_Invalid(t *testing.T) {
	pos := feed.Position{CreatedAt: time.Unix(1700000000, 0), ID: "item-1"}
	authorCursor, err := feed.EncodeCursor(feed.ByAuthor("u1"), pos)
	if err != nil {
		t.Fatal(err)
	}
	raw := func(v any) string {
		b, err := msgpack.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}

	tests := []struct {
		name   string
		filter feed.Filter
		cursor string
	}{
		{"NotBase64", feed.Global, "%%%"},
		{"NotMsgpack", feed.Global, base64.RawURLEncoding.EncodeToString([]byte{0xc1})},
		{"WrongType", feed.Global, raw("hello")},
		{"FutureVersion", feed.Global, raw(map[string]any{"v": 9, "t": 1, "i": "item-1"})},
		{"OtherAuthor", feed.ByAuthor("u2"), authorCursor},
		{"OtherField", feed.ByGroup("u1"), authorCursor},
		{"Global", feed.Global, authorCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := feed.DecodeCursor(tt.filter, tt.cursor); !errors.Is(err, feed.ErrInvalidCursor) {
				t.Errorf("DecodeCursor() error = %v, want ErrInvalidCursor", err)
			}
		})
	}
}
