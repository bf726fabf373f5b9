package feed

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/GetStream/feed-reactions/feed")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// A Page is one slice of a feed.
type Page struct {
	Items []Item
	// NextCursor resumes the feed after the last item. It is empty only when
	// the first page came back empty.
	NextCursor string
	// HasMore is true when a full page was returned. It can be a false
	// positive at the end of the feed; the following page is then empty.
	HasMore bool
}

// Pager serves keyset-paginated feeds from a Store.
type Pager struct {
	Store Store
	// PageSize is used when a caller passes a non-positive size.
	PageSize int
	// MaxPageSize caps the size a caller may ask for.
	MaxPageSize int
}

// NewPager returns a Pager with the default page sizes.
func NewPager(store Store) *Pager {
	return &Pager{Store: store, PageSize: DefaultPageSize, MaxPageSize: MaxPageSize}
}

func (p *Pager) pageSize(n int) int {
	def, limit := p.PageSize, p.MaxPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	if limit <= 0 {
		limit = MaxPageSize
	}
	if n <= 0 {
		n = def
	}
	return min(n, limit)
}

// FetchPage returns the page of active items matching filter that follows
// cursor. An empty cursor returns the newest page and starts a new chain;
// callers replace their list with it rather than appending.
//
// Reads are stateless: fetching the same cursor twice is idempotent. Items
// created after the chain began sort ahead of its first page and are only
// seen after a refresh.
func (p *Pager) FetchPage(ctx context.Context, filter Filter, pageSize int, cursor string) (page Page, err error) {
	ctx, span := tracer.Start(ctx, "feed.FetchPage", trace.WithAttributes(
		attribute.String("feed.filter", filter.String()),
		attribute.Bool("feed.first_page", cursor == ""),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("feed.items", len(page.Items)), attribute.Bool("feed.has_more", page.HasMore))
		}
		span.End()
	}()

	if err := filter.Validate(); err != nil {
		return Page{}, err
	}
	size := p.pageSize(pageSize)

	q := ListQuery{Filter: filter, Limit: size}
	if cursor != "" {
		pos, err := DecodeCursor(filter, cursor)
		if err != nil {
			return Page{}, err
		}
		q.After = &pos
	}

	items, err := p.Store.ListItems(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("list items: %w", err)
	}
	if len(items) > size {
		items = items[:size]
	}

	page = Page{Items: items, HasMore: len(items) == size, NextCursor: cursor}
	if len(items) > 0 {
		next, err := EncodeCursor(filter, items[len(items)-1].Position())
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = next
	}
	return page, nil
}
