package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/GetStream/feed-reactions/feed"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(sqlDB), nil
}

// New wraps an open database handle.
func New(sqlDB *sql.DB) *Postgres {
	return &Postgres{
		bun: bun.NewDB(sqlDB, pgdialect.New()),
	}
}

// Close closes the underlying connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	for _, model := range []any{(*item)(nil), (*reaction)(nil)} {
		if _, err := pg.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	indexes := []*bun.CreateIndexQuery{
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_created_idx").
			Column("created_at"),
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_feed_idx").
			ColumnExpr("created_at DESC, id DESC").Where("status = 'active'"),
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_author_feed_idx").
			ColumnExpr("author_id, created_at DESC, id DESC").Where("status = 'active'"),
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_group_feed_idx").
			ColumnExpr("group_id, created_at DESC, id DESC").Where("status = 'active'"),
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_kind_feed_idx").
			ColumnExpr("kind, created_at DESC, id DESC").Where("status = 'active'"),
		pg.bun.NewCreateIndex().Model((*item)(nil)).Index("items_hashtags_idx").
			Using("GIN").Column("hashtags"),
	}
	for _, q := range indexes {
		if _, err := q.IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// validID reports whether id can name a row. Ids are uuids; anything else
// cannot exist and is reported as not found instead of a query error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// createLock is the advisory lock key serializing item inserts.
const createLock = 0x66656564

// CreateItem inserts an item. The database assigns its id and timestamp.
// Inserts are serialized and each timestamp is pushed past the newest one, so
// clock_timestamp() ties or steps back never reorder the feed.
func (pg *Postgres) CreateItem(ctx context.Context, it feed.Item) (feed.Item, error) {
	m := &item{
		Kind:     string(it.Kind),
		AuthorID: it.AuthorID,
		GroupID:  it.GroupID,
		Hashtags: it.Hashtags,
		Body:     it.Body,
		Status:   string(feed.StatusActive),
	}
	err := pg.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", createLock); err != nil {
			return feed.Unavailable("lock", err)
		}
		if _, err := insertItem(tx, m).Exec(ctx); err != nil {
			return feed.Unavailable("insert", err)
		}
		return nil
	})
	if err != nil {
		return feed.Item{}, err
	}
	return m.FeedItem(), nil
}

func insertItem(db bun.IDB, m *item) *bun.InsertQuery {
	return db.NewInsert().
		Model(m).
		Value("created_at", "GREATEST(clock_timestamp(), (SELECT max(created_at) FROM items) + interval '1 microsecond')").
		Returning("*")
}

// GetItem returns the item with the given id.
func (pg *Postgres) GetItem(ctx context.Context, itemID string) (feed.Item, error) {
	m, err := pg.selectItem(ctx, pg.bun, itemID, false)
	if err != nil {
		return feed.Item{}, err
	}
	return m.FeedItem(), nil
}

func (pg *Postgres) selectItem(ctx context.Context, db bun.IDB, itemID string, lock bool) (*item, error) {
	if !validID(itemID) {
		return nil, feed.ErrItemNotFound
	}
	m := new(item)
	q := db.NewSelect().Model(m).Where("id = ?", itemID)
	if lock {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, feed.ErrItemNotFound
		}
		return nil, feed.Unavailable("scan", err)
	}
	return m, nil
}

// listQuery builds the keyset range read for q.
func (pg *Postgres) listQuery(rows *[]item, q feed.ListQuery) (*bun.SelectQuery, error) {
	sq := pg.bun.NewSelect().
		Model(rows).
		Where("status = ?", string(feed.StatusActive)).
		OrderExpr("created_at DESC, id DESC").
		Limit(q.Limit)

	switch q.Filter.Field {
	case feed.FilterNone:
	case feed.FilterAuthor:
		sq = sq.Where("author_id = ?", q.Filter.Value)
	case feed.FilterGroup:
		sq = sq.Where("group_id = ?", q.Filter.Value)
	case feed.FilterKind:
		sq = sq.Where("kind = ?", q.Filter.Value)
	case feed.FilterHashtag:
		sq = sq.Where("? = ANY(hashtags)", q.Filter.Value)
	default:
		return nil, fmt.Errorf("%w: %s", feed.ErrInvalidFilter, q.Filter.Field)
	}

	if q.After != nil {
		if !validID(q.After.ID) {
			return nil, fmt.Errorf("%w: bad position id", feed.ErrInvalidCursor)
		}
		sq = sq.Where("(created_at, id) < (?, ?::uuid)", q.After.CreatedAt, q.After.ID)
	}
	return sq, nil
}

// ListItems returns one page of active items in feed order.
func (pg *Postgres) ListItems(ctx context.Context, q feed.ListQuery) ([]feed.Item, error) {
	var rows []item
	sq, err := pg.listQuery(&rows, q)
	if err != nil {
		return nil, err
	}
	if err := sq.Scan(ctx); err != nil {
		return nil, feed.Unavailable("scan", err)
	}
	out := make([]feed.Item, len(rows))
	for i, m := range rows {
		out[i] = m.FeedItem()
	}
	return out, nil
}

// SoftDeleteItem marks an item deleted.
func (pg *Postgres) SoftDeleteItem(ctx context.Context, itemID string) error {
	if !validID(itemID) {
		return feed.ErrItemNotFound
	}
	res, err := pg.bun.NewUpdate().
		Model((*item)(nil)).
		Set("status = ?", string(feed.StatusDeleted)).
		Where("id = ?", itemID).
		Exec(ctx)
	if err != nil {
		return feed.Unavailable("update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return feed.ErrItemNotFound
	}
	return nil
}

// IncrementCounter adds delta to a counter in a single statement.
func (pg *Postgres) IncrementCounter(ctx context.Context, itemID string, c feed.Counter, delta int64) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("unknown counter %q", c)
	}
	if !validID(itemID) {
		return 0, feed.ErrItemNotFound
	}
	var value int64
	err := pg.bun.NewUpdate().
		Model((*item)(nil)).
		Set("? = GREATEST(? + ?, 0)", bun.Ident(string(c)), bun.Ident(string(c)), delta).
		Where("id = ?", itemID).
		Returning("?", bun.Ident(string(c))).
		Scan(ctx, &value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, feed.ErrItemNotFound
		}
		return 0, feed.Unavailable("update", err)
	}
	return value, nil
}

// GetReaction returns the user's reaction, or nil if there is none.
func (pg *Postgres) GetReaction(ctx context.Context, itemID, userID string) (*feed.Reaction, error) {
	if _, err := pg.selectItem(ctx, pg.bun, itemID, false); err != nil {
		return nil, err
	}
	r, err := pg.selectReaction(ctx, pg.bun, itemID, userID)
	if err != nil || r == nil {
		return nil, err
	}
	fr := r.FeedReaction()
	return &fr, nil
}

func (pg *Postgres) selectReaction(ctx context.Context, db bun.IDB, itemID, userID string) (*reaction, error) {
	r := new(reaction)
	err := db.NewSelect().Model(r).Where("item_id = ? AND user_id = ?", itemID, userID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, feed.Unavailable("scan", err)
	}
	return r, nil
}

// UpdateReaction runs fn inside a transaction holding the item's row lock,
// which serializes every reaction update on the item.
func (pg *Postgres) UpdateReaction(ctx context.Context, itemID, userID string, fn feed.ReactionTx) error {
	return pg.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		m, err := pg.selectItem(ctx, tx, itemID, true)
		if err != nil {
			return err
		}
		r, err := pg.selectReaction(ctx, tx, itemID, userID)
		if err != nil {
			return err
		}
		var cur *feed.Reaction
		if r != nil {
			fr := r.FeedReaction()
			cur = &fr
		}

		w, err := fn(m.FeedItem(), cur)
		if err != nil {
			return err
		}

		if w.Kind == "" {
			if _, err := tx.NewDelete().
				Model((*reaction)(nil)).
				Where("item_id = ? AND user_id = ?", itemID, userID).
				Exec(ctx); err != nil {
				return feed.Unavailable("delete", err)
			}
		} else {
			row := &reaction{ItemID: itemID, UserID: userID, Kind: string(w.Kind)}
			if _, err := tx.NewInsert().
				Model(row).
				On("CONFLICT (item_id, user_id) DO UPDATE").
				Set("kind = EXCLUDED.kind").
				Set("updated_at = clock_timestamp()").
				Exec(ctx); err != nil {
				return feed.Unavailable("upsert", err)
			}
		}

		m.ReactionCounts = dbCounts(w.Counts)
		if _, err := tx.NewUpdate().Model(m).Column("reaction_counts").WherePK().Exec(ctx); err != nil {
			return feed.Unavailable("update", err)
		}
		return nil
	})
}

// ListReactions returns all reaction rows of an item.
func (pg *Postgres) ListReactions(ctx context.Context, itemID string) ([]feed.Reaction, error) {
	if _, err := pg.selectItem(ctx, pg.bun, itemID, false); err != nil {
		return nil, err
	}
	return pg.listReactions(ctx, pg.bun, itemID)
}

func (pg *Postgres) listReactions(ctx context.Context, db bun.IDB, itemID string) ([]feed.Reaction, error) {
	var rows []reaction
	if err := db.NewSelect().Model(&rows).Where("item_id = ?", itemID).Order("user_id").Scan(ctx); err != nil {
		return nil, feed.Unavailable("scan", err)
	}
	out := make([]feed.Reaction, len(rows))
	for i, r := range rows {
		out[i] = r.FeedReaction()
	}
	return out, nil
}

// UpdateCounts recomputes an item's counts under the item's row lock.
func (pg *Postgres) UpdateCounts(ctx context.Context, itemID string, fn feed.CountsTx) error {
	return pg.inTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		m, err := pg.selectItem(ctx, tx, itemID, true)
		if err != nil {
			return err
		}
		rows, err := pg.listReactions(ctx, tx, itemID)
		if err != nil {
			return err
		}
		counts, err := fn(rows, m.FeedItem().Counts)
		if err != nil {
			return err
		}
		m.ReactionCounts = dbCounts(counts)
		if _, err := tx.NewUpdate().Model(m).Column("reaction_counts").WherePK().Exec(ctx); err != nil {
			return feed.Unavailable("update", err)
		}
		return nil
	})
}

// inTx runs fn in a transaction. Errors returned by fn pass through as-is;
// failures to begin or commit are reported as unavailable.
func (pg *Postgres) inTx(ctx context.Context, fn func(context.Context, bun.Tx) error) error {
	var fnErr error
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		fnErr = fn(ctx, tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return feed.Unavailable("transaction", err)
	}
	return err
}
