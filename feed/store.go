package feed

import "context"

// A Store is the storage port every backend implements. It owns items and
// reaction rows and provides the two primitives the ledger relies on: an
// atomic read-modify-write scoped to one item, and a best-effort increment.
//
// Implementations return ErrItemNotFound for unknown items and wrap transport
// failures with Unavailable.
type Store interface {
	// CreateItem persists a new active item. The store assigns ID and
	// CreatedAt; callers' values for them are ignored.
	CreateItem(ctx context.Context, item Item) (Item, error)

	// GetItem returns the item regardless of its status.
	GetItem(ctx context.Context, itemID string) (Item, error)

	// ListItems returns up to q.Limit active items matching q.Filter that sort
	// strictly after q.After, in feed order.
	ListItems(ctx context.Context, q ListQuery) ([]Item, error)

	// SoftDeleteItem marks the item deleted so it is no longer listed.
	SoftDeleteItem(ctx context.Context, itemID string) error

	// IncrementCounter atomically adds delta to a counter outside of any
	// transaction, flooring the result at zero, and returns the new value.
	IncrementCounter(ctx context.Context, itemID string, c Counter, delta int64) (int64, error)

	// GetReaction returns the user's reaction on the item, or nil if none.
	GetReaction(ctx context.Context, itemID, userID string) (*Reaction, error)

	// UpdateReaction runs tx against the item and the user's current reaction
	// and applies its result as one atomic unit. Calls for the same item are
	// linearized. tx may run more than once and must not have side effects.
	UpdateReaction(ctx context.Context, itemID, userID string, tx ReactionTx) error

	// ListReactions returns every reaction row of the item.
	ListReactions(ctx context.Context, itemID string) ([]Reaction, error)

	// UpdateCounts runs tx against all reaction rows of the item and its
	// stored counts, and overwrites the counts with the result atomically.
	UpdateCounts(ctx context.Context, itemID string, tx CountsTx) error
}

// ListQuery describes one keyset range read.
type ListQuery struct {
	Filter Filter
	After  *Position // nil starts at the newest item
	Limit  int
}

// ReactionTx decides what a single reaction update writes, given the stored
// item and the user's current reaction (nil when absent).
type ReactionTx func(item Item, current *Reaction) (ReactionWrite, error)

// ReactionWrite is the result of a ReactionTx.
type ReactionWrite struct {
	// Kind is the user's new reaction; the empty kind removes it.
	Kind ReactionKind
	// Counts replaces the item's denormalized reaction counts.
	Counts Counts
}

// CountsTx computes the counts an item should carry from its reaction rows.
type CountsTx func(rows []Reaction, stored Counts) (Counts, error)
