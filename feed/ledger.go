package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Outcome is the effect of a toggle on a user's reaction.
type Outcome int

const (
	Added Outcome = iota + 1
	Removed
	Changed
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Decide is the per (user, item) state machine. current is the user's
// reaction, empty for none. It returns the reaction after toggling requested.
func Decide(current, requested ReactionKind) (ReactionKind, Outcome) {
	switch current {
	case "":
		return requested, Added
	case requested:
		return "", Removed
	default:
		return requested, Changed
	}
}

// shift moves one reaction from prev to next, either of which may be empty.
func shift(c Counts, prev, next ReactionKind) Counts {
	out := c.Clone()
	if prev != "" {
		out = out.Add(prev, -1)
	}
	if next != "" {
		out = out.Add(next, 1)
	}
	return out
}

// Result describes an applied toggle.
type Result struct {
	Outcome  Outcome
	Previous ReactionKind // empty when the user had no reaction
	Current  ReactionKind // empty when the toggle removed the reaction
	Counts   Counts       // the item's counts as committed by the toggle
}

// Drift compares an item's stored counts with the counts derived from its
// reaction rows.
type Drift struct {
	ItemID string
	Stored Counts
	Actual Counts
}

// Drifted reports whether the stored counts disagreed with the rows.
func (d Drift) Drifted() bool {
	for _, k := range reactionKinds {
		if d.Stored[k] != d.Actual[k] {
			return true
		}
	}
	return false
}

// Ledger maintains single-slot user reactions and the denormalized counts
// that aggregate them.
type Ledger struct {
	Store  Store
	Logger *slog.Logger

	reads singleflight.Group
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{Store: store, Logger: logger}
}

// Toggle toggles the user's reaction of the given kind on an item. The user's
// row and the item's counts are written in one atomic store update, so
// concurrent toggles by the same user on the same item are serialized.
func (l *Ledger) Toggle(ctx context.Context, itemID, userID string, kind ReactionKind) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "feed.Toggle", trace.WithAttributes(
		attribute.String("feed.item_id", itemID),
		attribute.String("feed.reaction", string(kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("feed.outcome", res.Outcome.String()))
		}
		span.End()
	}()

	if !kind.Valid() {
		return Result{}, fmt.Errorf("unknown reaction kind %q", kind)
	}
	if userID == "" {
		return Result{}, errors.New("empty user id")
	}

	err = l.Store.UpdateReaction(ctx, itemID, userID, func(item Item, current *Reaction) (ReactionWrite, error) {
		if item.Status != StatusActive {
			return ReactionWrite{}, ErrItemNotFound
		}
		var prev ReactionKind
		if current != nil {
			prev = current.Kind
		}
		next, outcome := Decide(prev, kind)
		counts := shift(item.Counts, prev, next)
		res = Result{Outcome: outcome, Previous: prev, Current: next, Counts: counts}
		return ReactionWrite{Kind: next, Counts: counts}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Counts returns the item's denormalized counts. The value may lag toggles
// still in flight. Concurrent reads of the same item share one store call,
// which runs detached from any single caller; each caller stops waiting when
// its own ctx is done.
func (l *Ledger) Counts(ctx context.Context, itemID string) (Counts, error) {
	shared := context.WithoutCancel(ctx)
	ch := l.reads.DoChan(itemID, func() (any, error) {
		item, err := l.Store.GetItem(shared, itemID)
		if err != nil {
			return nil, err
		}
		if item.Status != StatusActive {
			return nil, ErrItemNotFound
		}
		return item.Counts.Clone(), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Counts).Clone(), nil
	}
}

// Reaction returns the user's current reaction on the item, or nil.
func (l *Ledger) Reaction(ctx context.Context, itemID, userID string) (*Reaction, error) {
	return l.Store.GetReaction(ctx, itemID, userID)
}

// Reconcile recomputes the item's counts from its reaction rows and
// overwrites the stored aggregate.
func (l *Ledger) Reconcile(ctx context.Context, itemID string) (Drift, error) {
	d := Drift{ItemID: itemID}
	err := l.Store.UpdateCounts(ctx, itemID, func(rows []Reaction, stored Counts) (Counts, error) {
		actual := Counts{}.Clone()
		for _, r := range rows {
			if r.Kind.Valid() {
				actual[r.Kind]++
			}
		}
		d.Stored, d.Actual = stored.Clone(), actual
		return actual, nil
	})
	if err != nil {
		return Drift{}, fmt.Errorf("reconcile %s: %w", itemID, err)
	}
	if d.Drifted() && l.Logger != nil {
		l.Logger.Warn("Reaction counts drifted", "item_id", itemID, "stored", d.Stored, "actual", d.Actual)
	}
	return d, nil
}

// ReconcileAll reconciles the given items with at most concurrency calls in
// flight. It returns one Drift per item in input order.
func (l *Ledger) ReconcileAll(ctx context.Context, itemIDs []string, concurrency int) ([]Drift, error) {
	out := make([]Drift, len(itemIDs))
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, id := range itemIDs {
		g.Go(func() error {
			d, err := l.Reconcile(ctx, id)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordComment bumps the item's comment counter.
func (l *Ledger) RecordComment(ctx context.Context, itemID string) (int64, error) {
	return l.Store.IncrementCounter(ctx, itemID, CounterComments, 1)
}

// RecordShare bumps the item's share counter.
func (l *Ledger) RecordShare(ctx context.Context, itemID string) (int64, error) {
	return l.Store.IncrementCounter(ctx, itemID, CounterShares, 1)
}
