package feed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Session is one client's view of a feed: the loaded items, the cursor chain
// that produced them and the user's own reactions. Reaction toggles are
// applied to the view speculatively before the ledger confirms them; if the
// ledger call fails the speculative delta is reverted with its inverse.
type Session struct {
	Pager    *Pager
	Ledger   *Ledger
	Filter   Filter
	UserID   string
	PageSize int
	Logger   *slog.Logger
	// RetryDelay is the pause before the single retry of a failed toggle.
	RetryDelay time.Duration

	mu      sync.Mutex
	gen     int
	items   []Item
	cursor  string
	hasMore bool
	mine    map[string]ReactionKind
	stale   map[string]bool
}

// Items returns a copy of the items currently in view.
func (s *Session) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		it.Counts = it.Counts.Clone()
		out[i] = it
	}
	return out
}

// HasMore reports whether the last page was full.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Stale reports whether the item's state is unknown after an abandoned call.
func (s *Session) Stale(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[itemID]
}

// Refresh discards the cursor chain and replaces the view with the newest page.
func (s *Session) Refresh(ctx context.Context) error {
	page, err := s.Pager.FetchPage(ctx, s.Filter, s.PageSize, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.items = page.Items
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	s.stale = nil
	return nil
}

// LoadMore appends the next page of the current chain and returns how many
// items were added. Without a chain it refreshes. An invalid cursor also
// falls back to a refresh.
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	gen, cursor := s.gen, s.cursor
	s.mu.Unlock()
	if cursor == "" {
		if err := s.Refresh(ctx); err != nil {
			return 0, err
		}
		return len(s.Items()), nil
	}

	page, err := s.Pager.FetchPage(ctx, s.Filter, s.PageSize, cursor)
	if errors.Is(err, ErrInvalidCursor) {
		s.log().Warn("Cursor rejected, refreshing feed", "error", err.Error())
		if err := s.Refresh(ctx); err != nil {
			return 0, err
		}
		return len(s.Items()), nil
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// A refresh replaced the chain while this page was in flight.
		return 0, nil
	}
	added := 0
	for _, it := range page.Items {
		if s.indexOf(it.ID) >= 0 {
			continue
		}
		s.items = append(s.items, it)
		added++
	}
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	return added, nil
}

// Toggle toggles the user's reaction on an item in view. The view is updated
// before the ledger call. A failed call is retried once if the backend was
// unavailable; if it still fails the view is reverted. A missing item is
// dropped from the view. An abandoned call leaves the item stale until Resync.
func (s *Session) Toggle(ctx context.Context, itemID string, kind ReactionKind) (Result, error) {
	prev, err := s.currentReaction(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			s.drop(itemID)
		}
		return Result{}, err
	}
	next, outcome := Decide(prev, kind)
	s.speculate(itemID, prev, next)

	attempt := 0
	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempt++
		if attempt > 1 {
			if r, ok := s.alreadyApplied(ctx, itemID, next); ok {
				r.Outcome, r.Previous = outcome, prev
				return r, nil
			}
		}
		r, err := s.Ledger.Toggle(ctx, itemID, s.UserID, kind)
		if err != nil && !errors.Is(err, ErrRemoteUnavailable) {
			return Result{}, backoff.Permanent(err)
		}
		return r, err
	}, backoff.WithMaxTries(2), backoff.WithBackOff(backoff.NewConstantBackOff(s.RetryDelay)))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	if err != nil {
		s.speculate(itemID, next, prev)
		switch {
		case errors.Is(err, ErrItemNotFound):
			s.drop(itemID)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			s.markStale(itemID)
		}
		s.log().Warn("Reaction toggle reverted", "item_id", itemID, "kind", string(kind), "error", err.Error())
		return Result{}, err
	}
	s.settle(itemID, res)
	return res, nil
}

// Resync replaces the item's local state with a fresh read.
func (s *Session) Resync(ctx context.Context, itemID string) error {
	item, err := s.Ledger.Store.GetItem(ctx, itemID)
	if errors.Is(err, ErrItemNotFound) || (err == nil && item.Status != StatusActive) {
		s.drop(itemID)
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	r, err := s.Ledger.Reaction(ctx, itemID, s.UserID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(itemID); i >= 0 {
		s.items[i] = item
	}
	s.setMine(itemID, kindOf(r))
	delete(s.stale, itemID)
	return nil
}

func (s *Session) currentReaction(ctx context.Context, itemID string) (ReactionKind, error) {
	s.mu.Lock()
	if s.indexOf(itemID) < 0 {
		s.mu.Unlock()
		return "", ErrItemNotFound
	}
	k, ok := s.mine[itemID]
	s.mu.Unlock()
	if ok {
		return k, nil
	}
	r, err := s.Ledger.Reaction(ctx, itemID, s.UserID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMine(itemID, kindOf(r))
	return kindOf(r), nil
}

// alreadyApplied reports whether a failed attempt did commit server side, in
// which case retrying the toggle would undo it.
func (s *Session) alreadyApplied(ctx context.Context, itemID string, want ReactionKind) (Result, bool) {
	r, err := s.Ledger.Reaction(ctx, itemID, s.UserID)
	if err != nil || kindOf(r) != want {
		return Result{}, false
	}
	counts, err := s.Ledger.Counts(ctx, itemID)
	if err != nil {
		return Result{}, false
	}
	return Result{Current: want, Counts: counts}, true
}

func (s *Session) speculate(itemID string, from, to ReactionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(itemID); i >= 0 {
		s.items[i].Counts = shift(s.items[i].Counts, from, to)
	}
	s.setMine(itemID, to)
}

func (s *Session) settle(itemID string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(itemID); i >= 0 {
		s.items[i].Counts = res.Counts.Clone()
	}
	s.setMine(itemID, res.Current)
	delete(s.stale, itemID)
}

func (s *Session) drop(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(itemID); i >= 0 {
		s.items = slices.Delete(s.items, i, i+1)
	}
	delete(s.mine, itemID)
	delete(s.stale, itemID)
}

func (s *Session) markStale(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale == nil {
		s.stale = make(map[string]bool)
	}
	s.stale[itemID] = true
}

func (s *Session) setMine(itemID string, k ReactionKind) {
	if s.mine == nil {
		s.mine = make(map[string]ReactionKind)
	}
	s.mine[itemID] = k
}

func (s *Session) indexOf(itemID string) int {
	return slices.IndexFunc(s.items, func(it Item) bool { return it.ID == itemID })
}

func (s *Session) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func kindOf(r *Reaction) ReactionKind {
	if r == nil {
		return ""
	}
	return r.Kind
}
