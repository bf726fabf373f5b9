// Package metrics instruments a feed.Store with Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GetStream/feed-reactions/feed"
)

// Metrics holds the collectors shared by instrumented stores.
type Metrics struct {
	// latency measures store calls. Labels: op, result (ok, not_found,
	// invalid, unavailable, error).
	latency *prometheus.HistogramVec

	// items counts items returned by ListItems. Labels: filter (the filter
	// field, "global" for none).
	items *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feed",
			Subsystem: "store",
			Name:      "latency_seconds",
			Help:      "Store call latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op", "result"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed",
			Subsystem: "store",
			Name:      "listed_items_total",
			Help:      "Items returned by feed page reads",
		}, []string{"filter"}),
		gatherer: reg,
	}
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Result classifies err for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, feed.ErrItemNotFound):
		return "not_found"
	case errors.Is(err, feed.ErrInvalidCursor), errors.Is(err, feed.ErrInvalidFilter):
		return "invalid"
	case errors.Is(err, feed.ErrRemoteUnavailable):
		return "unavailable"
	}
	return "error"
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	m.latency.WithLabelValues(op, Result(err)).Observe(time.Since(start).Seconds())
}

// Store is a feed.Store that records metrics for every call.
type Store struct {
	next feed.Store
	m    *Metrics
}

// Wrap returns next instrumented with m.
func Wrap(next feed.Store, m *Metrics) *Store {
	return &Store{next: next, m: m}
}

func (s *Store) CreateItem(ctx context.Context, item feed.Item) (_ feed.Item, err error) {
	defer func(start time.Time) { s.m.observe("create_item", start, err) }(time.Now())
	return s.next.CreateItem(ctx, item)
}

func (s *Store) GetItem(ctx context.Context, itemID string) (_ feed.Item, err error) {
	defer func(start time.Time) { s.m.observe("get_item", start, err) }(time.Now())
	return s.next.GetItem(ctx, itemID)
}

func (s *Store) ListItems(ctx context.Context, q feed.ListQuery) (items []feed.Item, err error) {
	defer func(start time.Time) {
		s.m.observe("list_items", start, err)
		if err == nil {
			filter := string(q.Filter.Field)
			if filter == "" {
				filter = "global"
			}
			s.m.items.WithLabelValues(filter).Add(float64(len(items)))
		}
	}(time.Now())
	return s.next.ListItems(ctx, q)
}

func (s *Store) SoftDeleteItem(ctx context.Context, itemID string) (err error) {
	defer func(start time.Time) { s.m.observe("soft_delete_item", start, err) }(time.Now())
	return s.next.SoftDeleteItem(ctx, itemID)
}

func (s *Store) IncrementCounter(ctx context.Context, itemID string, c feed.Counter, delta int64) (_ int64, err error) {
	defer func(start time.Time) { s.m.observe("increment_counter", start, err) }(time.Now())
	return s.next.IncrementCounter(ctx, itemID, c, delta)
}

func (s *Store) GetReaction(ctx context.Context, itemID, userID string) (_ *feed.Reaction, err error) {
	defer func(start time.Time) { s.m.observe("get_reaction", start, err) }(time.Now())
	return s.next.GetReaction(ctx, itemID, userID)
}

func (s *Store) UpdateReaction(ctx context.Context, itemID, userID string, tx feed.ReactionTx) (err error) {
	defer func(start time.Time) { s.m.observe("update_reaction", start, err) }(time.Now())
	return s.next.UpdateReaction(ctx, itemID, userID, tx)
}

func (s *Store) ListReactions(ctx context.Context, itemID string) (_ []feed.Reaction, err error) {
	defer func(start time.Time) { s.m.observe("list_reactions", start, err) }(time.Now())
	return s.next.ListReactions(ctx, itemID)
}

func (s *Store) UpdateCounts(ctx context.Context, itemID string, tx feed.CountsTx) (err error) {
	defer func(start time.Time) { s.m.observe("update_counts", start, err) }(time.Now())
	return s.next.UpdateCounts(ctx, itemID, tx)
}
