package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/GetStream/feed-reactions/api/validator"
	"github.com/GetStream/feed-reactions/feed"
)

// API provides the REST endpoints for the application.
type API struct {
	Logger *slog.Logger
	Store  feed.Store
	Pager  *feed.Pager
	Ledger *feed.Ledger
	Val    *validator.Validator

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	once sync.Once
	mux  *http.ServeMux
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /items", a.listItems)
	mux.HandleFunc("POST /items", a.createItem)
	mux.HandleFunc("GET /items/{itemID}", a.getItem)
	mux.HandleFunc("DELETE /items/{itemID}", a.deleteItem)
	mux.HandleFunc("POST /items/{itemID}/reactions", a.toggleReaction)
	mux.HandleFunc("GET /items/{itemID}/reactions", a.getCounts)
	mux.HandleFunc("GET /items/{itemID}/reactions/{userID}", a.getReaction)
	mux.HandleFunc("POST /items/{itemID}/comments", a.recordCounter(feed.CounterComments))
	mux.HandleFunc("POST /items/{itemID}/shares", a.recordCounter(feed.CounterShares))
	mux.HandleFunc("POST /items/{itemID}/reconcile", a.reconcile)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "error", err.Error())
	} else {
		a.Logger.Warn("Request failed", "status", status, "error", err.Error())
	}
	a.respond(w, status, response{Error: msg})
}

// fail responds with the status matching a feed error.
func (a *API) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, feed.ErrItemNotFound):
		a.respondError(w, http.StatusNotFound, err, "Item not found")
	case errors.Is(err, feed.ErrInvalidCursor):
		a.respondError(w, http.StatusBadRequest, err, "Invalid cursor, refresh the feed")
	case errors.Is(err, feed.ErrInvalidFilter):
		a.respondError(w, http.StatusBadRequest, err, "Invalid filter")
	case errors.Is(err, feed.ErrRemoteUnavailable):
		w.Header().Set("Retry-After", "1")
		a.respondError(w, http.StatusServiceUnavailable, err, "Storage temporarily unavailable")
	default:
		a.respondError(w, http.StatusInternalServerError, err, msg)
	}
}

func (a *API) respondInvalid(w http.ResponseWriter, errs []validator.ValidationError) {
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}
	a.respond(w, http.StatusBadRequest, &response{Errors: errs})
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	if errs := a.Val.ValidateStruct(s); len(errs) > 0 {
		a.respondInvalid(w, errs)
		return false
	}
	return true
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, dst)
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Items      []Item `json:"items"`
		NextCursor string `json:"next_cursor,omitempty"`
		HasMore    bool   `json:"has_more"`
	}

	q := r.URL.Query()
	if errs := a.Val.Validate(q.Get("filter"), "feed_filter"); len(errs) > 0 {
		errs[0].Field = "filter"
		a.respondInvalid(w, errs)
		return
	}
	filter, err := feed.ParseFilter(q.Get("filter"))
	if err != nil {
		a.fail(w, err, "Invalid filter")
		return
	}

	size := 0
	if s := q.Get("page_size"); s != "" {
		size, err = strconv.Atoi(s)
		if err != nil || size < 0 {
			a.respondInvalid(w, []validator.ValidationError{{Field: "page_size", Message: "must be a non-negative integer"}})
			return
		}
	}

	page, err := a.Pager.FetchPage(r.Context(), filter, size, q.Get("cursor"))
	if err != nil {
		a.fail(w, err, "Could not list items")
		return
	}
	a.Logger.Debug("Fetched page", "filter", filter.String(), "count", len(page.Items), "has_more", page.HasMore)

	res := response{
		Items:      make([]Item, len(page.Items)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, it := range page.Items {
		res.Items[i] = newItem(it)
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) createItem(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Kind     string   `json:"kind" validate:"required,item_kind"`
		AuthorID string   `json:"author_id" validate:"required,no_nul"`
		GroupID  string   `json:"group_id" validate:"no_nul"`
		Hashtags []string `json:"hashtags" validate:"max=30,dive,required,no_nul,excludesall=0x2C"`
		Body     string   `json:"body" validate:"max=10000"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	it, err := a.Store.CreateItem(r.Context(), feed.Item{
		Kind:     feed.ItemKind(body.Kind),
		AuthorID: body.AuthorID,
		GroupID:  body.GroupID,
		Hashtags: body.Hashtags,
		Body:     body.Body,
	})
	if err != nil {
		a.fail(w, err, "Could not create item")
		return
	}
	a.respond(w, http.StatusCreated, newItem(it))
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := a.Store.GetItem(r.Context(), r.PathValue("itemID"))
	if err == nil && it.Status != feed.StatusActive {
		err = feed.ErrItemNotFound
	}
	if err != nil {
		a.fail(w, err, "Could not get item")
		return
	}
	a.respond(w, http.StatusOK, newItem(it))
}

func (a *API) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.SoftDeleteItem(r.Context(), r.PathValue("itemID")); err != nil {
		a.fail(w, err, "Could not delete item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			UserID string `json:"user_id" validate:"required"`
			Kind   string `json:"kind" validate:"required,reaction_kind"`
		}
		response struct {
			ItemID   string           `json:"item_id"`
			Outcome  string           `json:"outcome"`            // added, removed or changed
			Previous string           `json:"previous,omitempty"` // the user's reaction before the toggle
			Current  string           `json:"current,omitempty"`  // the user's reaction after the toggle
			Counts   map[string]int64 `json:"reaction_counts"`
		}
	)

	itemID := r.PathValue("itemID")
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	res, err := a.Ledger.Toggle(r.Context(), itemID, body.UserID, feed.ReactionKind(body.Kind))
	if err != nil {
		a.fail(w, err, "Could not toggle reaction")
		return
	}
	a.respond(w, http.StatusOK, response{
		ItemID:   itemID,
		Outcome:  res.Outcome.String(),
		Previous: string(res.Previous),
		Current:  string(res.Current),
		Counts:   counts(res.Counts),
	})
}

func (a *API) getCounts(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ItemID string           `json:"item_id"`
		Counts map[string]int64 `json:"reaction_counts"`
	}

	itemID := r.PathValue("itemID")
	c, err := a.Ledger.Counts(r.Context(), itemID)
	if err != nil {
		a.fail(w, err, "Could not get reaction counts")
		return
	}
	a.respond(w, http.StatusOK, response{ItemID: itemID, Counts: counts(c)})
}

func (a *API) getReaction(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ItemID string `json:"item_id"`
		UserID string `json:"user_id"`
		Kind   string `json:"kind,omitempty"` // absent when the user has not reacted
	}

	itemID, userID := r.PathValue("itemID"), r.PathValue("userID")
	rx, err := a.Ledger.Reaction(r.Context(), itemID, userID)
	if err != nil {
		a.fail(w, err, "Could not get reaction")
		return
	}
	res := response{ItemID: itemID, UserID: userID}
	if rx != nil {
		res.Kind = string(rx.Kind)
	}
	a.respond(w, http.StatusOK, res)
}

func (a *API) recordCounter(c feed.Counter) http.HandlerFunc {
	type response struct {
		ItemID string `json:"item_id"`
		Count  int64  `json:"count"`
	}
	record := a.Ledger.RecordComment
	if c == feed.CounterShares {
		record = a.Ledger.RecordShare
	}
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := r.PathValue("itemID")
		n, err := record(r.Context(), itemID)
		if err != nil {
			a.fail(w, err, "Could not update counter")
			return
		}
		a.respond(w, http.StatusOK, response{ItemID: itemID, Count: n})
	}
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ItemID  string           `json:"item_id"`
		Drifted bool             `json:"drifted"`
		Stored  map[string]int64 `json:"stored"`
		Actual  map[string]int64 `json:"actual"`
	}

	d, err := a.Ledger.Reconcile(r.Context(), r.PathValue("itemID"))
	if err != nil {
		a.fail(w, err, "Could not reconcile item")
		return
	}
	a.respond(w, http.StatusOK, response{
		ItemID:  d.ItemID,
		Drifted: d.Drifted(),
		Stored:  counts(d.Stored),
		Actual:  counts(d.Actual),
	})
}
