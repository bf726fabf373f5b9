package feed

import (
	"fmt"
	"strings"
)

// FilterField selects which predicate restricts a feed. Predicates are
// mutually exclusive: a feed is filtered by at most one of them.
type FilterField string

const (
	FilterNone    FilterField = ""
	FilterAuthor  FilterField = "author"
	FilterGroup   FilterField = "group"
	FilterHashtag FilterField = "hashtag"
	FilterKind    FilterField = "kind"
)

// A Filter restricts a feed to items matching a single predicate.
type Filter struct {
	Field FilterField
	Value string
}

// Global is the unfiltered feed.
var Global = Filter{}

// ByAuthor returns the filter for items written by authorID.
func ByAuthor(authorID string) Filter { return Filter{Field: FilterAuthor, Value: authorID} }

// ByGroup returns the filter for items posted in groupID.
func ByGroup(groupID string) Filter { return Filter{Field: FilterGroup, Value: groupID} }

// ByHashtag returns the filter for items tagged with tag.
func ByHashtag(tag string) Filter { return Filter{Field: FilterHashtag, Value: tag} }

// ByKind returns the filter for items of one kind, such as the stories tray.
func ByKind(kind ItemKind) Filter { return Filter{Field: FilterKind, Value: string(kind)} }

// Validate checks the filter is well formed.
func (f Filter) Validate() error {
	switch f.Field {
	case FilterNone:
		if f.Value != "" {
			return fmt.Errorf("%w: value without field", ErrInvalidFilter)
		}
		return nil
	case FilterAuthor, FilterGroup, FilterHashtag:
	case FilterKind:
		if !ItemKind(f.Value).Valid() {
			return fmt.Errorf("%w: unknown item kind %q", ErrInvalidFilter, f.Value)
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, f.Field)
	}
	if f.Value == "" || strings.ContainsRune(f.Value, 0) {
		return fmt.Errorf("%w: bad value for %s", ErrInvalidFilter, f.Field)
	}
	return nil
}

// String renders the filter as field:value, the form ParseFilter accepts.
func (f Filter) String() string {
	if f.Field == FilterNone {
		return ""
	}
	return string(f.Field) + ":" + f.Value
}

// ParseFilter parses "field:value". The empty string is the global feed.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Global, nil
	}
	field, value, ok := strings.Cut(s, ":")
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
	f := Filter{Field: FilterField(field), Value: value}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}
