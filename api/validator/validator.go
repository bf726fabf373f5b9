package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/GetStream/feed-reactions/feed"
)

// Validator validates request bodies and parameters. Besides the built-in
// tags it understands reaction_kind, item_kind, feed_filter and no_nul.
type Validator struct {
	cli *validator.Validate
}

// ValidationError represents an error encountered during validation of a struct field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v *Validator) formatError(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "reaction_kind":
		kinds := make([]string, 0, len(feed.Kinds()))
		for _, k := range feed.Kinds() {
			kinds = append(kinds, string(k))
		}
		return "must be one of " + strings.Join(kinds, ", ")
	case "item_kind":
		return "must be post or story"
	case "excludesall":
		return "must not contain any of " + fe.Param()
	case "no_nul":
		return "must not contain NUL characters"
	case "feed_filter":
		return "must be empty or one of author:, group:, hashtag:, kind: followed by a value"
	}
	return fe.Error()
}

// ValidateStruct validates the provided struct using the underlying validator and returns a slice of validation errors.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks the provided value against the specified validation tags and returns a slice of validation errors.
func (v *Validator) Validate(value any, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return v.formatError(err)
	}
	return nil
}

// New initializes and returns a new instance of the Validator
func New() *Validator {
	cli := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	cli.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil funcs.
	_ = cli.RegisterValidation("reaction_kind", func(fl validator.FieldLevel) bool {
		return feed.ReactionKind(fl.Field().String()).Valid()
	})
	_ = cli.RegisterValidation("item_kind", func(fl validator.FieldLevel) bool {
		return feed.ItemKind(fl.Field().String()).Valid()
	})
	_ = cli.RegisterValidation("feed_filter", func(fl validator.FieldLevel) bool {
		_, err := feed.ParseFilter(fl.Field().String())
		return err == nil
	})

	// Stores key indexes by these values; NUL separates key components.
	_ = cli.RegisterValidation("no_nul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	})

	return &Validator{cli: cli}
}
