package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/pantry/internal/types"
)

// Document limits.
const (
	MaxNameLength  = 200
	MaxEntryLength = 200
	MaxEntries     = 500
)

// Error is a set of field failures for one document. It unwraps to
// types.ErrSchemaViolation.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + " " + fe.Message
	}
	return fmt.Sprintf("%s: %s", types.ErrSchemaViolation, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error {
	return types.ErrSchemaViolation
}

// ValidateDocument checks a document body against the schema of its
// collection. Returns nil or an *Error.
func ValidateDocument(collection string, data json.RawMessage) error {
	var c Collector
	switch collection {
	case types.CollectionRecipes:
		var r types.Recipe
		if !decodeStrict(&c, data, &r) {
			break
		}
		c.ValidateText("name", r.Name, MaxNameLength)
		validateEntries(&c, "ingredients", r.Ingredients)
	case types.CollectionShoppingLists:
		var l types.ShoppingList
		if !decodeStrict(&c, data, &l) {
			break
		}
		c.ValidateText("name", l.Name, MaxNameLength)
		validateEntries(&c, "items", l.Items)
		validateUnique(&c, "items", l.Items)
	default:
		c.Add(ValidateEnum("collection", collection, types.Collections))
	}

	if c.HasErrors() {
		return &Error{Errors: c.Errors()}
	}
	return nil
}

// ValidateRecipe checks a recipe before it is written.
func ValidateRecipe(r types.Recipe) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode recipe: %w", err)
	}
	return ValidateDocument(types.CollectionRecipes, data)
}

// ValidateShoppingList checks a shopping list before it is written.
func ValidateShoppingList(l types.ShoppingList) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode shopping list: %w", err)
	}
	return ValidateDocument(types.CollectionShoppingLists, data)
}

func decodeStrict(c *Collector, data json.RawMessage, v any) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		c.Add(&ValidationError{Field: "data", Message: "is required"})
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.Add(&ValidationError{Field: "data", Message: "must be a JSON object matching the collection schema"})
		return false
	}
	return true
}

func validateEntries(c *Collector, field string, entries []string) {
	c.Add(ValidateMaxItems(field, len(entries), MaxEntries))
	for i, e := range entries {
		c.ValidateText(fmt.Sprintf("%s[%d]", field, i), e, MaxEntryLength)
	}
}

func validateUnique(c *Collector, field string, entries []string) {
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		if first, ok := seen[e]; ok {
			c.Add(&ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: fmt.Sprintf("duplicates %s[%d]", field, first),
			})
			continue
		}
		seen[e] = i
	}
}
