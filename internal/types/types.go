package types

import (
	"encoding/json"
	"time"
)

// Collection names used by the local store and as default remote collection ids.
const (
	CollectionRecipes       = "recipes"
	CollectionShoppingLists = "shopping_lists"
)

// Collections lists every replicated collection in a stable order.
var Collections = []string{CollectionRecipes, CollectionShoppingLists}

// Operation is a document mutation kind.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Origin identifies who caused a local change.
type Origin string

const (
	// OriginLocal marks a mutation made through the facade while offline.
	OriginLocal Origin = "local"
	// OriginRemote marks a mutation applied from the remote authority.
	OriginRemote Origin = "remote"
)

// Recipe is a named, ordered list of ingredients.
type Recipe struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
}

// ShoppingList is a named list of items derived from recipes.
type ShoppingList struct {
	ID    string   `json:"id,omitempty"`
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// MarshalJSON ensures nil slices in Recipe marshal as [] not null.
func (r Recipe) MarshalJSON() ([]byte, error) {
	if r.Ingredients == nil {
		r.Ingredients = []string{}
	}
	type Alias Recipe
	return json.Marshal(Alias(r))
}

// MarshalJSON ensures nil slices in ShoppingList marshal as [] not null.
func (l ShoppingList) MarshalJSON() ([]byte, error) {
	if l.Items == nil {
		l.Items = []string{}
	}
	type Alias ShoppingList
	return json.Marshal(Alias(l))
}

// Document is the generic envelope shared by the local store, the remote
// gateway and the replication engine. Data holds the collection-specific body
// without the id.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Revision   int64           `json:"revision"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// OutboxEntry is a local mutation pending confirmation by the remote.
// At most one entry exists per (Collection, DocumentID).
type OutboxEntry struct {
	Collection    string          `json:"collection"`
	DocumentID    string          `json:"document_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	Seq           int64           `json:"seq"`
	QueuedAt      time.Time       `json:"queued_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// ChangeEvent is emitted by the local store for every mutation.
type ChangeEvent struct {
	Collection string
	ID         string
	Operation  Operation
	Origin     Origin
}

// Session is the locally cached identity state.
type Session struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Token         string    `json:"-"`
	IsLoggedIn    bool      `json:"is_logged_in"`
	LastLoginTime time.Time `json:"last_login_time"`
}

// User is an account known to the identity service.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreStats holds local store statistics.
type StoreStats struct {
	Documents     map[string]int64 `json:"documents"`
	PendingOutbox int64            `json:"pending_outbox"`
	Checkpoints   map[string]int64 `json:"checkpoints"`
	DatabaseBytes int64            `json:"database_bytes"`
	OldestPending *time.Time       `json:"oldest_pending,omitempty"`
}

// HealthResponse represents the remote health check response.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Revision int64  `json:"revision"`
}
