// Package remote talks to the pantry document service.
package remote

import (
	"context"
	"encoding/json"

	"github.com/hyperengineering/pantry/internal/types"
)

// Query selects a page of documents changed after a revision.
type Query struct {
	AfterRevision int64
	Limit         int
}

// Page is one page of a document listing, ordered by revision.
// Tombstones are included so deletes replicate.
type Page struct {
	Documents []types.Document `json:"documents"`
	Total     int              `json:"total"`
}

// Gateway is the document CRUD surface of the remote.
type Gateway interface {
	ListDocuments(ctx context.Context, database, collection string, q Query) (*Page, error)
	GetDocument(ctx context.Context, database, collection, id string) (*types.Document, error)
	CreateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error)
	UpdateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error)
	DeleteDocument(ctx context.Context, database, collection, id string) error
	Ping(ctx context.Context) (*types.HealthResponse, error)
}

// Credentials identify an account at login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration creates an account.
type Registration struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Identity is the account surface of the remote.
type Identity interface {
	// GetCurrentUser returns nil without error when no session is active.
	GetCurrentUser(ctx context.Context) (*types.User, error)
	Login(ctx context.Context, creds Credentials) (*types.Session, error)
	// Register creates the account and logs it in.
	Register(ctx context.Context, reg Registration) (*types.Session, error)
	Logout(ctx context.Context) error
}
