// Package app is the client boundary: a facade routing reads and writes
// between the local store and the remote, and the session that owns them.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pantry/internal/connectivity"
	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/replication"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/internal/validation"
)

// remotePageSize is the page size used when reading straight from the remote.
const remotePageSize = 100

// Facade serves recipes and shopping lists. Reads come from the local store
// once a collection is warmed and from the remote before that. Writes go to
// the remote while online and to the local outbox while offline.
type Facade struct {
	store     store.Store
	gateway   remote.Gateway
	monitor   connectivity.Monitor
	engine    *replication.Engine
	database  string
	remoteIDs map[string]string
	resolver  replication.ConflictResolver
	newID     func() string
	now       func() time.Time
}

// FacadeConfig configures a Facade.
type FacadeConfig struct {
	Database string
	// Collections maps local collection names to remote collection ids.
	// Missing entries default to the local name.
	Collections map[string]string
	// Resolver decides whether a remote response replaces the local copy.
	// Defaults to the engine's resolver.
	Resolver replication.ConflictResolver
	NewID    func() string
	Now      func() time.Time
}

// Status is the client state reported by Facade.Status.
type Status struct {
	Online      bool               `json:"online"`
	Replication replication.Status `json:"replication"`
	Store       *types.StoreStats  `json:"store"`
}

// NewFacade creates a facade.
func NewFacade(st store.Store, gw remote.Gateway, m connectivity.Monitor, engine *replication.Engine, cfg FacadeConfig) *Facade {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ulid.Make().String() }
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Resolver == nil {
		cfg.Resolver = replication.LastWriterWins{}
		if engine != nil {
			cfg.Resolver = engine.Resolver()
		}
	}
	ids := make(map[string]string, len(types.Collections))
	for _, col := range types.Collections {
		ids[col] = col
		if id, ok := cfg.Collections[col]; ok && id != "" {
			ids[col] = id
		}
	}
	return &Facade{
		store:     st,
		gateway:   gw,
		monitor:   m,
		engine:    engine,
		database:  cfg.Database,
		remoteIDs: ids,
		resolver:  cfg.Resolver,
		newID:     cfg.NewID,
		now:       cfg.Now,
	}
}

// CreateRecipe validates and stores a new recipe. Blank ingredients are
// dropped and the rest trimmed.
func (f *Facade) CreateRecipe(ctx context.Context, name string, ingredients []string) (*types.Recipe, error) {
	r := types.Recipe{Name: strings.TrimSpace(name), Ingredients: cleanEntries(ingredients)}
	if err := validation.ValidateRecipe(r); err != nil {
		return nil, err
	}

	doc, err := f.create(ctx, types.CollectionRecipes, r)
	if err != nil {
		return nil, err
	}
	return decodeRecipe(*doc)
}

// UpdateRecipe replaces the name and ingredients of a recipe.
func (f *Facade) UpdateRecipe(ctx context.Context, id, name string, ingredients []string) (*types.Recipe, error) {
	r := types.Recipe{Name: strings.TrimSpace(name), Ingredients: cleanEntries(ingredients)}
	if err := validation.ValidateRecipe(r); err != nil {
		return nil, err
	}

	doc, err := f.update(ctx, types.CollectionRecipes, id, r)
	if err != nil {
		return nil, err
	}
	return decodeRecipe(*doc)
}

// DeleteRecipe removes a recipe. Shopping lists built from it keep their items.
func (f *Facade) DeleteRecipe(ctx context.Context, id string) error {
	return f.remove(ctx, types.CollectionRecipes, id)
}

// GetRecipe returns one recipe.
func (f *Facade) GetRecipe(ctx context.Context, id string) (*types.Recipe, error) {
	doc, err := f.get(ctx, types.CollectionRecipes, id)
	if err != nil {
		return nil, err
	}
	return decodeRecipe(*doc)
}

// ListRecipes returns every recipe.
func (f *Facade) ListRecipes(ctx context.Context) ([]types.Recipe, error) {
	docs, err := f.list(ctx, types.CollectionRecipes)
	if err != nil {
		return nil, err
	}
	out := make([]types.Recipe, 0, len(docs))
	for _, doc := range docs {
		r, err := decodeRecipe(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// CreateShoppingList builds a list from the ingredients of the given recipes,
// keeping the first occurrence of each ingredient in recipe order.
func (f *Facade) CreateShoppingList(ctx context.Context, name string, recipeIDs []string) (*types.ShoppingList, error) {
	if len(recipeIDs) == 0 {
		return nil, &validation.Error{Errors: []validation.ValidationError{
			{Field: "recipes", Message: "at least one recipe is required"},
		}}
	}

	recipes := make([]types.Recipe, 0, len(recipeIDs))
	for _, id := range recipeIDs {
		r, err := f.GetRecipe(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", id, err)
		}
		recipes = append(recipes, *r)
	}

	l := types.ShoppingList{Name: strings.TrimSpace(name), Items: MergeIngredients(recipes)}
	if err := validation.ValidateShoppingList(l); err != nil {
		return nil, err
	}

	doc, err := f.create(ctx, types.CollectionShoppingLists, l)
	if err != nil {
		return nil, err
	}
	return decodeShoppingList(*doc)
}

// MergeIngredients concatenates the ingredients of recipes, dropping exact
// duplicates after their first occurrence.
func MergeIngredients(recipes []types.Recipe) []string {
	seen := make(map[string]struct{})
	items := make([]string, 0)
	for _, r := range recipes {
		for _, ing := range r.Ingredients {
			if _, ok := seen[ing]; ok {
				continue
			}
			seen[ing] = struct{}{}
			items = append(items, ing)
		}
	}
	return items
}

// DeleteShoppingList removes a shopping list.
func (f *Facade) DeleteShoppingList(ctx context.Context, id string) error {
	return f.remove(ctx, types.CollectionShoppingLists, id)
}

// GetShoppingList returns one shopping list.
func (f *Facade) GetShoppingList(ctx context.Context, id string) (*types.ShoppingList, error) {
	doc, err := f.get(ctx, types.CollectionShoppingLists, id)
	if err != nil {
		return nil, err
	}
	return decodeShoppingList(*doc)
}

// ListShoppingLists returns every shopping list.
func (f *Facade) ListShoppingLists(ctx context.Context) ([]types.ShoppingList, error) {
	docs, err := f.list(ctx, types.CollectionShoppingLists)
	if err != nil {
		return nil, err
	}
	out := make([]types.ShoppingList, 0, len(docs))
	for _, doc := range docs {
		l, err := decodeShoppingList(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

// Status reports connectivity, replication state and local store figures.
func (f *Facade) Status(ctx context.Context) (*Status, error) {
	stats, err := f.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Online:      f.monitor.Online(),
		Replication: f.engine.Status(),
		Store:       stats,
	}, nil
}

// SyncNow pushes pending local writes and pulls remote changes once.
func (f *Facade) SyncNow(ctx context.Context) error {
	if !f.monitor.Online() {
		return fmt.Errorf("sync: %w", types.ErrOffline)
	}
	return f.engine.SyncNow(ctx)
}

func (f *Facade) online() bool {
	return f.monitor.Online()
}

// useLocal reports whether reads of collection are served locally.
func (f *Facade) useLocal(ctx context.Context, collection string) (bool, error) {
	if !f.online() {
		return true, nil
	}
	return f.store.Warmed(ctx, collection)
}

func (f *Facade) get(ctx context.Context, collection, id string) (*types.Document, error) {
	local, err := f.useLocal(ctx, collection)
	if err != nil {
		return nil, err
	}
	if local {
		return f.store.Get(ctx, collection, id)
	}

	doc, err := f.gateway.GetDocument(ctx, f.database, f.remoteIDs[collection], id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if doc.Deleted {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, types.ErrNotFound)
	}
	doc.Collection = collection
	return doc, nil
}

func (f *Facade) list(ctx context.Context, collection string) ([]types.Document, error) {
	local, err := f.useLocal(ctx, collection)
	if err != nil {
		return nil, err
	}
	if local {
		return f.store.List(ctx, collection)
	}

	var out []types.Document
	var after int64
	for {
		page, err := f.gateway.ListDocuments(ctx, f.database, f.remoteIDs[collection], remote.Query{
			AfterRevision: after,
			Limit:         remotePageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		for _, doc := range page.Documents {
			if doc.Revision > after {
				after = doc.Revision
			}
			if doc.Deleted {
				continue
			}
			doc.Collection = collection
			out = append(out, doc)
		}
		if len(page.Documents) < remotePageSize {
			return out, nil
		}
	}
}

// queued reports whether a local write for the document still waits in the
// outbox. Further writes must queue behind it to keep their order.
func (f *Facade) queued(ctx context.Context, collection, id string) (bool, error) {
	_, err := f.store.OutboxEntry(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *Facade) create(ctx context.Context, collection string, body any) (*types.Document, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", collection, err)
	}
	id := f.newID()

	if !f.online() {
		return f.store.Insert(ctx, collection, types.Document{ID: id, Data: data})
	}

	doc, err := f.gateway.CreateDocument(ctx, f.database, f.remoteIDs[collection], id, data)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	f.mirror(ctx, collection, *doc, f.resolver.Resolve)
	doc.Collection = collection
	return doc, nil
}

func (f *Facade) update(ctx context.Context, collection, id string, body any) (*types.Document, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", collection, err)
	}

	queued, err := f.queued(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if queued || !f.online() {
		return f.store.Update(ctx, collection, id, data)
	}

	doc, err := f.gateway.UpdateDocument(ctx, f.database, f.remoteIDs[collection], id, data)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	f.mirror(ctx, collection, *doc, f.resolver.Resolve)
	doc.Collection = collection
	return doc, nil
}

func (f *Facade) remove(ctx context.Context, collection, id string) error {
	queued, err := f.queued(ctx, collection, id)
	if err != nil {
		return err
	}
	if queued || !f.online() {
		removed, err := f.store.Remove(ctx, collection, id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("delete %s/%s: %w", collection, id, types.ErrNotFound)
		}
		return nil
	}

	if err := f.gateway.DeleteDocument(ctx, f.database, f.remoteIDs[collection], id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}

	tomb := types.Document{ID: id, UpdatedAt: f.now(), Deleted: true}
	if local, err := f.store.Get(ctx, collection, id); err == nil {
		tomb.Revision = local.Revision
	}
	// The remote confirmed the delete, so the tombstone replaces any copy
	// not newer than the one just read.
	f.mirror(ctx, collection, tomb, func(local *types.Document, doc types.Document) bool {
		return local == nil || local.Revision <= doc.Revision
	})
	return nil
}

// mirror copies a write the remote accepted into the local store. decide
// keeps a newer revision pulled while the write was in flight. A failure
// here is only logged: the next pull repairs it.
func (f *Facade) mirror(ctx context.Context, collection string, doc types.Document, decide store.ApplyFunc) {
	doc.Collection = collection
	outcome, err := f.store.ApplyRemote(ctx, doc, decide)
	if err != nil {
		slog.Warn("failed to mirror remote write locally",
			"component", "app",
			"action", "mirror",
			"collection", collection,
			"id", doc.ID,
			"error", err,
		)
		return
	}
	slog.Debug("mirrored remote write",
		"component", "app",
		"action", "mirror",
		"collection", collection,
		"id", doc.ID,
		"outcome", outcome.String(),
	)
}

func cleanEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func decodeRecipe(doc types.Document) (*types.Recipe, error) {
	var r types.Recipe
	if err := json.Unmarshal(doc.Data, &r); err != nil {
		return nil, fmt.Errorf("decode recipe %s: %w", doc.ID, types.ErrSchemaViolation)
	}
	r.ID = doc.ID
	return &r, nil
}

func decodeShoppingList(doc types.Document) (*types.ShoppingList, error) {
	var l types.ShoppingList
	if err := json.Unmarshal(doc.Data, &l); err != nil {
		return nil, fmt.Errorf("decode shopping list %s: %w", doc.ID, types.ErrSchemaViolation)
	}
	l.ID = doc.ID
	return &l, nil
}
