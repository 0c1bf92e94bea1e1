package replication

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/pantry/internal/remote"
	"github.com/hyperengineering/pantry/internal/store"
	"github.com/hyperengineering/pantry/internal/types"
)

// fakeRemote is an in-memory document service with a global revision counter.
type fakeRemote struct {
	mu       sync.Mutex
	revision int64
	docs     map[string]map[string]types.Document // collection -> id -> doc

	// err, when set, is returned by every call.
	err error

	// rejectWrites makes creates and updates fail schema validation.
	rejectWrites bool

	// getErr, when set, is returned by GetDocument.
	getErr error

	listCalls int
	creates   int
	updates   int
	deletes   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[string]map[string]types.Document)}
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) put(collection string, doc types.Document) types.Document {
	f.revision++
	doc.Collection = collection
	doc.Revision = f.revision
	doc.UpdatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.revision) * time.Second)
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]types.Document)
	}
	f.docs[collection][doc.ID] = doc
	return doc
}

// seed writes a document directly, as another client would.
func (f *fakeRemote) seed(collection, id string, data string) types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(collection, types.Document{ID: id, Data: json.RawMessage(data)})
}

// tombstone deletes a document directly, as another client would.
func (f *fakeRemote) tombstone(collection, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[collection][id]
	doc.Deleted = true
	doc.Data = nil
	f.put(collection, doc)
}

func (f *fakeRemote) live(collection string) map[string]types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.Document)
	for id, d := range f.docs[collection] {
		if !d.Deleted {
			out[id] = d
		}
	}
	return out
}

func (f *fakeRemote) ListDocuments(ctx context.Context, database, collection string, q remote.Query) (*remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}

	var all []types.Document
	for _, d := range f.docs[collection] {
		if d.Revision > q.AfterRevision {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Revision < all[j].Revision })
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return &remote.Page{Documents: all, Total: len(all)}, nil
}

func (f *fakeRemote) GetDocument(ctx context.Context, database, collection, id string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	d, ok := f.docs[collection][id]
	if !ok || d.Deleted {
		return nil, &remote.Error{Status: 404}
	}
	return &d, nil
}

func (f *fakeRemote) CreateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.err != nil {
		return nil, f.err
	}
	if f.rejectWrites {
		return nil, &remote.Error{Status: 422}
	}
	if _, ok := f.docs[collection][id]; ok {
		return nil, &remote.Error{Status: 409}
	}
	d := f.put(collection, types.Document{ID: id, Data: data})
	return &d, nil
}

func (f *fakeRemote) UpdateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.err != nil {
		return nil, f.err
	}
	if f.rejectWrites {
		return nil, &remote.Error{Status: 422}
	}
	d, ok := f.docs[collection][id]
	if !ok || d.Deleted {
		return nil, &remote.Error{Status: 404}
	}
	fields := map[string]json.RawMessage{}
	json.Unmarshal(d.Data, &fields)
	var patch map[string]json.RawMessage
	json.Unmarshal(data, &patch)
	for k, v := range patch {
		fields[k] = v
	}
	d.Data, _ = json.Marshal(fields)
	d = f.put(collection, d)
	return &d, nil
}

func (f *fakeRemote) DeleteDocument(ctx context.Context, database, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.err != nil {
		return f.err
	}
	d, ok := f.docs[collection][id]
	if !ok || d.Deleted {
		return &remote.Error{Status: 404}
	}
	d.Deleted = true
	d.Data = nil
	f.put(collection, d)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) (*types.HealthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &types.HealthResponse{Status: "healthy", Revision: f.revision}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recipeJSON(name string, ingredients ...string) json.RawMessage {
	data, _ := json.Marshal(types.Recipe{Name: name, Ingredients: ingredients})
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
