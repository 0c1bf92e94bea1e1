package docserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperengineering/pantry/internal/types"
)

const docsPath = "/v1/databases/main/collections/recipes/documents"

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "pantryd.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.JWTSecret = "test-secret"
	cfg.BcryptCost = bcrypt.MinCost
	h, err := New(newTestDB(t), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

type call struct {
	method  string
	path    string
	token   string
	body    any
	project string
}

func do(t *testing.T, srv *httptest.Server, c call) (int, []byte) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		data, _ := json.Marshal(c.body)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(c.method, srv.URL+c.path, body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.project != "" {
		req.Header.Set("X-Pantry-Project", c.project)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// signup registers an account and returns a session token.
func signup(t *testing.T, srv *httptest.Server, email string) (string, types.User) {
	t.Helper()
	status, body := do(t, srv, call{method: "POST", path: "/v1/account", body: map[string]string{
		"email": email, "password": "correct horse", "name": "Cook",
	}})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", status, body)
	}
	status, body = do(t, srv, call{method: "POST", path: "/v1/account/sessions", body: map[string]string{
		"email": email, "password": "correct horse",
	}})
	if status != http.StatusCreated {
		t.Fatalf("login status = %d, body = %s", status, body)
	}
	var resp sessionResponse
	json.Unmarshal(body, &resp)
	return resp.Token, resp.User
}

func decodeDoc(t *testing.T, body []byte) types.Document {
	t.Helper()
	var doc types.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode document: %v (%s)", err, body)
	}
	return doc
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{Version: "1.2.3"})

	status, body := do(t, srv, call{method: "GET", path: "/v1/health"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var h types.HealthResponse
	json.Unmarshal(body, &h)
	if h.Status != "healthy" || h.Version != "1.2.3" || h.Revision != 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestAccounts(t *testing.T) {
	srv := newTestServer(t, Config{})
	token, user := signup(t, srv, "cook@example.com")

	t.Run("current account", func(t *testing.T) {
		status, body := do(t, srv, call{method: "GET", path: "/v1/account", token: token})
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		var got types.User
		json.Unmarshal(body, &got)
		if got.ID != user.ID || got.Email != "cook@example.com" {
			t.Errorf("user = %+v", got)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		status, _ := do(t, srv, call{method: "POST", path: "/v1/account", body: map[string]string{
			"email": "cook@example.com", "password": "whatever123",
		}})
		if status != http.StatusConflict {
			t.Errorf("status = %d, want 409", status)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		status, _ := do(t, srv, call{method: "POST", path: "/v1/account/sessions", body: map[string]string{
			"email": "cook@example.com", "password": "nope",
		}})
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		status, _ := do(t, srv, call{method: "POST", path: "/v1/account/sessions", body: map[string]string{
			"email": "ghost@example.com", "password": "correct horse",
		}})
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})

	t.Run("invalid registration", func(t *testing.T) {
		status, body := do(t, srv, call{method: "POST", path: "/v1/account", body: map[string]string{
			"email": "not-an-email", "password": "short",
		}})
		if status != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", status)
		}
		var p ProblemWithErrors
		json.Unmarshal(body, &p)
		if len(p.Errors) != 2 {
			t.Errorf("errors = %+v, want email and password", p.Errors)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		status, _ := do(t, srv, call{method: "GET", path: "/v1/account"})
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})
}

func TestLogoutRevokesSession(t *testing.T) {
	srv := newTestServer(t, Config{})
	token, _ := signup(t, srv, "cook@example.com")

	status, _ := do(t, srv, call{method: "DELETE", path: "/v1/account/sessions/current", token: token})
	if status != http.StatusNoContent {
		t.Fatalf("logout status = %d", status)
	}

	status, _ = do(t, srv, call{method: "GET", path: "/v1/account", token: token})
	if status != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want 401", status)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	srv := newTestServer(t, Config{})
	token, _ := signup(t, srv, "cook@example.com")
	id := ulid.Make().String()

	// Given a created recipe
	status, body := do(t, srv, call{method: "POST", path: docsPath, token: token, body: map[string]any{
		"id":   id,
		"data": map[string]any{"name": "Soup", "ingredients": []string{"water", "salt"}},
	}})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", status, body)
	}
	created := decodeDoc(t, body)
	if created.Revision != 1 || created.ID != id {
		t.Errorf("created = %+v", created)
	}

	// When it is patched
	status, body = do(t, srv, call{method: "PATCH", path: docsPath + "/" + id, token: token, body: map[string]any{
		"data": map[string]any{"name": "Broth"},
	}})
	if status != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", status, body)
	}
	updated := decodeDoc(t, body)

	// Then the revision advances and untouched fields survive
	if updated.Revision <= created.Revision {
		t.Errorf("revision %d not after %d", updated.Revision, created.Revision)
	}
	var r types.Recipe
	json.Unmarshal(updated.Data, &r)
	if r.Name != "Broth" || len(r.Ingredients) != 2 {
		t.Errorf("merged recipe = %+v", r)
	}

	// When it is deleted
	status, _ = do(t, srv, call{method: "DELETE", path: docsPath + "/" + id, token: token})
	if status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}

	// Then reads miss it but the change feed carries the tombstone
	status, _ = do(t, srv, call{method: "GET", path: docsPath + "/" + id, token: token})
	if status != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", status)
	}
	status, body = do(t, srv, call{method: "GET", path: docsPath + "?after=" + "2", token: token})
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var page listResponse
	json.Unmarshal(body, &page)
	if len(page.Documents) != 1 || !page.Documents[0].Deleted || page.Documents[0].Revision != 3 {
		t.Errorf("page = %+v", page)
	}

	// And the id can never be reused
	status, _ = do(t, srv, call{method: "POST", path: docsPath, token: token, body: map[string]any{
		"id":   id,
		"data": map[string]any{"name": "Soup", "ingredients": []string{}},
	}})
	if status != http.StatusConflict {
		t.Errorf("recreate status = %d, want 409", status)
	}
	status, _ = do(t, srv, call{method: "DELETE", path: docsPath + "/" + id, token: token})
	if status != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", status)
	}
}

func TestListDocuments_Paging(t *testing.T) {
	srv := newTestServer(t, Config{})
	token, _ := signup(t, srv, "cook@example.com")

	for i := 0; i < 5; i++ {
		status, body := do(t, srv, call{method: "POST", path: docsPath, token: token, body: map[string]any{
			"id":   ulid.Make().String(),
			"data": map[string]any{"name": "R", "ingredients": []string{}},
		}})
		if status != http.StatusCreated {
			t.Fatalf("create status = %d, body = %s", status, body)
		}
	}

	var page listResponse
	_, body := do(t, srv, call{method: "GET", path: docsPath + "?after=0&limit=2", token: token})
	json.Unmarshal(body, &page)
	if len(page.Documents) != 2 || page.Total != 5 {
		t.Fatalf("first page = %d docs, total %d", len(page.Documents), page.Total)
	}
	if page.Documents[0].Revision != 1 || page.Documents[1].Revision != 2 {
		t.Errorf("revisions = %d, %d", page.Documents[0].Revision, page.Documents[1].Revision)
	}

	_, body = do(t, srv, call{method: "GET", path: docsPath + "?after=2&limit=10", token: token})
	json.Unmarshal(body, &page)
	if len(page.Documents) != 3 || page.Total != 3 {
		t.Errorf("second page = %d docs, total %d", len(page.Documents), page.Total)
	}

	for _, q := range []string{"?after=-1", "?limit=0", "?limit=501", "?after=x"} {
		status, _ := do(t, srv, call{method: "GET", path: docsPath + q, token: token})
		if status != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", q, status)
		}
	}
}

func TestDocumentValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	token, _ := signup(t, srv, "cook@example.com")
	listsPath := "/v1/databases/main/collections/shopping_lists/documents"

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{
			name: "id not a ulid",
			path: docsPath,
			body: map[string]any{"id": "r1", "data": map[string]any{"name": "Soup", "ingredients": []string{}}},
		},
		{
			name: "recipe without name",
			path: docsPath,
			body: map[string]any{"id": ulid.Make().String(), "data": map[string]any{"ingredients": []string{"water"}}},
		},
		{
			name: "list with duplicate items",
			path: listsPath,
			body: map[string]any{"id": ulid.Make().String(), "data": map[string]any{"name": "Week", "items": []string{"a", "a"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, srv, call{method: "POST", path: tt.path, token: token, body: tt.body})
			if status != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422 (%s)", status, body)
			}
		})
	}

	t.Run("patch producing an invalid document", func(t *testing.T) {
		id := ulid.Make().String()
		do(t, srv, call{method: "POST", path: docsPath, token: token, body: map[string]any{
			"id": id, "data": map[string]any{"name": "Soup", "ingredients": []string{}},
		}})
		status, _ := do(t, srv, call{method: "PATCH", path: docsPath + "/" + id, token: token, body: map[string]any{
			"data": map[string]any{"name": ""},
		}})
		if status != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", status)
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		status, _ := do(t, srv, call{method: "GET", path: "/v1/databases/main/collections/pets/documents", token: token})
		if status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
	})
}

func TestDocumentsScopedToOwner(t *testing.T) {
	srv := newTestServer(t, Config{})
	alice, _ := signup(t, srv, "alice@example.com")
	bob, _ := signup(t, srv, "bob@example.com")
	id := ulid.Make().String()

	do(t, srv, call{method: "POST", path: docsPath, token: alice, body: map[string]any{
		"id": id, "data": map[string]any{"name": "Soup", "ingredients": []string{}},
	}})

	status, _ := do(t, srv, call{method: "GET", path: docsPath + "/" + id, token: bob})
	if status != http.StatusNotFound {
		t.Errorf("bob get status = %d, want 404", status)
	}
	_, body := do(t, srv, call{method: "GET", path: docsPath, token: bob})
	var page listResponse
	json.Unmarshal(body, &page)
	if len(page.Documents) != 0 {
		t.Errorf("bob sees %d documents", len(page.Documents))
	}
	status, _ = do(t, srv, call{method: "DELETE", path: docsPath + "/" + id, token: bob})
	if status != http.StatusNotFound {
		t.Errorf("bob delete status = %d, want 404", status)
	}
}

func TestProjectHeader(t *testing.T) {
	srv := newTestServer(t, Config{Project: "kitchen"})

	status, _ := do(t, srv, call{method: "POST", path: "/v1/account", project: "garage", body: map[string]string{
		"email": "cook@example.com", "password": "correct horse",
	}})
	if status != http.StatusNotFound {
		t.Errorf("wrong project status = %d, want 404", status)
	}
	status, _ = do(t, srv, call{method: "POST", path: "/v1/account", project: "kitchen", body: map[string]string{
		"email": "cook@example.com", "password": "correct horse",
	}})
	if status != http.StatusCreated {
		t.Errorf("right project status = %d, want 201", status)
	}
}

func TestTokenManager(t *testing.T) {
	m, err := NewTokenManager("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}
	token, issued, err := m.Issue("acct-1", "cook@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "acct-1" || claims.ID != issued.ID {
		t.Errorf("claims = %+v", claims)
	}

	other, _ := NewTokenManager("other", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token verified with the wrong secret")
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.Verify(token); err == nil {
		t.Error("expired token verified")
	}

	if _, err := NewTokenManager("", time.Hour); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestDB_Snapshot(t *testing.T) {
	db := newTestDB(t)
	dest := filepath.Join(t.TempDir(), "snap.db")

	if err := db.Snapshot(context.Background(), dest); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		t.Errorf("snapshot file missing or empty: %v", err)
	}
}
