package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Project: "pantry-test", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "detail": detail, "title": http.StatusText(status)})
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient() without endpoint = nil error")
	}
}

func TestClient_SendsProjectAndToken(t *testing.T) {
	var gotProject, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotProject = r.Header.Get(ProjectHeader)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(types.HealthResponse{Status: "healthy", Revision: 3})
	})
	c.SetToken("secret")

	health, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if health.Revision != 3 {
		t.Errorf("Revision = %d, want 3", health.Revision)
	}
	if gotProject != "pantry-test" {
		t.Errorf("project header = %q, want pantry-test", gotProject)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
}

func TestClient_ListDocuments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/databases/main/collections/recipes/documents" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("after") != "7" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(Page{
			Documents: []types.Document{
				{ID: "a", Data: json.RawMessage(`{"name":"Soup"}`), Revision: 8},
				{ID: "b", Revision: 9, Deleted: true},
			},
			Total: 2,
		})
	})

	page, err := c.ListDocuments(context.Background(), "main", "recipes", Query{AfterRevision: 7, Limit: 50})
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(page.Documents) != 2 {
		t.Fatalf("len(Documents) = %d, want 2", len(page.Documents))
	}
	if page.Documents[0].Collection != "recipes" {
		t.Errorf("Collection = %q, want recipes", page.Documents[0].Collection)
	}
	if !page.Documents[1].Deleted {
		t.Error("tombstone lost in decode")
	}
}

func TestClient_CreateDocument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req createRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.Document{ID: req.ID, Data: req.Data, Revision: 1})
	})

	doc, err := c.CreateDocument(context.Background(), "main", "recipes", "r1", json.RawMessage(`{"name":"Soup"}`))
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if doc.ID != "r1" || doc.Revision != 1 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, types.ErrAuth},
		{http.StatusNotFound, types.ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusUnprocessableEntity, types.ErrSchemaViolation},
		{http.StatusServiceUnavailable, types.ErrNetwork},
		{http.StatusTooManyRequests, types.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeProblem(w, tt.status, "nope")
			})

			_, err := c.GetDocument(context.Background(), "main", "recipes", "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if StatusOf(err) != tt.status {
				t.Errorf("StatusOf() = %d, want %d", StatusOf(err), tt.status)
			}
		})
	}
}

func TestClient_ValidationFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":422,"detail":"invalid","errors":[{"field":"name","message":"is required"}]}`))
	})

	_, err := c.CreateDocument(context.Background(), "main", "recipes", "r1", json.RawMessage(`{}`))
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error %T is not *Error", err)
	}
	if len(rerr.Fields) != 1 || rerr.Fields[0].Field != "name" {
		t.Errorf("Fields = %+v", rerr.Fields)
	}
}

func TestClient_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, _ := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Ping(context.Background())
	if !errors.Is(err, types.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}
	if !types.IsRetryable(err) {
		t.Error("network failure should be retryable")
	}
}

func TestClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, _ := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Ping(context.Background())
	if !errors.Is(err, types.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork on timeout", err)
	}
}

func TestClient_LoginStoresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/account/sessions":
			json.NewEncoder(w).Encode(sessionResponse{
				Token: "tok-1",
				User:  types.User{ID: "u1", Email: "ann@example.com", Name: "Ann"},
			})
		case "/v1/account":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				writeProblem(w, http.StatusUnauthorized, "no session")
				return
			}
			json.NewEncoder(w).Encode(types.User{ID: "u1", Email: "ann@example.com"})
		}
	})
	ctx := context.Background()

	user, err := c.GetCurrentUser(ctx)
	if err != nil || user != nil {
		t.Fatalf("GetCurrentUser() before login = %v, %v; want nil, nil", user, err)
	}

	sess, err := c.Login(ctx, Credentials{Email: "ann@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !sess.IsLoggedIn || sess.UserID != "u1" || c.Token() != "tok-1" {
		t.Errorf("session = %+v, token %q", sess, c.Token())
	}

	user, err = c.GetCurrentUser(ctx)
	if err != nil || user == nil || user.ID != "u1" {
		t.Errorf("GetCurrentUser() = %+v, %v", user, err)
	}
}

func TestClient_LogoutDropsTokenWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, _ := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: time.Second})
	c.SetToken("tok")

	if err := c.Logout(context.Background()); !errors.Is(err, types.ErrNetwork) {
		t.Errorf("Logout() error = %v, want ErrNetwork", err)
	}
	if c.Token() != "" {
		t.Error("token kept after logout")
	}
}
