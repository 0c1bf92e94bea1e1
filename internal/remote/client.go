package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/pantry/internal/types"
)

// ProjectHeader names the project a request is scoped to.
const ProjectHeader = "X-Pantry-Project"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint string
	Project  string
	Timeout  time.Duration
	// HTTPClient overrides the transport; tests pass httptest clients.
	HTTPClient *http.Client
}

// Client is the HTTP/JSON implementation of Gateway and Identity.
type Client struct {
	endpoint string
	project  string
	timeout  time.Duration
	http     *http.Client

	mu    sync.RWMutex
	token string
}

var (
	_ Gateway  = (*Client)(nil)
	_ Identity = (*Client)(nil)
)

// NewClient creates a remote client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("remote endpoint not configured")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse remote endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		project:  cfg.Project,
		timeout:  cfg.Timeout,
		http:     hc,
	}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Ping checks connectivity to the remote.
func (c *Client) Ping(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func documentsPath(database, collection string) string {
	return "/v1/databases/" + url.PathEscape(database) + "/collections/" + url.PathEscape(collection) + "/documents"
}

// ListDocuments returns documents with a revision greater than q.AfterRevision.
func (c *Client) ListDocuments(ctx context.Context, database, collection string, q Query) (*Page, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(q.AfterRevision, 10))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, documentsPath(database, collection)+"?"+params.Encode(), nil, &page); err != nil {
		return nil, err
	}
	for i := range page.Documents {
		page.Documents[i].Collection = collection
	}
	return &page, nil
}

// GetDocument fetches a live document.
func (c *Client) GetDocument(ctx context.Context, database, collection, id string) (*types.Document, error) {
	var doc types.Document
	if err := c.do(ctx, http.MethodGet, documentsPath(database, collection)+"/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	doc.Collection = collection
	return &doc, nil
}

type createRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type updateRequest struct {
	Data json.RawMessage `json:"data"`
}

// CreateDocument creates a document with a client-chosen id.
// Fails with ErrConflict if the id exists.
func (c *Client) CreateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error) {
	var doc types.Document
	if err := c.do(ctx, http.MethodPost, documentsPath(database, collection), createRequest{ID: id, Data: data}, &doc); err != nil {
		return nil, err
	}
	doc.Collection = collection
	return &doc, nil
}

// UpdateDocument merges data into the top-level fields of a live document.
func (c *Client) UpdateDocument(ctx context.Context, database, collection, id string, data json.RawMessage) (*types.Document, error) {
	var doc types.Document
	if err := c.do(ctx, http.MethodPatch, documentsPath(database, collection)+"/"+url.PathEscape(id), updateRequest{Data: data}, &doc); err != nil {
		return nil, err
	}
	doc.Collection = collection
	return &doc, nil
}

// DeleteDocument tombstones a document.
func (c *Client) DeleteDocument(ctx context.Context, database, collection, id string) error {
	return c.do(ctx, http.MethodDelete, documentsPath(database, collection)+"/"+url.PathEscape(id), nil, nil)
}

type sessionResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

// GetCurrentUser returns the account behind the current token, or nil.
func (c *Client) GetCurrentUser(ctx context.Context) (*types.User, error) {
	if c.Token() == "" {
		return nil, nil
	}

	var user types.User
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, &user)
	if errors.Is(err, types.ErrAuth) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login opens a session and keeps its token for later requests.
func (c *Client) Login(ctx context.Context, creds Credentials) (*types.Session, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/account/sessions", creds, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.SetToken(resp.Token)

	return &types.Session{
		UserID:        resp.User.ID,
		Email:         resp.User.Email,
		Name:          resp.User.Name,
		Token:         resp.Token,
		IsLoggedIn:    true,
		LastLoginTime: time.Now().UTC(),
	}, nil
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, reg Registration) (*types.Session, error) {
	if err := c.do(ctx, http.MethodPost, "/v1/account", reg, nil); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return c.Login(ctx, Credentials{Email: reg.Email, Password: reg.Password})
}

// Logout revokes the current session. The local token is dropped even if
// the remote is unreachable.
func (c *Client) Logout(ctx context.Context) error {
	if c.Token() == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/v1/account/sessions/current", nil, nil)
	c.SetToken("")
	if err != nil && !errors.Is(err, types.ErrAuth) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.project != "" {
		req.Header.Set(ProjectHeader, c.project)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s response: %v", types.ErrNetwork, method, path, err)
	}
	return nil
}

type problemBody struct {
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors"`
}

func decodeError(resp *http.Response) error {
	rerr := &Error{Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var p problemBody
	if json.Unmarshal(data, &p) == nil {
		rerr.Title = p.Title
		rerr.Detail = p.Detail
		rerr.Fields = p.Errors
	} else if len(data) > 0 {
		rerr.Detail = strings.TrimSpace(string(data))
	}
	return rerr
}
