package docserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperengineering/pantry/internal/types"
	"github.com/hyperengineering/pantry/internal/validation"
)

// List page limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 8
)

// Config configures the document service.
type Config struct {
	// Project, when set, must match the X-Pantry-Project header.
	Project string
	Version string
	// Collections maps remote collection ids to the schema they hold.
	// Empty means the local collection names are the ids.
	Collections map[string]string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	JWTSecret  string
	SessionTTL time.Duration
}

// Handler implements the document service endpoints.
type Handler struct {
	db      *DB
	tokens  *TokenManager
	cfg     Config
	schemas map[string]string
}

// NewHandler creates a Handler.
func NewHandler(db *DB, tokens *TokenManager, cfg Config) *Handler {
	schemas := cfg.Collections
	if len(schemas) == 0 {
		schemas = make(map[string]string, len(types.Collections))
		for _, col := range types.Collections {
			schemas[col] = col
		}
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Handler{db: db, tokens: tokens, cfg: cfg, schemas: schemas}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response",
			"component", "docserver",
			"error", err,
		)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rev, err := h.db.Revision(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:   "healthy",
		Version:  h.cfg.Version,
		Revision: rev,
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

// Register handles POST /v1/account
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	var c validation.Collector
	c.ValidateText("email", req.Email, validation.MaxNameLength)
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			c.Add(&validation.ValidationError{Field: "email", Message: "must be a valid email address"})
		}
	}
	if len(req.Password) < MinPasswordLength {
		c.Add(&validation.ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength),
		})
	}
	c.Add(validation.ValidateMaxLength("name", req.Name, validation.MaxNameLength))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Account contains invalid fields", c.Errors())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.cfg.BcryptCost)
	if err != nil {
		MapError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}

	user, err := h.db.CreateAccount(r.Context(), req.Email, req.Name, string(hash))
	if err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("account created",
		"component", "docserver",
		"action", "register",
		"user", user.ID,
	)
	writeJSON(w, http.StatusCreated, user)
}

// Login handles POST /v1/account/sessions
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.db.AccountByEmail(r.Context(), strings.TrimSpace(req.Email))
	if errors.Is(err, ErrNotFound) {
		MapError(w, r, ErrBadPassword)
		return
	}
	if err != nil {
		MapError(w, r, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		MapError(w, r, ErrBadPassword)
		return
	}

	token, _, err := h.tokens.Issue(acct.ID, acct.Email)
	if err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("session opened",
		"component", "docserver",
		"action", "login",
		"user", acct.ID,
	)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: acct.User})
}

// CurrentAccount handles GET /v1/account
func (h *Handler) CurrentAccount(w http.ResponseWriter, r *http.Request) {
	claims := MustClaimsFromContext(r.Context())
	acct, err := h.db.AccountByID(r.Context(), claims.Subject)
	if errors.Is(err, ErrNotFound) {
		WriteProblem(w, r, http.StatusUnauthorized, "Account no longer exists")
		return
	}
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.User)
}

// Logout handles DELETE /v1/account/sessions/current
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := MustClaimsFromContext(r.Context())
	if err := h.db.RevokeSession(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scope resolves the caller's view of the addressed collection and the
// schema its documents follow.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (Scope, string, bool) {
	col := chi.URLParam(r, "col")
	schema, ok := h.schemas[col]
	if !ok {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown collection %q", col))
		return Scope{}, "", false
	}
	return Scope{
		Database:   chi.URLParam(r, "db"),
		Collection: col,
		Owner:      MustClaimsFromContext(r.Context()).Subject,
	}, schema, true
}

type listResponse struct {
	Documents []types.Document `json:"documents"`
	Total     int              `json:"total"`
}

// ListDocuments handles GET /v1/databases/{db}/collections/{col}/documents
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.scope(w, r)
	if !ok {
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	limit := DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxPageSize {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
			return
		}
		limit = n
	}

	docs, total, err := h.db.ListDocuments(r.Context(), s, after, limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Documents: docs, Total: total})
}

// GetDocument handles GET /v1/databases/{db}/collections/{col}/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.scope(w, r)
	if !ok {
		return
	}
	doc, err := h.db.GetDocument(r.Context(), s, chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type createRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type updateRequest struct {
	Data json.RawMessage `json:"data"`
}

// CreateDocument handles POST /v1/databases/{db}/collections/{col}/documents
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	s, schema, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if verr := validation.ValidateULID("id", req.ID); verr != nil {
		WriteProblemWithErrors(w, r, "Document id is invalid", []validation.ValidationError{*verr})
		return
	}
	if err := validation.ValidateDocument(schema, req.Data); err != nil {
		MapError(w, r, err)
		return
	}

	doc, err := h.db.CreateDocument(r.Context(), s, req.ID, req.Data)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// UpdateDocument handles PATCH /v1/databases/{db}/collections/{col}/documents/{id}
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	s, schema, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	doc, err := h.db.UpdateDocument(r.Context(), s, chi.URLParam(r, "id"), req.Data, func(merged json.RawMessage) error {
		return validation.ValidateDocument(schema, merged)
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /v1/databases/{db}/collections/{col}/documents/{id}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.db.DeleteDocument(r.Context(), s, chi.URLParam(r, "id")); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
