// Package httpremote exposes a remote.Store over HTTP and provides the
// matching client.
//
// Routes:
//
//	GET    /healthz
//	PUT    /v1/blobs/{path}
//	GET    /v1/blobs/{path}
//	DELETE /v1/blobs/{path}
//	GET    /v1/meta/{key}
//	POST   /v1/meta/{key}/cas   {"expected_revision": N, "document": {...}}
//
// Status mapping: 404 not found, 409 conflict, 401/403 unauthorized,
// 422 corrupt or invalid input, 5xx unavailable.
package httpremote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

// MaxBlobBytes bounds a single uploaded blob.
const MaxBlobBytes = 32 << 20

// casRequest is the body of a compare-and-set call.
type casRequest struct {
	ExpectedRevision uint64          `json:"expected_revision"`
	Document         json.RawMessage `json:"document"`
}

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on /v1 routes.
	Token string

	Logger *slog.Logger
}

type server struct {
	store  remote.Store
	logger *slog.Logger
}

// NewServer wires store into a router.
func NewServer(store remote.Store, opts ServerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		if opts.Token != "" {
			r.Use(bearerAuth(opts.Token))
		}
		r.Put("/blobs/{path}", s.putBlob)
		r.Get("/blobs/{path}", s.getBlob)
		r.Delete("/blobs/{path}", s.deleteBlob)
		r.Get("/meta/{key}", s.getMeta)
		r.Post("/meta/{key}/cas", s.compareAndSet)
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *server) putBlob(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBlobBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "read body")
		return
	}
	if len(data) > MaxBlobBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "CAPACITY", "blob too large")
		return
	}
	if err := s.store.Put(r.Context(), path, data); err != nil {
		s.fail(w, "put blob", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) getBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Get(r.Context(), chi.URLParam(r, "path"))
	if err != nil {
		s.fail(w, "get blob", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func (s *server) deleteBlob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "path")); err != nil {
		s.fail(w, "delete blob", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) getMeta(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetMetadata(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, "get metadata", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(d)
}

func (s *server) compareAndSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req casRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed cas request")
		return
	}
	next, err := doc.ParseDocument(req.Document)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "CORRUPT", err.Error())
		return
	}
	if next.Key != key {
		writeError(w, http.StatusUnprocessableEntity, "CORRUPT", "document key does not match route")
		return
	}

	if err := s.store.CompareAndSet(r.Context(), req.ExpectedRevision, next); err != nil {
		s.fail(w, "compare and set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		s.logger.Error("remote request failed", "op", op, "error", err)
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, remote.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, remote.ErrCorrupt), errors.Is(err, doc.ErrInvalid):
		return http.StatusUnprocessableEntity, "CORRUPT"
	case errors.Is(err, remote.ErrUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: strings.TrimSpace(message)})
}
