// Package rendezvous serves and consumes the key/value store ranks use to
// agree on group ids and plan fingerprints across processes.
package rendezvous

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/logger"
)

const (
	// DefaultMaxWait caps the long-poll a single GET may request.
	DefaultMaxWait = 30 * time.Second
	maxValueBytes  = 1 << 20
)

// Entry is the wire form of a key/value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server exposes a comm.MemStore over HTTP.
type Server struct {
	store   *comm.MemStore
	maxWait time.Duration
}

func NewServer(store *comm.MemStore) *Server {
	if store == nil {
		store = comm.NewMemStore()
	}
	return &Server{store: store, maxWait: DefaultMaxWait}
}

// WithMaxWait overrides the long-poll cap.
func (s *Server) WithMaxWait(d time.Duration) *Server {
	if d > 0 {
		s.maxWait = d
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.PUT("/v1/kv/*", s.handlePut)
	e.GET("/v1/kv/*", s.handleGet)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"keys":   s.store.Len(),
	})
}

func (s *Server) handlePut(c *echo.Context) error {
	key, err := wildcardKey(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxValueBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if len(raw) > maxValueBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody{Error: "value too large"})
	}
	var body Entry
	if err := json.Unmarshal(raw, &body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
	}
	if err := s.store.Set(c.Request().Context(), key, body.Value); err != nil {
		if errors.Is(err, comm.ErrConflict) {
			return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	logger.FromContext(c.Request().Context()).Debug("rendezvous set", "key", key)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGet(c *echo.Context) error {
	key, err := wildcardKey(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if v, ok := s.store.Get(key); ok {
		return c.JSON(http.StatusOK, Entry{Key: key, Value: v})
	}

	var wait time.Duration
	if q := c.QueryParam("wait"); q != "" {
		wait, err = time.ParseDuration(q)
		if err != nil || wait < 0 {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid wait duration: " + q})
		}
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}
	if wait == 0 {
		return c.JSON(http.StatusNotFound, errorBody{Error: "key not set"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()
	v, err := s.store.Wait(ctx, key)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "key not set"})
	}
	return c.JSON(http.StatusOK, Entry{Key: key, Value: v})
}

func wildcardKey(c *echo.Context) (string, error) {
	key, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("empty key")
	}
	return key, nil
}
