package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Invalidator drops cached decision data.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// HTTP Handler
// -----------------------------------------------------------------------------

// HTTPHandler exposes the engine over REST.
type HTTPHandler struct {
	engine      *Engine
	invalidator Invalidator
	logger      *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler. invalidator may be nil when no
// cache sits in front of the provider.
func NewHTTPHandler(engine *Engine, invalidator Invalidator, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:      engine,
		invalidator: invalidator,
		logger:      logger,
	}
}

// RegisterRoutes registers the authorization routes on the given Echo group
// (e.g. /authz/v1).
func (h *HTTPHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/authorize", h.Authorize)
	g.POST("/vectordb/authorize", h.AuthorizeVectorDB)

	if h.invalidator != nil {
		g.POST("/cache/invalidate", h.InvalidateCache)
	}
}

// -----------------------------------------------------------------------------
// Handler Methods
// -----------------------------------------------------------------------------

// Authorize evaluates an AuthzRequest. Denials are returned with 200 and
// status_code 403 in the body.
// POST /authz/v1/authorize
func (h *HTTPHandler) Authorize(c echo.Context) error {
	var req AuthzRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp, err := h.engine.Authorize(c.Request().Context(), &req)
	if err != nil {
		return h.handleError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// AuthorizeVectorDB returns the row filter for the application's vector
// database.
// POST /authz/v1/vectordb/authorize
func (h *HTTPHandler) AuthorizeVectorDB(c echo.Context) error {
	var req VectorDBAuthzRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp, err := h.engine.AuthorizeVectorDB(c.Request().Context(), &req)
	if err != nil {
		return h.handleError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// InvalidateCache flushes cached provider lookups.
// POST /authz/v1/cache/invalidate
func (h *HTTPHandler) InvalidateCache(c echo.Context) error {
	if err := h.invalidator.Invalidate(c.Request().Context()); err != nil {
		h.logger.Error("cache invalidation failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	}

	h.logger.Info("decision cache invalidated")
	return c.NoContent(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Helper Methods
// -----------------------------------------------------------------------------

// StatusFor maps a decision error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError converts engine errors to appropriate HTTP responses.
func (h *HTTPHandler) handleError(c echo.Context, err error) error {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("authorization error", zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Warn("authorization request rejected", zap.Int("status", status), zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}
