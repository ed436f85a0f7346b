package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubInvalidator struct {
	calls int
	err   error
}

func (s *stubInvalidator) Invalidate(context.Context) error {
	s.calls++
	return s.err
}

func newTestServer(t *testing.T, inv Invalidator) *echo.Echo {
	t.Helper()
	e := echo.New()
	h := NewHTTPHandler(newTestEngine(t), inv, zap.NewNop())
	h.RegisterRoutes(e.Group("/authz/v1"))
	return e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHandler_Authorize(t *testing.T) {
	e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/authz/v1/authorize",
		`{"request_id":"r-1","user_id":"john","application_key":"chat","request_type":"prompt","traits":["EMAIL_ADDRESS"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Authorized)
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "<<EMAIL_ADDRESS>>", resp.MaskedTraits["EMAIL_ADDRESS"])
}

func TestHTTPHandler_AuthorizeDenialIsOK(t *testing.T) {
	e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/authz/v1/authorize",
		`{"user_id":"john","application_key":"off","request_type":"prompt"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authorized)
	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, ReasonApplicationDisabled, resp.Reason)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHTTPHandler_Errors(t *testing.T) {
	e := newTestServer(t, nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "malformed body", path: "/authz/v1/authorize", body: `{"user_id":`, status: http.StatusBadRequest},
		{name: "missing user", path: "/authz/v1/authorize", body: `{"application_key":"chat","request_type":"prompt"}`, status: http.StatusBadRequest},
		{name: "unknown request type", path: "/authz/v1/authorize", body: `{"user_id":"john","application_key":"chat","request_type":"summary"}`, status: http.StatusBadRequest},
		{name: "unknown application", path: "/authz/v1/authorize", body: `{"user_id":"john","application_key":"ghost","request_type":"prompt"}`, status: http.StatusNotFound},
		{name: "unsupported vector db", path: "/authz/v1/vectordb/authorize", body: `{"user_id":"john","application_key":"exotic"}`, status: http.StatusInternalServerError},
		{name: "missing application key", path: "/authz/v1/vectordb/authorize", body: `{"user_id":"john"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHTTPHandler_AuthorizeVectorDB(t *testing.T) {
	e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/authz/v1/vectordb/authorize", `{"user_id":"john","application_key":"chat"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VectorDBAuthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.VectorDBID)
	assert.Equal(t, `{"@contains":{"users":"john"}}`, resp.FilterExpression)
}

func TestHTTPHandler_InvalidateCache(t *testing.T) {
	inv := &stubInvalidator{}
	e := newTestServer(t, inv)

	rec := doJSON(e, http.MethodPost, "/authz/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, inv.calls)

	inv.err = errors.New("redis down")
	rec = doJSON(e, http.MethodPost, "/authz/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPHandler_InvalidateCacheNotRegisteredWithoutCache(t *testing.T) {
	e := newTestServer(t, nil)

	rec := doJSON(e, http.MethodPost, "/authz/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(&DecisionError{Operation: OperationAuthorize, Err: ErrUpstreamUnavailable}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}
