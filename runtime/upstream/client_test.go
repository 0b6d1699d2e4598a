package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conectahub/conecta/features/store/memory"
	"github.com/conectahub/conecta/runtime/hub"
)

func TestJoinURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.example.com", "invoices", "https://api.example.com/invoices"},
		{"https://api.example.com/", "invoices", "https://api.example.com/invoices"},
		{"https://api.example.com", "/invoices", "https://api.example.com/invoices"},
		{"https://api.example.com/", "/invoices", "https://api.example.com/invoices"},
		{"https://api.example.com/v1/", "/invoices/1", "https://api.example.com/v1/invoices/1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, JoinURL(tc.base, tc.path))
	}
}

func newClient(t *testing.T, store hub.Store, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		Store:          store,
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationAccounting,
		BaseURL:        baseURL,
		Auth:           BasicAuth{Email: "ops@example.com", Token: "tok"},
	})
	require.NoError(t, err)
	return c
}

func TestDoSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 55, "status": "open"}`))
	}))
	defer srv.Close()

	store := memory.NewMessageStore()
	c := newClient(t, store, srv.URL)

	resp, err := c.Do(context.Background(), Request{
		Method:            http.MethodPost,
		Path:              "invoices",
		Body:              map[string]any{"total": 100},
		EventType:         "invoices.create",
		ExternalReference: "SINV-0001",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(55), resp["id"])
	assert.NotEmpty(t, gotAuth)
	assert.Equal(t, "/invoices", gotPath)

	msgs := store.All()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, hub.DirectionOutbound, m.Direction)
	assert.Equal(t, hub.StatusProcessed, m.Status)
	assert.Equal(t, "SINV-0001", m.IdempotencyKey)
	assert.Equal(t, http.StatusCreated, m.HTTPStatus)
	assert.Equal(t, "open", m.ResponsePayload["status"])
	require.NotNil(t, m.DispatchedAt)
	require.NotNil(t, m.ProcessedAt)
}

func TestDoClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusUnprocessableEntity, hub.CodeValidationError, false},
		{http.StatusUnauthorized, hub.CodeAuthenticationError, false},
		{http.StatusTooManyRequests, hub.CodeRateLimited, true},
		{http.StatusServiceUnavailable, hub.CodeServerError, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"message": "upstream said no"}`))
		}))
		store := memory.NewMessageStore()
		c := newClient(t, store, srv.URL)

		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "things", EventType: "things.get"})
		var apiErr *hub.APIError
		require.ErrorAs(t, err, &apiErr, "status=%d", tc.status)
		assert.Equal(t, tc.code, apiErr.Code)
		assert.Equal(t, tc.retryable, apiErr.Retryable)
		assert.Equal(t, "upstream said no", apiErr.Message)

		msgs := store.All()
		require.Len(t, msgs, 1)
		assert.Equal(t, hub.StatusFailed, msgs[0].Status)
		assert.Equal(t, tc.code, msgs[0].ErrorCode)
		assert.Equal(t, tc.status, msgs[0].HTTPStatus)
		assert.Equal(t, 1, msgs[0].Retries)
		srv.Close()
	}
}

func TestDoNetworkError(t *testing.T) {
	store := memory.NewMessageStore()
	// Closed port: connection refused.
	c := newClient(t, store, "http://127.0.0.1:1")

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "x", EventType: "x.get"})
	var apiErr *hub.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, hub.CodeNetworkError, apiErr.Code)
	assert.True(t, apiErr.Retryable)

	msgs := store.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, hub.StatusFailed, msgs[0].Status)
	assert.Equal(t, hub.CodeNetworkError, msgs[0].ErrorCode)
	assert.Nil(t, msgs[0].DispatchedAt)
}

func TestDoQueryAndIdempotencyFallback(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := memory.NewMessageStore()
	c := newClient(t, store, srv.URL)

	q := url.Values{}
	q.Set("term", "900123")
	_, err := c.Do(context.Background(), Request{
		Method:    http.MethodGet,
		Path:      "contacts",
		Query:     q,
		Body:      map[string]any{"id": float64(77)},
		EventType: "contacts.search",
	})
	require.NoError(t, err)
	assert.Equal(t, "900123", gotQuery.Get("term"))

	msgs := store.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, "77", msgs[0].IdempotencyKey)
}

func TestDoDuplicateKeyStillRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	store := memory.NewMessageStore()
	c := newClient(t, store, srv.URL)

	req := Request{Method: http.MethodGet, Path: "things/1", EventType: "things.get", ExternalReference: "T-1"}
	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), req)
	require.NoError(t, err)

	msgs := store.All()
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].IdempotencyKey, msgs[1].IdempotencyKey)
}

func TestDoNonObjectBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	store := memory.NewMessageStore()
	c := newClient(t, store, srv.URL)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "list", EventType: "list.get"})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, resp["data"])
}
