package erp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conectahub/conecta/features/store/memory"
	"github.com/conectahub/conecta/runtime/hub"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *memory.MessageStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := memory.NewMessageStore()
	c, err := ForCredential(store, &hub.Credential{
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationERP,
		BaseURL:        srv.URL,
		APIKey:         "key",
		APISecret:      "secret",
		Active:         true,
	})
	require.NoError(t, err)
	return c, store, srv
}

func TestInsertDocUsesTokenAuth(t *testing.T) {
	var gotAuth, gotPath string
	c, store, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{"data": {"name": "DN-0001", "docstatus": 0}}`))
	}))

	doc, err := c.InsertDoc(context.Background(), "Delivery Note", map[string]any{"company": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "DN-0001", doc["name"])
	assert.Equal(t, "token key:secret", gotAuth)
	assert.Equal(t, "/api/resource/Delivery%20Note", gotPath)

	msgs := store.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, "delivery_note.insert", msgs[0].EventType)
	assert.Equal(t, hub.StatusProcessed, msgs[0].Status)
}

func TestSubmitDocChecksDocstatus(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"name": "DN-0001", "docstatus": 1}}`))
	}))
	doc, err := c.SubmitDoc(context.Background(), "Delivery Note", "DN-0001")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc["docstatus"])

	c2, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"name": "DN-0002", "docstatus": 0}}`))
	}))
	_, err = c2.SubmitDoc(context.Background(), "Delivery Note", "DN-0002")
	var apiErr *hub.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, hub.CodeConflictError, apiErr.Code)
}

func TestGetStockLevels(t *testing.T) {
	var gotFilters [][]any
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("filters")), &gotFilters))
		w.Write([]byte(`{"data": [{"item_code": "SKU-1", "warehouse": "Main - A", "actual_qty": 7}]}`))
	}))

	bins, err := c.GetStockLevels(context.Background(), "SKU-1", "Main - A")
	require.NoError(t, err)
	require.Len(t, bins, 1)
	assert.Equal(t, float64(7), bins[0]["actual_qty"])
	assert.Equal(t, [][]any{
		{"item_code", "=", "SKU-1"},
		{"warehouse", "=", "Main - A"},
	}, gotFilters)
}

func TestCreateSalesInvoiceFromOrder(t *testing.T) {
	c, store, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/method/erpnext.selling.doctype.sales_order.sales_order.make_sales_invoice", r.URL.Path)
		w.Write([]byte(`{"message": {"doctype": "Sales Invoice", "customer": "Acme"}}`))
	}))

	inv, err := c.CreateSalesInvoiceFromOrder(context.Background(), "SO-0001")
	require.NoError(t, err)
	assert.Equal(t, "Sales Invoice", inv["doctype"])

	msgs := store.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, "SO-0001", msgs[0].ExternalReference)
}
