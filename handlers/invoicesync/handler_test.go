package invoicesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storemem "github.com/conectahub/conecta/features/store/memory"
	"github.com/conectahub/conecta/runtime/hub"
)

// accountingServer fakes the accounting platform API. Contact searches
// return a bare JSON array, the way the real platform does.
type accountingServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	searchQueue  [][]any
	createStatus int
	calls        []string
	lastInvoice  map[string]any
}

func newAccountingServer(t *testing.T) *accountingServer {
	a := &accountingServer{}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *accountingServer) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	a.mu.Lock()
	a.calls = append(a.calls, r.Method+" "+r.URL.Path)
	createStatus := a.createStatus
	if r.Method == http.MethodPost && r.URL.Path == "/invoices" {
		a.lastInvoice = body
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/contacts":
		a.mu.Lock()
		hits := []any{}
		if len(a.searchQueue) > 0 {
			hits = a.searchQueue[0]
			a.searchQueue = a.searchQueue[1:]
		}
		a.mu.Unlock()
		json.NewEncoder(w).Encode(hits)
	case r.Method == http.MethodPost && r.URL.Path == "/contacts":
		if createStatus != 0 {
			w.WriteHeader(createStatus)
			json.NewEncoder(w).Encode(map[string]any{"message": "contact already exists"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "C-1"})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/contacts/"):
		json.NewEncoder(w).Encode(map[string]any{"id": strings.TrimPrefix(r.URL.Path, "/contacts/")})
	case r.Method == http.MethodPost && r.URL.Path == "/invoices":
		json.NewEncoder(w).Encode(map[string]any{"id": "INV-9"})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"message": "not found"})
	}
}

func (a *accountingServer) callList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *accountingServer) invoiceBody() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInvoice
}

type syncFixture struct {
	handler    *Handler
	msgs       *storemem.MessageStore
	accounting *accountingServer
	org        uuid.UUID
}

func newSyncFixture(t *testing.T) *syncFixture {
	accounting := newAccountingServer(t)
	org := uuid.New()
	cred := &hub.Credential{
		ID:               uuid.New(),
		OrganizationID:   org,
		Integration:      hub.IntegrationAccounting,
		BaseURL:          accounting.srv.URL,
		Email:            "ops@acme.example",
		Token:            "token",
		NumberTemplateID: "42",
		Active:           true,
	}
	msgs := storemem.NewMessageStore()
	h, err := New(Options{
		Credentials: storemem.NewCredentialStore(cred),
		Messages:    msgs,
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return &syncFixture{handler: h, msgs: msgs, accounting: accounting, org: org}
}

func submittedInvoice(org uuid.UUID) *hub.Message {
	return &hub.Message{
		ID:             uuid.New(),
		OrganizationID: org,
		Integration:    hub.IntegrationERP,
		Direction:      hub.DirectionInbound,
		EventType:      "sales_invoice.on_submit",
		Payload: map[string]any{
			"name":          "SINV-0042",
			"doctype":       "Sales Invoice",
			"company":       "Acme SAS",
			"customer_name": "Bob Norman",
			"tax_id":        "123456",
			"posting_date":  "2026-08-24",
			"grand_total":   float64(52000),
			"items": []any{
				map[string]any{"item_code": "A", "item_name": "Item A", "qty": float64(1), "rate": float64(52000)},
			},
		},
	}
}

func TestHandleCreatesContactAndInvoice(t *testing.T) {
	f := newSyncFixture(t)

	res, err := f.handler.Handle(context.Background(), submittedInvoice(f.org))
	require.NoError(t, err)

	result := res.(map[string]any)
	assert.Equal(t, "INV-9", result["invoice_id"])
	assert.Equal(t, "C-1", result["contact_id"])

	assert.Equal(t, []string{
		"GET /contacts",
		"POST /contacts",
		"POST /invoices",
	}, f.accounting.callList())

	invoice := f.accounting.invoiceBody()
	require.NotNil(t, invoice)
	assert.Equal(t, map[string]any{"id": "C-1"}, invoice["client"])
	assert.Equal(t, "SINV-0042", invoice["internalId"])
	assert.Equal(t, map[string]any{"id": "42"}, invoice["numberTemplate"])

	var types []string
	for _, m := range f.msgs.All() {
		require.Equal(t, hub.DirectionOutbound, m.Direction)
		assert.Equal(t, hub.StatusProcessed, m.Status)
		types = append(types, m.EventType)
	}
	assert.ElementsMatch(t, []string{"contacts.search", "contacts.create", "invoices.create"}, types)
}

func TestHandleReusesMatchingContact(t *testing.T) {
	f := newSyncFixture(t)
	f.accounting.searchQueue = [][]any{{
		map[string]any{
			"id":                   float64(7),
			"email":                "old@example.com",
			"identificationObject": map[string]any{"number": "123456"},
		},
	}}

	m := submittedInvoice(f.org)
	m.Payload["contact_email"] = "bob@example.com"
	res, err := f.handler.Handle(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "7", res.(map[string]any)["contact_id"])

	// The stale email triggered an update, never a creation.
	calls := f.accounting.callList()
	assert.Contains(t, calls, "PUT /contacts/7")
	assert.NotContains(t, calls, "POST /contacts")
}

func TestHandleAbsorbsContactCreationRace(t *testing.T) {
	f := newSyncFixture(t)
	f.accounting.createStatus = http.StatusInternalServerError
	// Empty on the first lookup, the concurrently created contact on the
	// re-search after the failed creation.
	f.accounting.searchQueue = [][]any{
		{},
		{map[string]any{
			"id":                   float64(7),
			"identificationObject": map[string]any{"number": "123456"},
		}},
	}

	res, err := f.handler.Handle(context.Background(), submittedInvoice(f.org))
	require.NoError(t, err)
	result := res.(map[string]any)
	assert.Equal(t, "7", result["contact_id"])
	assert.Equal(t, "INV-9", result["invoice_id"])
}

func TestHandleSkipsNonInvoiceEvent(t *testing.T) {
	f := newSyncFixture(t)
	m := submittedInvoice(f.org)
	m.EventType = "stock_entry.on_submit"

	res, err := f.handler.Handle(context.Background(), m)
	require.NoError(t, err)
	result := res.(map[string]any)
	assert.Equal(t, true, result["skipped"])
	assert.Empty(t, f.accounting.callList())
}

func TestHandleWithoutCredential(t *testing.T) {
	f := newSyncFixture(t)
	m := submittedInvoice(uuid.New())

	_, err := f.handler.Handle(context.Background(), m)
	var credErr *hub.CredentialError
	require.ErrorAs(t, err, &credErr)
}

func TestCreateInvoicesFromPendingOrders(t *testing.T) {
	erpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/resource/Sales Order":
			json.NewEncoder(w).Encode(map[string]any{"data": []any{
				map[string]any{"name": "SO-1"},
				map[string]any{"name": "SO-2"},
			}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "make_sales_invoice"):
			if body["source_name"] == "SO-2" {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{"message": "order is closed"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"name": "SINV-1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(erpSrv.Close)

	erpCred := &hub.Credential{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationERP,
		BaseURL:        erpSrv.URL,
		APIKey:         "key",
		APISecret:      "secret",
		Active:         true,
	}
	h, err := New(Options{
		Credentials: storemem.NewCredentialStore(erpCred),
		Messages:    storemem.NewMessageStore(),
	})
	require.NoError(t, err)

	res, err := h.CreateInvoicesFromPendingOrders(context.Background(), erpCred.OrganizationID)
	require.NoError(t, err)

	assert.Equal(t, "partial_success", res["status"])
	assert.Equal(t, 1, res["invoices_created"])
	assert.Equal(t, 1, res["errors"])
	details := res["details"].(map[string]any)
	assert.Equal(t, []string{"SINV-1"}, details["created"])
	failed := details["failed"].([]map[string]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "SO-2", failed[0]["sales_order"])
	assert.Contains(t, failed[0]["error"], "order is closed")
}
