package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conectahub/conecta/runtime/hub"
)

// CredentialStore is an in-memory hub.CredentialStore.
type CredentialStore struct {
	mu    sync.Mutex
	creds []*hub.Credential
}

// NewCredentialStore returns a credential store seeded with creds.
func NewCredentialStore(creds ...*hub.Credential) *CredentialStore {
	return &CredentialStore{creds: creds}
}

// Add stores a credential.
func (s *CredentialStore) Add(c *hub.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.creds = append(s.creds, c)
}

// Active implements hub.CredentialStore.
func (s *CredentialStore) Active(_ context.Context, org uuid.UUID, integration hub.Integration) ([]*hub.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []*hub.Credential
	for _, c := range s.creds {
		if c.OrganizationID == org && c.Integration == integration && c.Valid(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ByWebhookDomain implements hub.CredentialStore.
func (s *CredentialStore) ByWebhookDomain(_ context.Context, domain string) (*hub.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, c := range s.creds {
		if c.Valid(now) && strings.EqualFold(c.MetadataString("shop_domain"), domain) {
			return c, nil
		}
	}
	return nil, hub.ErrNotFound
}

// FulfillmentStore is an in-memory hub.FulfillmentStore.
type FulfillmentStore struct {
	mu     sync.Mutex
	orders map[string]*hub.FulfillmentOrder
}

// NewFulfillmentStore returns an empty fulfillment store.
func NewFulfillmentStore() *FulfillmentStore {
	return &FulfillmentStore{orders: make(map[string]*hub.FulfillmentOrder)}
}

func orderKey(org uuid.UUID, source hub.Integration, orderID string) string {
	return org.String() + "/" + string(source) + "/" + orderID
}

// GetOrCreate implements hub.FulfillmentStore.
func (s *FulfillmentStore) GetOrCreate(_ context.Context, o *hub.FulfillmentOrder) (*hub.FulfillmentOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(o.OrganizationID, o.Source, o.OrderID)
	if existing, ok := s.orders[key]; ok {
		clone := *existing
		return &clone, false, nil
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	clone := *o
	s.orders[key] = &clone
	out := clone
	return &out, true, nil
}

// Get implements hub.FulfillmentStore.
func (s *FulfillmentStore) Get(_ context.Context, org uuid.UUID, source hub.Integration, orderID string) (*hub.FulfillmentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderKey(org, source, orderID)]
	if !ok {
		return nil, hub.ErrNotFound
	}
	clone := *o
	return &clone, nil
}

// Save implements hub.FulfillmentStore.
func (s *FulfillmentStore) Save(_ context.Context, o *hub.FulfillmentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.UpdatedAt = time.Now().UTC()
	clone := *o
	s.orders[orderKey(o.OrganizationID, o.Source, o.OrderID)] = &clone
	return nil
}

// DueBackorders implements hub.FulfillmentStore.
func (s *FulfillmentStore) DueBackorders(_ context.Context, now time.Time, limit int) ([]*hub.FulfillmentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*hub.FulfillmentOrder
	for _, o := range s.orders {
		if o.Status != hub.OrderWaitingStock {
			continue
		}
		if o.NextAttemptAt == nil || o.NextAttemptAt.After(now) {
			continue
		}
		clone := *o
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ItemMapStore is an in-memory hub.ItemMapStore.
type ItemMapStore struct {
	mu   sync.Mutex
	maps []*hub.ItemMapping
}

// NewItemMapStore returns an item map store seeded with maps.
func NewItemMapStore(maps ...*hub.ItemMapping) *ItemMapStore {
	return &ItemMapStore{maps: maps}
}

// Add stores a mapping.
func (s *ItemMapStore) Add(m *hub.ItemMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps = append(s.maps, m)
}

// ForSource implements hub.ItemMapStore.
func (s *ItemMapStore) ForSource(_ context.Context, org uuid.UUID, source hub.Integration, sourceCompany string) ([]*hub.ItemMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hub.ItemMapping
	for _, m := range s.maps {
		if m.OrganizationID == org && m.Source == source && m.Active &&
			strings.EqualFold(m.SourceCompany, sourceCompany) {
			out = append(out, m)
		}
	}
	return out, nil
}

// OrganizationStore is an in-memory hub.OrganizationStore.
type OrganizationStore struct {
	mu   sync.Mutex
	orgs map[uuid.UUID]*hub.Organization
}

// NewOrganizationStore returns an organization store seeded with orgs.
func NewOrganizationStore(orgs ...*hub.Organization) *OrganizationStore {
	s := &OrganizationStore{orgs: make(map[uuid.UUID]*hub.Organization)}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	return s
}

// Get implements hub.OrganizationStore.
func (s *OrganizationStore) Get(_ context.Context, id uuid.UUID) (*hub.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	clone := *o
	return &clone, nil
}
