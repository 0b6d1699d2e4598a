package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/conectahub/conecta/runtime/hub"
)

const (
	defaultOrganizationsCollection = "organizations"
	organizationStoreName          = "organization-mongo"
)

// OrganizationStore is the MongoDB hub.OrganizationStore.
type OrganizationStore struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewOrganizationStore creates the store.
func NewOrganizationStore(opts Options) (*OrganizationStore, error) {
	coll, timeout, err := open(opts, defaultOrganizationsCollection)
	if err != nil {
		return nil, err
	}
	return &OrganizationStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *OrganizationStore) Name() string { return organizationStoreName }

// Ping implements health.Pinger.
func (s *OrganizationStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts an organization.
func (s *OrganizationStore) Save(ctx context.Context, o *hub.Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromOrganization(o)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save organization: %w", err)
	}
	return nil
}

// Get implements hub.OrganizationStore.
func (s *OrganizationStore) Get(ctx context.Context, id uuid.UUID) (*hub.Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc organizationDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, hub.ErrNotFound
		}
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return doc.toOrganization()
}

func (s *OrganizationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type organizationDocument struct {
	ID       string         `bson:"_id"`
	Name     string         `bson:"name"`
	Slug     string         `bson:"slug,omitempty"`
	Active   bool           `bson:"active"`
	Metadata map[string]any `bson:"metadata,omitempty"`
}

func fromOrganization(o *hub.Organization) organizationDocument {
	return organizationDocument{
		ID:       o.ID.String(),
		Name:     o.Name,
		Slug:     o.Slug,
		Active:   o.Active,
		Metadata: o.Metadata,
	}
}

func (doc organizationDocument) toOrganization() (*hub.Organization, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse organization id: %w", err)
	}
	return &hub.Organization{
		ID:       id,
		Name:     doc.Name,
		Slug:     doc.Slug,
		Active:   doc.Active,
		Metadata: doc.Metadata,
	}, nil
}
