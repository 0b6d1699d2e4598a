package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/conectahub/conecta/runtime/hub"
)

const (
	defaultCredentialsCollection = "integration_credentials"
	credentialStoreName          = "credential-mongo"
)

// CredentialStore is the MongoDB hub.CredentialStore.
type CredentialStore struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewCredentialStore creates the store and its indexes.
func NewCredentialStore(opts Options) (*CredentialStore, error) {
	coll, timeout, err := open(opts, defaultCredentialsCollection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "organization_id", Value: 1},
			{Key: "integration", Value: 1},
			{Key: "active", Value: 1},
		}},
		{Keys: bson.D{{Key: "shop_domain_key", Value: 1}}},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return nil, fmt.Errorf("create credential indexes: %w", err)
		}
	}
	return &CredentialStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *CredentialStore) Name() string { return credentialStoreName }

// Ping implements health.Pinger.
func (s *CredentialStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts a credential.
func (s *CredentialStore) Save(ctx context.Context, c *hub.Credential) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.UpdatedAt = time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromCredential(c)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Active implements hub.CredentialStore.
func (s *CredentialStore) Active(ctx context.Context, org uuid.UUID, integration hub.Integration) ([]*hub.Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{
		"organization_id": org.String(),
		"integration":     string(integration),
		"active":          true,
	})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	var docs []credentialDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	now := time.Now().UTC()
	out := make([]*hub.Credential, 0, len(docs))
	for _, doc := range docs {
		c, err := doc.toCredential()
		if err != nil {
			return nil, err
		}
		if c.Valid(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ByWebhookDomain implements hub.CredentialStore.
func (s *CredentialStore) ByWebhookDomain(ctx context.Context, domain string) (*hub.Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc credentialDocument
	err := s.coll.FindOne(ctx, bson.M{
		"shop_domain_key": strings.ToLower(domain),
		"active":          true,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, hub.ErrNotFound
		}
		return nil, fmt.Errorf("load credential by domain: %w", err)
	}
	c, err := doc.toCredential()
	if err != nil {
		return nil, err
	}
	if !c.Valid(time.Now().UTC()) {
		return nil, hub.ErrNotFound
	}
	return c, nil
}

func (s *CredentialStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type credentialDocument struct {
	ID                string         `bson:"_id"`
	OrganizationID    string         `bson:"organization_id"`
	Integration       string         `bson:"integration"`
	Name              string         `bson:"name,omitempty"`
	BaseURL           string         `bson:"base_url"`
	Email             string         `bson:"email,omitempty"`
	Token             string         `bson:"token,omitempty"`
	APIKey            string         `bson:"api_key,omitempty"`
	APISecret         string         `bson:"api_secret,omitempty"`
	WebhookSecret     string         `bson:"webhook_secret,omitempty"`
	Company           string         `bson:"company,omitempty"`
	NumberTemplateID  string         `bson:"number_template_id,omitempty"`
	AutoStampOnCreate bool           `bson:"auto_stamp_on_create,omitempty"`
	TimeoutSeconds    int            `bson:"timeout_seconds,omitempty"`
	MaxRetries        int            `bson:"max_retries,omitempty"`
	Metadata          map[string]any `bson:"metadata,omitempty"`
	ShopDomainKey     string         `bson:"shop_domain_key,omitempty"`
	Active            bool           `bson:"active"`
	ValidFrom         *time.Time     `bson:"valid_from,omitempty"`
	ValidUntil        *time.Time     `bson:"valid_until,omitempty"`
	UpdatedAt         time.Time      `bson:"updated_at"`
}

func fromCredential(c *hub.Credential) credentialDocument {
	return credentialDocument{
		ID:                c.ID.String(),
		OrganizationID:    c.OrganizationID.String(),
		Integration:       string(c.Integration),
		Name:              c.Name,
		BaseURL:           c.BaseURL,
		Email:             c.Email,
		Token:             c.Token,
		APIKey:            c.APIKey,
		APISecret:         c.APISecret,
		WebhookSecret:     c.WebhookSecret,
		Company:           c.Company,
		NumberTemplateID:  c.NumberTemplateID,
		AutoStampOnCreate: c.AutoStampOnCreate,
		TimeoutSeconds:    c.TimeoutSeconds,
		MaxRetries:        c.MaxRetries,
		Metadata:          c.Metadata,
		ShopDomainKey:     strings.ToLower(c.MetadataString("shop_domain")),
		Active:            c.Active,
		ValidFrom:         c.ValidFrom,
		ValidUntil:        c.ValidUntil,
		UpdatedAt:         c.UpdatedAt.UTC(),
	}
}

func (doc credentialDocument) toCredential() (*hub.Credential, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse credential id: %w", err)
	}
	org, err := uuid.Parse(doc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("parse organization id: %w", err)
	}
	return &hub.Credential{
		ID:                id,
		OrganizationID:    org,
		Integration:       hub.Integration(doc.Integration),
		Name:              doc.Name,
		BaseURL:           doc.BaseURL,
		Email:             doc.Email,
		Token:             doc.Token,
		APIKey:            doc.APIKey,
		APISecret:         doc.APISecret,
		WebhookSecret:     doc.WebhookSecret,
		Company:           doc.Company,
		NumberTemplateID:  doc.NumberTemplateID,
		AutoStampOnCreate: doc.AutoStampOnCreate,
		TimeoutSeconds:    doc.TimeoutSeconds,
		MaxRetries:        doc.MaxRetries,
		Metadata:          doc.Metadata,
		Active:            doc.Active,
		ValidFrom:         doc.ValidFrom,
		ValidUntil:        doc.ValidUntil,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}
