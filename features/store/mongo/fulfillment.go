package mongo

import (
	"context"
	"errors"
	"fmt"
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
	defaultOrdersCollection   = "fulfillment_orders"
	defaultItemMapsCollection = "fulfillment_item_maps"
	fulfillmentStoreName      = "fulfillment-mongo"
	itemMapStoreName          = "itemmap-mongo"
)

// FulfillmentStore is the MongoDB hub.FulfillmentStore.
type FulfillmentStore struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewFulfillmentStore creates the store and its indexes.
func NewFulfillmentStore(opts Options) (*FulfillmentStore, error) {
	coll, timeout, err := open(opts, defaultOrdersCollection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "source", Value: 1},
				{Key: "order_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "next_attempt_at", Value: 1},
		}},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return nil, fmt.Errorf("create fulfillment indexes: %w", err)
		}
	}
	return &FulfillmentStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *FulfillmentStore) Name() string { return fulfillmentStoreName }

// Ping implements health.Pinger.
func (s *FulfillmentStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// GetOrCreate implements hub.FulfillmentStore. Insert races resolve to
// the winner's row via the unique key.
func (s *FulfillmentStore) GetOrCreate(ctx context.Context, o *hub.FulfillmentOrder) (*hub.FulfillmentOrder, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if existing, err := s.find(ctx, o.OrganizationID, o.Source, o.OrderID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, hub.ErrNotFound) {
		return nil, false, err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if _, err := s.coll.InsertOne(ctx, fromOrder(o)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			existing, findErr := s.find(ctx, o.OrganizationID, o.Source, o.OrderID)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert fulfillment order: %w", err)
	}
	return o, true, nil
}

// Get implements hub.FulfillmentStore.
func (s *FulfillmentStore) Get(ctx context.Context, org uuid.UUID, source hub.Integration, orderID string) (*hub.FulfillmentOrder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.find(ctx, org, source, orderID)
}

// Save implements hub.FulfillmentStore.
func (s *FulfillmentStore) Save(ctx context.Context, o *hub.FulfillmentOrder) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	o.UpdatedAt = time.Now().UTC()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": o.ID.String()}, fromOrder(o))
	if err != nil {
		return fmt.Errorf("save fulfillment order: %w", err)
	}
	return nil
}

// DueBackorders implements hub.FulfillmentStore.
func (s *FulfillmentStore) DueBackorders(ctx context.Context, now time.Time, limit int) ([]*hub.FulfillmentOrder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{
		"status":          string(hub.OrderWaitingStock),
		"next_attempt_at": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list due backorders: %w", err)
	}
	var docs []orderDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode due backorders: %w", err)
	}
	out := make([]*hub.FulfillmentOrder, 0, len(docs))
	for _, doc := range docs {
		o, err := doc.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *FulfillmentStore) find(ctx context.Context, org uuid.UUID, source hub.Integration, orderID string) (*hub.FulfillmentOrder, error) {
	var doc orderDocument
	err := s.coll.FindOne(ctx, bson.M{
		"organization_id": org.String(),
		"source":          string(source),
		"order_id":        orderID,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, hub.ErrNotFound
		}
		return nil, fmt.Errorf("load fulfillment order: %w", err)
	}
	return doc.toOrder()
}

func (s *FulfillmentStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type orderDocument struct {
	ID                      string           `bson:"_id"`
	OrganizationID          string           `bson:"organization_id"`
	Source                  string           `bson:"source"`
	OrderID                 string           `bson:"order_id"`
	Status                  string           `bson:"status"`
	SellerCompany           string           `bson:"seller_company,omitempty"`
	TargetCompany           string           `bson:"target_company,omitempty"`
	SourceEventType         string           `bson:"source_event_type,omitempty"`
	SourcePayload           map[string]any   `bson:"source_payload,omitempty"`
	NormalizedOrder         map[string]any   `bson:"normalized_order,omitempty"`
	MappingSnapshot         []map[string]any `bson:"mapping_snapshot,omitempty"`
	ResultPayload           map[string]any   `bson:"result_payload,omitempty"`
	SalesOrderName          string           `bson:"sales_order_name,omitempty"`
	DeliveryNoteName        string           `bson:"delivery_note_name,omitempty"`
	DeliveryNoteSubmittedAt *time.Time       `bson:"delivery_note_submitted_at,omitempty"`
	SerialNumbers           []string         `bson:"serial_numbers,omitempty"`
	BackorderAttempts       int              `bson:"backorder_attempts,omitempty"`
	NextAttemptAt           *time.Time       `bson:"next_attempt_at,omitempty"`
	LastErrorCode           string           `bson:"last_error_code,omitempty"`
	LastErrorMessage        string           `bson:"last_error_message,omitempty"`
	ReturnDeliveryNoteName  string           `bson:"return_delivery_note_name,omitempty"`
	ReturnedAt              *time.Time       `bson:"returned_at,omitempty"`
	ReturnPayload           map[string]any   `bson:"return_payload,omitempty"`
	CreatedAt               time.Time        `bson:"created_at"`
	UpdatedAt               time.Time        `bson:"updated_at"`
}

func fromOrder(o *hub.FulfillmentOrder) orderDocument {
	return orderDocument{
		ID:                      o.ID.String(),
		OrganizationID:          o.OrganizationID.String(),
		Source:                  string(o.Source),
		OrderID:                 o.OrderID,
		Status:                  string(o.Status),
		SellerCompany:           o.SellerCompany,
		TargetCompany:           o.TargetCompany,
		SourceEventType:         o.SourceEventType,
		SourcePayload:           o.SourcePayload,
		NormalizedOrder:         o.NormalizedOrder,
		MappingSnapshot:         o.MappingSnapshot,
		ResultPayload:           o.ResultPayload,
		SalesOrderName:          o.SalesOrderName,
		DeliveryNoteName:        o.DeliveryNoteName,
		DeliveryNoteSubmittedAt: o.DeliveryNoteSubmittedAt,
		SerialNumbers:           o.SerialNumbers,
		BackorderAttempts:       o.BackorderAttempts,
		NextAttemptAt:           o.NextAttemptAt,
		LastErrorCode:           o.LastErrorCode,
		LastErrorMessage:        o.LastErrorMessage,
		ReturnDeliveryNoteName:  o.ReturnDeliveryNoteName,
		ReturnedAt:              o.ReturnedAt,
		ReturnPayload:           o.ReturnPayload,
		CreatedAt:               o.CreatedAt.UTC(),
		UpdatedAt:               o.UpdatedAt.UTC(),
	}
}

func (doc orderDocument) toOrder() (*hub.FulfillmentOrder, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse order id: %w", err)
	}
	org, err := uuid.Parse(doc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("parse organization id: %w", err)
	}
	return &hub.FulfillmentOrder{
		ID:                      id,
		OrganizationID:          org,
		Source:                  hub.Integration(doc.Source),
		OrderID:                 doc.OrderID,
		Status:                  hub.OrderStatus(doc.Status),
		SellerCompany:           doc.SellerCompany,
		TargetCompany:           doc.TargetCompany,
		SourceEventType:         doc.SourceEventType,
		SourcePayload:           doc.SourcePayload,
		NormalizedOrder:         doc.NormalizedOrder,
		MappingSnapshot:         doc.MappingSnapshot,
		ResultPayload:           doc.ResultPayload,
		SalesOrderName:          doc.SalesOrderName,
		DeliveryNoteName:        doc.DeliveryNoteName,
		DeliveryNoteSubmittedAt: doc.DeliveryNoteSubmittedAt,
		SerialNumbers:           doc.SerialNumbers,
		BackorderAttempts:       doc.BackorderAttempts,
		NextAttemptAt:           doc.NextAttemptAt,
		LastErrorCode:           doc.LastErrorCode,
		LastErrorMessage:        doc.LastErrorMessage,
		ReturnDeliveryNoteName:  doc.ReturnDeliveryNoteName,
		ReturnedAt:              doc.ReturnedAt,
		ReturnPayload:           doc.ReturnPayload,
		CreatedAt:               doc.CreatedAt,
		UpdatedAt:               doc.UpdatedAt,
	}, nil
}

// ItemMapStore is the MongoDB hub.ItemMapStore.
type ItemMapStore struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewItemMapStore creates the store and its indexes.
func NewItemMapStore(opts Options) (*ItemMapStore, error) {
	coll, timeout, err := open(opts, defaultItemMapsCollection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "organization_id", Value: 1},
			{Key: "source", Value: 1},
			{Key: "source_company_key", Value: 1},
			{Key: "source_item_code", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("create item map indexes: %w", err)
	}
	return &ItemMapStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *ItemMapStore) Name() string { return itemMapStoreName }

// Ping implements health.Pinger.
func (s *ItemMapStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts a mapping.
func (s *ItemMapStore) Save(ctx context.Context, m *hub.ItemMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromItemMapping(m)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save item mapping: %w", err)
	}
	return nil
}

// ForSource implements hub.ItemMapStore.
func (s *ItemMapStore) ForSource(ctx context.Context, org uuid.UUID, source hub.Integration, sourceCompany string) ([]*hub.ItemMapping, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{
		"organization_id":    org.String(),
		"source":             string(source),
		"source_company_key": strings.ToLower(sourceCompany),
		"active":             true,
	})
	if err != nil {
		return nil, fmt.Errorf("list item mappings: %w", err)
	}
	var docs []itemMappingDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode item mappings: %w", err)
	}
	out := make([]*hub.ItemMapping, 0, len(docs))
	for _, doc := range docs {
		m, err := doc.toItemMapping()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *ItemMapStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type itemMappingDocument struct {
	ID               string `bson:"_id"`
	OrganizationID   string `bson:"organization_id"`
	Source           string `bson:"source"`
	SourceCompany    string `bson:"source_company"`
	SourceCompanyKey string `bson:"source_company_key"`
	SourceItemCode   string `bson:"source_item_code"`
	TargetItemCode   string `bson:"target_item_code"`
	TargetCompany    string `bson:"target_company"`
	Warehouse        string `bson:"warehouse,omitempty"`
	Active           bool   `bson:"active"`
}

func fromItemMapping(m *hub.ItemMapping) itemMappingDocument {
	return itemMappingDocument{
		ID:               m.ID.String(),
		OrganizationID:   m.OrganizationID.String(),
		Source:           string(m.Source),
		SourceCompany:    m.SourceCompany,
		SourceCompanyKey: strings.ToLower(m.SourceCompany),
		SourceItemCode:   m.SourceItemCode,
		TargetItemCode:   m.TargetItemCode,
		TargetCompany:    m.TargetCompany,
		Warehouse:        m.Warehouse,
		Active:           m.Active,
	}
}

func (doc itemMappingDocument) toItemMapping() (*hub.ItemMapping, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse item mapping id: %w", err)
	}
	org, err := uuid.Parse(doc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("parse organization id: %w", err)
	}
	return &hub.ItemMapping{
		ID:             id,
		OrganizationID: org,
		Source:         hub.Integration(doc.Source),
		SourceCompany:  doc.SourceCompany,
		SourceItemCode: doc.SourceItemCode,
		TargetItemCode: doc.TargetItemCode,
		TargetCompany:  doc.TargetCompany,
		Warehouse:      doc.Warehouse,
		Active:         doc.Active,
	}, nil
}
