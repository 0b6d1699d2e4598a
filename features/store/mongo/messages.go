// Package mongo provides the MongoDB-backed implementations of the hub
// store contracts. Collections are indexed on construction; the message
// store enforces the status machine with a compare-and-swap on the
// current status, so concurrent workers cannot bypass a transition guard.
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
	defaultMessagesCollection = "integration_messages"
	defaultOpTimeout          = 5 * time.Second
	messageStoreName          = "message-mongo"

	// casAttempts bounds the compare-and-swap retries on Transition.
	casAttempts = 3
)

// Options configures the Mongo stores.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection overrides the default collection name.
	Collection string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

// MessageStore is the MongoDB hub.Store.
type MessageStore struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// NewMessageStore creates the store and its indexes.
func NewMessageStore(opts Options) (*MessageStore, error) {
	coll, timeout, err := open(opts, defaultMessagesCollection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureMessageIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("create message indexes: %w", err)
	}
	return &MessageStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *MessageStore) Name() string { return messageStoreName }

// Ping implements health.Pinger.
func (s *MessageStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements hub.Store.
func (s *MessageStore) Create(ctx context.Context, m *hub.Message) error {
	if err := hub.CheckPayloadSize(m.Payload); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = hub.StatusReceived
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromMessage(m))
	if err == nil {
		return nil
	}
	if !mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert message: %w", err)
	}
	var existing messageDocument
	findErr := s.coll.FindOne(ctx, bson.M{
		"organization_id": m.OrganizationID.String(),
		"integration":     string(m.Integration),
		"direction":       string(m.Direction),
		"idempotency_key": m.IdempotencyKey,
	}).Decode(&existing)
	if findErr != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	existingID, parseErr := uuid.Parse(existing.ID)
	if parseErr != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return &hub.DuplicateIdempotencyKeyError{ExistingID: existingID}
}

// Get implements hub.Store.
func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*hub.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc messageDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, hub.ErrNotFound
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	return doc.toMessage()
}

// Transition implements hub.Store. The replacement is guarded by the
// status read in the same round, standing in for a row lock: a concurrent
// transition makes the swap miss and the read-validate-swap is retried.
func (s *MessageStore) Transition(ctx context.Context, id uuid.UUID, target hub.Status, u hub.Update) (*hub.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	for attempt := 0; attempt < casAttempts; attempt++ {
		var doc messageDocument
		if err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, hub.ErrNotFound
			}
			return nil, fmt.Errorf("load message: %w", err)
		}
		m, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		prev := m.Status
		if err := m.ApplyTransition(target, u, time.Now().UTC()); err != nil {
			return nil, err
		}
		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id.String(), "status": string(prev)}, fromMessage(m))
		if err != nil {
			return nil, fmt.Errorf("store transition: %w", err)
		}
		if res.MatchedCount == 1 {
			return m, nil
		}
	}
	return nil, fmt.Errorf("transition of message %s lost %d races", id, casAttempts)
}

// Pending implements hub.Store.
func (s *MessageStore) Pending(ctx context.Context, now time.Time, limit int) ([]*hub.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status": string(hub.StatusReceived),
		"$or": bson.A{
			bson.M{"next_attempt_at": bson.M{"$exists": false}},
			bson.M{"next_attempt_at": bson.M{"$lte": now}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode pending messages: %w", err)
	}
	out := make([]*hub.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MessageStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type messageDocument struct {
	ID                string         `bson:"_id"`
	OrganizationID    string         `bson:"organization_id"`
	Integration       string         `bson:"integration"`
	Direction         string         `bson:"direction"`
	Status            string         `bson:"status"`
	EventType         string         `bson:"event_type"`
	ExternalReference string         `bson:"external_reference,omitempty"`
	IdempotencyKey    string         `bson:"idempotency_key,omitempty"`
	Payload           map[string]any `bson:"payload"`
	ResponsePayload   map[string]any `bson:"response_payload,omitempty"`
	ErrorCode         string         `bson:"error_code,omitempty"`
	ErrorMessage      string         `bson:"error_message,omitempty"`
	Retries           int            `bson:"retries"`
	HTTPStatus        int            `bson:"http_status,omitempty"`
	LatencyMS         int64          `bson:"latency_ms,omitempty"`
	ReceivedAt        time.Time      `bson:"received_at"`
	DispatchedAt      *time.Time     `bson:"dispatched_at,omitempty"`
	AcknowledgedAt    *time.Time     `bson:"acknowledged_at,omitempty"`
	ProcessedAt       *time.Time     `bson:"processed_at,omitempty"`
	FailedAt          *time.Time     `bson:"failed_at,omitempty"`
	LastAttemptAt     *time.Time     `bson:"last_attempt_at,omitempty"`
	NextAttemptAt     *time.Time     `bson:"next_attempt_at,omitempty"`
}

func fromMessage(m *hub.Message) messageDocument {
	return messageDocument{
		ID:                m.ID.String(),
		OrganizationID:    m.OrganizationID.String(),
		Integration:       string(m.Integration),
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		EventType:         m.EventType,
		ExternalReference: m.ExternalReference,
		IdempotencyKey:    m.IdempotencyKey,
		Payload:           m.Payload,
		ResponsePayload:   m.ResponsePayload,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		Retries:           m.Retries,
		HTTPStatus:        m.HTTPStatus,
		LatencyMS:         m.LatencyMS,
		ReceivedAt:        m.ReceivedAt.UTC(),
		DispatchedAt:      m.DispatchedAt,
		AcknowledgedAt:    m.AcknowledgedAt,
		ProcessedAt:       m.ProcessedAt,
		FailedAt:          m.FailedAt,
		LastAttemptAt:     m.LastAttemptAt,
		NextAttemptAt:     m.NextAttemptAt,
	}
}

func (doc messageDocument) toMessage() (*hub.Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("parse message id: %w", err)
	}
	org, err := uuid.Parse(doc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("parse organization id: %w", err)
	}
	return &hub.Message{
		ID:                id,
		OrganizationID:    org,
		Integration:       hub.Integration(doc.Integration),
		Direction:         hub.Direction(doc.Direction),
		Status:            hub.Status(doc.Status),
		EventType:         doc.EventType,
		ExternalReference: doc.ExternalReference,
		IdempotencyKey:    doc.IdempotencyKey,
		Payload:           doc.Payload,
		ResponsePayload:   doc.ResponsePayload,
		ErrorCode:         doc.ErrorCode,
		ErrorMessage:      doc.ErrorMessage,
		Retries:           doc.Retries,
		HTTPStatus:        doc.HTTPStatus,
		LatencyMS:         doc.LatencyMS,
		ReceivedAt:        doc.ReceivedAt,
		DispatchedAt:      doc.DispatchedAt,
		AcknowledgedAt:    doc.AcknowledgedAt,
		ProcessedAt:       doc.ProcessedAt,
		FailedAt:          doc.FailedAt,
		LastAttemptAt:     doc.LastAttemptAt,
		NextAttemptAt:     doc.NextAttemptAt,
	}, nil
}

func ensureMessageIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "integration", Value: 1},
				{Key: "direction", Value: 1},
				{Key: "idempotency_key", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_attempt_at", Value: 1},
				{Key: "received_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "external_reference", Value: 1},
			},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}
