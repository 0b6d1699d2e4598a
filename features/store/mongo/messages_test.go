package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/conectahub/conecta/runtime/hub"
)

// fakeCollection implements collection over a map keyed by _id with just
// enough filter support for the message store queries.
type fakeCollection struct {
	docs map[string]messageDocument

	// replaceMisses forces the next n ReplaceOne calls to miss, simulating
	// concurrent transitions.
	replaceMisses int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]messageDocument)}
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	d := doc.(messageDocument)
	if d.IdempotencyKey != "" {
		for _, existing := range c.docs {
			if existing.OrganizationID == d.OrganizationID &&
				existing.Integration == d.Integration &&
				existing.Direction == d.Direction &&
				existing.IdempotencyKey == d.IdempotencyKey {
				return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
			}
		}
	}
	c.docs[d.ID] = d
	return &mongodriver.InsertOneResult{InsertedID: d.ID}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	f := filter.(bson.M)
	if id, ok := f["_id"].(string); ok {
		if doc, ok := c.docs[id]; ok {
			return fakeSingleResult{doc: &doc}
		}
		return fakeSingleResult{}
	}
	for _, doc := range c.docs {
		if doc.OrganizationID == f["organization_id"] &&
			doc.Integration == f["integration"] &&
			doc.Direction == f["direction"] &&
			doc.IdempotencyKey == f["idempotency_key"] {
			return fakeSingleResult{doc: &doc}
		}
	}
	return fakeSingleResult{}
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	if c.replaceMisses > 0 {
		c.replaceMisses--
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}
	f := filter.(bson.M)
	id := f["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}
	if status, ok := f["status"].(string); ok && doc.Status != status {
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}
	c.docs[id] = replacement.(messageDocument)
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) UpdateOne(context.Context, any, any, ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	f := filter.(bson.M)
	var out []messageDocument
	for _, doc := range c.docs {
		if status, ok := f["status"].(string); ok && doc.Status != status {
			continue
		}
		out = append(out, doc)
	}
	return fakeCursor{docs: out}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeSingleResult struct {
	doc *messageDocument
}

func (r fakeSingleResult) Decode(val any) error {
	if r.doc == nil {
		return mongodriver.ErrNoDocuments
	}
	*val.(*messageDocument) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []messageDocument
}

func (c fakeCursor) All(_ context.Context, results any) error {
	*results.(*[]messageDocument) = c.docs
	return nil
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

func newFakeStore(coll *fakeCollection) *MessageStore {
	return &MessageStore{coll: coll, timeout: time.Second}
}

func newDoc() *hub.Message {
	return &hub.Message{
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationStorefront,
		Direction:      hub.DirectionInbound,
		EventType:      "orders.paid",
		IdempotencyKey: "wh-1",
		Payload:        map[string]any{"id": 1},
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	s := newFakeStore(coll)

	m := newDoc()
	require.NoError(t, s.Create(ctx, m))
	assert.NotEqual(t, uuid.Nil, m.ID)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, hub.StatusReceived, got.Status)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestCreateDuplicateReturnsExistingID(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	s := newFakeStore(coll)

	first := newDoc()
	require.NoError(t, s.Create(ctx, first))

	dup := newDoc()
	dup.OrganizationID = first.OrganizationID
	err := s.Create(ctx, dup)
	var dupErr *hub.DuplicateIdempotencyKeyError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingID)
}

func TestTransitionCAS(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	s := newFakeStore(coll)

	m := newDoc()
	require.NoError(t, s.Create(ctx, m))

	got, err := s.Transition(ctx, m.ID, hub.StatusDispatched, hub.Update{})
	require.NoError(t, err)
	assert.Equal(t, hub.StatusDispatched, got.Status)

	_, err = s.Transition(ctx, m.ID, hub.StatusReceived, hub.Update{})
	assert.ErrorIs(t, err, hub.ErrInvalidTransition)

	// Lost swaps are retried against the fresh row.
	coll.replaceMisses = 2
	got, err = s.Transition(ctx, m.ID, hub.StatusAcknowledged, hub.Update{})
	require.NoError(t, err)
	assert.Equal(t, hub.StatusAcknowledged, got.Status)

	// Exhausting the attempts surfaces an error.
	coll.replaceMisses = casAttempts
	_, err = s.Transition(ctx, m.ID, hub.StatusProcessed, hub.Update{})
	require.Error(t, err)
}

func TestPendingFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	coll := newFakeCollection()
	s := newFakeStore(coll)

	open := newDoc()
	open.IdempotencyKey = ""
	require.NoError(t, s.Create(ctx, open))

	closed := newDoc()
	closed.IdempotencyKey = ""
	require.NoError(t, s.Create(ctx, closed))
	_, err := s.Transition(ctx, closed.ID, hub.StatusDispatched, hub.Update{})
	require.NoError(t, err)

	got, err := s.Pending(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}
