// Package memoryservice's Mongo-backed stores mirror the structure of the
// teacher's features/memory/mongo/clients/mongo client: a thin wrapper
// around a *mongo.Client exposing exactly the operations the Memory Service
// needs, with indexes ensured on construction.
package memoryservice

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultEntryCollection = "agent_memory_entries"
	defaultMongoTimeout    = 5 * time.Second
)

// MongoOptions configures both Mongo-backed stores.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type entryDocument struct {
	ID                string    `bson:"_id"`
	AgentID           string    `bson:"agent_id"`
	Content           string    `bson:"content"`
	Importance        float64   `bson:"importance"`
	RecallCount       int       `bson:"recall_count"`
	MinRecallsForKeep int       `bson:"min_recalls_for_keep"`
	LastRecalledAt    time.Time `bson:"last_recalled_at,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
	ExpiresAt         time.Time `bson:"expires_at,omitempty"`
}

func toDocument(e Entry) entryDocument {
	return entryDocument{
		ID: e.ID, AgentID: e.AgentID, Content: e.Content, Importance: e.Importance,
		RecallCount: e.RecallCount, MinRecallsForKeep: e.MinRecallsForKeep,
		LastRecalledAt: e.LastRecalledAt, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt,
	}
}

func fromDocument(d entryDocument) Entry {
	return Entry{
		ID: d.ID, AgentID: d.AgentID, Content: d.Content, Importance: d.Importance,
		RecallCount: d.RecallCount, MinRecallsForKeep: d.MinRecallsForKeep,
		LastRecalledAt: d.LastRecalledAt, CreatedAt: d.CreatedAt, ExpiresAt: d.ExpiresAt,
	}
}

// MongoStructuredStore is a StructuredStore backed by MongoDB.
type MongoStructuredStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongoStructuredStore connects the structured-row half of the Memory
// Service to Mongo, ensuring the indexes consolidation/cleanup rely on.
func NewMongoStructuredStore(ctx context.Context, opts MongoOptions) (*MongoStructuredStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("memoryservice: mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("memoryservice: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultEntryCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("memoryservice: ensure indexes: %w", err)
	}
	return &MongoStructuredStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoStructuredStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStructuredStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return fromDocument(doc), true, nil
}

func (s *MongoStructuredStore) Upsert(ctx context.Context, e Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": e.ID}, toDocument(e), options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStructuredStore) ListByIDs(ctx context.Context, ids []string) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	return decodeEntries(ctx, cur)
}

func (s *MongoStructuredStore) ListOlderThan(ctx context.Context, agentID string, cutoff time.Time) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"agent_id": agentID, "created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, err
	}
	return decodeEntries(ctx, cur)
}

func (s *MongoStructuredStore) ListExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"expires_at": bson.M{"$gt": time.Time{}, "$lt": now}})
	if err != nil {
		return nil, err
	}
	return decodeEntries(ctx, cur)
}

func (s *MongoStructuredStore) Delete(ctx context.Context, ids []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (s *MongoStructuredStore) RecordRecall(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"last_recalled_at": at},
		"$inc": bson.M{"recall_count": 1},
	})
	return err
}

func decodeEntries(ctx context.Context, cur *mongo.Cursor) ([]Entry, error) {
	defer cur.Close(ctx)
	var out []Entry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDocument(doc))
	}
	return out, cur.Err()
}

// MongoKeywordIndex is a KeywordIndex backed by MongoDB's text index (FTS,
// per spec §4.11's "FTS (for keyword)" index).
type MongoKeywordIndex struct {
	coll    *mongo.Collection
	timeout time.Duration
}

type keywordDocument struct {
	ID      string `bson:"_id"`
	AgentID string `bson:"agent_id"`
	Content string `bson:"content"`
}

// NewMongoKeywordIndex connects the keyword half of the Memory Service to
// Mongo, ensuring a text index over content exists.
func NewMongoKeywordIndex(ctx context.Context, opts MongoOptions) (*MongoKeywordIndex, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("memoryservice: mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("memoryservice: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = "agent_memory_fts"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "content", Value: "text"}},
	})
	if err != nil {
		return nil, fmt.Errorf("memoryservice: ensure text index: %w", err)
	}
	return &MongoKeywordIndex{coll: coll, timeout: timeout}, nil
}

func (k *MongoKeywordIndex) Upsert(ctx context.Context, id, agentID, content string) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	doc := keywordDocument{ID: id, AgentID: agentID, Content: content}
	_, err := k.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (k *MongoKeywordIndex) Search(ctx context.Context, agentID, query string, limit int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	type scoredDoc struct {
		ID    string  `bson:"_id"`
		Score float64 `bson:"score"`
	}

	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))
	cur, err := k.coll.Find(ctx, bson.M{
		"agent_id": agentID,
		"$text":    bson.M{"$search": query},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var hits []Hit
	for cur.Next(ctx) {
		var doc scoredDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		hits = append(hits, Hit{ID: doc.ID, Score: doc.Score})
	}
	return hits, cur.Err()
}

func (k *MongoKeywordIndex) Delete(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	_, err := k.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}
