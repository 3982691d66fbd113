package auditlog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	defaultCollection = "agent_audit_log"
	defaultTimeout    = 5 * time.Second
)

// MongoOptions configures MongoStore.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type eventDocument struct {
	ID           string         `bson:"_id"`
	AgentID      string         `bson:"agent_id"`
	UserID       string         `bson:"user_id,omitempty"`
	ActivityType string         `bson:"activity_type"`
	Description  string         `bson:"description"`
	Direction    string         `bson:"direction,omitempty"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func toEventDocument(e Event) eventDocument {
	return eventDocument{
		ID: e.ID, AgentID: e.AgentID, UserID: e.UserID, ActivityType: e.ActivityType,
		Description: e.Description, Direction: e.Direction, Metadata: e.Metadata, CreatedAt: e.CreatedAt,
	}
}

// MongoStore is a Store backed by MongoDB. Rows are append-only: the only
// mutation is the TTL sweeper's bulk delete.
type MongoStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongoStore connects the Audit Log to Mongo, ensuring the indexes the
// sweeper and agent-scoped reads rely on.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("auditlog: mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("auditlog: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("auditlog: ensure indexes: %w", err)
	}
	return &MongoStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoStore) Append(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, toEventDocument(e))
	return err
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
