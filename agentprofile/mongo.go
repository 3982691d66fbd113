package agentprofile

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultCollection = "agent_profiles"
	defaultTimeout    = 5 * time.Second
)

// MongoOptions configures MongoStore.
type MongoOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type profileDocument struct {
	ID     string `bson:"_id"`
	UserID string `bson:"user_id,omitempty"`
	Name   string `bson:"name"`
	Role   string `bson:"role,omitempty"`

	AgentType      AgentType `bson:"agent_type"`
	ParentID       string    `bson:"parent_id,omitempty"`
	HierarchyLevel int       `bson:"hierarchy_level"`
	HierarchyPath  string    `bson:"hierarchy_path"`

	CreatedByType      CreatedByType `bson:"created_by_type,omitempty"`
	CreatedByAgenticID string        `bson:"created_by_agentic_id,omitempty"`

	Inherit InheritanceFlags `bson:"inherit"`
	Model   ModelRouting     `bson:"model"`

	AutonomyLevel      Autonomy        `bson:"autonomy_level"`
	RequireApprovalFor map[string]bool `bson:"require_approval_for,omitempty"`

	MasterContactIdentity string   `bson:"master_contact_identity,omitempty"`
	MasterContactChannel  string   `bson:"master_contact_channel,omitempty"`
	NotificationTriggers  []string `bson:"notification_triggers,omitempty"`

	Children    ChildPolicy `bson:"children"`
	Budget      Budgets     `bson:"budget"`
	RunDefaults RunDefaults `bson:"run_defaults"`

	Status        Status                  `bson:"status"`
	Heartbeat     HeartbeatConfig         `bson:"heartbeat"`
	ToolOverrides map[string]ToolOverride `bson:"tool_overrides,omitempty"`

	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
	TerminatedAt time.Time `bson:"terminated_at,omitempty"`
}

func toProfileDocument(p Profile) profileDocument {
	return profileDocument{
		ID: p.ID, UserID: p.UserID, Name: p.Name, Role: p.Role,
		AgentType: p.AgentType, ParentID: p.ParentID, HierarchyLevel: p.HierarchyLevel, HierarchyPath: p.HierarchyPath,
		CreatedByType: p.CreatedByType, CreatedByAgenticID: p.CreatedByAgenticID,
		Inherit: p.Inherit, Model: p.Model,
		AutonomyLevel: p.AutonomyLevel, RequireApprovalFor: p.RequireApprovalFor,
		MasterContactIdentity: p.MasterContactIdentity, MasterContactChannel: p.MasterContactChannel,
		NotificationTriggers: p.NotificationTriggers,
		Children:             p.Children, Budget: p.Budget, RunDefaults: p.RunDefaults,
		Status: p.Status, Heartbeat: p.Heartbeat, ToolOverrides: p.ToolOverrides,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, TerminatedAt: p.TerminatedAt,
	}
}

func (d profileDocument) toProfile() Profile {
	return Profile{
		ID: d.ID, UserID: d.UserID, Name: d.Name, Role: d.Role,
		AgentType: d.AgentType, ParentID: d.ParentID, HierarchyLevel: d.HierarchyLevel, HierarchyPath: d.HierarchyPath,
		CreatedByType: d.CreatedByType, CreatedByAgenticID: d.CreatedByAgenticID,
		Inherit: d.Inherit, Model: d.Model,
		AutonomyLevel: d.AutonomyLevel, RequireApprovalFor: d.RequireApprovalFor,
		MasterContactIdentity: d.MasterContactIdentity, MasterContactChannel: d.MasterContactChannel,
		NotificationTriggers: d.NotificationTriggers,
		Children:             d.Children, Budget: d.Budget, RunDefaults: d.RunDefaults,
		Status: d.Status, Heartbeat: d.Heartbeat, ToolOverrides: d.ToolOverrides,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, TerminatedAt: d.TerminatedAt,
	}
}

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongoStore connects the Agent Profile Store to Mongo, ensuring the
// indexes ListChildren and ListByPathPrefix rely on.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("agentprofile: mongo client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("agentprofile: database name is required")
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
		{Keys: bson.D{{Key: "parent_id", Value: 1}}},
		{Keys: bson.D{{Key: "hierarchy_path", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("agentprofile: ensure indexes: %w", err)
	}
	return &MongoStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (Profile, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc profileDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return doc.toProfile(), true, nil
}

func (s *MongoStore) Upsert(ctx context.Context, p Profile) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": p.ID}, toProfileDocument(p), options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ListChildren(ctx context.Context, parentID string) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"parent_id": parentID, "status": bson.M{"$ne": string(StatusDeleted)}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Profile
	for cur.Next(ctx) {
		var doc profileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toProfile())
	}
	return out, cur.Err()
}

func (s *MongoStore) ListByPathPrefix(ctx context.Context, pathPrefix string) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{
		"hierarchy_path": bson.M{"$regex": "^" + regexp.QuoteMeta(pathPrefix)},
		"status":         bson.M{"$ne": string(StatusDeleted)},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Profile
	for cur.Next(ctx) {
		var doc profileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toProfile())
	}
	return out, cur.Err()
}
