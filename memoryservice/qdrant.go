package memoryservice

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant-backed VectorIndex.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantVectorIndex is a VectorIndex backed by Qdrant.
type QdrantVectorIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantVectorIndex dials Qdrant and returns a VectorIndex. The
// collection is created lazily on first Upsert, sized to the first vector's
// dimensionality.
func NewQdrantVectorIndex(cfg QdrantConfig) (*QdrantVectorIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "agent_memory"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memoryservice: dial qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantVectorIndex{client: client, collection: cfg.Collection}, nil
}

func (q *QdrantVectorIndex) ensureCollection(ctx context.Context, dim int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("memoryservice: check collection: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func agentFilter(agentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "agent_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: agentID},
						},
					},
				},
			},
		},
	}
}

func (q *QdrantVectorIndex) Upsert(ctx context.Context, id string, vector []float32, agentID string) error {
	if len(vector) == 0 {
		return fmt.Errorf("memoryservice: empty vector for entry %q", id)
	}
	if err := q.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}
	agentVal, err := qdrant.NewValue(agentID)
	if err != nil {
		return fmt.Errorf("memoryservice: encode agent_id payload: %w", err)
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: map[string]*qdrant.Value{"agent_id": agentVal},
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	}); err != nil {
		return fmt.Errorf("memoryservice: upsert point %q: %w", id, err)
	}
	return nil
}

func (q *QdrantVectorIndex) Search(ctx context.Context, agentID string, vector []float32, limit int) ([]Hit, error) {
	result, err := q.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Filter:         agentFilter(agentID),
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("memoryservice: qdrant search: %w", err)
	}
	hits := make([]Hit, 0, len(result.Result))
	for _, p := range result.Result {
		hits = append(hits, Hit{ID: pointID(p), Score: float64(p.Score)})
	}
	return hits, nil
}

func pointID(p *qdrant.ScoredPoint) string {
	if p.Id == nil || p.Id.PointIdOptions == nil {
		return ""
	}
	switch v := p.Id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	default:
		return ""
	}
}

func (q *QdrantVectorIndex) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("memoryservice: qdrant delete: %w", err)
	}
	return nil
}
