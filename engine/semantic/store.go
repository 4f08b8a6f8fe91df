// Package semantic implements the vector similarity index: Qdrant over gRPC
// for deployments, and an in-memory index for development and tests.
package semantic

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// pointsAPI is the subset of pb.PointsClient used by VectorStore.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used by VectorStore.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dim         int
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// dim is the embedding dimension of the deployment.
func New(addr, collection string, dim int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dim:         dim,
	}, nil
}

// NewWithClients builds a VectorStore over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dim int) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection, dim: dim}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Dim returns the configured embedding dimension.
func (v *VectorStore) Dim() int { return v.dim }

// EnsureCollection creates the collection if it doesn't exist, and fails with
// domain.ErrDimensionMismatch when an existing collection has another size.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return v.checkCollectionDim(ctx)
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

func (v *VectorStore) checkCollectionDim(ctx context.Context) error {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: get collection %s: %w", v.collection, err)
	}
	params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return nil
	}
	if got := int(params.GetSize()); got != v.dim {
		return fmt.Errorf("semantic: collection %s: %w: collection has %d, embeddings have %d",
			v.collection, domain.ErrDimensionMismatch, got, v.dim)
	}
	return nil
}

// Ping checks the collection is reachable.
func (v *VectorStore) Ping(ctx context.Context) error {
	if _, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection}); err != nil {
		return fmt.Errorf("semantic: ping %s: %w", v.collection, err)
	}
	return nil
}

// Upsert writes embedding entries. Entries without an id get a deterministic one.
func (v *VectorStore) Upsert(ctx context.Context, entries ...domain.EmbeddingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(entries))
	for i, e := range entries {
		if err := checkDim(v.dim, e.Vector); err != nil {
			return fmt.Errorf("semantic: upsert: %w", err)
		}
		e = withID(e)
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: e.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: e.Vector},
				},
			},
			Payload: payload(e),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(entries), err)
	}
	return nil
}

// Search returns up to limit points scoring at least threshold, best first.
func (v *VectorStore) Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error) {
	if err := checkDim(v.dim, vector); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		ScoreThreshold: &threshold,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	matches := make([]domain.SimilarityMatch, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := r.GetPayload()
		matches = append(matches, domain.SimilarityMatch{
			PointID:   r.GetId().GetUuid(),
			QAID:      p[keyQAID].GetStringValue(),
			Score:     r.GetScore(),
			Question:  p[keyQuestion].GetStringValue(),
			Answer:    p[keyAnswer].GetStringValue(),
			IsVariant: p[keyIsVariant].GetBoolValue(),
		})
	}
	return matches, nil
}

func payload(e domain.EmbeddingEntry) map[string]*pb.Value {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	str := func(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
	return map[string]*pb.Value{
		keyQAID:      str(e.QAID),
		keyQuestion:  str(e.Question),
		keyAnswer:    str(e.Answer),
		keyIsVariant: {Kind: &pb.Value_BoolValue{BoolValue: e.IsVariant}},
		keySource:    str(string(e.Source)),
		keyLanguage:  str(e.Language),
		keyCreatedAt: str(created.Format(time.RFC3339)),
	}
}
