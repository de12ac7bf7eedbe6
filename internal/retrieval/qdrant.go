package retrieval

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

var _ VectorStore = (*QdrantStore)(nil)

// pointNamespace derives stable Qdrant point UUIDs from activity keys, which
// are not UUIDs themselves. The key travels in the payload.
var pointNamespace = uuid.MustParse("6f1d3c0e-9a57-4b8e-a2f4-3c1e5d7b9a10")

const payloadID = "activity_id"

// QdrantStore is a VectorStore backed by a Qdrant collection with cosine distance.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        *dimension
}

// OpenQdrant connects to the Qdrant gRPC endpoint at addr ("host:port") and
// ensures the collection exists when the dimension is known.
func OpenQdrant(ctx context.Context, addr, collection string, dim int) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant port %q: %w", portStr, err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, collection: collection}
	s.dim = &dimension{persist: func(n int) error { return s.ensureCollection(context.Background(), n) }}

	existing, err := s.collectionDimension(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	switch {
	case existing != 0 && dim != 0 && existing != dim:
		client.Close()
		return nil, fmt.Errorf("collection has dimension %d, configured %d: %w", existing, dim, ErrDimensionMismatch)
	case existing != 0:
		s.dim.n = existing
	case dim != 0:
		if err := s.dim.check(dim); err != nil {
			client.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *QdrantStore) collectionDimension(ctx context.Context) (int, error) {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return 0, fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if !exists {
		return 0, nil
	}
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return 0, fmt.Errorf("reading collection %s: %w", s.collection, err)
	}
	return int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()), nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

// pointID maps an activity key to its Qdrant point UUID.
func pointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

// Upsert writes the point and waits for it to be indexed.
func (s *QdrantStore) Upsert(ctx context.Context, r Record) error {
	if err := s.dim.check(len(r.Embedding)); err != nil {
		return err
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadID:         r.ID,
				"document":        r.Document,
				metaCreatedAt:     r.Metadata.CreatedAt,
				metaScreenshotRef: r.Metadata.ScreenshotRef,
				metaActiveWindow:  r.Metadata.ActiveWindow,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("upserting point %s: %w", r.ID, err)
	}
	return nil
}

// Query searches the collection with an optional created_at range filter.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter *TimeRange) ([]ScoredRecord, error) {
	d := s.dim.get()
	if k <= 0 || d == 0 {
		return nil, nil
	}
	if len(vector) != d {
		return nil, fmt.Errorf("query has %d, collection has %d: %w", len(vector), d, ErrDimensionMismatch)
	}

	var qf *qdrant.Filter
	if filter != nil {
		lo, hi := filter.bounds()
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewRange(metaCreatedAt, &qdrant.Range{
					Gte: qdrant.PtrOf(float64(lo)),
					Lte: qdrant.PtrOf(float64(hi)),
				}),
			},
		}
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qf,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	results := make([]ScoredRecord, len(points))
	for i, p := range points {
		results[i] = ScoredRecord{
			Record:   recordFromPayload(p.GetPayload()),
			Distance: 1 - p.GetScore(),
		}
	}
	return results, nil
}

// GetAll scrolls through the whole collection.
func (s *QdrantStore) GetAll(ctx context.Context) ([]Record, error) {
	n, err := s.Count(ctx)
	if err != nil || n == 0 {
		return nil, err
	}
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint32(n)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	records := make([]Record, len(points))
	for i, p := range points {
		records[i] = recordFromPayload(p.GetPayload())
		records[i].Embedding = p.GetVectors().GetVector().GetData()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Metadata.CreatedAt < records[j].Metadata.CreatedAt
	})
	return records, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	if s.dim.get() == 0 {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func recordFromPayload(p map[string]*qdrant.Value) Record {
	return Record{
		ID:       p[payloadID].GetStringValue(),
		Document: p["document"].GetStringValue(),
		Metadata: Metadata{
			CreatedAt:     p[metaCreatedAt].GetIntegerValue(),
			ScreenshotRef: p[metaScreenshotRef].GetStringValue(),
			ActiveWindow:  p[metaActiveWindow].GetStringValue(),
		},
	}
}
