// Package mongostore keeps memories in MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lazypower/tether/internal/memory"
)

const (
	memoriesCollection    = "memories"
	preferencesCollection = "preferences"
	closeTimeout          = 5 * time.Second
)

// document is the stored shape of a memory. Context and preferences are
// kept as JSON text so they read back exactly as written.
type document struct {
	ID             string    `bson:"_id"`
	Owner          string    `bson:"owner"`
	Message        string    `bson:"message"`
	Role           string    `bson:"role"`
	Context        string    `bson:"context"`
	RelevanceScore float64   `bson:"relevance_score"`
	Timestamp      time.Time `bson:"ts"`
	Embedding      []float64 `bson:"embedding,omitempty"`
	EmbeddingModel string    `bson:"embedding_model,omitempty"`
}

type prefsDocument struct {
	Owner     string    `bson:"_id"`
	Prefs     string    `bson:"prefs"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Store implements memory.Backend on a MongoDB database.
type Store struct {
	client      *mongo.Client
	memories    *mongo.Collection
	preferences *mongo.Collection
}

var _ memory.Backend = (*Store)(nil)

// New connects to MongoDB, pings it and ensures indexes.
func New(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, goerr.New("mongo uri is required")
	}
	if database == "" {
		return nil, goerr.New("mongo database name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, goerr.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, goerr.Wrap(err, "ping mongo")
	}

	db := client.Database(database)
	s := &Store{
		client:      client,
		memories:    db.Collection(memoriesCollection),
		preferences: db.Collection(preferencesCollection),
	}
	if _, err := s.memories.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}, {Key: "ts", Value: -1}, {Key: "_id", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, goerr.Wrap(err, "create index")
	}
	return s, nil
}

func toDocument(r *memory.Record) (document, error) {
	ctxJSON := "{}"
	if r.Context != nil {
		b, err := json.Marshal(r.Context)
		if err != nil {
			return document{}, goerr.Wrap(err, "encode context", goerr.V("id", r.ID))
		}
		ctxJSON = string(b)
	}
	d := document{
		ID:             r.ID,
		Owner:          r.Owner,
		Message:        r.Message,
		Role:           string(r.Role),
		Context:        ctxJSON,
		RelevanceScore: r.RelevanceScore,
		Timestamp:      r.Timestamp.UTC(),
	}
	if r.Embedded() {
		d.Embedding = r.Embedding
		d.EmbeddingModel = r.EmbeddingModel
	}
	return d, nil
}

func (d *document) record() (memory.Record, error) {
	rec := memory.Record{
		ID:             d.ID,
		Owner:          d.Owner,
		Message:        d.Message,
		Role:           memory.Role(d.Role),
		RelevanceScore: d.RelevanceScore,
		Timestamp:      d.Timestamp.UTC(),
		Context:        memory.Context{},
	}
	if d.Context != "" {
		if err := json.Unmarshal([]byte(d.Context), &rec.Context); err != nil {
			return rec, goerr.Wrap(err, "decode context", goerr.V("id", d.ID))
		}
		if rec.Context == nil {
			rec.Context = memory.Context{}
		}
	}
	if len(d.Embedding) > 0 {
		rec.Embedding = d.Embedding
		rec.EmbeddingModel = d.EmbeddingModel
	}
	return rec, nil
}

var naturalOrder = bson.D{{Key: "ts", Value: -1}, {Key: "_id", Value: -1}}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]memory.Record, error) {
	cur, err := s.memories.Find(ctx, filter, opts)
	if err != nil {
		return nil, goerr.Wrap(err, "find memories")
	}
	defer cur.Close(ctx)

	var recs []memory.Record
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, goerr.Wrap(err, "decode memory")
		}
		rec, err := d.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate memories")
	}
	return recs, nil
}

// ceilMilli rounds t up to the next whole millisecond. BSON dates keep
// milliseconds only, so an inclusive lower bound must not be floored.
func ceilMilli(t time.Time) time.Time {
	c := t.UTC().Truncate(time.Millisecond)
	if c.Before(t) {
		c = c.Add(time.Millisecond)
	}
	return c
}

// List returns owner's memories matching f, newest first.
func (s *Store) List(ctx context.Context, owner string, f memory.Filter) ([]memory.Record, error) {
	filter := bson.M{"owner": owner}
	ts := bson.M{}
	if f.Since != nil {
		ts["$gte"] = ceilMilli(*f.Since)
	}
	if f.Until != nil {
		ts["$lte"] = f.Until.UTC()
	}
	if len(ts) > 0 {
		filter["ts"] = ts
	}
	if f.MinRelevance != nil {
		filter["relevance_score"] = bson.M{"$gte": *f.MinRelevance}
	}
	if f.Role != "" {
		filter["role"] = string(f.Role)
	}
	if f.EmbeddedOnly {
		filter["embedding.0"] = bson.M{"$exists": true}
	}

	opts := options.Find().SetSort(naturalOrder)
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.find(ctx, filter, opts)
}

// Get returns one of owner's memories, or memory.ErrNotFound.
func (s *Store) Get(ctx context.Context, owner, id string) (*memory.Record, error) {
	var d document
	err := s.memories.FindOne(ctx, bson.M{"_id": id, "owner": owner}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, goerr.Wrap(memory.ErrNotFound, "get memory", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get memory", goerr.V("id", id))
	}
	rec, err := d.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByIDs returns the memories among ids that belong to owner.
func (s *Store) GetByIDs(ctx context.Context, owner string, ids []string) ([]memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.M{"owner": owner, "_id": bson.M{"$in": ids}}, options.Find().SetSort(naturalOrder))
}

// InsertBatch stores all records or none. Standalone servers have no
// multi-document transactions, so a failed insert deletes whatever part of
// the batch did land.
func (s *Store) InsertBatch(ctx context.Context, recs []memory.Record) error {
	docs := make([]any, len(recs))
	ids := make([]string, len(recs))
	for i := range recs {
		d, err := toDocument(&recs[i])
		if err != nil {
			return err
		}
		docs[i] = d
		ids[i] = recs[i].ID
	}

	if _, err := s.memories.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			// Ordered inserts stop at the first failure; everything before it landed.
			landed := ids
			if len(bwe.WriteErrors) > 0 {
				landed = ids[:bwe.WriteErrors[0].Index]
			}
			if len(landed) > 0 {
				if _, derr := s.memories.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": landed}}); derr != nil {
					return goerr.Wrap(derr, "roll back partial insert", goerr.V("cause", err.Error()))
				}
			}
		}
		return goerr.Wrap(err, "insert memories", goerr.V("size", len(recs)))
	}
	return nil
}

// Update applies p to one of owner's memories. The vector is not touched.
func (s *Store) Update(ctx context.Context, owner, id string, p memory.Patch) (*memory.Record, error) {
	rec, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	updated := p.Apply(*rec)
	d, err := toDocument(&updated)
	if err != nil {
		return nil, err
	}

	res, err := s.memories.UpdateOne(ctx,
		bson.M{"_id": id, "owner": owner},
		bson.M{"$set": bson.M{
			"message":         d.Message,
			"context":         d.Context,
			"relevance_score": d.RelevanceScore,
		}})
	if err != nil {
		return nil, goerr.Wrap(err, "update memory", goerr.V("id", id))
	}
	if res.MatchedCount == 0 {
		return nil, goerr.Wrap(memory.ErrNotFound, "update memory", goerr.V("id", id))
	}
	return &updated, nil
}

// SetEmbedding attaches a vector to one of owner's memories that has none.
func (s *Store) SetEmbedding(ctx context.Context, owner, id string, vec []float64, model string) error {
	if len(vec) == 0 {
		return goerr.New("empty embedding", goerr.V("id", id))
	}
	res, err := s.memories.UpdateOne(ctx,
		bson.M{"_id": id, "owner": owner, "embedding.0": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"embedding": vec, "embedding_model": model}})
	if err != nil {
		return goerr.Wrap(err, "set embedding", goerr.V("id", id))
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.memories.CountDocuments(ctx, bson.M{"_id": id, "owner": owner})
	if err != nil {
		return goerr.Wrap(err, "check memory", goerr.V("id", id))
	}
	if n == 0 {
		return goerr.Wrap(memory.ErrNotFound, "set embedding", goerr.V("id", id))
	}
	return nil
}

// DeleteIDs removes the given memories of owner.
func (s *Store) DeleteIDs(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.memories.DeleteMany(ctx, bson.M{"owner": owner, "_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, goerr.Wrap(err, "delete memories", goerr.V("owner", owner))
	}
	return res.DeletedCount, nil
}

// DeleteSweep removes owner's memories at or before sw.Cutoff, or below sw.MinRelevance.
func (s *Store) DeleteSweep(ctx context.Context, owner string, sw memory.Sweep) (int64, error) {
	res, err := s.memories.DeleteMany(ctx, bson.M{
		"owner": owner,
		"$or": bson.A{
			bson.M{"ts": bson.M{"$lte": sw.Cutoff.UTC()}},
			bson.M{"relevance_score": bson.M{"$lt": sw.MinRelevance}},
		},
	})
	if err != nil {
		return 0, goerr.Wrap(err, "sweep memories", goerr.V("owner", owner))
	}
	return res.DeletedCount, nil
}

// Owners lists every owner with at least one memory.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	vals, err := s.memories.Distinct(ctx, "owner", bson.M{})
	if err != nil {
		return nil, goerr.Wrap(err, "list owners")
	}
	owners := make([]string, 0, len(vals))
	for _, v := range vals {
		if o, ok := v.(string); ok {
			owners = append(owners, o)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// GetPreferences returns owner's preference document, or an empty map.
func (s *Store) GetPreferences(ctx context.Context, owner string) (map[string]any, error) {
	var d prefsDocument
	err := s.preferences.FindOne(ctx, bson.M{"_id": owner}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get preferences", goerr.V("owner", owner))
	}
	prefs := map[string]any{}
	if err := json.Unmarshal([]byte(d.Prefs), &prefs); err != nil {
		return nil, goerr.Wrap(err, "decode preferences", goerr.V("owner", owner))
	}
	return prefs, nil
}

// PutPreferences replaces owner's preference document.
func (s *Store) PutPreferences(ctx context.Context, owner string, prefs map[string]any) error {
	if prefs == nil {
		prefs = map[string]any{}
	}
	b, err := json.Marshal(prefs)
	if err != nil {
		return goerr.Wrap(err, "encode preferences", goerr.V("owner", owner))
	}
	_, err = s.preferences.ReplaceOne(ctx,
		bson.M{"_id": owner},
		prefsDocument{Owner: owner, Prefs: string(b), UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true))
	if err != nil {
		return goerr.Wrap(err, "put preferences", goerr.V("owner", owner))
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
