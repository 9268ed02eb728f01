package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/snublejuice/vinskraper/internal/model"
)

// Mongo stores each collection as a MongoDB collection with an index field.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	names  map[model.Collection]string
}

// MongoOption customizes a Mongo store.
type MongoOption func(*Mongo)

// WithCollectionName maps a logical collection onto a physical name.
func WithCollectionName(coll model.Collection, name string) MongoOption {
	return func(m *Mongo) {
		if name != "" {
			m.names[coll] = name
		}
	}
}

// NewMongo connects to uri and uses database.
func NewMongo(uri, database string, opts ...MongoOption) (*Mongo, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName("vinskraper").
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	m := &Mongo{client: client, db: client.Database(database), names: map[model.Collection]string{}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Mongo) coll(c model.Collection) *mongo.Collection {
	if name, ok := m.names[c]; ok {
		return m.db.Collection(name)
	}
	return m.db.Collection(string(c))
}

// EnsureIndexes creates the unique index key on every collection.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	for _, c := range model.Collections() {
		_, err := m.coll(c).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: model.FieldIndex, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("creating index on %s: %w", c, err)
		}
	}
	return nil
}

// Ping checks the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Distinct returns distinct values of field.
func (m *Mongo) Distinct(ctx context.Context, c model.Collection, field string) ([]any, error) {
	res := m.coll(c).Distinct(ctx, field, bson.D{{Key: field, Value: bson.D{{Key: "$ne", Value: nil}}}})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("distinct %s on %s: %w", field, c, err)
	}
	var values []any
	if err := res.Decode(&values); err != nil {
		return nil, fmt.Errorf("decoding distinct %s on %s: %w", field, c, err)
	}
	return values, nil
}

// Find returns matching documents ordered by index.
func (m *Mongo) Find(ctx context.Context, c model.Collection, filter Filter) ([]model.Document, error) {
	cursor, err := m.coll(c).Find(ctx, mongoFilter(filter),
		options.Find().SetSort(bson.D{{Key: model.FieldIndex, Value: 1}}).SetProjection(bson.D{{Key: "_id", Value: 0}}))
	if err != nil {
		return nil, fmt.Errorf("finding in %s: %w", c, err)
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("reading %s cursor: %w", c, err)
	}
	out := make([]model.Document, len(raw))
	for i, doc := range raw {
		out[i] = fromBSON(doc)
	}
	return out, nil
}

// BulkWrite issues ops as one ordered bulk request.
func (m *Mongo) BulkWrite(ctx context.Context, c model.Collection, ops []Op) (BulkResult, error) {
	if len(ops) == 0 {
		return BulkResult{}, nil
	}
	models := make([]mongo.WriteModel, 0, len(ops))
	var updates int64
	for _, op := range ops {
		filter := bson.D{{Key: model.FieldIndex, Value: op.key()}}
		switch o := op.(type) {
		case Upsert:
			updates++
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(filter).
				SetUpdate(upsertPipeline(o)).
				SetUpsert(true))
		case Patch:
			updates++
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(filter).
				SetUpdate(upsertPipeline(Upsert(o))))
		case Delete:
			models = append(models, mongo.NewDeleteOneModel().SetFilter(filter))
		}
	}
	res, err := m.coll(c).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk write on %s: %w", c, err)
	}
	return BulkResult{
		Upserted: res.UpsertedCount,
		Modified: res.ModifiedCount,
		Deleted:  res.DeletedCount,
		Skipped:  max(updates-res.MatchedCount-res.UpsertedCount, 0),
	}, nil
}

// UpdateMany applies update to every matching document.
func (m *Mongo) UpdateMany(ctx context.Context, c model.Collection, filter Filter, update Update) (int64, error) {
	doc := bson.D{}
	if len(update.Set) > 0 {
		doc = append(doc, bson.E{Key: "$set", Value: toBSON(update.Set)})
	}
	if len(update.Inc) > 0 {
		inc := bson.D{}
		for k, v := range update.Inc {
			inc = append(inc, bson.E{Key: k, Value: v})
		}
		doc = append(doc, bson.E{Key: "$inc", Value: inc})
	}
	if len(update.Unset) > 0 {
		unset := bson.D{}
		for _, k := range update.Unset {
			unset = append(unset, bson.E{Key: k, Value: ""})
		}
		doc = append(doc, bson.E{Key: "$unset", Value: unset})
	}
	if len(doc) == 0 {
		return 0, nil
	}
	res, err := m.coll(c).UpdateMany(ctx, mongoFilter(filter), doc)
	if err != nil {
		return 0, fmt.Errorf("update many on %s: %w", c, err)
	}
	return res.MatchedCount, nil
}

// ReplaceAll deletes every document and inserts docs.
func (m *Mongo) ReplaceAll(ctx context.Context, c model.Collection, docs []model.Document) error {
	coll := m.coll(c)
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clearing %s: %w", c, err)
	}
	if len(docs) == 0 {
		return nil
	}
	items := make([]any, len(docs))
	for i, doc := range docs {
		items[i] = toBSON(doc)
	}
	if _, err := coll.InsertMany(ctx, items); err != nil {
		return fmt.Errorf("inserting into %s: %w", c, err)
	}
	return nil
}

func mongoFilter(f Filter) bson.D {
	out := bson.D{}
	if f.Indexes != nil {
		out = append(out, bson.E{Key: model.FieldIndex, Value: bson.D{{Key: "$in", Value: f.Indexes}}})
	}
	for _, k := range f.Missing {
		// Equality with null matches both missing and null fields.
		out = append(out, bson.E{Key: k, Value: nil})
	}
	for k, v := range f.Equals {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

// upsertPipeline expresses an Upsert as an update pipeline so set-if-absent
// fields keep their stored value.
func upsertPipeline(u Upsert) bson.A {
	pipeline := bson.A{}

	if len(u.SetIfAbsent) > 0 {
		once := bson.D{}
		for k, v := range u.SetIfAbsent {
			current := bson.D{{Key: "$getField", Value: bson.D{
				{Key: "field", Value: bson.D{{Key: "$literal", Value: k}}},
				{Key: "input", Value: "$$ROOT"},
			}}}
			// A stored null counts as present, matching the other backends.
			missing := bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: current}}, "missing"}}}
			once = append(once, bson.E{Key: k, Value: bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: missing},
				{Key: "then", Value: bson.D{{Key: "$literal", Value: toBSONValue(v)}}},
				{Key: "else", Value: current},
			}}}})
		}
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: once}})
	}

	set := bson.D{{Key: model.FieldIndex, Value: bson.D{{Key: "$literal", Value: u.Index}}}}
	for k, v := range u.Set {
		if k == model.FieldIndex {
			continue
		}
		set = append(set, bson.E{Key: k, Value: bson.D{{Key: "$literal", Value: toBSONValue(v)}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$set", Value: set}})

	if len(u.Unset) > 0 {
		keys := bson.A{}
		for _, k := range u.Unset {
			keys = append(keys, k)
		}
		pipeline = append(pipeline, bson.D{{Key: "$unset", Value: keys}})
	}
	return pipeline
}

func toBSON(doc model.Document) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = toBSONValue(v)
	}
	return out
}

func toBSONValue(v any) any {
	switch t := v.(type) {
	case model.Document:
		return toBSON(t)
	case map[string]any:
		return toBSON(model.Document(t))
	case []any:
		out := bson.A{}
		for _, inner := range t {
			out = append(out, toBSONValue(inner))
		}
		return out
	default:
		return v
	}
}

func fromBSON(doc bson.M) model.Document {
	out := model.Document{}
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		out[k] = fromBSONValue(v)
	}
	return out
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		inner := map[string]any{}
		for k, val := range t {
			inner[k] = fromBSONValue(val)
		}
		return inner
	case bson.D:
		inner := map[string]any{}
		for _, e := range t {
			inner[e.Key] = fromBSONValue(e.Value)
		}
		return inner
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromBSONValue(val)
		}
		return out
	case int32:
		return int64(t)
	default:
		return v
	}
}
