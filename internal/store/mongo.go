package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 每个集合对应一个 Mongo collection，文档 ID 存为 _id
// Subscribe 依赖 change stream，需要副本集部署
type Mongo struct {
	db     *mongo.Database
	clock  *Clock
	logger *slog.Logger
}

// NewMongo 创建 Mongo 存储
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		db:     db,
		clock:  NewClock(),
		logger: slog.Default(),
	}
}

// Get 读取单个文档
func (m *Mongo) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return documentFromBSON(raw), nil
}

// Query 谓词转换为 bson 过滤条件，排序在内存中完成
func (m *Mongo) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	preds, err := normalizePredicates(q.Where)
	if err != nil {
		return nil, err
	}
	filter, err := buildFilter(preds)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if len(q.OrderBy) == 0 && q.Limit > 0 {
		opts.SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(q.Limit))
	}

	cur, err := m.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := make([]Document, 0)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			m.logger.Warn("skip undecodable document", "collection", collection, "error", err)
			continue
		}
		doc := documentFromBSON(raw)
		// 数组字段上的等值条件在 Mongo 中也会匹配元素，按统一规则再过滤一次
		if !Matches(doc.Data, preds) {
			continue
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return SortDocuments(docs, q.OrderBy, q.Limit), nil
}

// Put 整体替换文档
func (m *Mongo) Put(ctx context.Context, collection, id string, data map[string]any) error {
	resolved, err := resolvePut(data, m.clock.Now())
	if err != nil {
		return err
	}
	delete(resolved, "id")
	resolved["_id"] = id

	_, err = m.db.Collection(collection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}}, resolved, options.Replace().SetUpsert(true))
	return err
}

// Update 合并字段，Increment 转换为 $inc
func (m *Mongo) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	update, err := buildUpdate(fields, FormatTime(m.clock.Now()))
	if err != nil {
		return err
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 删除文档，不存在时不报错
func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return err
}

// Subscribe 监听集合的 change stream，每个事件触发一次重新查询
func (m *Mongo) Subscribe(ctx context.Context, collection string, q Query) (Stream, error) {
	s := newRefreshStream(ctx, func(ctx context.Context) ([]Document, error) {
		return m.Query(ctx, collection, q)
	})

	cs, err := m.db.Collection(collection).Watch(s.ctx, mongo.Pipeline{})
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}

	go func() {
		defer cs.Close(context.Background())
		for cs.Next(s.ctx) {
			s.notify()
		}
		if err := cs.Err(); err != nil && s.ctx.Err() == nil {
			m.logger.Error("change stream failed", "collection", collection, "error", err)
			s.fail(err)
		}
	}()

	s.start()
	return s, nil
}

// buildFilter 每个谓词一个条件，用 $and 组合，同一字段可以出现多次
func buildFilter(preds []Predicate) (bson.D, error) {
	if len(preds) == 0 {
		return bson.D{}, nil
	}
	clauses := make(bson.A, 0, len(preds))
	for _, p := range preds {
		switch p.Op {
		case OpEq, OpArrayContains:
			clauses = append(clauses, bson.D{{Key: p.Field, Value: p.Value}})
		case OpGte:
			clauses = append(clauses, bson.D{{Key: p.Field, Value: bson.D{{Key: "$gte", Value: p.Value}}}})
		case OpLte:
			clauses = append(clauses, bson.D{{Key: p.Field, Value: bson.D{{Key: "$lte", Value: p.Value}}}})
		default:
			return nil, fmt.Errorf("unsupported operator %q", p.Op)
		}
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

// buildUpdate 拆分为 $set 和 $inc
func buildUpdate(fields map[string]any, now string) (bson.D, error) {
	set := bson.M{}
	inc := bson.M{}
	for path, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			set[path] = now
		case increment:
			inc[path] = val.n
		default:
			normalized, err := normalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", path, err)
			}
			set[path] = normalized
		}
	}

	update := bson.D{}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if len(inc) > 0 {
		update = append(update, bson.E{Key: "$inc", Value: inc})
	}
	if len(update) == 0 {
		return nil, errors.New("empty update")
	}
	return update, nil
}

func documentFromBSON(raw bson.M) Document {
	id := fmt.Sprint(raw["_id"])
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		data[k] = fromBSON(v)
	}
	return Document{ID: id, Data: data}
}

// fromBSON 转换为与 JSON 解码一致的数据模型
func fromBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromBSON(item)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromBSON(item)
		}
		return out
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case primitive.DateTime:
		return FormatTime(val.Time())
	default:
		return v
	}
}
