package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Document 文档集合中的一条记录
type Document struct {
	ID   string
	Data map[string]any
}

// Decode 把文档解码到实体，id 字段由文档 ID 填充
func (d Document) Decode(v any) error {
	data := make(map[string]any, len(d.Data)+1)
	for k, val := range d.Data {
		data[k] = val
	}
	data["id"] = d.ID
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Encode 把实体编码为文档数据，id 不写入数据本身
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	delete(data, "id")
	return data, nil
}

// Op 查询谓词操作符
type Op string

const (
	OpEq            Op = "=="
	OpArrayContains Op = "array-contains"
	OpGte           Op = ">="
	OpLte           Op = "<="
)

// Predicate 查询谓词，Field 支持 a.b 形式的嵌套路径
type Predicate struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

func ArrayContains(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpArrayContains, Value: value}
}

func Gte(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpGte, Value: value}
}

func Lte(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpLte, Value: value}
}

// Order 排序字段
type Order struct {
	Field string
	Desc  bool
}

// Query 查询描述
type Query struct {
	Where   []Predicate
	OrderBy []Order
	Limit   int
}

// Gateway 远端文档存储
//
// Put 整体替换，Update 合并字段（支持嵌套路径、Increment 和 ServerTimestamp），
// Delete 删除不存在的文档不报错。Subscribe 返回的 Stream 在每次集合变化后推送
// 完整结果集，至少一次投递，可能重复推送未变化的数据。Subscribe 的 ctx 取消时 Stream
// 随之关闭且 Err 为 nil，需要长期存活的订阅应传入不会取消的 ctx。
type Gateway interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Put(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, q Query) (Stream, error)
}

// Stream 服务端推送的快照流
// Snapshots 关闭后 Err 返回导致关闭的错误，主动 Close 时为 nil
type Stream interface {
	Snapshots() <-chan []Document
	Err() error
	Close()
}
