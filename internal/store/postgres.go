package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Notifier 集合变更通知，Postgres 后端本身没有推送能力
type Notifier interface {
	Publish(ctx context.Context, collection, id string) error
	// Listen 每次集合变化时调用 fn，返回的函数取消监听
	Listen(collection string, fn func()) (func(), error)
}

// Postgres 所有集合存放在一张 documents 表中，data 为 jsonb
type Postgres struct {
	db       DB
	notifier Notifier
	clock    *Clock
	logger   *slog.Logger
}

// NewPostgres 创建 Postgres 存储
func NewPostgres(db DB, notifier Notifier) *Postgres {
	return &Postgres{
		db:       db,
		notifier: notifier,
		clock:    NewClock(),
		logger:   slog.Default(),
	}
}

// Get 读取单个文档
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}

	data, err := decodeData(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

// Query 谓词下推为 jsonb 条件，排序在内存中完成
func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	preds, err := normalizePredicates(q.Where)
	if err != nil {
		return nil, err
	}
	sql, args, err := buildSelect(collection, preds, q)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		data, err := decodeData(raw)
		if err != nil {
			p.logger.Warn("skip undecodable document", "collection", collection, "id", id, "error", err)
			continue
		}
		// 范围比较在 SQL 中按文本进行，这里按统一规则再过滤一次
		if !Matches(data, preds) {
			continue
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return SortDocuments(docs, q.OrderBy, q.Limit), nil
}

// Put 整体替换文档
func (p *Postgres) Put(ctx context.Context, collection, id string, data map[string]any) error {
	resolved, err := resolvePut(data, p.clock.Now())
	if err != nil {
		return err
	}
	delete(resolved, "id")
	raw, err := json.Marshal(resolved)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at)
		 VALUES ($1, $2, $3::jsonb, NOW())
		 ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, string(raw),
	)
	if err != nil {
		return err
	}

	p.publish(ctx, collection, id)
	return nil
}

// Update 在事务中读取、合并、写回
func (p *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	current, err := decodeData(raw)
	if err != nil {
		return err
	}
	next, err := applyUpdate(current, fields, p.clock.Now())
	if err != nil {
		return err
	}
	out, err := json.Marshal(next)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET data = $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2`,
		collection, id, string(out),
	); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	p.publish(ctx, collection, id)
	return nil
}

// Delete 删除文档，不存在时不报错
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		p.publish(ctx, collection, id)
	}
	return nil
}

// Subscribe 每收到一次集合变更通知重新查询
func (p *Postgres) Subscribe(ctx context.Context, collection string, q Query) (Stream, error) {
	if p.notifier == nil {
		return nil, errors.New("postgres store has no change notifier")
	}

	s := newRefreshStream(ctx, func(ctx context.Context) ([]Document, error) {
		return p.Query(ctx, collection, q)
	})
	cancel, err := p.notifier.Listen(collection, s.notify)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("listen %s: %w", collection, err)
	}
	s.onClose = cancel
	s.start()
	return s, nil
}

// publish 写入已经成功，通知失败只记录日志，订阅方在下一次变更时追上
func (p *Postgres) publish(ctx context.Context, collection, id string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, collection, id); err != nil {
		p.logger.Error("publish change failed", "collection", collection, "id", id, "error", err)
	}
}

func decodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// buildSelect 生成查询语句，等值和包含条件使用 jsonb 包含运算符以便命中 GIN 索引
func buildSelect(collection string, preds []Predicate, q Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	for _, pred := range preds {
		switch pred.Op {
		case OpEq, OpArrayContains:
			value := pred.Value
			if pred.Op == OpArrayContains {
				value = []any{value}
			}
			raw, err := json.Marshal(nestPath(pred.Field, value))
			if err != nil {
				return "", nil, err
			}
			args = append(args, string(raw))
			fmt.Fprintf(&sb, ` AND data @> $%d::jsonb`, len(args))
		case OpGte, OpLte:
			op := ">="
			if pred.Op == OpLte {
				op = "<="
			}
			path := jsonPath(pred.Field)
			switch v := pred.Value.(type) {
			case float64:
				args = append(args, v)
				fmt.Fprintf(&sb, ` AND jsonb_typeof(data #> '%s') = 'number' AND (data #>> '%s')::numeric %s $%d`, path, path, op, len(args))
			case string:
				args = append(args, v)
				fmt.Fprintf(&sb, ` AND (data #>> '%s') COLLATE "C" %s $%d`, path, op, len(args))
			default:
				return "", nil, fmt.Errorf("unsupported range value for %s: %T", pred.Field, pred.Value)
			}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", pred.Op)
		}
	}

	// 有排序字段时需要完整结果集在内存中排序，limit 只能在没有排序时下推
	if len(q.OrderBy) == 0 && q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` ORDER BY id COLLATE "C" LIMIT $%d`, len(args))
	}
	return sb.String(), args, nil
}

func nestPath(field string, value any) map[string]any {
	parts := strings.Split(field, ".")
	out := map[string]any{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}

// jsonPath a.b -> {a,b}，字段名来自代码常量，不接受用户输入
func jsonPath(field string) string {
	return "{" + strings.Join(strings.Split(field, "."), ",") + "}"
}
