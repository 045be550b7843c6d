package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row pgx.Row 的最小接口
type Row interface {
	Scan(dest ...any) error
}

// Rows pgx.Rows 的最小接口
type Rows interface {
	Close()
	Err() error
	Next() bool
	Scan(dest ...any) error
}

// CommandTag Exec 结果
type CommandTag interface {
	RowsAffected() int64
}

// DBConn Postgres 后端使用的查询接口
type DBConn interface {
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Tx 事务
type Tx interface {
	DBConn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB 支持事务的连接
type DB interface {
	DBConn
	Begin(ctx context.Context) (Tx, error)
}

// PoolDB 把 *pgxpool.Pool 适配为 DB
type PoolDB struct {
	pool *pgxpool.Pool
}

// NewPoolDB 创建连接池适配器
func NewPoolDB(pool *pgxpool.Pool) *PoolDB {
	return &PoolDB{pool: pool}
}

func (p *PoolDB) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, err
}

func (p *PoolDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *PoolDB) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *PoolDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	return tag, err
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

var _ CommandTag = pgconn.CommandTag{}
