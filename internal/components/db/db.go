package db

import (
	"context"
	"database/sql"
	_ "embed"
)

//go:embed schema.sql
var Schema string

type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type CacheEntry struct {
	ScopeKey    string
	Fingerprint string
	Payload     []byte
	FirstSeen   int64
	LastSeen    int64
}

type Run struct {
	ID         string
	Platform   string
	StartedAt  int64
	FinishedAt sql.NullInt64
	Status     string
	Summary    sql.NullString
}
