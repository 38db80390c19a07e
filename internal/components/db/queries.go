package db

import (
	"context"
	"database/sql"
)

const listCacheEntries = `select scope_key, fingerprint, payload, first_seen, last_seen from cache_entry`

func (q *Queries) ListCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := q.db.QueryContext(ctx, listCacheEntries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CacheEntry
	for rows.Next() {
		var i CacheEntry
		if err := rows.Scan(
			&i.ScopeKey,
			&i.Fingerprint,
			&i.Payload,
			&i.FirstSeen,
			&i.LastSeen,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertCacheEntry = `insert into cache_entry (scope_key, fingerprint, payload, first_seen, last_seen)
values (?, ?, ?, ?, ?)
on conflict (scope_key) do update set
    fingerprint = excluded.fingerprint,
    payload = excluded.payload,
    last_seen = excluded.last_seen`

type UpsertCacheEntryParams struct {
	ScopeKey    string
	Fingerprint string
	Payload     []byte
	FirstSeen   int64
	LastSeen    int64
}

func (q *Queries) UpsertCacheEntry(ctx context.Context, arg UpsertCacheEntryParams) error {
	_, err := q.db.ExecContext(ctx, upsertCacheEntry,
		arg.ScopeKey,
		arg.Fingerprint,
		arg.Payload,
		arg.FirstSeen,
		arg.LastSeen,
	)
	return err
}

const insertRun = `insert into run (id, platform, started_at, status) values (?, ?, ?, ?)
on conflict (id, platform) do update set
    started_at = excluded.started_at,
    status = excluded.status,
    finished_at = null`

type InsertRunParams struct {
	ID        string
	Platform  string
	StartedAt int64
	Status    string
}

func (q *Queries) InsertRun(ctx context.Context, arg InsertRunParams) error {
	_, err := q.db.ExecContext(ctx, insertRun,
		arg.ID,
		arg.Platform,
		arg.StartedAt,
		arg.Status,
	)
	return err
}

const finishRun = `update run set finished_at = ?, status = ?, summary = ? where id = ? and platform = ?`

type FinishRunParams struct {
	FinishedAt sql.NullInt64
	Status     string
	Summary    sql.NullString
	ID         string
	Platform   string
}

func (q *Queries) FinishRun(ctx context.Context, arg FinishRunParams) error {
	_, err := q.db.ExecContext(ctx, finishRun,
		arg.FinishedAt,
		arg.Status,
		arg.Summary,
		arg.ID,
		arg.Platform,
	)
	return err
}

const listRecentRuns = `select id, platform, started_at, finished_at, status, summary from run
order by started_at desc
limit ?`

func (q *Queries) ListRecentRuns(ctx context.Context, limit int64) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx, listRecentRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Run
	for rows.Next() {
		var i Run
		if err := rows.Scan(
			&i.ID,
			&i.Platform,
			&i.StartedAt,
			&i.FinishedAt,
			&i.Status,
			&i.Summary,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
