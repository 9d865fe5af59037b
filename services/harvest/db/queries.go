package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type Asset struct {
	Hash      string
	Path      string
	SourceUrl string
	PageUrl   string
	Section   string
	TypeHint  string
	CreatedAt int64
}

type UpsertAssetParams struct {
	Hash      string
	Path      string
	SourceUrl string
	PageUrl   string
	Section   string
	TypeHint  string
	CreatedAt int64
}

const upsertAsset = `
INSERT INTO assets (hash, path, source_url, page_url, section, type_hint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (hash) DO UPDATE SET
    path = excluded.path,
    source_url = excluded.source_url,
    page_url = excluded.page_url,
    section = excluded.section,
    type_hint = excluded.type_hint
`

func (q *Queries) UpsertAsset(ctx context.Context, arg UpsertAssetParams) error {
	_, err := q.db.ExecContext(
		ctx, upsertAsset,
		arg.Hash, arg.Path, arg.SourceUrl, arg.PageUrl,
		arg.Section, arg.TypeHint, arg.CreatedAt,
	)
	return err
}

const listAssets = `
SELECT hash, path, source_url, page_url, section, type_hint, created_at
FROM assets
ORDER BY created_at, hash
`

func (q *Queries) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := q.db.QueryContext(ctx, listAssets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		err := rows.Scan(
			&a.Hash, &a.Path, &a.SourceUrl, &a.PageUrl,
			&a.Section, &a.TypeHint, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const deleteAssets = `DELETE FROM assets`

func (q *Queries) DeleteAssets(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAssets)
	return err
}

type CreateRunParams struct {
	ID        string
	StartedAt int64
	State     string
}

const createRun = `
INSERT INTO runs (id, started_at, state)
VALUES (?, ?, ?)
`

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) error {
	_, err := q.db.ExecContext(ctx, createRun, arg.ID, arg.StartedAt, arg.State)
	return err
}

type FinishRunParams struct {
	ID                string
	FinishedAt        int64
	State             string
	Outcome           string
	PagesDiscovered   int64
	ImagesFetched     int64
	DuplicatesSkipped int64
	RecordsExtracted  int64
	ItemsFailed       int64
}

const finishRun = `
UPDATE runs SET
    finished_at = ?,
    state = ?,
    outcome = ?,
    pages_discovered = ?,
    images_fetched = ?,
    duplicates_skipped = ?,
    records_extracted = ?,
    items_failed = ?
WHERE id = ?
`

func (q *Queries) FinishRun(ctx context.Context, arg FinishRunParams) error {
	_, err := q.db.ExecContext(
		ctx, finishRun,
		arg.FinishedAt, arg.State, arg.Outcome,
		arg.PagesDiscovered, arg.ImagesFetched, arg.DuplicatesSkipped,
		arg.RecordsExtracted, arg.ItemsFailed,
		arg.ID,
	)
	return err
}

type Run struct {
	ID                string
	StartedAt         int64
	FinishedAt        int64
	State             string
	Outcome           string
	PagesDiscovered   int64
	ImagesFetched     int64
	DuplicatesSkipped int64
	RecordsExtracted  int64
	ItemsFailed       int64
}

const getRun = `
SELECT id, started_at, finished_at, state, outcome,
    pages_discovered, images_fetched, duplicates_skipped,
    records_extracted, items_failed
FROM runs
WHERE id = ?
`

func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	err := q.db.QueryRowContext(ctx, getRun, id).Scan(
		&r.ID, &r.StartedAt, &r.FinishedAt, &r.State, &r.Outcome,
		&r.PagesDiscovered, &r.ImagesFetched, &r.DuplicatesSkipped,
		&r.RecordsExtracted, &r.ItemsFailed,
	)
	return r, err
}

type AddRunErrorParams struct {
	RunID  string
	Item   string
	Reason string
}

const addRunError = `
INSERT INTO run_errors (run_id, item, reason)
VALUES (?, ?, ?)
`

func (q *Queries) AddRunError(ctx context.Context, arg AddRunErrorParams) error {
	_, err := q.db.ExecContext(ctx, addRunError, arg.RunID, arg.Item, arg.Reason)
	return err
}

type RunError struct {
	RunID  string
	Item   string
	Reason string
}

const listRunErrors = `
SELECT run_id, item, reason
FROM run_errors
WHERE run_id = ?
`

func (q *Queries) ListRunErrors(ctx context.Context, runID string) ([]RunError, error) {
	rows, err := q.db.QueryContext(ctx, listRunErrors, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunError
	for rows.Next() {
		var e RunError
		if err := rows.Scan(&e.RunID, &e.Item, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
