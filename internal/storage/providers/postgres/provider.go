// Package postgres implements storage.Backend on a JSONB document table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

// Tables created by the embedded migrations.
const (
	TableAuthState = "auth_state"
	TableDocuments = "documents"
)

// DBTX is the subset of pgxpool.Pool used here.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Provider stores one row per (namespace, key). Top-level arrays are wrapped
// because the table only accepts JSON objects.
type Provider struct {
	db    DBTX
	table string
}

func New(db DBTX, table string) *Provider {
	return &Provider{db: db, table: pgx.Identifier{table}.Sanitize()}
}

func (p *Provider) Read(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE namespace = $1 AND key = $2`, p.table),
		namespace, key,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	return storage.UnwrapArray(key, raw)
}

func (p *Provider) Write(ctx context.Context, namespace, key string, value json.RawMessage) error {
	doc, err := storage.WrapArray(key, value)
	if err != nil {
		return fmt.Errorf("wrap document: %w", err)
	}
	_, err = p.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (namespace, key, value, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, p.table),
		namespace, key, []byte(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, namespace, key string) error {
	if _, err := p.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND key = $2`, p.table),
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (p *Provider) Keys(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := p.db.Query(ctx,
		fmt.Sprintf(`SELECT key FROM %s WHERE namespace = $1 AND starts_with(key, $2) ORDER BY key`, p.table),
		namespace, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return collectStrings(rows)
}

func (p *Provider) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT namespace FROM %s ORDER BY namespace`, p.table),
	)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return collectStrings(rows)
}

func (p *Provider) Drop(ctx context.Context, namespace string) error {
	if _, err := p.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, p.table),
		namespace,
	); err != nil {
		return fmt.Errorf("drop namespace: %w", err)
	}
	return nil
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
