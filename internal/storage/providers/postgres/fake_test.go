package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
)

type fakeRow struct {
	value []byte
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.value
	return nil
}

// fakeDBTX keeps the last written value in memory.
type fakeDBTX struct {
	stored []byte
	execs  int
}

func (f *fakeDBTX) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	if len(args) == 3 {
		f.stored = args[2].([]byte)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDBTX) QueryRow(context.Context, string, ...any) pgx.Row {
	if f.stored == nil {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: f.stored}
}

func TestWriteWrapsArraysAndReadUnwraps(t *testing.T) {
	t.Parallel()
	fake := &fakeDBTX{}
	p := New(fake, TableAuthState)
	ctx := context.Background()

	if _, err := p.Read(ctx, "acme", "creds"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	in := json.RawMessage(`[1,2,3]`)
	if err := p.Write(ctx, "acme", "creds", in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(fake.stored, &stored); err != nil {
		t.Fatalf("stored value is not an object: %s", fake.stored)
	}
	if stored["_id"] != "creds" {
		t.Fatalf("stored _id = %v", stored["_id"])
	}

	got, err := p.Read(ctx, "acme", "creds")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(in) {
		t.Fatalf("Read = %s, want %s", got, in)
	}
}

func TestTableNameIsQuoted(t *testing.T) {
	t.Parallel()
	p := New(&fakeDBTX{}, TableDocuments)
	if p.table != `"documents"` {
		t.Fatalf("table = %s", p.table)
	}
}
