package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := Migrate(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	// Second run must be a no-op.
	if err := Migrate(context.Background(), d); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := SetKV(ctx, d, "test_key", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := SetKV(ctx, d, "test_key", "v2"); err != nil {
		t.Fatal(err)
	}
	v, err := GetKV(ctx, d, "test_key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "v2" {
		t.Fatalf("expected v2 got %q", v)
	}
	v, err = GetKV(ctx, d, "missing_key")
	if err != nil || v != "" {
		t.Fatalf("missing key should be empty, got %q %v", v, err)
	}
}
