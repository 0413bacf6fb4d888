package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/docqa/deid/internal/deid"
	"github.com/docqa/deid/internal/platform/db"
	"github.com/docqa/deid/migrations"
)

// databaseURL points at a disposable PostgreSQL instance. Each test migrates
// its own schema into it and drops the schema afterwards.
var databaseURL string

func TestMain(m *testing.M) {
	databaseURL = os.Getenv("DEID_TEST_DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DEID_TEST_DATABASE_URL not set, skipping integration tests")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// uniqueSchema generates a schema name unique to one test.
func uniqueSchema(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("deid_%s_%s", prefix, short)
}

// migratedPool applies the embedded migrations to a fresh schema and returns a
// pool whose search_path resolves to it.
func migratedPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := uniqueSchema(prefix)
	pool, err := db.NewPool(ctx, databaseURL, 4, 1, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		pool.Close()
	})

	applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
	if err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if applied == 0 {
		t.Fatalf("no migrations applied to %s", schema)
	}
	return pool
}

// newService wires the production detectors to a postgres ledger.
func newService(pool *pgxpool.Pool) (*deid.Service, deid.MappingLedger) {
	ledger := deid.NewLedgerPG(pool)
	names := deid.NewNameDetector(deid.NewDenylist(deid.DefaultMedicalTerms))
	catalog := deid.NewPatternCatalog()
	anon := deid.NewAnonymizer(names, catalog, deid.NewGenerator(nil), ledger)
	return deid.NewService(anon, names, catalog, ledger, zerolog.Nop()), ledger
}
