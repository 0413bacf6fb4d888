package db

import (
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/docqa/deid/migrations"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_mappings.sql": {Data: []byte("CREATE TABLE deid_mappings (id UUID PRIMARY KEY);")},
		"002_trigger.sql":  {Data: []byte("CREATE FUNCTION f() RETURNS trigger AS $$ BEGIN RETURN NULL; END $$ LANGUAGE plpgsql;")},
		"003_index.sql":    {Data: []byte("CREATE INDEX i ON deid_mappings (id);")},
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	if got[0].Version != 1 || got[0].Name != "001_mappings.sql" {
		t.Errorf("unexpected first migration: %d %s", got[0].Version, got[0].Name)
	}
	if got[0].SQL != "CREATE TABLE deid_mappings (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
	if got[2].Version != 3 {
		t.Errorf("expected version 3, got %d", got[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	src := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	if len(got) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, got[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	src := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"embed.go":           {Data: []byte("package migrations")},
	}

	got, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(got))
	}
	if got[0].Version != 1 || got[1].Version != 2 {
		t.Errorf("unexpected versions %d, %d", got[0].Version, got[1].Version)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	got, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(got))
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	_, err := NewMigrator(nil, os.DirFS("/nonexistent/path/that/does/not/exist")).LoadMigrations()
	if err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(got))
	}
	if !strings.Contains(got[0].SQL, "deid_mappings") {
		t.Error("expected first migration to create deid_mappings")
	}
	for i := 1; i < len(got); i++ {
		if got[i].Version <= got[i-1].Version {
			t.Errorf("versions not strictly increasing at %d", i)
		}
	}
}

func TestPendingAndBuildStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_mappings.sql"},
		{Version: 2, Name: "002_trigger.sql"},
		{Version: 3, Name: "003_index.sql"},
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migs, applied)
	if len(pending) != 2 || pending[0].Version != 2 || pending[1].Version != 3 {
		t.Errorf("unexpected pending set: %+v", pending)
	}

	statuses := BuildStatus(migs, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Error("expected 002 to be pending")
	}
	if statuses[2].Name != "003_index.sql" {
		t.Errorf("expected name 003_index.sql, got %s", statuses[2].Name)
	}
}

func TestSchemaIdent(t *testing.T) {
	tests := map[string]string{
		"":          `"public"`,
		"deid":      `"deid"`,
		`bad"name`:  `"bad""name"`,
	}
	for in, want := range tests {
		if got := schemaIdent(in); got != want {
			t.Errorf("schemaIdent(%q) = %s, want %s", in, got, want)
		}
	}
}
