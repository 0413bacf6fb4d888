package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docqa/deid/internal/deid"
	"github.com/docqa/deid/internal/platform/db"
	"github.com/docqa/deid/migrations"
)

func mapping(docID, original, token string, et deid.EntityType, at time.Time) deid.PseudonymMapping {
	return deid.PseudonymMapping{
		ID:              uuid.New(),
		DocumentID:      docID,
		OriginalValue:   original,
		AnonymizedValue: token,
		EntityType:      et,
		CreatedAt:       at,
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	pool := migratedPool(t, "mig")
	ctx := context.Background()

	schema := ""
	if err := pool.QueryRow(ctx, "SELECT current_schema()").Scan(&schema); err != nil {
		t.Fatalf("current_schema: %v", err)
	}

	m := db.NewMigrator(pool, migrations.FS)
	applied, err := m.Up(ctx, schema)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if applied != 0 {
		t.Errorf("second Up applied %d migrations, want 0", applied)
	}

	statuses, err := m.Status(ctx, schema)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, st := range statuses {
		if !st.Applied || st.AppliedAt == nil {
			t.Errorf("migration %s not reported as applied", st.Name)
		}
	}
}

func TestLedgerPG_AppendAndFindByDocument(t *testing.T) {
	ledger := deid.NewLedgerPG(migratedPool(t, "doc"))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	batch := []deid.PseudonymMapping{
		mapping("doc-1", "Jean DUPONT", "[PERSON_0000000A]", deid.EntityPerson, at),
		mapping("doc-1", "06 12 34 56 78", "[PHONE_0000000B]", deid.EntityPhone, at),
		mapping("doc-1", "12/03/1980", deid.DateToken, deid.EntityDate, at),
	}
	if err := ledger.Append(ctx, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ledger.Append(ctx, []deid.PseudonymMapping{
		mapping("doc-2", "Marie CURIE", "[PERSON_0000000C]", deid.EntityPerson, at),
	}); err != nil {
		t.Fatalf("Append doc-2: %v", err)
	}

	got, err := ledger.FindByDocumentID(ctx, "doc-1")
	if err != nil {
		t.Fatalf("FindByDocumentID: %v", err)
	}
	if len(got) != len(batch) {
		t.Fatalf("got %d rows, want %d", len(got), len(batch))
	}
	for i := range batch {
		if got[i].ID != batch[i].ID || got[i].OriginalValue != batch[i].OriginalValue {
			t.Errorf("row %d = %+v, want %+v", i, got[i], batch[i])
		}
		if !got[i].CreatedAt.Equal(at) {
			t.Errorf("row %d created_at = %s, want %s", i, got[i].CreatedAt, at)
		}
	}

	none, err := ledger.FindByDocumentID(ctx, "missing")
	if err != nil {
		t.Fatalf("FindByDocumentID missing: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", none)
	}
}

func TestLedgerPG_AppendIsAtomic(t *testing.T) {
	ledger := deid.NewLedgerPG(migratedPool(t, "atomic"))
	ctx := context.Background()
	at := time.Now().UTC()

	dup := mapping("doc-1", "Jean DUPONT", "[PERSON_0000000A]", deid.EntityPerson, at)
	if err := ledger.Append(ctx, []deid.PseudonymMapping{
		mapping("doc-1", "06 12 34 56 78", "[PHONE_0000000B]", deid.EntityPhone, at),
		dup,
		dup,
	}); err == nil {
		t.Fatal("expected duplicate id to fail the batch")
	}

	got, err := ledger.FindByDocumentID(ctx, "doc-1")
	if err != nil {
		t.Fatalf("FindByDocumentID: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("failed batch left %d rows", len(got))
	}
}

func TestLedgerPG_FindByEntityType(t *testing.T) {
	ledger := deid.NewLedgerPG(migratedPool(t, "type"))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var batch []deid.PseudonymMapping
	for i := 0; i < 5; i++ {
		batch = append(batch, mapping("doc-1", "06 12 34 56 7"+string(rune('0'+i)), "[PHONE_0000000"+string(rune('0'+i))+"]",
			deid.EntityPhone, base.Add(time.Duration(i)*time.Minute)))
	}
	batch = append(batch, mapping("doc-1", "a@b.fr", "[EMAIL_00000009]", deid.EntityEmail, base))
	if err := ledger.Append(ctx, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	page, total, err := ledger.FindByEntityType(ctx, deid.EntityPhone, 2, 1)
	if err != nil {
		t.Fatalf("FindByEntityType: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].AnonymizedValue != "[PHONE_00000003]" || page[1].AnonymizedValue != "[PHONE_00000002]" {
		t.Errorf("page = %s, %s; want newest first after offset 1", page[0].AnonymizedValue, page[1].AnonymizedValue)
	}
}

func TestLedgerPG_RowsAreImmutable(t *testing.T) {
	pool := migratedPool(t, "immut")
	ledger := deid.NewLedgerPG(pool)
	ctx := context.Background()

	m := mapping("doc-1", "Jean DUPONT", "[PERSON_0000000A]", deid.EntityPerson, time.Now().UTC())
	if err := ledger.Append(ctx, []deid.PseudonymMapping{m}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := pool.Exec(ctx, "UPDATE deid_mappings SET original_value = 'x' WHERE id = $1", m.ID); err == nil {
		t.Fatal("expected update to be rejected")
	}
	if _, err := pool.Exec(ctx, "INSERT INTO deid_mappings (id, document_id, original_value, anonymized_value, entity_type) VALUES ($1, 'd', 'v', 't', 'NAME')", uuid.New()); err == nil {
		t.Fatal("expected unknown entity type to be rejected")
	}
}

func TestService_AnonymizePersistsMappings(t *testing.T) {
	svc, _ := newService(migratedPool(t, "svc"))
	ctx := context.Background()

	doc, err := svc.Anonymize(ctx, deid.AnonymizeRequest{
		DocumentID:      "cr-42",
		DocumentContent: "Patient Jean DUPONT, tél 06 12 34 56 78, né le 12/03/1980.",
	})
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}

	res, err := svc.GetMappings(ctx, "cr-42")
	if err != nil {
		t.Fatalf("GetMappings: %v", err)
	}
	if res.Count != doc.Count || len(res.Mappings) != doc.Count {
		t.Fatalf("stored %d mappings, document reports %d", res.Count, doc.Count)
	}

	originals := map[deid.EntityType]string{}
	for _, m := range res.Mappings {
		originals[m.EntityType] = m.OriginalValue
	}
	if originals[deid.EntityPerson] != "Jean DUPONT" {
		t.Errorf("PERSON original = %q", originals[deid.EntityPerson])
	}
	if originals[deid.EntityPhone] != "06 12 34 56 78" {
		t.Errorf("PHONE original = %q", originals[deid.EntityPhone])
	}
	if originals[deid.EntityDate] != "12/03/1980" {
		t.Errorf("DATE original = %q", originals[deid.EntityDate])
	}
}
