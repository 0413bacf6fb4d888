package deid

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docqa/deid/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type ledgerPG struct{ pool *pgxpool.Pool }

// NewLedgerPG returns a MappingLedger backed by the deid_mappings table.
func NewLedgerPG(pool *pgxpool.Pool) MappingLedger {
	return &ledgerPG{pool: pool}
}

func (r *ledgerPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var mappingCopyCols = []string{"id", "document_id", "original_value", "anonymized_value", "entity_type", "created_at"}

const mappingCols = `id, document_id, original_value, anonymized_value, entity_type, created_at`

func scanMapping(row pgx.Row) (PseudonymMapping, error) {
	var m PseudonymMapping
	var et string
	err := row.Scan(&m.ID, &m.DocumentID, &m.OriginalValue, &m.AnonymizedValue, &et, &m.CreatedAt)
	m.EntityType = EntityType(et)
	return m, err
}

// Append copies the batch in one transaction; a short copy rolls it back.
func (r *ledgerPG) Append(ctx context.Context, mappings []PseudonymMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"deid_mappings"}, mappingCopyCols,
			pgx.CopyFromSlice(len(mappings), func(i int) ([]interface{}, error) {
				m := mappings[i]
				return []interface{}{m.ID, m.DocumentID, m.OriginalValue, m.AnonymizedValue, string(m.EntityType), m.CreatedAt}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy mappings: %w", err)
		}
		if int(n) != len(mappings) {
			return fmt.Errorf("copy mappings: wrote %d of %d rows", n, len(mappings))
		}
		return nil
	})
}

func (r *ledgerPG) FindByDocumentID(ctx context.Context, documentID string) ([]PseudonymMapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM deid_mappings WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query mappings for %s: %w", documentID, err)
	}
	defer rows.Close()

	out := []PseudonymMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ledgerPG) FindByEntityType(ctx context.Context, et EntityType, limit, offset int) ([]PseudonymMapping, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM deid_mappings WHERE entity_type = $1`, string(et)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s mappings: %w", et, err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM deid_mappings WHERE entity_type = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3`, string(et), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s mappings: %w", et, err)
	}
	defer rows.Close()

	out := []PseudonymMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}
