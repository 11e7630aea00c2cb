// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package refdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efi-tools/efissn/internal/domain"
)

// PostgresStore is a Store backed by the reference relational database.
// All queries are parameterized; callers never interpolate family or
// accession identifiers into SQL text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to the reference database at dsn.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("refdb: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("refdb: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) ReverseLookup(ctx context.Context, kind IDKind, ids []string) (uniprot, unmatched []string, provenance map[string][]string, err error) {
	provenance = make(map[string][]string)
	for _, id := range ids {
		resolved, err := s.reverseOne(ctx, kind, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				unmatched = append(unmatched, id)
				continue
			}
			return nil, nil, nil, fmt.Errorf("refdb: reverse lookup %q: %w", id, err)
		}
		if _, seen := provenance[resolved]; !seen {
			uniprot = append(uniprot, resolved)
		}
		provenance[resolved] = append(provenance[resolved], id)
	}
	return uniprot, unmatched, provenance, nil
}

func (s *PostgresStore) reverseOne(ctx context.Context, kind IDKind, id string) (string, error) {
	var query string
	switch kind {
	case UniProtKind, Auto:
		query = `SELECT uniprot_id FROM ID_MAPPING WHERE uniprot_id = $1 OR other_id = $1 LIMIT 1`
	case GIKind:
		query = `SELECT uniprot_id FROM ID_MAPPING WHERE gi = $1 LIMIT 1`
	case RefSeqKind:
		query = `SELECT uniprot_id FROM ID_MAPPING WHERE refseq_id = $1 LIMIT 1`
	case EMBLKind:
		query = `SELECT uniprot_id FROM ID_MAPPING WHERE embl_id = $1 LIMIT 1`
	default:
		return "", fmt.Errorf("refdb: unknown id kind %d", kind)
	}
	var uid string
	err := s.pool.QueryRow(ctx, query, id).Scan(&uid)
	return uid, err
}

func (s *PostgresStore) ExpandFamily(ctx context.Context, kind FamilyKind, familyID string) (map[string][]domain.Span, error) {
	query := fmt.Sprintf(`SELECT accession, start, "end" FROM %s WHERE id = $1`, kind.table())
	rows, err := s.pool.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("refdb: expand family %s/%s: %w", kind, familyID, err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Span)
	for rows.Next() {
		var acc string
		var sp domain.Span
		if err := rows.Scan(&acc, &sp.Start, &sp.End); err != nil {
			return nil, fmt.Errorf("refdb: scan %s/%s row: %w", kind, familyID, err)
		}
		out[acc] = append(out[acc], sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("refdb: read %s/%s rows: %w", kind, familyID, err)
	}
	return out, nil
}

func (s *PostgresStore) VerifyPfam(ctx context.Context, acc string) ([]domain.Span, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT start, "end" FROM PFAM WHERE accession = $1`, acc)
	if err != nil {
		return nil, false, fmt.Errorf("refdb: verify pfam %s: %w", acc, err)
	}
	defer rows.Close()

	var spans []domain.Span
	for rows.Next() {
		var sp domain.Span
		if err := rows.Scan(&sp.Start, &sp.End); err != nil {
			return nil, false, fmt.Errorf("refdb: scan pfam row for %s: %w", acc, err)
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("refdb: read pfam rows for %s: %w", acc, err)
	}
	return spans, len(spans) > 0, nil
}

func (s *PostgresStore) FetchSequence(ctx context.Context, acc string) (string, error) {
	var seq string
	err := s.pool.QueryRow(ctx, `SELECT sequence FROM SEQUENCE_BLOB WHERE accession = $1`, acc).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &FastacmdError{Accession: acc}
	}
	if err != nil {
		return "", fmt.Errorf("refdb: fetch sequence %s: %w", acc, err)
	}
	return seq, nil
}

func (s *PostgresStore) DatabaseVersion(ctx context.Context) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT version FROM DATABASE_VERSION LIMIT 1`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("refdb: database version: %w", err)
	}
	return v, nil
}
