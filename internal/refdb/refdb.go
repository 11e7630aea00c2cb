// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package refdb talks to the reference sequence database: an opaque
// read-only relational store of family membership tables and a flat
// FASTA blob indexed by accession. All lookups are parameterized;
// family and accession identifiers are treated as untrusted input.
package refdb

import (
	"context"
	"fmt"

	"github.com/efi-tools/efissn/internal/domain"
)

// FamilyKind identifies which family table a lookup targets.
type FamilyKind int

const (
	InterPro FamilyKind = iota
	Pfam
	Gene3D
	SSF
)

func (k FamilyKind) table() string {
	switch k {
	case InterPro:
		return "INTERPRO"
	case Pfam:
		return "PFAM"
	case Gene3D:
		return "GENE3D"
	case SSF:
		return "SSF"
	default:
		panic("refdb: unknown family kind")
	}
}

func (k FamilyKind) String() string { return k.table() }

// IDKind identifies the shape of an input identifier for reverse
// lookup. AUTO asks the store to sniff the shape itself.
type IDKind int

const (
	Auto IDKind = iota
	UniProtKind
	GIKind
	RefSeqKind
	EMBLKind
)

// Store is the capability interface the rest of the pipeline depends
// on. The production implementation is backed by Postgres via pgx;
// tests use the in-memory fake in this package so that no component
// above refdb needs a live database to be exercised.
type Store interface {
	// ReverseLookup maps arbitrary accession identifiers of the given
	// kind to UniProt IDs. unmatched holds ids that could not be
	// resolved; provenance maps a resolved UniProt ID to every input
	// id that resolved to it.
	ReverseLookup(ctx context.Context, kind IDKind, ids []string) (uniprot []string, unmatched []string, provenance map[string][]string, err error)

	// ExpandFamily returns the accession/span rows for a single family
	// id from the given family table.
	ExpandFamily(ctx context.Context, kind FamilyKind, familyID string) (map[string][]domain.Span, error)

	// VerifyPfam looks up authoritative (start, end) spans for acc in
	// the Pfam index, used by the selection core to confirm accession
	// and taxid driven queries. ok is false on miss.
	VerifyPfam(ctx context.Context, acc string) (spans []domain.Span, ok bool, err error)

	// FetchSequence returns the full residue sequence for acc from the
	// reference FASTA blob, as the external fastacmd-equivalent tool
	// would return it. A miss is reported as a *FastacmdError.
	FetchSequence(ctx context.Context, acc string) (string, error)

	// DatabaseVersion returns the reference database's version string,
	// written verbatim into the XGMML output's leading comment.
	DatabaseVersion(ctx context.Context) (string, error)
}

// FastacmdError models the "fastacmd ERROR: Entry "X" not found"
// pattern as a recognized error variant rather than a raw string match
// on subprocess output.
type FastacmdError struct {
	Accession string
}

func (e *FastacmdError) Error() string {
	return fmt.Sprintf("fastacmd: entry %q not found", e.Accession)
}

// NoMatchReason is the closed set of reasons an identifier can fail to
// resolve, written into the no-match file.
type NoMatchReason string

const (
	NotFoundIDMapping NoMatchReason = "NOT_FOUND_IDMAPPING"
	NotFoundDatabase  NoMatchReason = "NOT_FOUND_DATABASE"
	Duplicate         NoMatchReason = "DUPLICATE"
	Fastacmd          NoMatchReason = "FASTACMD"
)

// NoMatch is one line of the no-match report.
type NoMatch struct {
	QueryID string
	Reason  NoMatchReason
}
