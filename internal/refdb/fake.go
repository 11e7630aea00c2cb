// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package refdb

import (
	"context"
	"sort"

	"github.com/efi-tools/efissn/internal/domain"
)

// Fake is an in-memory Store for tests, per the Design Note that the
// clusterer/search-tool/reference-store dependencies should each be
// modeled as a capability interface so the orchestrator can be driven
// against in-memory fakes.
type Fake struct {
	// IDMapping maps any non-UniProt identifier to its UniProt ID.
	IDMapping map[string]string
	// Families maps "kind/familyID" to accession spans.
	Families map[string]map[string][]domain.Span
	// Pfam maps an accession directly to its authoritative spans.
	Pfam map[string][]domain.Span
	// Sequences maps an accession to its reference residue sequence.
	Sequences map[string]string
	// Version is returned by DatabaseVersion.
	Version string
}

// NewFake returns an empty Fake ready to be populated by a test.
func NewFake() *Fake {
	return &Fake{
		IDMapping: make(map[string]string),
		Families:  make(map[string]map[string][]domain.Span),
		Pfam:      make(map[string][]domain.Span),
		Sequences: make(map[string]string),
		Version:   "fake-test-db",
	}
}

func (f *Fake) ReverseLookup(_ context.Context, _ IDKind, ids []string) (uniprot, unmatched []string, provenance map[string][]string, err error) {
	provenance = make(map[string][]string)
	seen := make(map[string]bool)
	for _, id := range ids {
		uid, ok := f.IDMapping[id]
		if !ok {
			if _, isUniProt := f.Sequences[id]; isUniProt {
				uid = id
			} else {
				unmatched = append(unmatched, id)
				continue
			}
		}
		if !seen[uid] {
			uniprot = append(uniprot, uid)
			seen[uid] = true
		}
		provenance[uid] = append(provenance[uid], id)
	}
	sort.Strings(uniprot)
	return uniprot, unmatched, provenance, nil
}

func (f *Fake) ExpandFamily(_ context.Context, kind FamilyKind, familyID string) (map[string][]domain.Span, error) {
	m, ok := f.Families[kind.table()+"/"+familyID]
	if !ok {
		return map[string][]domain.Span{}, nil
	}
	out := make(map[string][]domain.Span, len(m))
	for acc, sps := range m {
		out[acc] = append([]domain.Span(nil), sps...)
	}
	return out, nil
}

func (f *Fake) VerifyPfam(_ context.Context, acc string) ([]domain.Span, bool, error) {
	sps, ok := f.Pfam[acc]
	return sps, ok, nil
}

func (f *Fake) FetchSequence(_ context.Context, acc string) (string, error) {
	seq, ok := f.Sequences[acc]
	if !ok {
		return "", &FastacmdError{Accession: acc}
	}
	return seq, nil
}

func (f *Fake) DatabaseVersion(context.Context) (string, error) {
	return f.Version, nil
}

var _ Store = (*Fake)(nil)
