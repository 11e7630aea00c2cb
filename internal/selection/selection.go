// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package selection implements the sequence selection core: it unions
// the outputs of identifier resolution, FASTA header parsing and
// family expansion, deduplicates accessions, applies the fraction and
// maxsequence policies, and emits the final accession list alongside
// the full sequence metadata table.
package selection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"

	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/fastahdr"
	"github.com/efi-tools/efissn/internal/refdb"
)

// Src identifies where a sequence entry came from.
type Src int

const (
	SrcUserFasta Src = iota
	SrcFamily
	SrcAccessionQuery
)

func (s Src) String() string {
	switch s {
	case SrcUserFasta:
		return "USER_FASTA"
	case SrcFamily:
		return "FAMILY"
	case SrcAccessionQuery:
		return "ACCESSION_QUERY"
	default:
		return "UNKNOWN"
	}
}

// Sequence is the data-model "sequence entry" of the spec.
type Sequence struct {
	ID          string
	Description string
	QueryIDs    []string
	OtherIDs    []string
	SeqLength   int
	Src         Src
	Synthetic   bool
	Sequence    string // only populated for USER_FASTA synthetic entries
}

// ErrCapacityExceeded is returned when the accession count exceeds
// maxsequence; the caller is expected to treat this as fatal after
// writing the ".failed" marker (see WriteFailedMarker).
var ErrCapacityExceeded = errors.New("selection: accession count exceeds maxsequence")

// Policy bundles the filtering knobs from the invocation flags.
type Policy struct {
	Domain              bool
	Fraction            int
	RandomFraction      bool
	MaxSequence         int
	PfamOnlyVerification bool
	RandSource          *rand.Rand // nil uses a package-level default
}

// Result is the output of Select: the deduplicated, filtered accession
// set with domain spans, the full metadata table, and the no-match
// report.
type Result struct {
	Accessions []string
	Spans      map[string][]domain.Span
	Metadata   map[string]Sequence
	NoMatches  []refdb.NoMatch
}

// Select runs the C5 algorithm described in spec.md §4.4.
func Select(ctx context.Context, store refdb.Store, policy Policy, familyAccessions map[string][]domain.Span, identEntries []refdb.NoMatch, resolvedIDs []string, provenance map[string][]string, fastaEntries []fastahdr.Entry, crossSourceDuplicates []string) (*Result, error) {
	meta := make(map[string]Sequence)
	spans := domain.NewSet()
	spans.AddAll(familyAccessions)
	for acc := range familyAccessions {
		meta[acc] = Sequence{ID: acc, Src: SrcFamily}
	}

	verify := make(map[string]bool)
	for _, id := range resolvedIDs {
		verify[id] = true
	}
	for _, e := range fastaEntries {
		if !e.Synthetic {
			verify[e.ID] = true
		}
	}

	var noMatches []refdb.NoMatch
	seenDuplicate := make(map[string]bool)

	mergeQueryIDs := func(id string, qids []string) {
		s, ok := meta[id]
		if !ok {
			s = Sequence{ID: id, Src: SrcAccessionQuery}
		}
		s.QueryIDs = dedupMerge(s.QueryIDs, qids)
		meta[id] = s
	}
	for uid, qids := range provenance {
		mergeQueryIDs(uid, qids)
	}

	for _, e := range fastaEntries {
		if e.Synthetic {
			meta[e.ID] = Sequence{
				ID:          e.ID,
				Description: e.Description,
				OtherIDs:    e.OtherIDs,
				Src:         SrcUserFasta,
				Synthetic:   true,
				SeqLength:   e.SeqLength,
			}
			spans.Add(e.ID, domain.Whole(e.SeqLength))
			continue
		}
		s, ok := meta[e.ID]
		if !ok {
			s = Sequence{ID: e.ID, Src: SrcUserFasta}
		}
		s.Description = e.Description
		s.OtherIDs = dedupMerge(s.OtherIDs, e.OtherIDs)
		s.QueryIDs = dedupMerge(s.QueryIDs, e.QueryIDs)
		meta[e.ID] = s
	}

	for id := range verify {
		sps, ok, err := store.VerifyPfam(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("selection: verify %s: %w", id, err)
		}
		if !ok {
			noMatches = append(noMatches, refdb.NoMatch{QueryID: id, Reason: refdb.NotFoundDatabase})
			continue
		}
		spans.AddAll(map[string][]domain.Span{id: sps})
		if _, exists := meta[id]; !exists {
			meta[id] = Sequence{ID: id, Src: SrcAccessionQuery}
		}
	}
	noMatches = append(noMatches, identEntries...)
	for _, id := range crossSourceDuplicates {
		noMatches = append(noMatches, refdb.NoMatch{QueryID: id, Reason: refdb.Duplicate})
	}

	accs := spans.Accessions()
	deduped := make([]string, 0, len(accs))
	for _, a := range accs {
		if seenDuplicate[a] {
			continue
		}
		seenDuplicate[a] = true
		deduped = append(deduped, a)
	}
	sort.Strings(deduped)

	if policy.MaxSequence > 0 && len(deduped) > policy.MaxSequence {
		return nil, fmt.Errorf("%w: %d accessions exceeds maxsequence %d", ErrCapacityExceeded, len(deduped), policy.MaxSequence)
	}

	final := applyFraction(deduped, policy)

	finalSet := make(map[string]bool, len(final))
	for _, a := range final {
		finalSet[a] = true
	}
	finalSpans := make(map[string][]domain.Span, len(final))
	finalMeta := make(map[string]Sequence, len(final))
	for _, a := range final {
		sps := spans.Dedup(a)
		s, ok := meta[a]
		if !policy.Domain {
			if ok && s.SeqLength > 0 {
				sps = []domain.Span{domain.Whole(s.SeqLength)}
			} else {
				sps = nil
			}
		}
		finalSpans[a] = sps
		if ok {
			finalMeta[a] = s
		}
	}

	return &Result{
		Accessions: final,
		Spans:      finalSpans,
		Metadata:   finalMeta,
		NoMatches:  noMatches,
	}, nil
}

func applyFraction(sorted []string, policy Policy) []string {
	k := policy.Fraction
	if k <= 1 {
		return sorted
	}
	n := len(sorted)
	keep := n / k
	if policy.RandomFraction {
		rnd := policy.RandSource
		if rnd == nil {
			rnd = rand.New(rand.NewSource(1))
		}
		idx := rnd.Perm(n)[:keep]
		sort.Ints(idx)
		out := make([]string, 0, keep)
		for _, i := range idx {
			out = append(out, sorted[i])
		}
		return out
	}
	out := make([]string, 0, keep)
	for i := 1; i <= n; i++ {
		if i%k == 0 {
			out = append(out, sorted[i-1])
		}
	}
	return out
}

func dedupMerge(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// WriteFailedMarker writes the "<accession-output>.failed" sentinel
// file required when maxsequence is exceeded.
func WriteFailedMarker(path string) error {
	return os.WriteFile(path+".failed", nil, 0o644)
}
