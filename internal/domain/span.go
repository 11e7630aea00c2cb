// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package domain holds the 1-based inclusive domain spans associated
// with accessions, and the merging rules used when an accession is
// seen under more than one family query.
package domain

import (
	"fmt"
	"sort"

	"github.com/biogo/store/interval"
)

// Span is a 1-based inclusive domain region of a sequence.
type Span struct {
	Start, End int
}

// Len returns the number of residues covered by s.
func (s Span) Len() int { return s.End - s.Start + 1 }

func (s Span) String() string { return fmt.Sprintf("%d:%d", s.Start, s.End) }

// Valid reports whether s is a well formed span.
func (s Span) Valid() bool { return s.End >= s.Start }

// Whole is the implicit span used when domain mode is off: the whole
// sequence, given its length.
func Whole(seqLength int) Span { return Span{Start: 1, End: seqLength} }

// Set accumulates the domain spans seen for each accession across
// multiple family queries. Duplicates are allowed; callers that need
// a deduplicated view call Dedup.
type Set struct {
	spans map[string][]Span
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{spans: make(map[string][]Span)}
}

// Add records a span for acc, appending to any existing spans.
func (s *Set) Add(acc string, sp Span) {
	s.spans[acc] = append(s.spans[acc], sp)
}

// AddAll merges another accession→spans map into s.
func (s *Set) AddAll(m map[string][]Span) {
	for acc, sps := range m {
		s.spans[acc] = append(s.spans[acc], sps...)
	}
}

// Spans returns the recorded (possibly duplicated) spans for acc.
func (s *Set) Spans(acc string) []Span {
	return s.spans[acc]
}

// Accessions returns the set of accessions with at least one span,
// sorted lexicographically for deterministic iteration.
func (s *Set) Accessions() []string {
	accs := make([]string, 0, len(s.spans))
	for acc := range s.spans {
		accs = append(accs, acc)
	}
	sort.Strings(accs)
	return accs
}

// Dedup returns the deduplicated, sorted spans for acc.
func (s *Set) Dedup(acc string) []Span {
	sps := append([]Span(nil), s.spans[acc]...)
	sort.Slice(sps, func(i, j int) bool {
		if sps[i].Start != sps[j].Start {
			return sps[i].Start < sps[j].Start
		}
		return sps[i].End < sps[j].End
	})
	out := sps[:0]
	for i, sp := range sps {
		if i == 0 || sp != sps[i-1] {
			out = append(out, sp)
		}
	}
	return out
}

// Len reports the number of distinct accessions recorded.
func (s *Set) Len() int { return len(s.spans) }

// Overlaps builds an interval tree over spans and reports whether any
// pair overlaps, returning the first overlapping pair found. This is
// used by the selection core to flag domain windows that collide
// after merging spans from multiple family sources.
func Overlaps(spans []Span) (a, b Span, ok bool) {
	var tree interval.IntTree
	for i, sp := range spans {
		ivl := spanInterval{id: uintptr(i), Span: sp}
		err := tree.Insert(ivl, true)
		if err != nil {
			panic(err)
		}
	}
	tree.AdjustRanges()
	for i, sp := range spans {
		hits := tree.Get(spanInterval{Span: sp})
		for _, h := range hits {
			o := h.(spanInterval)
			if o.id == uintptr(i) {
				continue
			}
			return sp, o.Span, true
		}
	}
	return Span{}, Span{}, false
}

type spanInterval struct {
	id uintptr
	Span
}

func (s spanInterval) ID() uintptr { return s.id }
func (s spanInterval) Range() interval.IntRange {
	// interval.IntTree uses half-open [start,end) ranges; spans are
	// 1-based inclusive, so end is exclusive-adjusted by one.
	return interval.IntRange{Start: s.Start, End: s.End + 1}
}
func (s spanInterval) Overlap(b interval.IntRange) bool {
	return b.Start < s.End+1 && s.Start < b.End
}
