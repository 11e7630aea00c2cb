// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package edge implements the edge reducer: alphabetizing, sorting and
// collapsing raw all-vs-all similarity hits down to one edge per
// unordered accession pair, in the idiom of the teacher's
// internal/store ordered-kv staging of BLAST hits.
package edge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"

	"modernc.org/kv"

	"github.com/efi-tools/efissn/internal/blastx"
)

// Raw is one alphabetized candidate edge prior to reduction: the
// smaller accession first, self-hits already dropped.
type Raw struct {
	A, B       string
	PctID      float64
	AlignLen   int
	BitScore   float64
	QueryLen   int
	SubjectLen int
}

// Reduced is one output row of the reducer: one edge per unordered
// accession pair, the highest bitscore row among the candidates for
// that pair.
type Reduced struct {
	A, B           string
	PctID          float64
	AlignLen       int
	BitScore       float64
	AlignmentScore float64
}

// Alphabetize converts an extended tabular record into a Raw edge. It
// reports ok=false for self-hits, which are dropped rather than
// alphabetized.
func Alphabetize(r blastx.Record) (Raw, bool) {
	if r.QueryAccVer == r.SubjectAccVer {
		return Raw{}, false
	}
	a, b := r.QueryAccVer, r.SubjectAccVer
	qlen, slen := r.QueryLen, r.SubjectLen
	if b < a {
		a, b = b, a
		qlen, slen = slen, qlen
	}
	return Raw{
		A:          a,
		B:          b,
		PctID:      r.PctIdentity,
		AlignLen:   r.AlignmentLength,
		BitScore:   r.BitScore,
		QueryLen:   qlen,
		SubjectLen: slen,
	}, true
}

// AlignmentScore computes ⌊−log10(qlen·slen) + bitscore·log10(2)⌋, the
// normalized score attached to every output edge.
func AlignmentScore(qlen, slen int, bitScore float64) float64 {
	const log10_2 = 0.3010299956639812
	return math.Floor(-math.Log10(float64(qlen)*float64(slen)) + bitScore*log10_2)
}

// byPairBitScoreDesc orders by (a, b, bitscore desc), matching the
// teacher's store.GroupByQueryOrderSubjectLeft shape: group by the
// pair key, then rank candidates within the group by score so that
// "keep the first row per group" falls out of a sequential scan.
func byPairBitScoreDesc(x, y []byte) int {
	if bytes.Equal(x, y) {
		return 0
	}
	rx := unmarshalKey(x)
	ry := unmarshalKey(y)

	switch {
	case rx.A < ry.A:
		return -1
	case rx.A > ry.A:
		return 1
	}
	switch {
	case rx.B < ry.B:
		return -1
	case rx.B > ry.B:
		return 1
	}
	switch {
	case rx.BitScore > ry.BitScore:
		return -1
	case rx.BitScore < ry.BitScore:
		return 1
	}
	switch {
	case rx.QueryLen < ry.QueryLen:
		return -1
	case rx.QueryLen > ry.QueryLen:
		return 1
	}
	switch {
	case rx.SubjectLen < ry.SubjectLen:
		return -1
	case rx.SubjectLen > ry.SubjectLen:
		return 1
	}
	switch {
	case rx.PctID < ry.PctID:
		return -1
	case rx.PctID > ry.PctID:
		return 1
	}
	switch {
	case rx.AlignLen < ry.AlignLen:
		return -1
	case rx.AlignLen > ry.AlignLen:
		return 1
	}
	// Every marshaled field compares equal; fall back to raw byte order
	// so two distinct keys still order consistently instead of tying.
	return bytes.Compare(x, y)
}

var order = binary.BigEndian

func marshalKey(r Raw) []byte {
	var buf bytes.Buffer
	var b [8]byte
	writeString := func(s string) {
		order.PutUint64(b[:], uint64(len(s)))
		buf.Write(b[:])
		buf.WriteString(s)
	}
	writeString(r.A)
	writeString(r.B)
	order.PutUint64(b[:], math.Float64bits(r.BitScore))
	buf.Write(b[:])
	order.PutUint64(b[:], uint64(r.QueryLen))
	buf.Write(b[:])
	order.PutUint64(b[:], uint64(r.SubjectLen))
	buf.Write(b[:])
	order.PutUint64(b[:], uint64(math.Float64bits(r.PctID)))
	buf.Write(b[:])
	order.PutUint64(b[:], uint64(r.AlignLen))
	buf.Write(b[:])
	return buf.Bytes()
}

func unmarshalKey(data []byte) Raw {
	n64 := binary.Size(uint64(0))
	readString := func() string {
		n := order.Uint64(data[:n64])
		data = data[n64:]
		s := string(data[:n])
		data = data[n:]
		return s
	}
	var r Raw
	r.A = readString()
	r.B = readString()
	r.BitScore = math.Float64frombits(order.Uint64(data[:n64]))
	data = data[n64:]
	r.QueryLen = int(order.Uint64(data[:n64]))
	data = data[n64:]
	r.SubjectLen = int(order.Uint64(data[:n64]))
	data = data[n64:]
	r.PctID = math.Float64frombits(order.Uint64(data[:n64]))
	data = data[n64:]
	r.AlignLen = int(order.Uint64(data[:n64]))
	return r
}

// Store stages raw edges in an on-disk ordered kv database keyed by
// (a, b, bitscore desc) so the reduce pass is a single sequential scan
// that keeps the first row seen in each (a, b) group.
type Store struct {
	db *kv.DB
}

// Create opens a fresh edges database at dir/edges.db.
func Create(dir string) (*Store, error) {
	db, err := kv.Create(filepath.Join(dir, "edges.db"), &kv.Options{Compare: byPairBitScoreDesc})
	if err != nil {
		return nil, fmt.Errorf("edge: create store: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens an existing edges database at dir/edges.db.
func Open(dir string) (*Store, error) {
	db, err := kv.Open(filepath.Join(dir, "edges.db"), &kv.Options{Compare: byPairBitScoreDesc})
	if err != nil {
		return nil, fmt.Errorf("edge: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put stages one alphabetized edge candidate.
func (s *Store) Put(r Raw) error {
	key := marshalKey(r)
	return s.db.Set(key, nil)
}

// PutBatch stages candidates in batches of 100 within a transaction,
// matching the teacher's cmd/ins/blast.go BeginTransaction/Commit
// cadence around its own kv writes.
func (s *Store) PutBatch(rs []Raw) error {
	const batch = 100
	for i, r := range rs {
		if i%batch == 0 {
			if err := s.db.BeginTransaction(); err != nil {
				return err
			}
		}
		if err := s.Put(r); err != nil {
			return err
		}
		if i%batch == batch-1 {
			if err := s.db.Commit(); err != nil {
				return err
			}
		}
	}
	if len(rs)%batch != 0 {
		if err := s.db.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Dump walks every staged candidate edge in key order without
// collapsing pairs, for diagnostic inspection of what Reduce will
// see. It is the audit-tool equivalent of reading a staged hit
// database row by row rather than its reduced output.
func (s *Store) Dump() ([]Raw, error) {
	enum, err := s.db.SeekFirst()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("edge: seek: %w", err)
	}
	var out []Raw
	for {
		k, _, err := enum.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("edge: scan: %w", err)
		}
		out = append(out, unmarshalKey(k))
	}
	return out, nil
}

// Reduce walks the staged candidates in key order, keeping the first
// (highest bitscore) row seen for each (a, b) pair, and returns the
// reduced edge list re-sorted by bitscore descending as the spec
// requires for the final output ordering.
func (s *Store) Reduce() ([]Reduced, error) {
	enum, err := s.db.SeekFirst()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("edge: seek: %w", err)
	}
	var out []Reduced
	var curA, curB string
	haveCur := false
	for {
		k, _, err := enum.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("edge: scan: %w", err)
		}
		r := unmarshalKey(k)
		if haveCur && r.A == curA && r.B == curB {
			continue
		}
		curA, curB = r.A, r.B
		haveCur = true
		out = append(out, Reduced{
			A:              r.A,
			B:              r.B,
			PctID:          r.PctID,
			AlignLen:       r.AlignLen,
			BitScore:       r.BitScore,
			AlignmentScore: AlignmentScore(r.QueryLen, r.SubjectLen, r.BitScore),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BitScore > out[j].BitScore })
	return out, nil
}
