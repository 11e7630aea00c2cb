// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fastahdr streams a FASTA file and extracts UniProt
// identifiers from its headers, in the spirit of the teacher's own
// line-oriented FASTA handling in cmd/ins/fragment.go but specialized
// to identifier extraction rather than sequence fragmentation.
package fastahdr

import (
	"bufio"
	"io"
	"regexp"
	"sort"
	"strings"
)

// State is the externally observable classification of the most
// recently consumed input line.
type State int

const (
	// StateHeaderContinuation is a header line ('>'-prefixed) that
	// extends the header region of the current record (the first
	// header line of a record is also reported this way).
	StateHeaderContinuation State = iota
	// StateFlush is the first sequence line following one or more
	// header lines: the header region is complete and its metadata
	// record may be emitted.
	StateFlush
	// StateSequence is a sequence line that continues the body of the
	// current record.
	StateSequence
)

func (s State) String() string {
	switch s {
	case StateHeaderContinuation:
		return "HEADER_CONTINUATION"
	case StateFlush:
		return "FLUSH"
	case StateSequence:
		return "SEQUENCE"
	default:
		return "UNKNOWN"
	}
}

// IDPair is a UniProt ID found in a header together with the token
// that accompanied it (e.g. the locus name in "sp|P00001|FOO_BAR").
type IDPair struct {
	UniProtID string
	OtherID   string
}

// Record is one parsed FASTA entry.
type Record struct {
	RawHeaders  string
	UniProtIDs  []IDPair
	Duplicates  map[string][]string
	OtherIDs    []string
	SyntheticID string
	Description string
	Sequence    string
	SeqLength   int
}

// Entry is one row of the metadata stream C3 emits: one per resolved
// UniProt ID found in a header (fan-out for merged headers), or one
// per synthetic ID when no UniProt ID was found at all.
type Entry struct {
	ID          string
	Synthetic   bool
	Description string
	OtherIDs    []string
	QueryIDs    []string
	SeqLength   int
}

// Entries expands r into its metadata stream rows.
func (r Record) Entries() []Entry {
	if len(r.UniProtIDs) == 0 {
		return []Entry{{
			ID:          r.SyntheticID,
			Synthetic:   true,
			Description: r.Description,
			OtherIDs:    r.OtherIDs,
			SeqLength:   r.SeqLength,
		}}
	}
	queryIDsFor := make(map[string][]string)
	var order []string
	for _, p := range r.UniProtIDs {
		if _, ok := queryIDsFor[p.UniProtID]; !ok {
			order = append(order, p.UniProtID)
		}
		if p.OtherID != "" {
			queryIDsFor[p.UniProtID] = append(queryIDsFor[p.UniProtID], p.OtherID)
		}
	}
	for uid, others := range r.Duplicates {
		if _, ok := queryIDsFor[uid]; !ok {
			order = append(order, uid)
		}
		queryIDsFor[uid] = append(queryIDsFor[uid], others...)
	}
	entries := make([]Entry, 0, len(order))
	for _, uid := range order {
		entries = append(entries, Entry{
			ID:          uid,
			Description: r.Description,
			OtherIDs:    r.OtherIDs,
			QueryIDs:    dedupStrings(queryIDsFor[uid]),
		})
	}
	return entries
}

func dedupStrings(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

const maxDescriptionLen = 200

var (
	reSPTR        = regexp.MustCompile(`(?:^|[\s|])(?:sp|tr)\|([A-Za-z0-9]{6,10})\|(\S+)`)
	reUniProtWord = regexp.MustCompile(`^[A-Za-z0-9]{6,10}$`)
	hasDigit      = regexp.MustCompile(`[0-9]`)
	hasLetter     = regexp.MustCompile(`[A-Za-z]`)
)

func looksLikeUniProt(s string) bool {
	return reUniProtWord.MatchString(s) && hasDigit.MatchString(s) && hasLetter.MatchString(s)
}

// Scanner streams FASTA records line by line using a one-line
// lookahead, classifying each line into a State as it goes.
type Scanner struct {
	sc         *bufio.Scanner
	lookahead  string
	haveLook   bool
	state      State
	rec        Record
	synCounter int
	err        error
}

// NewScanner returns a Scanner reading FASTA text from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &Scanner{sc: sc}
}

func (s *Scanner) readLine() (string, bool) {
	if s.haveLook {
		s.haveLook = false
		return s.lookahead, true
	}
	if s.sc.Scan() {
		return s.sc.Text(), true
	}
	return "", false
}

func (s *Scanner) pushback(line string) {
	s.lookahead = line
	s.haveLook = true
}

// Next advances to the next complete record, returning false at EOF
// or on a read error (distinguishable via Err).
func (s *Scanner) Next() bool {
	b := newBuilder()
	inHeader := false
	any := false
	for {
		line, ok := s.readLine()
		if !ok {
			if err := s.sc.Err(); err != nil {
				s.err = err
			}
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		any = true
		if strings.HasPrefix(line, ">") {
			if !inHeader && b.sawSequence {
				s.pushback(line)
				goto done
			}
			s.state = StateHeaderContinuation
			b.absorbHeader(line)
			inHeader = true
			continue
		}
		if inHeader {
			s.state = StateFlush
			inHeader = false
		} else {
			s.state = StateSequence
		}
		b.absorbSequence(line)
	}
done:
	if !any {
		return false
	}
	s.rec = b.finish(&s.synCounter)
	return true
}

// Record returns the most recently completed record.
func (s *Scanner) Record() Record { return s.rec }

// State returns the classification of the line that most recently
// advanced the scanner.
func (s *Scanner) State() State { return s.state }

// Err returns the first non-EOF error encountered, if any.
func (s *Scanner) Err() error { return s.err }

type builder struct {
	headers     []string
	seq         strings.Builder
	sawSequence bool
}

func newBuilder() *builder { return &builder{} }

func (b *builder) absorbHeader(line string) {
	b.headers = append(b.headers, strings.TrimPrefix(line, ">"))
}

func (b *builder) absorbSequence(line string) {
	b.seq.WriteString(strings.TrimSpace(line))
	b.sawSequence = true
}

func (b *builder) finish(synCounter *int) Record {
	raw := strings.Join(b.headers, "\x01")
	var ids []IDPair
	var other []string
	dupOther := make(map[string]map[string]bool)

	addID := func(uid, oid string) {
		if len(ids) > 0 {
			for _, existing := range ids {
				if existing.UniProtID == uid {
					if dupOther[uid] == nil {
						dupOther[uid] = make(map[string]bool)
					}
					if oid != "" && !dupOther[uid][oid] {
						dupOther[uid][oid] = true
					}
				}
			}
		}
		ids = append(ids, IDPair{UniProtID: uid, OtherID: oid})
	}

	for _, h := range b.headers {
		for _, seg := range strings.Split(h, "\x01") {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			if m := reSPTR.FindStringSubmatch(seg); m != nil {
				addID(m[1], m[2])
				continue
			}
			fields := strings.Fields(seg)
			if len(fields) == 0 {
				continue
			}
			if looksLikeUniProt(fields[0]) {
				oid := strings.Join(fields[1:], " ")
				addID(fields[0], oid)
				continue
			}
			other = append(other, fields[0])
		}
	}

	duplicates := make(map[string][]string)
	for uid, set := range dupOther {
		for oid := range set {
			duplicates[uid] = append(duplicates[uid], oid)
		}
		sort.Strings(duplicates[uid])
	}

	desc := raw
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}

	seq := b.seq.String()
	rec := Record{
		RawHeaders:  raw,
		UniProtIDs:  ids,
		Duplicates:  duplicates,
		OtherIDs:    other,
		Description: desc,
		Sequence:    seq,
		SeqLength:   len(seq),
	}
	if len(ids) == 0 {
		*synCounter++
		rec.SyntheticID = SyntheticID(*synCounter)
	}
	return rec
}

// syntheticPrefix is fixed so that synthetic IDs always sort after
// real 6-10 character UniProt-shaped accessions and are trivially
// recognized by their leading run of 'z's.
const syntheticPrefix = "zzzzz"

// SyntheticID formats the nth (1-indexed) synthetic identifier
// assigned to a user sequence without a UniProt match.
func SyntheticID(n int) string {
	return syntheticPrefix + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
