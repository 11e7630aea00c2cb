// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cluster invokes CD-HIT to collapse near-identical sequences
// before the all-vs-all search, parses its ".clstr" report into a
// representative-to-members table, and implements the demux/no-demux/
// manual-CD-HIT bookkeeping that expands or annotates reduced edges
// with that table afterward.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/biogo/external"

	"github.com/efi-tools/efissn/internal/edge"
)

// CDHit builds a cd-hit command line, in the same buildarg-tag idiom
// as blastx.MakeDB/blastx.Protein.
//
// Usage: cd-hit -i <file> -o <file> -c <f> -s <f>
//
// For details relating to options and parameters, see the CD-HIT manual.
type CDHit struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}cd-hit{{end}}"` // cd-hit

	Input       string  `buildarg:"-i{{split}}{{.}}"`                 // -i <s>
	Output      string  `buildarg:"-o{{split}}{{.}}"`                 // -o <s>
	Sim         float64 `buildarg:"{{if .}}-c{{split}}{{.}}{{end}}"`  // -c <f>  sequence identity threshold
	LenDif      float64 `buildarg:"{{if .}}-s{{split}}{{.}}{{end}}"`  // -s <f>  length difference cutoff
	WordSize    int     `buildarg:"{{if .}}-n{{split}}{{.}}{{end}}"`  // -n <n>
	Threads     int     `buildarg:"{{if .}}-T{{split}}{{.}}{{end}}"`  // -T <n>
	MemoryMB    int     `buildarg:"{{if .}}-M{{split}}{{.}}{{end}}"`  // -M <n>
	Description int     `buildarg:"{{if .}}-d{{split}}{{.}}{{end}}"`  // -d <n>

	// ExtraFlags will be passed through to cd-hit as flags.
	ExtraFlags string
}

func (c CDHit) BuildCommand() (*exec.Cmd, error) {
	if c.Input == "" {
		return nil, errors.New("cluster: missing input file")
	}
	if c.Output == "" {
		return nil, errors.New("cluster: missing output file")
	}
	cl := external.Must(external.Build(c))
	var extra []string
	if c.ExtraFlags != "" {
		extra = strings.Split(c.ExtraFlags, " ")
	}
	return exec.Command(cl[0], append(cl[1:], extra...)...), nil
}

// Clusterer is the capability interface for the CD-HIT step, so
// clustering can be driven in tests by an in-memory fake instead of
// shelling out to cd-hit (Design Note §9).
type Clusterer interface {
	// Cluster runs cd-hit against input, writing its collapsed output
	// to output and returning the parsed ".clstr" report.
	Cluster(ctx context.Context, input, output string) (*Table, error)
}

// CDHitRunner runs real cd-hit binaries via CDHit/exec.Cmd.
type CDHitRunner struct {
	Sim, LenDif float64
	Threads     int
}

func (c CDHitRunner) Cluster(ctx context.Context, input, output string) (*Table, error) {
	cmd, err := CDHit{Input: input, Output: output, Sim: c.Sim, LenDif: c.LenDif, Threads: c.Threads}.BuildCommand()
	if err != nil {
		return nil, err
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cluster: cd-hit: %w", err)
	}
	f, err := os.Open(output + ".clstr")
	if err != nil {
		return nil, fmt.Errorf("cluster: opening report: %w", err)
	}
	defer f.Close()
	return ParseClstr(f)
}

var _ Clusterer = CDHitRunner{}

// Fake is an in-memory Clusterer for tests: it returns a
// caller-supplied Table unconditionally, ignoring ctx/input/output.
type Fake struct {
	Table *Table
	Err   error
}

func (f Fake) Cluster(_ context.Context, _, _ string) (*Table, error) {
	return f.Table, f.Err
}

var _ Clusterer = Fake{}

// Table maps a cluster representative accession to every member
// accession of its cluster, including the representative itself.
type Table struct {
	members map[string][]string
	repOf   map[string]string
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{members: make(map[string][]string), repOf: make(map[string]string)}
}

// Members returns the accessions belonging to the cluster represented
// by rep, including rep itself.
func (t *Table) Members(rep string) []string { return t.members[rep] }

// RepresentativeOf returns the representative accession for the
// cluster containing acc, and whether acc was seen at all.
func (t *Table) RepresentativeOf(acc string) (string, bool) {
	rep, ok := t.repOf[acc]
	return rep, ok
}

// Representatives returns every representative accession, the set
// that becomes the new working set under manual-CD-HIT.
func (t *Table) Representatives() []string {
	reps := make([]string, 0, len(t.members))
	for rep := range t.members {
		reps = append(reps, rep)
	}
	return reps
}

// Size returns the number of clusters.
func (t *Table) Size() int { return len(t.members) }

// ParseClstr parses a CD-HIT ".clstr" report into a Table. Each
// cluster block starts with a ">Cluster N" line; each following member
// line ends in "... *" for the representative or "... at NN.NN%" for
// every other member.
func ParseClstr(r io.Reader) (*Table, error) {
	t := NewTable()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rep string
	var members []string
	flush := func() {
		if rep == "" {
			return
		}
		t.members[rep] = members
		for _, m := range members {
			t.repOf[m] = rep
		}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">Cluster") {
			flush()
			rep = ""
			members = nil
			continue
		}
		acc, isRep, err := parseClstrMember(line)
		if err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
		members = append(members, acc)
		if isRep {
			rep = acc
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// parseClstrMember extracts the accession from a cd-hit member line of
// the form:
//
//	0       300aa, >P00001... *
//	1       280aa, >P00002... at 95.00%
func parseClstrMember(line string) (acc string, isRep bool, err error) {
	i := strings.Index(line, ">")
	if i < 0 {
		return "", false, fmt.Errorf("malformed cluster line: %q", line)
	}
	rest := line[i+1:]
	j := strings.Index(rest, "...")
	if j < 0 {
		return "", false, fmt.Errorf("malformed cluster line: %q", line)
	}
	acc = rest[:j]
	isRep = strings.HasSuffix(strings.TrimSpace(rest[j+3:]), "*")
	return acc, isRep, nil
}

// Policy selects how reduced edges and the downstream annotation file
// are reconciled against a cluster Table.
type Policy int

const (
	// Demux expands every reduced edge between two representatives
	// into the full cartesian product of their cluster members (the
	// default).
	Demux Policy = iota
	// NoDemux keeps edges between representatives only, collapsing
	// duplicate representative edges; no cluster-membership node
	// attribute is attached.
	NoDemux
	// ManualCDHit keeps edges between representatives only, as NoDemux
	// does; maxsequence is not re-checked against the representative
	// set and the annotation file is not filtered.
	ManualCDHit
)

// DemuxEdges expands every edge between two representatives in
// reduced into the cartesian product of their cluster members, minus
// self-loops, preserving the representative edge's score on every
// expanded edge.
func DemuxEdges(reduced []edge.Reduced, table *Table) []edge.Reduced {
	var out []edge.Reduced
	for _, e := range reduced {
		membersA := table.Members(e.A)
		if len(membersA) == 0 {
			membersA = []string{e.A}
		}
		membersB := table.Members(e.B)
		if len(membersB) == 0 {
			membersB = []string{e.B}
		}
		for _, a := range membersA {
			for _, b := range membersB {
				if a == b {
					continue
				}
				x, y := a, b
				if y < x {
					x, y = y, x
				}
				out = append(out, edge.Reduced{
					A:              x,
					B:              y,
					PctID:          e.PctID,
					AlignLen:       e.AlignLen,
					BitScore:       e.BitScore,
					AlignmentScore: e.AlignmentScore,
				})
			}
		}
	}
	return out
}

// RemoveDups collapses duplicate representative edges that can arise
// under no-demux bookkeeping when multiple raw hits reduce to the same
// representative pair, keeping the highest-scoring row for each pair.
func RemoveDups(reduced []edge.Reduced) []edge.Reduced {
	best := make(map[[2]string]edge.Reduced)
	var order [][2]string
	for _, e := range reduced {
		key := [2]string{e.A, e.B}
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = e
			continue
		}
		if e.BitScore > cur.BitScore {
			best[key] = e
		}
	}
	out := make([]edge.Reduced, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// ClusterSizeAttr returns the node attribute value XGMML writes for a
// representative's cluster size under no-demux bookkeeping.
func ClusterSizeAttr(table *Table, rep string) int {
	return len(table.Members(rep))
}

// FilterAnnotationKeys reports whether acc should be retained in the
// annotation file under manual-CD-HIT, where only representatives
// survive.
func FilterAnnotationKeys(table *Table, acc string) bool {
	_, ok := table.members[acc]
	return ok
}
