// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blastx provides the buildarg-driven command types for
// building a protein BLAST database and for running the all-vs-all
// similarity search (blastp/blastp+ and DIAMOND), plus a tabular
// parser that captures the qlen/slen columns the alignment-score
// formula needs.
package blastx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/biogo/external"
)

// MakeDB builds a makeblastdb command line.
//
// Usage: makeblastdb -dbtype <type> -out <file>
//
// For details relating to options and parameters, see the BLAST manual.
type MakeDB struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}makeblastdb{{end}}"` // makeblastdb

	In          string `buildarg:"{{with .}}-in{{split}}{{.}}{{end}}"`                 // -in <s>
	Out         string `buildarg:"{{with .}}-out{{split}}{{.}}{{end}}"`                // -out <s>
	InputType   string `buildarg:"{{with .}}-input_type{{split}}{{.}}{{end}}"`         // -input_type <s>
	DBType      string `buildarg:"{{with .}}-dbtype{{split}}{{.}}{{end}}"`             // -dbtype <s>
	Title       string `buildarg:"{{with .}}-title{{split}}{{.}}{{end}}"`              // -title <s>
	ParseSeqids bool   `buildarg:"{{if .}}-parse_seqids{{end}}"`                       // -parse_seqids
	HashIndex   bool   `buildarg:"{{if .}}-hash_index{{end}}"`                         // -hash_index
	MaskData    string `buildarg:"{{with .}}-mask_data{{split}}{{.}}{{end}}"`          // -mask_data <s>
	MaxFileSize string `buildarg:"{{with .}}-max_file_size{{split}}{{.}}{{end}}"`      // -max_file_size <s>
	TaxID       int    `buildarg:"{{with .}}-taxid{{split}}{{.}}{{end}}"`              // -taxid <n>
	TaxIDMap    string `buildarg:"{{with .}}-taxid_map{{split}}{{.}}{{end}}"`          // -taxid_map <s>
	LogFile     string `buildarg:"{{with .}}-logfile{{split}}{{.}}{{end}}"`            // -logfile <s>

	// ExtraFlags will be passed through to makeblastdb as flags.
	ExtraFlags string
}

func (m MakeDB) BuildCommand() (*exec.Cmd, error) {
	if m.DBType == "" {
		return nil, errors.New("makeblastdb: missing dbtype")
	}
	if m.Out == "" {
		return nil, errors.New("makeblastdb: missing out filename")
	}
	var extra []string
	if m.ExtraFlags != "" {
		extra = strings.Split(m.ExtraFlags, " ")
	}
	cl := external.Must(external.Build(m))
	return exec.Command(cl[0], append(cl[1:], extra...)...), nil
}

// Protein builds a blastp command line.
//
// Usage: blastp -db <file> -query <file>
//
// For details relating to options and parameters, see the BLAST manual.
type Protein struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}blastp{{end}}"` // blastp

	EValue        float64 `buildarg:"{{if .}}-evalue{{split}}{{.}}{{end}}"`
	WordSize      int     `buildarg:"{{if .}}-word_size{{split}}{{.}}{{end}}"`
	GapOpen       int     `buildarg:"{{if .}}-gapopen{{split}}{{.}}{{end}}"`
	GapExtend     int     `buildarg:"{{if .}}-gapextend{{split}}{{.}}{{end}}"`
	Matrix        string  `buildarg:"{{with .}}-matrix{{split}}{{.}}{{end}}"`
	NumAlignments int     `buildarg:"{{if .}}-num_alignments{{split}}{{.}}{{end}}"`
	ParseDeflines bool    `buildarg:"{{if .}}-parse_deflines{{end}}"`

	Query    string `buildarg:"-query{{split}}{{.}}"`
	Subject  string `buildarg:"{{if .}}-subject{{split}}{{.}}{{end}}"`
	Database string `buildarg:"{{if .}}-db{{split}}{{.}}{{end}}"`

	OutFormat string `buildarg:"{{with .}}-outfmt{{split}}{{.}}{{end}}"` // e.g. "6 std qlen slen"

	Threads int `buildarg:"{{if .}}-num_threads{{split}}{{.}}{{end}}"`

	// ExtraFlags will be passed through to blastp as flags.
	ExtraFlags string
}

func (p Protein) BuildCommand() (*exec.Cmd, error) {
	cl := external.Must(external.Build(p))
	var extra []string
	if p.ExtraFlags != "" {
		extra = strings.Split(p.ExtraFlags, " ")
	}
	return exec.Command(cl[0], append(cl[1:], extra...)...), nil
}

// Diamond builds a diamond blastp command line. Diamond's thread
// parallelism substitutes for BLAST+'s process-level array job
// parallelism, which is why the job graph builder rescales np by
// 1/24 when diamond is selected as the search tool.
type Diamond struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}diamond{{end}}"`

	Mode string `buildarg:"{{with .}}{{.}}{{end}}"` // "blastp"

	Query    string `buildarg:"{{with .}}--query{{split}}{{.}}{{end}}"`
	Database string `buildarg:"{{with .}}--db{{split}}{{.}}{{end}}"`
	Out      string `buildarg:"{{with .}}--out{{split}}{{.}}{{end}}"`

	EValue     float64 `buildarg:"{{if .}}--evalue{{split}}{{.}}{{end}}"`
	OutFormat  string  `buildarg:"{{with .}}--outfmt{{split}}{{.}}{{end}}"` // "6 std qlen slen"
	MaxTargets int     `buildarg:"{{if .}}--max-target-seqs{{split}}{{.}}{{end}}"`
	Threads    int     `buildarg:"{{if .}}--threads{{split}}{{.}}{{end}}"`
	// Sensitive selects diamond's --sensitive mode, traded for slower
	// search in exchange for blastp-comparable recall.
	Sensitive bool `buildarg:"{{if .}}--sensitive{{end}}"`

	// ExtraFlags will be passed through to diamond as flags.
	ExtraFlags string
}

func (d Diamond) BuildCommand() (*exec.Cmd, error) {
	cl := external.Must(external.Build(d))
	var extra []string
	if d.ExtraFlags != "" {
		extra = strings.Split(d.ExtraFlags, " ")
	}
	return exec.Command(cl[0], append(cl[1:], extra...)...), nil
}

// Searcher is the capability interface for the all-vs-all similarity
// search, so a search can be driven in tests by an in-memory fake
// instead of shelling out to blastp/diamond (Design Note §9).
type Searcher interface {
	// Search runs the configured tool against query/database, writing
	// its tabular output to outPath, and returns the parsed records.
	Search(ctx context.Context, query, database, outPath string) ([]Record, error)
}

// BlastRunner runs blastp via Protein/exec.Cmd.
type BlastRunner struct {
	EValue  float64
	Threads int
}

func (b BlastRunner) Search(ctx context.Context, query, database, outPath string) ([]Record, error) {
	cmd, err := Protein{
		Query: query, Database: database, EValue: b.EValue, Threads: b.Threads,
		OutFormat: "6 std qlen slen",
	}.BuildCommand()
	if err != nil {
		return nil, err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("blastx: creating output: %w", err)
	}
	defer out.Close()
	cmd.Stdout = out
	if err := runContext(ctx, cmd); err != nil {
		return nil, fmt.Errorf("blastx: blastp: %w", err)
	}
	f, err := os.Open(outPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTabularExt(f, 1)
}

var _ Searcher = BlastRunner{}

// DiamondRunner runs diamond blastp via Diamond/exec.Cmd.
type DiamondRunner struct {
	EValue    float64
	Threads   int
	Sensitive bool
}

func (d DiamondRunner) Search(ctx context.Context, query, database, outPath string) ([]Record, error) {
	cmd, err := Diamond{
		Mode: "blastp", Query: query, Database: database, Out: outPath,
		EValue: d.EValue, Threads: d.Threads, OutFormat: "6 std qlen slen",
		Sensitive: d.Sensitive,
	}.BuildCommand()
	if err != nil {
		return nil, err
	}
	if err := runContext(ctx, cmd); err != nil {
		return nil, fmt.Errorf("blastx: diamond: %w", err)
	}
	f, err := os.Open(outPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTabularExt(f, 1)
}

var _ Searcher = DiamondRunner{}

func runContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Fake is an in-memory Searcher for tests: it returns caller-supplied
// records unconditionally, ignoring ctx/query/database/outPath.
type Fake struct {
	Records []Record
	Err     error
}

func (f Fake) Search(_ context.Context, _, _, _ string) ([]Record, error) {
	return f.Records, f.Err
}

var _ Searcher = Fake{}

// Record is one parsed row of extended tabular BLAST/DIAMOND output:
// the standard 12 columns of "-outfmt 6" plus the query and subject
// sequence lengths ("qlen slen") the edge reducer's alignment-score
// computation needs.
type Record struct {
	QueryAccVer     string
	SubjectAccVer   string
	PctIdentity     float64
	AlignmentLength int
	Mismatches      int
	GapOpens        int
	QueryStart      int
	QueryEnd        int
	SubjectStart    int
	SubjectEnd      int
	EValue          float64
	BitScore        float64

	Strand int8

	// Iteration is the blast Iteration that gave the hit.
	Iteration int `json:",omitempty"`
	// UID of hit connecting HSPs in a BLAST hit.
	UID int64 `json:",omitempty"`

	QueryLen   int
	SubjectLen int
}

// ParseTabularExt parses the extended 14-column tabular format: the
// standard 12 "-outfmt 6" columns plus qlen and slen.
func ParseTabularExt(r io.Reader, iteration int) ([]Record, error) {
	const (
		queryAccVer = iota
		subjectAccVer
		pctIdentity
		alignmentLength
		mismatches
		gapOpens
		queryStart
		queryEnd
		subjectStart
		subjectEnd
		evalue
		bitScore
		qlen
		slen
		numFields
	)

	var recs []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.HasPrefix(line, []byte("#")) {
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		f := bytes.Split(line, []byte("\t"))
		if len(f) != numFields {
			return recs, fmt.Errorf("blastx: unexpected number of fields: %q", f)
		}

		field := func(i int) string { return string(bytes.TrimSpace(f[i])) }

		r := Record{
			QueryAccVer:   field(queryAccVer),
			SubjectAccVer: field(subjectAccVer),
			Iteration:     iteration,
		}
		var err error
		r.PctIdentity, err = strconv.ParseFloat(field(pctIdentity), 64)
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.AlignmentLength, err = strconv.Atoi(field(alignmentLength))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.Mismatches, err = strconv.Atoi(field(mismatches))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.GapOpens, err = strconv.Atoi(field(gapOpens))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.QueryStart, err = strconv.Atoi(field(queryStart))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.QueryEnd, err = strconv.Atoi(field(queryEnd))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.SubjectStart, err = strconv.Atoi(field(subjectStart))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.SubjectEnd, err = strconv.Atoi(field(subjectEnd))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.EValue, err = strconv.ParseFloat(field(evalue), 64)
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.BitScore, err = strconv.ParseFloat(field(bitScore), 64)
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.QueryLen, err = strconv.Atoi(field(qlen))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.SubjectLen, err = strconv.Atoi(field(slen))
		if err != nil {
			return recs, fmt.Errorf("blastx: line %q: %w", line, err)
		}
		r.Strand = 1
		if r.SubjectEnd < r.SubjectStart {
			r.Strand = -1
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}
