// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"

	"github.com/efi-tools/efissn/internal/annotation"
	"github.com/efi-tools/efissn/internal/blastx"
	"github.com/efi-tools/efissn/internal/cluster"
	"github.com/efi-tools/efissn/internal/config"
	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/edge"
	"github.com/efi-tools/efissn/internal/pipeline"
	"github.com/efi-tools/efissn/internal/refdb"
	"github.com/efi-tools/efissn/internal/xgmml"
)

func workdirAccessionsPath(workdir string) string { return filepath.Join(workdir, "accessions.txt") }

// runStage dispatches "efissn stage <name> ..." to the function that
// does that stage's work on a compute node.
func runStage(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("efissn stage: missing stage name")
	}
	name := pipeline.StageName(args[0])

	fs := flag.NewFlagSet("efissn stage "+args[0], flag.ContinueOnError)
	workdir := fs.String("workdir", ".", "shared working directory")
	_ = fs.String("job-id", "", "job identifier")
	dbConfig := fs.String("db-config", "", "YAML reference-database location file")
	shards := fs.Int("shards", 1, "blast/diamond array shard count")
	maxLen := fs.Int("maxlen", 0, "maximum sequence length")
	minLen := fs.Int("minlen", 0, "minimum sequence length")
	tool := fs.String("tool", "blast", "blast, blast+, blast+simple, diamond, or diamondsensitive")
	evalue := fs.Float64("evalue", 10, "search e-value")
	blastHits := fs.Int("blasthits", 0, "maximum hits per query")
	sim := fs.Float64("sim", 1.0, "cd-hit sequence identity threshold")
	lengthDif := fs.Float64("lengthdif", 1.0, "cd-hit length difference cutoff")
	manualCDHit := fs.Bool("cd-hit", false, "manual-CD-HIT policy")
	noDemux := fs.Bool("no-demux", false, "no-demux policy")
	out := fs.String("out", "", "network output path")
	metaFile := fs.String("meta-file", "", "FASTA-header metadata stream path")
	convRatioFile := fs.String("conv-ratio-file", "", "convergence-ratio report path")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch name {
	case pipeline.InitialImport:
		return stageInitialImport(ctx, *workdir, *dbConfig)
	case pipeline.Multiplex:
		return stageMultiplex(*workdir, *maxLen, *minLen)
	case pipeline.FracFile:
		return stageFracFile(*workdir, *shards)
	case pipeline.CreateDB:
		return stageCreateDB(*workdir)
	case pipeline.Blast:
		return stageBlast(ctx, *workdir, *shards, *tool, *evalue, *blastHits)
	case pipeline.CatJob:
		return stageCatJob(*workdir, *shards)
	case pipeline.BlastReduce:
		return stageBlastReduce(*workdir)
	case pipeline.Demux:
		policy := cluster.Demux
		switch {
		case *manualCDHit:
			policy = cluster.ManualCDHit
		case *noDemux:
			policy = cluster.NoDemux
		}
		return stageDemux(ctx, *workdir, *sim, *lengthDif, policy)
	case pipeline.ConvRatio:
		return stageConvRatio(*workdir, *convRatioFile)
	case pipeline.Graphs:
		return stageGraphs(ctx, *workdir, *dbConfig, *out, *metaFile)
	default:
		return fmt.Errorf("efissn stage: unknown stage %q", name)
	}
}

// stageInitialImport fetches the full residue sequence for every
// selected accession from the reference store and writes the combined
// protein FASTA the rest of the pipeline works from. In domain mode,
// each accession contributes one record per recorded span, windowed to
// that span's substring rather than the whole sequence; the record ID
// carries the window so every later stage (multiplex, blast, edge
// reduction, network nodes) keeps domains distinct.
func stageInitialImport(ctx context.Context, workdir, dbConfigPath string) error {
	accs, spans, err := readAccessionSpans(workdirAccessionsPath(workdir))
	if err != nil {
		return err
	}
	loc, err := config.LoadDBLocation(dbConfigPath)
	if err != nil {
		return err
	}
	store, err := refdb.Connect(ctx, loc.DSN())
	if err != nil {
		return fmt.Errorf("stage initial_import: %w", err)
	}
	defer store.Close()

	out, err := os.Create(filepath.Join(workdir, "sequences.fasta"))
	if err != nil {
		return err
	}
	defer out.Close()
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	for _, acc := range accs {
		seq, err := store.FetchSequence(ctx, acc)
		if err != nil {
			return fmt.Errorf("stage initial_import: fetching %s: %w", acc, err)
		}
		sps := spans[acc]
		if len(sps) == 0 {
			if err := writeProteinRecord(bw, acc, seq); err != nil {
				return err
			}
			continue
		}
		for _, sp := range sps {
			windowed, err := windowSequence(seq, sp)
			if err != nil {
				return fmt.Errorf("stage initial_import: %s: %w", acc, err)
			}
			if err := writeProteinRecord(bw, accessionRecordID(acc, sp), windowed); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeProteinRecord(w io.Writer, id, seq string) error {
	s := linear.NewSeq(id, alphabet.BytesToLetters([]byte(seq)), alphabet.Protein)
	_, err := fmt.Fprintf(w, "%60a\n", s)
	return err
}

// windowSequence slices seq to sp's 1-based inclusive bounds.
func windowSequence(seq string, sp domain.Span) (string, error) {
	if !sp.Valid() || sp.Start < 1 || sp.End > len(seq) {
		return "", fmt.Errorf("span %s out of bounds for sequence of length %d", sp, len(seq))
	}
	return seq[sp.Start-1 : sp.End], nil
}

// accessionRecordID is the working ID an accession's domain window is
// carried under from initial_import through to the network nodes; sp's
// zero value means "whole sequence", so the bare accession is used.
func accessionRecordID(acc string, sp domain.Span) string {
	if sp == (domain.Span{}) {
		return acc
	}
	return fmt.Sprintf("%s:%d:%d", acc, sp.Start, sp.End)
}

// multiplexed records where a multiplexed composite sequence's member
// came from in the original sequence set, the same shape as
// cmd/ins/fragment.go's fragment map but for combining many short
// sequences into one composite record rather than splitting one long
// one.
type multiplexed struct {
	parent     string
	start, end int
}

// stageMultiplex combines sequences shorter than a target length into
// composite FASTA records up to maxLen combined residues, recording
// each member's offset in the composite description the way
// cmd/ins/fragment.go's split records a fragment's offset in its
// parent. Sequences outside [minLen,maxLen] are dropped.
func stageMultiplex(workdir string, maxLen, minLen int) error {
	src, err := os.Open(filepath.Join(workdir, "sequences.fasta"))
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(filepath.Join(workdir, "multiplexed.fasta"))
	if err != nil {
		return err
	}
	defer out.Close()
	bw := bufio.NewWriter(out)

	mapOut, err := os.Create(filepath.Join(workdir, "multiplex.map"))
	if err != nil {
		return err
	}
	defer mapOut.Close()
	mw := bufio.NewWriter(mapOut)

	sc := seqio.NewScanner(fasta.NewReader(src, linear.NewSeq("", nil, alphabet.Protein)))
	var composite []*linear.Seq
	var compositeLen int
	i := 0
	flush := func() error {
		if len(composite) == 0 {
			return nil
		}
		i++
		id := fmt.Sprintf("multiplex_%d", i)
		pos := 0
		var buf strings.Builder
		for _, s := range composite {
			fmt.Fprintf(mw, "%s\t%s\t%d\t%d\n", id, s.ID, pos, pos+s.Len())
			buf.Write(s.Seq.Bytes())
			pos += s.Len()
		}
		merged := linear.NewSeq(id, alphabet.BytesToLetters([]byte(buf.String())), alphabet.Protein)
		fmt.Fprintf(bw, "%60a\n", merged)
		composite = composite[:0]
		compositeLen = 0
		return nil
	}
	for sc.Next() {
		s := sc.Seq().(*linear.Seq)
		if minLen > 0 && s.Len() < minLen {
			continue
		}
		if maxLen > 0 && s.Len() > maxLen {
			continue
		}
		if maxLen > 0 && compositeLen+s.Len() > maxLen && len(composite) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		composite = append(composite, s)
		compositeLen += s.Len()
	}
	if err := sc.Error(); err != nil {
		return fmt.Errorf("stage multiplex: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return mw.Flush()
}

// stageFracFile splits multiplexed.fasta round-robin across shards
// fragment files, one per blast/diamond array index.
func stageFracFile(workdir string, shards int) error {
	if shards < 1 {
		shards = 1
	}
	src, err := os.Open(filepath.Join(workdir, "multiplexed.fasta"))
	if err != nil {
		return err
	}
	defer src.Close()

	writers := make([]*bufio.Writer, shards)
	files := make([]*os.File, shards)
	for i := range writers {
		f, err := os.Create(filepath.Join(workdir, fmt.Sprintf("frac.%d.fasta", i+1)))
		if err != nil {
			return err
		}
		files[i] = f
		writers[i] = bufio.NewWriter(f)
	}
	defer func() {
		for i, w := range writers {
			w.Flush()
			files[i].Close()
		}
	}()

	sc := seqio.NewScanner(fasta.NewReader(src, linear.NewSeq("", nil, alphabet.Protein)))
	i := 0
	for sc.Next() {
		s := sc.Seq().(*linear.Seq)
		fmt.Fprintf(writers[i%shards], "%60a\n", s)
		i++
	}
	return sc.Error()
}

// stageCreateDB builds the protein BLAST database the blast array job
// searches against, from the full (non-fragmented) sequence set.
func stageCreateDB(workdir string) error {
	cmd, err := blastx.MakeDB{
		In:          filepath.Join(workdir, "multiplexed.fasta"),
		Out:         filepath.Join(workdir, "blastdb"),
		DBType:      "prot",
		ParseSeqids: true,
	}.BuildCommand()
	if err != nil {
		return err
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stage createdb: %w", err)
	}
	return nil
}

// stageBlast runs one blast/diamond array shard, searching frac.N
// against the shared database.
func stageBlast(ctx context.Context, workdir string, shards int, tool string, evalue float64, hits int) error {
	shard := shardIndexFromEnv()
	var searcher blastx.Searcher
	if strings.HasPrefix(tool, "diamond") {
		searcher = blastx.DiamondRunner{EValue: evalue, Sensitive: tool == "diamondsensitive"}
	} else {
		searcher = blastx.BlastRunner{EValue: evalue}
	}
	query := filepath.Join(workdir, fmt.Sprintf("frac.%d.fasta", shard))
	db := filepath.Join(workdir, "blastdb")
	outPath := filepath.Join(workdir, fmt.Sprintf("blast.%d.tab", shard))
	_, err := searcher.Search(ctx, query, db, outPath)
	if err != nil {
		markStageFailure(workdir, "blast.failed", err)
		return fmt.Errorf("stage blast: shard %d: %w", shard, err)
	}
	return nil
}

// shardIndexFromEnv reads the array index from the scheduler's own
// per-shard environment variable (PBS_ARRAYID for Torque,
// SLURM_ARRAY_TASK_ID for Slurm), defaulting to 1 for a dry-run or
// local invocation with no array context.
func shardIndexFromEnv() int {
	for _, name := range []string{"PBS_ARRAYID", "SLURM_ARRAY_TASK_ID"} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 1
}

func markStageFailure(workdir, sentinel string, cause error) {
	_ = os.WriteFile(filepath.Join(workdir, sentinel), []byte(cause.Error()+"\n"), 0o644)
}

// stageCatJob concatenates every blast shard's tabular output into one
// file for blastreduce to load.
func stageCatJob(workdir string, shards int) error {
	out, err := os.Create(filepath.Join(workdir, "blast.combined.tab"))
	if err != nil {
		return err
	}
	defer out.Close()
	for i := 1; i <= shards; i++ {
		path := filepath.Join(workdir, fmt.Sprintf("blast.%d.tab", i))
		in, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // a failed shard contributes nothing, not a hard error
			}
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// stageBlastReduce loads the concatenated tabular hits into an edge
// store and writes the reduced (a,b,bitscore-highest) edges out.
func stageBlastReduce(workdir string) error {
	f, err := os.Open(filepath.Join(workdir, "blast.combined.tab"))
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := blastx.ParseTabularExt(f, 1)
	if err != nil {
		return fmt.Errorf("stage blastreduce: %w", err)
	}

	store, err := edge.Create(workdir)
	if err != nil {
		return fmt.Errorf("stage blastreduce: %w", err)
	}
	defer store.Close()

	var raws []edge.Raw
	for _, r := range recs {
		if raw, ok := edge.Alphabetize(r); ok {
			raws = append(raws, raw)
		}
	}
	if err := store.PutBatch(raws); err != nil {
		return fmt.Errorf("stage blastreduce: %w", err)
	}
	reduced, err := store.Reduce()
	if err != nil {
		return fmt.Errorf("stage blastreduce: %w", err)
	}
	return writeReducedEdges(filepath.Join(workdir, "edges.reduced.tsv"), reduced)
}

func writeReducedEdges(path string, reduced []edge.Reduced) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for _, e := range reduced {
		fmt.Fprintf(bw, "%s\t%s\t%g\t%d\t%g\t%g\n", e.A, e.B, e.PctID, e.AlignLen, e.BitScore, e.AlignmentScore)
	}
	return bw.Flush()
}

func readReducedEdges(path string) ([]edge.Reduced, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []edge.Reduced
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != 6 {
			continue
		}
		pctID, _ := strconv.ParseFloat(fields[2], 64)
		alignLen, _ := strconv.Atoi(fields[3])
		bitScore, _ := strconv.ParseFloat(fields[4], 64)
		alignmentScore, _ := strconv.ParseFloat(fields[5], 64)
		out = append(out, edge.Reduced{
			A: fields[0], B: fields[1], PctID: pctID, AlignLen: alignLen,
			BitScore: bitScore, AlignmentScore: alignmentScore,
		})
	}
	return out, sc.Err()
}

// stageDemux applies the cluster/demux policy (C6) to the reduced
// edges, clustering the multiplexed sequence set with cd-hit first.
func stageDemux(ctx context.Context, workdir string, sim, lengthDif float64, policy cluster.Policy) error {
	reduced, err := readReducedEdges(filepath.Join(workdir, "edges.reduced.tsv"))
	if err != nil {
		return err
	}

	runner := cluster.CDHitRunner{Sim: sim, LenDif: lengthDif}
	table, err := runner.Cluster(ctx, filepath.Join(workdir, "multiplexed.fasta"), filepath.Join(workdir, "clustered.fasta"))
	if err != nil {
		return fmt.Errorf("stage demux: %w", err)
	}

	var final []edge.Reduced
	switch policy {
	case cluster.Demux:
		final = cluster.DemuxEdges(reduced, table)
	default:
		final = cluster.RemoveDups(reduced)
	}
	return writeReducedEdges(filepath.Join(workdir, "edges.final.tsv"), final)
}

// stageConvRatio writes the family's convergence ratio: edges found
// over the number of possible pairs among selected accessions.
func stageConvRatio(workdir, outPath string) error {
	if outPath == "" {
		return nil
	}
	accs, _, err := readAccessionSpans(workdirAccessionsPath(workdir))
	if err != nil {
		return err
	}
	edges, err := readReducedEdges(filepath.Join(workdir, "edges.final.tsv"))
	if err != nil {
		return err
	}
	n := len(accs)
	possible := float64(n) * float64(n-1) / 2
	ratio := 0.0
	if possible > 0 {
		ratio = float64(len(edges)) / possible
	}
	return os.WriteFile(outPath, []byte(fmt.Sprintf("%g\n", ratio)), 0o644)
}

// annotationSchema is the canonical per-node attribute order the
// network writer renders a parsed metadata stream in: identifiers and
// descriptive fields first, Sequence_Length last since domain nodes
// override its value from the node's own span rather than the
// metadata stream (see xgmml.AddNode).
var annotationSchema = annotation.Schema{
	Order: []string{
		"Query_IDs", "Other_IDs", "Description", "Organism", "GN",
		"Taxonomy_ID", "Sequence_Length",
	},
	ListKeys: map[string]bool{
		"Query_IDs": true,
		"Other_IDs": true,
	},
}

// annotationAttrType classifies a metadata key for its XGMML <att
// type=...>; everything outside the known numeric keys is a string.
func annotationAttrType(key string) xgmml.AttrType {
	switch key {
	case "Sequence_Length", "Taxonomy_ID":
		return xgmml.AttrInteger
	default:
		return xgmml.AttrString
	}
}

// nodeAttrs builds the <att> list for one network node: a
// Sequence_Length placeholder for domain nodes (xgmml.AddNode
// overrides its value from sp), followed by every attribute the
// metadata stream carries for acc, in schema order.
func nodeAttrs(acc string, sp domain.Span, entries map[string]*annotation.Entry) []xgmml.Attr {
	var attrs []xgmml.Attr
	if sp != (domain.Span{}) {
		attrs = append(attrs, xgmml.Attr{Key: "Sequence_Length", Type: xgmml.AttrInteger})
	}
	e, ok := entries[acc]
	if !ok {
		return attrs
	}
	for _, key := range e.Keys {
		if key == "Sequence_Length" && sp != (domain.Span{}) {
			continue // the span override above takes precedence
		}
		if items, ok := e.Lists[key]; ok {
			attrs = append(attrs, xgmml.Attr{Key: key, Type: xgmml.AttrList, Items: items})
			continue
		}
		attrs = append(attrs, xgmml.Attr{Key: key, Type: annotationAttrType(key), Value: e.Scalars[key]})
	}
	return attrs
}

// stageGraphs writes the final XGMML network, enriching each node with
// the metadata stream's attributes where one is available. A zero-edge
// or unparseable-metadata outcome is a DataAnomaly: graphs.failed is
// written but the network is still emitted best-effort, and
// 1.out.completed always follows a successful write, since it is the
// single marker the wrapper treats as "the run finished".
func stageGraphs(ctx context.Context, workdir, dbConfigPath, outPath, metaFile string) error {
	loc, err := config.LoadDBLocation(dbConfigPath)
	if err != nil {
		return err
	}
	store, err := refdb.Connect(ctx, loc.DSN())
	if err != nil {
		return fmt.Errorf("stage graphs: %w", err)
	}
	defer store.Close()
	version, err := store.DatabaseVersion(ctx)
	if err != nil {
		return fmt.Errorf("stage graphs: %w", err)
	}

	net := xgmml.NewNetwork(filepath.Base(outPath), version)

	accessions, spans, err := readAccessionSpans(workdirAccessionsPath(workdir))
	if err != nil {
		return err
	}

	var entries map[string]*annotation.Entry
	anomaly := false
	if metaFile != "" {
		f, err := os.Open(metaFile)
		if err != nil {
			return fmt.Errorf("stage graphs: opening %s: %w", metaFile, err)
		}
		entries, err = annotation.Parse(f, annotationSchema)
		f.Close()
		if err != nil {
			anomaly = true
			entries = nil
		}
	}

	for _, acc := range accessions {
		sps := spans[acc]
		if len(sps) == 0 {
			net.AddNode(acc, acc, domain.Span{}, nodeAttrs(acc, domain.Span{}, entries))
			continue
		}
		for _, sp := range sps {
			id := accessionRecordID(acc, sp)
			net.AddNode(id, acc, sp, nodeAttrs(acc, sp, entries))
		}
	}

	edges, err := readReducedEdges(filepath.Join(workdir, "edges.final.tsv"))
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := net.AddEdge(e.A, e.B, e.PctID, e.AlignmentScore, e.AlignLen); err != nil {
			continue // an edge referencing a node outside the final set is dropped, not fatal
		}
	}
	if len(edges) == 0 {
		anomaly = true
	}
	if anomaly {
		markStageFailure(workdir, "graphs.failed", fmt.Errorf("stage graphs: no edges or unparseable metadata for this network"))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := xgmml.Write(out, net, 1_000_000, outPath+".notice"); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workdir, "1.out.completed"), nil, 0o644)
}

func readAccessionSpans(path string) ([]string, map[string][]domain.Span, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var accs []string
	spans := make(map[string][]domain.Span)
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		acc := fields[0]
		if !seen[acc] {
			seen[acc] = true
			accs = append(accs, acc)
		}
		if len(fields) == 3 {
			start, _ := strconv.Atoi(fields[1])
			end, _ := strconv.Atoi(fields[2])
			spans[acc] = append(spans[acc], domain.Span{Start: start, End: end})
		}
	}
	return accs, spans, sc.Err()
}
