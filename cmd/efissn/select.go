// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/efi-tools/efissn/internal/config"
	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/fastahdr"
	"github.com/efi-tools/efissn/internal/pipeline"
	"github.com/efi-tools/efissn/internal/refdb"
	"github.com/efi-tools/efissn/internal/scheduler"
	"github.com/efi-tools/efissn/internal/selection"
)

// run drives the config/selection phase (C1-C5) and then builds and
// submits the batch job graph (C7) that does the heavy lifting.
func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	pg, err := refdb.Connect(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("efissn: connecting to reference database: %w", err)
	}
	defer pg.Close()
	var store refdb.Store = pg

	result, err := selectSequences(ctx, store, cfg)
	if err != nil {
		if errors.Is(err, selection.ErrCapacityExceeded) && cfg.AccessionOutput != "" {
			_ = selection.WriteFailedMarker(cfg.AccessionOutput)
		}
		return err
	}

	if err := writeOutputs(cfg, result); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Tmp, 0o755); err != nil {
		return fmt.Errorf("efissn: creating working directory %s: %w", cfg.Tmp, err)
	}
	if err := writeAccessionFile(workdirAccessionsPath(cfg.Tmp), result, cfg.Domain == config.On); err != nil {
		return err
	}
	log.Printf("selected %d accessions", len(result.Accessions))

	tool := searchTool(cfg.BlastTool)
	shards := pipeline.ArrayCount(cfg.NP, tool)

	sched := newScheduler(cfg.Scheduler)
	graph, err := pipeline.Build(pipeline.Options{
		NP:               cfg.NP,
		Tool:             tool,
		Queue:            cfg.Queue,
		MemQueue:         cfg.MemQueue,
		ComputeConvRatio: cfg.ConvRatioFile != "",
		Scripts:          renderScripts(cfg, shards),
	})
	if err != nil {
		return err
	}

	runner := &pipeline.Runner{
		Scheduler:   sched,
		SentinelDir: cfg.Tmp,
		DryRun:      cfg.DryRun,
		Logger:      log.Default(),
	}
	return runner.Run(ctx, graph)
}

func newScheduler(kind config.SchedulerKind) scheduler.Scheduler {
	if kind == config.Slurm {
		return scheduler.Slurm{}
	}
	return scheduler.Torque{}
}

// searchTool maps a --blast value (blast, blast+, blast+simple,
// diamond, diamondsensitive) to the tool family that drives array
// sizing: every diamond variant parallelizes internally, so both fold
// to DiamondTool.
func searchTool(name string) pipeline.Tool {
	if strings.HasPrefix(name, "diamond") {
		return pipeline.DiamondTool
	}
	return pipeline.BlastTool
}

// familySource names one (kind, familyID) expansion request.
type familySource struct {
	Kind refdb.FamilyKind
	ID   string
}

func familySources(cfg *config.Config) []familySource {
	var out []familySource
	for _, id := range cfg.InterPro {
		out = append(out, familySource{refdb.InterPro, id})
	}
	for _, id := range cfg.Pfam {
		out = append(out, familySource{refdb.Pfam, id})
	}
	for _, id := range cfg.Gene3D {
		out = append(out, familySource{refdb.Gene3D, id})
	}
	for _, id := range cfg.SSF {
		out = append(out, familySource{refdb.SSF, id})
	}
	return out
}

// expandFamilies runs C4: each family is expanded independently and
// unioned into the shared span map, logging the running total after
// each one. It also reports which accessions were contributed by more
// than one distinct family source, which C5 folds into the no-match
// report as DUPLICATE.
func expandFamilies(ctx context.Context, store refdb.Store, sources []familySource) (map[string][]domain.Span, []string, error) {
	spans := domain.NewSet()
	seenIn := make(map[string]map[string]bool)

	for _, src := range sources {
		members, err := store.ExpandFamily(ctx, src.Kind, src.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("efissn: expanding %s %s: %w", src.Kind, src.ID, err)
		}
		spans.AddAll(members)
		tag := fmt.Sprintf("%s:%s", src.Kind, src.ID)
		for acc := range members {
			if seenIn[acc] == nil {
				seenIn[acc] = make(map[string]bool)
			}
			seenIn[acc][tag] = true
		}
		log.Printf("expanded %s %s: %d accessions total so far", src.Kind, src.ID, spans.Len())
	}

	var dups []string
	for acc, tags := range seenIn {
		if len(tags) > 1 {
			dups = append(dups, acc)
		}
	}
	sort.Strings(dups)

	out := make(map[string][]domain.Span, len(spans.Accessions()))
	for _, acc := range spans.Accessions() {
		out[acc] = spans.Spans(acc)
	}
	return out, dups, nil
}

// parseFasta reads cfg.FastaFile (if any) into the metadata entries
// C5 expects from C3.
func parseFasta(cfg *config.Config) ([]fastahdr.Entry, error) {
	if cfg.FastaFile == "" {
		return nil, nil
	}
	f, err := os.Open(cfg.FastaFile)
	if err != nil {
		return nil, fmt.Errorf("efissn: opening %s: %w", cfg.FastaFile, err)
	}
	defer f.Close()

	var entries []fastahdr.Entry
	sc := fastahdr.NewScanner(f)
	for sc.Next() {
		rec := sc.Record()
		if !cfg.UseFastaHeaders {
			rec.UniProtIDs = nil
		}
		entries = append(entries, rec.Entries()...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("efissn: parsing %s: %w", cfg.FastaFile, err)
	}
	return entries, nil
}

// selectSequences runs C2-C5 against the parsed Config and returns the
// final selection.Result.
func selectSequences(ctx context.Context, store refdb.Store, cfg *config.Config) (*selection.Result, error) {
	var accessionIDs []string
	accessionIDs = append(accessionIDs, cfg.AccessionIDs...)
	if cfg.AccessionFile != "" {
		ids, err := readLines(cfg.AccessionFile)
		if err != nil {
			return nil, fmt.Errorf("efissn: %w", err)
		}
		accessionIDs = append(accessionIDs, ids...)
	}

	var resolvedIDs []string
	var provenance map[string][]string
	var identNoMatches []refdb.NoMatch
	if len(accessionIDs) > 0 {
		uniprot, unmatched, prov, err := store.ReverseLookup(ctx, refdb.Auto, accessionIDs)
		if err != nil {
			return nil, fmt.Errorf("efissn: resolving accessions: %w", err)
		}
		resolvedIDs = uniprot
		provenance = prov
		for _, id := range unmatched {
			identNoMatches = append(identNoMatches, refdb.NoMatch{QueryID: id, Reason: refdb.NotFoundIDMapping})
		}
	}

	familyAccessions, crossSourceDups, err := expandFamilies(ctx, store, familySources(cfg))
	if err != nil {
		return nil, err
	}

	fastaEntries, err := parseFasta(cfg)
	if err != nil {
		return nil, err
	}

	policy := selection.Policy{
		Domain:               cfg.Domain == config.On,
		Fraction:             cfg.Fraction,
		RandomFraction:       cfg.RandomFraction,
		MaxSequence:          cfg.MaxSequence,
		PfamOnlyVerification: cfg.PfamOnlyVerification,
	}

	return selection.Select(ctx, store, policy, familyAccessions, identNoMatches, resolvedIDs, provenance, fastaEntries, crossSourceDups)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// writeOutputs writes the accession list, no-match report, and
// sequence-count file named by cfg.
func writeOutputs(cfg *config.Config, result *selection.Result) error {
	if cfg.AccessionOutput != "" {
		if err := writeAccessionFile(cfg.AccessionOutput, result, cfg.Domain == config.On); err != nil {
			return err
		}
	}
	if cfg.NoMatchFile != "" {
		if err := writeNoMatchFile(cfg.NoMatchFile, result.NoMatches); err != nil {
			return err
		}
	}
	if cfg.SeqCountFile != "" {
		if err := os.WriteFile(cfg.SeqCountFile, []byte(fmt.Sprintf("%d\n", len(result.Accessions))), 0o644); err != nil {
			return fmt.Errorf("efissn: writing %s: %w", cfg.SeqCountFile, err)
		}
	}
	return nil
}

func writeAccessionFile(path string, result *selection.Result, domainQualified bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("efissn: creating %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, acc := range result.Accessions {
		if !domainQualified {
			fmt.Fprintln(bw, acc)
			continue
		}
		for _, sp := range result.Spans[acc] {
			fmt.Fprintf(bw, "%s:%d:%d\n", acc, sp.Start, sp.End)
		}
	}
	return bw.Flush()
}

func writeNoMatchFile(path string, noMatches []refdb.NoMatch) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("efissn: creating %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, nm := range noMatches {
		fmt.Fprintf(bw, "%s\t%s\n", nm.QueryID, nm.Reason)
	}
	return bw.Flush()
}
