// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline builds and drives the batch-job DAG a run submits
// to the scheduler: initial_import, multiplex, fracfile, createdb, an
// array of blast/diamond shards, catjob, blastreduce, demux, and the
// final conv_ratio/graphs stages. Each stage renders to one
// scheduler.Job and is submitted with dependencies on the stages that
// must finish first, in the same "render a batch script, shell out,
// capture what comes back" idiom the teacher uses for BLAST and
// CD-HIT invocations, generalized here to whole job submissions rather
// than single commands.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/efi-tools/efissn/internal/scheduler"
)

// StageName identifies one node of the job graph.
type StageName string

const (
	InitialImport StageName = "initial_import"
	Multiplex     StageName = "multiplex"
	FracFile      StageName = "fracfile"
	CreateDB      StageName = "createdb"
	Blast         StageName = "blast"
	CatJob        StageName = "catjob"
	BlastReduce   StageName = "blastreduce"
	Demux         StageName = "demux"
	ConvRatio     StageName = "conv_ratio"
	Graphs        StageName = "graphs"
)

// State is a stage's position in the
// PENDING→SUBMITTED→(RUNNING)*→{COMPLETED,FAILED,SKIPPED} lifecycle.
// It is distinct from scheduler.State: SKIPPED has no scheduler
// equivalent, since a skipped stage is never submitted at all.
type State int

const (
	Pending State = iota
	Submitted
	Running
	Completed
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Skipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

func fromSchedulerState(s scheduler.State) State {
	switch s {
	case scheduler.Submitted:
		return Submitted
	case scheduler.Running:
		return Running
	case scheduler.Completed:
		return Completed
	case scheduler.Failed:
		return Failed
	default:
		return Pending
	}
}

// edge names an upstream stage a Stage depends on and how.
type edge struct {
	Stage StageName
	Kind  scheduler.DependencyKind
}

// Stage is one node of the job graph: a rendered batch script plus the
// scheduling metadata needed to submit it.
type Stage struct {
	Name       StageName
	Script     string
	Queue      string
	Resources  string
	ArrayRange string
	DependsOn  []edge

	// CompleteSentinel, if non-empty, is a file (resolved relative to
	// Runner.SentinelDir) whose presence means this stage already
	// finished in a prior run and should not be resubmitted.
	CompleteSentinel string
	// FailSentinel, if non-empty, is a file whose presence means this
	// stage's batch script reported failure out of band (the way
	// blast.failed/graphs.failed are written by the rendered scripts
	// rather than surfaced through qstat/squeue exit codes).
	FailSentinel string

	JobID string
	State State
}

// Graph is an ordered job DAG: stages must be added in an order where
// every dependency has already been added (callers build it
// top-down, the same order Run walks it in).
type Graph struct {
	stages []*Stage
	index  map[StageName]*Stage
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[StageName]*Stage)}
}

// Add appends s to the graph. It is an error for s to depend on a
// stage not already present.
func (g *Graph) Add(s *Stage) error {
	for _, d := range s.DependsOn {
		if _, ok := g.index[d.Stage]; !ok {
			return fmt.Errorf("pipeline: stage %q depends on unknown stage %q", s.Name, d.Stage)
		}
	}
	if _, ok := g.index[s.Name]; ok {
		return fmt.Errorf("pipeline: duplicate stage %q", s.Name)
	}
	g.stages = append(g.stages, s)
	g.index[s.Name] = s
	return nil
}

// Stage returns the named stage, if present.
func (g *Graph) Stage(name StageName) (*Stage, bool) {
	s, ok := g.index[name]
	return s, ok
}

// Tool names the all-vs-all search tool driving the blast stage's
// array sizing.
type Tool int

const (
	BlastTool Tool = iota
	DiamondTool
)

// Options configures the standard job graph.
type Options struct {
	// NP is the user-requested parallelism (the "-np" flag).
	NP int
	Tool Tool
	Queue, MemQueue string
	// ComputeConvRatio adds the conv_ratio stage after demux, in
	// parallel with graphs, when the family's convergence ratio was
	// requested.
	ComputeConvRatio bool
	// Scripts supplies the rendered batch script body for each stage;
	// a nil entry is rendered as an empty script.
	Scripts map[StageName]string
}

// diamondDivisor is how much DIAMOND's thread-level parallelism
// substitutes for BLAST+'s process-level array-job parallelism: an
// array job asking for np BLAST+ shards only needs np/diamondDivisor
// DIAMOND shards to finish in comparable wall time.
const diamondDivisor = 24

// ArrayCount returns the number of blast array shards for np requested
// shards under tool, rescaling by 1/24 for DIAMOND. Callers that need
// to pass the shard count into a rendered script (the fracfile and
// blast stages both split input 1-to-1 with array shards) compute it
// with this rather than re-deriving Build's internal rescaling.
func ArrayCount(np int, tool Tool) int {
	return arrayCount(np, tool)
}

// arrayCount returns the number of blast array shards for np requested
// shards under tool, rescaling by 1/24 for DIAMOND.
func arrayCount(np int, tool Tool) int {
	if tool == DiamondTool {
		np /= diamondDivisor
	}
	if np < 1 {
		np = 1
	}
	return np
}

func script(scripts map[StageName]string, name StageName) string {
	return scripts[name]
}

// Build constructs the standard job graph described by opts:
// initial_import → multiplex → fracfile → createdb →
// blast[1..np] → catjob → blastreduce → demux → {conv_ratio?, graphs}.
func Build(opts Options) (*Graph, error) {
	g := NewGraph()

	add := func(s *Stage) error {
		if err := g.Add(s); err != nil {
			return err
		}
		return nil
	}

	if err := add(&Stage{Name: InitialImport, Queue: opts.Queue, Script: script(opts.Scripts, InitialImport)}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: Multiplex, Queue: opts.Queue, Script: script(opts.Scripts, Multiplex),
		DependsOn: []edge{{InitialImport, scheduler.AfterOK}},
	}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: FracFile, Queue: opts.Queue, Script: script(opts.Scripts, FracFile),
		DependsOn: []edge{{Multiplex, scheduler.AfterOK}},
	}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: CreateDB, Queue: opts.Queue, Script: script(opts.Scripts, CreateDB),
		DependsOn: []edge{{FracFile, scheduler.AfterOK}},
	}); err != nil {
		return nil, err
	}

	n := arrayCount(opts.NP, opts.Tool)
	if err := add(&Stage{
		Name: Blast, Queue: opts.Queue, Script: script(opts.Scripts, Blast),
		ArrayRange:   fmt.Sprintf("1-%d", n),
		DependsOn:    []edge{{CreateDB, scheduler.AfterOK}},
		FailSentinel: "blast.failed",
	}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: CatJob, Queue: opts.Queue, Script: script(opts.Scripts, CatJob),
		DependsOn: []edge{{Blast, scheduler.AfterAny}},
	}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: BlastReduce, Queue: opts.MemQueue, Script: script(opts.Scripts, BlastReduce),
		DependsOn: []edge{{CatJob, scheduler.AfterOK}},
	}); err != nil {
		return nil, err
	}
	if err := add(&Stage{
		Name: Demux, Queue: opts.MemQueue, Script: script(opts.Scripts, Demux),
		DependsOn: []edge{{BlastReduce, scheduler.AfterOK}},
	}); err != nil {
		return nil, err
	}
	if opts.ComputeConvRatio {
		if err := add(&Stage{
			Name: ConvRatio, Queue: opts.Queue, Script: script(opts.Scripts, ConvRatio),
			DependsOn: []edge{{Demux, scheduler.AfterOK}},
		}); err != nil {
			return nil, err
		}
	}
	if err := add(&Stage{
		Name: Graphs, Queue: opts.Queue, Script: script(opts.Scripts, Graphs),
		DependsOn:    []edge{{Demux, scheduler.AfterOK}},
		FailSentinel: "graphs.failed",
	}); err != nil {
		return nil, err
	}
	return g, nil
}

// Runner drives a Graph to completion by submitting each stage in
// order, skipping stages whose AfterOK dependency failed and honoring
// on-disk sentinel files for resuming a previously interrupted run.
type Runner struct {
	Scheduler scheduler.Scheduler
	// SentinelDir is the directory CompleteSentinel/FailSentinel
	// names are resolved against. Empty disables sentinel checks.
	SentinelDir string
	// DryRun renders and logs each stage's submission without calling
	// Scheduler.Submit, assigning a synthetic job ID so downstream
	// dependency strings can still be built and inspected.
	DryRun bool
	Logger *log.Logger
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func (r *Runner) sentinelExists(name string) bool {
	if r.SentinelDir == "" || name == "" {
		return false
	}
	_, err := os.Stat(r.SentinelDir + "/" + name)
	return err == nil
}

// Run submits every stage of g in the order it was built, threading
// dependency job IDs from each stage's upstream edges.
func (r *Runner) Run(ctx context.Context, g *Graph) error {
	for _, s := range g.stages {
		switch {
		case r.sentinelExists(s.FailSentinel):
			s.State = Failed
			r.logf("pipeline: %s: failure sentinel present, marking FAILED", s.Name)
			continue
		case r.sentinelExists(s.CompleteSentinel):
			s.State = Completed
			r.logf("pipeline: %s: completion sentinel present, skipping", s.Name)
			continue
		}

		if r.blocked(s, g) {
			s.State = Skipped
			r.logf("pipeline: %s: SKIPPED, an afterok dependency failed or was skipped", s.Name)
			continue
		}

		deps := r.dependencies(s, g)
		job := scheduler.Job{
			Name:         string(s.Name),
			Script:       s.Script,
			Queue:        s.Queue,
			Resources:    s.Resources,
			ArrayRange:   s.ArrayRange,
			Dependencies: deps,
		}

		if r.DryRun {
			s.JobID = "dryrun." + string(s.Name)
			s.State = Submitted
			r.logf("pipeline: dry-run %s (deps=%v)\n%s", s.Name, deps, s.Script)
			continue
		}

		id, err := r.Scheduler.Submit(ctx, job)
		if err != nil {
			s.State = Failed
			return fmt.Errorf("pipeline: submitting %s: %w", s.Name, err)
		}
		s.JobID = id
		s.State = Submitted
		if st, err := r.Scheduler.JobState(ctx, id); err == nil {
			s.State = fromSchedulerState(st)
		}
	}
	return nil
}

// blocked reports whether s has an AfterOK dependency that failed, or
// any dependency that was skipped (a skipped stage never ran, so even
// an AfterAny dependent has nothing to wait on), in which case s must
// never be submitted.
func (r *Runner) blocked(s *Stage, g *Graph) bool {
	for _, e := range s.DependsOn {
		up := g.index[e.Stage]
		if up.State == Skipped {
			return true
		}
		if e.Kind != scheduler.AfterOK {
			continue
		}
		if up.State == Failed {
			return true
		}
	}
	return false
}

// dependencies builds the submission-time dependency list for s from
// upstream stages that were actually submitted this run; a stage found
// already Completed via a sentinel needs no dependency at all.
func (r *Runner) dependencies(s *Stage, g *Graph) []scheduler.Dependency {
	var deps []scheduler.Dependency
	for _, e := range s.DependsOn {
		up := g.index[e.Stage]
		if up.State == Completed || up.JobID == "" {
			continue
		}
		deps = append(deps, scheduler.Dependency{JobID: up.JobID, Kind: e.Kind})
	}
	return deps
}
