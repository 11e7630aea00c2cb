// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/pipeline"
	"github.com/efi-tools/efissn/internal/scheduler"
)

func TestBuildStandardGraphOrder(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 48, Tool: pipeline.BlastTool})
	require.NoError(t, err)

	blast, ok := g.Stage(pipeline.Blast)
	require.True(t, ok)
	assert.Equal(t, "1-48", blast.ArrayRange)

	graphs, ok := g.Stage(pipeline.Graphs)
	require.True(t, ok)
	require.Len(t, graphs.DependsOn, 1)
	assert.Equal(t, pipeline.Demux, graphs.DependsOn[0].Stage)
	assert.Equal(t, scheduler.AfterOK, graphs.DependsOn[0].Kind)
}

func TestBuildRescalesArrayCountForDiamond(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 48, Tool: pipeline.DiamondTool})
	require.NoError(t, err)

	blast, ok := g.Stage(pipeline.Blast)
	require.True(t, ok)
	assert.Equal(t, "1-2", blast.ArrayRange)
}

func TestBuildAddsConvRatioWhenRequested(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 1, ComputeConvRatio: true})
	require.NoError(t, err)

	_, ok := g.Stage(pipeline.ConvRatio)
	assert.True(t, ok)
}

func TestRunSubmitsEveryStageAndThreadsDependencies(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 1})
	require.NoError(t, err)

	fake := scheduler.NewFake()
	r := &pipeline.Runner{Scheduler: fake}
	require.NoError(t, r.Run(context.Background(), g))

	for _, name := range []pipeline.StageName{
		pipeline.InitialImport, pipeline.Multiplex, pipeline.FracFile,
		pipeline.CreateDB, pipeline.Blast, pipeline.CatJob,
		pipeline.BlastReduce, pipeline.Demux, pipeline.Graphs,
	} {
		s, ok := g.Stage(name)
		require.True(t, ok, name)
		assert.Equal(t, pipeline.Completed, s.State, name)
		assert.NotEmpty(t, s.JobID, name)
	}
	assert.Len(t, fake.Jobs, 9)
}

func TestRunSkipsDependentsOfFailedStage(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 1})
	require.NoError(t, err)

	fake := scheduler.NewFake()
	fake.Failing[string(pipeline.CreateDB)] = true
	r := &pipeline.Runner{Scheduler: fake}
	require.NoError(t, r.Run(context.Background(), g))

	createdb, _ := g.Stage(pipeline.CreateDB)
	assert.Equal(t, pipeline.Failed, createdb.State)

	blast, _ := g.Stage(pipeline.Blast)
	assert.Equal(t, pipeline.Skipped, blast.State)
	assert.Empty(t, blast.JobID)

	graphs, _ := g.Stage(pipeline.Graphs)
	assert.Equal(t, pipeline.Skipped, graphs.State)
}

func TestRunHonorsCompletionSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "createdb.done"), []byte("ok"), 0o644))

	g, err := pipeline.Build(pipeline.Options{NP: 1})
	require.NoError(t, err)
	createdb, _ := g.Stage(pipeline.CreateDB)
	createdb.CompleteSentinel = "createdb.done"

	fake := scheduler.NewFake()
	r := &pipeline.Runner{Scheduler: fake, SentinelDir: dir}
	require.NoError(t, r.Run(context.Background(), g))

	assert.Equal(t, pipeline.Completed, createdb.State)
	assert.Empty(t, createdb.JobID, "a sentinel-completed stage is never resubmitted")

	fracfile, _ := g.Stage(pipeline.FracFile)
	assert.Equal(t, pipeline.Completed, fracfile.State)
}

func TestRunHonorsFailureSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blast.failed"), []byte("shard 3 died"), 0o644))

	g, err := pipeline.Build(pipeline.Options{NP: 1})
	require.NoError(t, err)
	blast, _ := g.Stage(pipeline.Blast)
	blast.FailSentinel = "blast.failed"

	fake := scheduler.NewFake()
	r := &pipeline.Runner{Scheduler: fake, SentinelDir: dir}
	require.NoError(t, r.Run(context.Background(), g))

	assert.Equal(t, pipeline.Failed, blast.State)

	catjob, _ := g.Stage(pipeline.CatJob)
	assert.Equal(t, pipeline.Completed, catjob.State, "catjob's afterany dependency runs regardless of blast's outcome")
}

func TestRunDryRunSkipsSubmission(t *testing.T) {
	g, err := pipeline.Build(pipeline.Options{NP: 1})
	require.NoError(t, err)

	fake := scheduler.NewFake()
	r := &pipeline.Runner{Scheduler: fake, DryRun: true}
	require.NoError(t, r.Run(context.Background(), g))

	assert.Empty(t, fake.Jobs)
	initial, _ := g.Stage(pipeline.InitialImport)
	assert.Equal(t, pipeline.Submitted, initial.State)
	assert.Equal(t, "dryrun.initial_import", initial.JobID)
}
