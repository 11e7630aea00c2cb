// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/scheduler"
)

func TestQsubBuildCommandIncludesDependsAndArray(t *testing.T) {
	q := scheduler.Qsub{
		Queue:      "batch",
		Resources:  "nodes=1:ppn=4",
		Depends:    "afterok:123",
		ArrayRange: "1-24",
		Name:       "blast",
		Script:     "blast.sh",
	}
	cmd, err := q.BuildCommand()
	require.NoError(t, err)

	args := cmd.Args
	assert.Equal(t, "qsub", args[0])
	assert.Contains(t, args, "-q")
	assert.Contains(t, args, "batch")
	assert.Contains(t, args, "-W")
	assert.Contains(t, args, "depend=afterok:123")
	assert.Contains(t, args, "-t")
	assert.Contains(t, args, "1-24")
	assert.Equal(t, "blast.sh", args[len(args)-1])
}

func TestSbatchBuildCommandIncludesParsable(t *testing.T) {
	s := scheduler.Sbatch{
		Partition: "standard",
		Depends:   "afterok:456",
		JobName:   "blast",
		Parsable:  true,
		Script:    "blast.sh",
	}
	cmd, err := s.BuildCommand()
	require.NoError(t, err)

	args := cmd.Args
	assert.Equal(t, "sbatch", args[0])
	assert.Contains(t, args, "--parsable")
	assert.Contains(t, args, "-d")
	assert.Contains(t, args, "afterok:456")
	assert.Equal(t, "blast.sh", args[len(args)-1])
}

func TestFakeSubmitAndJobState(t *testing.T) {
	f := scheduler.NewFake()
	id, err := f.Submit(context.Background(), scheduler.Job{Name: "multiplex"})
	require.NoError(t, err)

	st, err := f.JobState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Completed, st)
}

func TestFakeSubmitRecordsFailure(t *testing.T) {
	f := scheduler.NewFake()
	f.Failing["blastreduce"] = true
	id, err := f.Submit(context.Background(), scheduler.Job{Name: "blastreduce"})
	require.NoError(t, err)

	st, err := f.JobState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Failed, st)
}

func TestFakeJobStateUnknownID(t *testing.T) {
	f := scheduler.NewFake()
	_, err := f.JobState(context.Background(), "nope")
	assert.Error(t, err)
}
