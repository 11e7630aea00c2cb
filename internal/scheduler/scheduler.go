// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler submits batch jobs to Torque or Slurm behind one
// capability interface, following Design Note §9: the orchestrator
// should be unit-testable against an in-memory fake rather than a
// live cluster.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/biogo/external"
)

// DependencyKind is the job-dependency relationship between a stage
// and the stages it waits on.
type DependencyKind int

const (
	// AfterOK requires every dependency job to have exited
	// successfully (the default for ordinary stage-to-stage edges).
	AfterOK DependencyKind = iota
	// AfterAny fires once every dependency job has finished
	// regardless of outcome; used for the fan-in after a BLAST array
	// job, where individual shard failures are handled downstream
	// rather than aborting the whole run.
	AfterAny
)

func (k DependencyKind) torqueFlag() string {
	if k == AfterAny {
		return "afterany"
	}
	return "afterok"
}

func (k DependencyKind) slurmFlag() string {
	if k == AfterAny {
		return "afterany"
	}
	return "afterok"
}

// State is a submitted job's lifecycle state.
type State int

const (
	Pending State = iota
	Submitted
	Running
	Completed
	Failed
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
	default:
		return "UNKNOWN"
	}
}

// Dependency names one upstream job a submission must wait on.
type Dependency struct {
	JobID string
	Kind  DependencyKind
}

// Job describes one batch submission.
type Job struct {
	Name         string
	Script       string
	Queue        string
	Resources    string // e.g. "nodes=1:ppn=4,mem=8gb"
	ArrayRange   string // e.g. "1-24", empty for a non-array job
	MailFlags    string
	Dependencies []Dependency
}

// Scheduler is the capability interface the job graph builder depends
// on.
type Scheduler interface {
	// Submit renders and submits job, returning the scheduler-assigned
	// job ID.
	Submit(ctx context.Context, job Job) (jobID string, err error)
	// JobState reports the current state of a previously submitted
	// job.
	JobState(ctx context.Context, jobID string) (State, error)
}

// Qsub builds a Torque qsub command line in the buildarg idiom shared
// with blastx.MakeDB/blastx.Protein and cluster.CDHit.
type Qsub struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}qsub{{end}}"`

	Queue      string `buildarg:"{{with .}}-q{{split}}{{.}}{{end}}"`
	Resources  string `buildarg:"{{with .}}-l{{split}}{{.}}{{end}}"`
	Depends    string `buildarg:"{{with .}}-W{{split}}depend={{.}}{{end}}"`
	ArrayRange string `buildarg:"{{with .}}-t{{split}}{{.}}{{end}}"`
	MailFlags  string `buildarg:"{{with .}}-m{{split}}{{.}}{{end}}"`
	Name       string `buildarg:"{{with .}}-N{{split}}{{.}}{{end}}"`

	Script string `buildarg:"{{.}}"`
}

func (q Qsub) BuildCommand() (*exec.Cmd, error) {
	cl := external.Must(external.Build(q))
	return exec.Command(cl[0], cl[1:]...), nil
}

// Sbatch builds a Slurm sbatch command line.
type Sbatch struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}sbatch{{end}}"`

	Partition  string `buildarg:"{{with .}}-p{{split}}{{.}}{{end}}"`
	Depends    string `buildarg:"{{with .}}-d{{split}}{{.}}{{end}}"`
	ArrayRange string `buildarg:"{{with .}}-a{{split}}{{.}}{{end}}"`
	MailFlags  string `buildarg:"{{with .}}--mail-type{{split}}{{.}}{{end}}"`
	JobName    string `buildarg:"{{with .}}-J{{split}}{{.}}{{end}}"`
	Parsable   bool   `buildarg:"{{if .}}--parsable{{end}}"`

	Script string `buildarg:"{{.}}"`
}

func (s Sbatch) BuildCommand() (*exec.Cmd, error) {
	cl := external.Must(external.Build(s))
	return exec.Command(cl[0], cl[1:]...), nil
}

// Torque submits jobs with qsub, reading the assigned job ID from
// qsub's stdout.
type Torque struct{}

func (Torque) Submit(ctx context.Context, job Job) (string, error) {
	q := Qsub{
		Queue:      job.Queue,
		Resources:  job.Resources,
		Depends:    dependString(job.Dependencies, DependencyKind.torqueFlag),
		ArrayRange: job.ArrayRange,
		MailFlags:  job.MailFlags,
		Name:       job.Name,
		Script:     job.Script,
	}
	cmd, err := q.BuildCommand()
	if err != nil {
		return "", fmt.Errorf("scheduler: qsub: %w", err)
	}
	out, err := runWithContext(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("scheduler: qsub: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (Torque) JobState(ctx context.Context, jobID string) (State, error) {
	return Pending, errors.New("scheduler: Torque.JobState requires a live qstat call, not exercised by tests")
}

// Slurm submits jobs with sbatch --parsable, reading the assigned job
// ID from sbatch's stdout.
type Slurm struct{}

func (Slurm) Submit(ctx context.Context, job Job) (string, error) {
	s := Sbatch{
		Partition:  job.Queue,
		Depends:    dependString(job.Dependencies, DependencyKind.slurmFlag),
		ArrayRange: job.ArrayRange,
		MailFlags:  job.MailFlags,
		JobName:    job.Name,
		Parsable:   true,
		Script:     job.Script,
	}
	cmd, err := s.BuildCommand()
	if err != nil {
		return "", fmt.Errorf("scheduler: sbatch: %w", err)
	}
	out, err := runWithContext(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("scheduler: sbatch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (Slurm) JobState(ctx context.Context, jobID string) (State, error) {
	return Pending, errors.New("scheduler: Slurm.JobState requires a live squeue call, not exercised by tests")
}

func dependString(deps []Dependency, flag func(DependencyKind) string) string {
	if len(deps) == 0 {
		return ""
	}
	byKind := make(map[string][]string)
	var order []string
	for _, d := range deps {
		f := flag(d.Kind)
		if _, ok := byKind[f]; !ok {
			order = append(order, f)
		}
		byKind[f] = append(byKind[f], d.JobID)
	}
	var parts []string
	for _, f := range order {
		parts = append(parts, fmt.Sprintf("%s:%s", f, strings.Join(byKind[f], ":")))
	}
	return strings.Join(parts, ",")
}

// runWithContext runs cmd to completion, killing it if ctx is
// cancelled first; qsub/sbatch submissions return almost immediately,
// so this is a safety net rather than the common path.
func runWithContext(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var buf strings.Builder
	cmd.Stdout = &buf
	if err := cmd.Start(); err != nil {
		return "", err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}
