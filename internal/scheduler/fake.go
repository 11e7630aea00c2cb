// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
)

// Fake is an in-memory Scheduler for tests: it assigns sequential symbolic job IDs without ever shelling out.
type Fake struct {
	Jobs    []Job
	States  map[string]State
	nextID  int
	Failing map[string]bool // job names that should be recorded as Failed
}

// NewFake returns an empty Fake scheduler.
func NewFake() *Fake {
	return &Fake{States: make(map[string]State), Failing: make(map[string]bool)}
}

func (f *Fake) Submit(_ context.Context, job Job) (string, error) {
	f.nextID++
	id := fmt.Sprintf("fake.%d", f.nextID)
	f.Jobs = append(f.Jobs, job)
	if f.Failing[job.Name] {
		f.States[id] = Failed
	} else {
		f.States[id] = Completed
	}
	return id, nil
}

func (f *Fake) JobState(_ context.Context, jobID string) (State, error) {
	s, ok := f.States[jobID]
	if !ok {
		return Pending, fmt.Errorf("scheduler: unknown job %q", jobID)
	}
	return s, nil
}

var _ Scheduler = (*Fake)(nil)
