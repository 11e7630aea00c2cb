// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import "testing"

func TestDependStringGroupsByFlag(t *testing.T) {
	deps := []Dependency{
		{JobID: "1", Kind: AfterOK},
		{JobID: "2", Kind: AfterOK},
		{JobID: "3", Kind: AfterAny},
	}
	got := dependString(deps, DependencyKind.torqueFlag)
	want := "afterok:1:2,afterany:3"
	if got != want {
		t.Errorf("dependString() = %q, want %q", got, want)
	}
}

func TestDependStringEmpty(t *testing.T) {
	if got := dependString(nil, DependencyKind.slurmFlag); got != "" {
		t.Errorf("dependString(nil) = %q, want empty", got)
	}
}
