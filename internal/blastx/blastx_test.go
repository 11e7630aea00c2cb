// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blastx_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/blastx"
)

const tabularExt = "P00001\tP00002\t45.2\t120\t60\t2\t1\t120\t5\t124\t1e-30\t150.0\t200\t210\n"

func TestParseTabularExt(t *testing.T) {
	recs, err := blastx.ParseTabularExt(strings.NewReader(tabularExt), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "P00001", r.QueryAccVer)
	assert.Equal(t, "P00002", r.SubjectAccVer)
	assert.Equal(t, 120, r.AlignmentLength)
	assert.Equal(t, 150.0, r.BitScore)
	assert.Equal(t, 200, r.QueryLen)
	assert.Equal(t, 210, r.SubjectLen)
}

func TestParseTabularExtSkipsComments(t *testing.T) {
	input := "# comment\n" + tabularExt
	recs, err := blastx.ParseTabularExt(strings.NewReader(input), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestProteinBuildCommandIncludesQuery(t *testing.T) {
	p := blastx.Protein{Query: "q.fasta", Database: "db", EValue: 1e-5, OutFormat: "6 std qlen slen"}
	cmd, err := p.BuildCommand()
	require.NoError(t, err)
	assert.Equal(t, "blastp", cmd.Args[0])
	assert.Contains(t, cmd.Args, "-query")
	assert.Contains(t, cmd.Args, "q.fasta")
}

func TestDiamondBuildCommand(t *testing.T) {
	d := blastx.Diamond{Mode: "blastp", Query: "q.fasta", Database: "db.dmnd", Out: "out.tab", OutFormat: "6 std qlen slen", Threads: 1}
	cmd, err := d.BuildCommand()
	require.NoError(t, err)
	assert.Equal(t, "diamond", cmd.Args[0])
	assert.Contains(t, cmd.Args, "--query")
}

func TestFakeSearcherReturnsConfiguredRecords(t *testing.T) {
	recs, err := blastx.ParseTabularExt(strings.NewReader(tabularExt), 0)
	require.NoError(t, err)

	fake := blastx.Fake{Records: recs}
	got, err := fake.Search(context.Background(), "q.fasta", "db", "out.tab")
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}
