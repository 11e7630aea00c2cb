// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cluster_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/cluster"
	"github.com/efi-tools/efissn/internal/edge"
)

const clstrReport = `>Cluster 0
0	300aa, >P00001... *
1	280aa, >P00002... at 95.00%
>Cluster 1
0	150aa, >P00003... *
`

func TestParseClstr(t *testing.T) {
	table, err := cluster.ParseClstr(strings.NewReader(clstrReport))
	require.NoError(t, err)
	assert.Equal(t, 2, table.Size())

	assert.ElementsMatch(t, []string{"P00001", "P00002"}, table.Members("P00001"))
	rep, ok := table.RepresentativeOf("P00002")
	require.True(t, ok)
	assert.Equal(t, "P00001", rep)

	assert.ElementsMatch(t, []string{"P00003"}, table.Members("P00003"))
}

func TestDemuxEdgesExpandsClustersMinusSelfLoops(t *testing.T) {
	table, err := cluster.ParseClstr(strings.NewReader(clstrReport))
	require.NoError(t, err)

	reduced := []edge.Reduced{
		{A: "P00001", B: "P00003", BitScore: 80},
	}
	out := cluster.DemuxEdges(reduced, table)

	var pairs [][2]string
	for _, e := range out {
		pairs = append(pairs, [2]string{e.A, e.B})
	}
	assert.ElementsMatch(t, [][2]string{{"P00001", "P00003"}, {"P00002", "P00003"}}, pairs)
}

func TestRemoveDupsKeepsHighestScore(t *testing.T) {
	reduced := []edge.Reduced{
		{A: "P1", B: "P2", BitScore: 50},
		{A: "P1", B: "P2", BitScore: 90},
	}
	out := cluster.RemoveDups(reduced)
	require.Len(t, out, 1)
	assert.Equal(t, 90.0, out[0].BitScore)
}

func TestFilterAnnotationKeysKeepsOnlyRepresentatives(t *testing.T) {
	table, err := cluster.ParseClstr(strings.NewReader(clstrReport))
	require.NoError(t, err)

	assert.True(t, cluster.FilterAnnotationKeys(table, "P00001"))
	assert.False(t, cluster.FilterAnnotationKeys(table, "P00002"))
}

func TestFakeClustererReturnsConfiguredTable(t *testing.T) {
	table, err := cluster.ParseClstr(strings.NewReader(clstrReport))
	require.NoError(t, err)

	fake := cluster.Fake{Table: table}
	got, err := fake.Cluster(context.Background(), "in.fasta", "out.fasta")
	require.NoError(t, err)
	assert.Equal(t, table, got)
}
