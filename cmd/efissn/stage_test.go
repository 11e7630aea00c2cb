// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/edge"
)

func writeFasta(t *testing.T, path string, records map[string]string) {
	t.Helper()
	var body string
	for id, seq := range records {
		body += ">" + id + "\n" + seq + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestStageMultiplexCombinesShortSequencesAndDropsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeFasta(t, filepath.Join(dir, "sequences.fasta"), map[string]string{
		"short1": "MKV",
		"short2": "MKL",
		"toobig": "MKVLQWERTYASDFGHJKLZXCVBNM",
	})

	require.NoError(t, stageMultiplex(dir, 10, 2))

	data, err := os.ReadFile(filepath.Join(dir, "multiplexed.fasta"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "multiplex_1")
	assert.NotContains(t, string(data), "toobig")

	mapData, err := os.ReadFile(filepath.Join(dir, "multiplex.map"))
	require.NoError(t, err)
	assert.Contains(t, string(mapData), "short1")
	assert.Contains(t, string(mapData), "short2")
}

func TestStageFracFileSplitsRoundRobin(t *testing.T) {
	dir := t.TempDir()
	writeFasta(t, filepath.Join(dir, "multiplexed.fasta"), map[string]string{
		"multiplex_1": "MKVLQ",
		"multiplex_2": "MKVLR",
		"multiplex_3": "MKVLS",
	})

	require.NoError(t, stageFracFile(dir, 2))

	for i := 1; i <= 2; i++ {
		_, err := os.Stat(filepath.Join(dir, "frac."+strconv.Itoa(i)+".fasta"))
		require.NoError(t, err)
	}
}

func TestReadAccessionSpansKeepsDomainWindowsAndDedupesAccessions(t *testing.T) {
	dir := t.TempDir()
	path := workdirAccessionsPath(dir)
	require.NoError(t, os.WriteFile(path, []byte("P00001:1:41\nP00001:50:90\nP00002\n"), 0o644))

	accs, spans, err := readAccessionSpans(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"P00001", "P00002"}, accs)
	require.Len(t, spans["P00001"], 2)
	assert.Equal(t, domain.Span{Start: 1, End: 41}, spans["P00001"][0])
	assert.Equal(t, domain.Span{Start: 50, End: 90}, spans["P00001"][1])
	assert.Empty(t, spans["P00002"])
}

func TestAccessionRecordIDUsesBareAccessionForZeroSpan(t *testing.T) {
	assert.Equal(t, "P00001", accessionRecordID("P00001", domain.Span{}))
	assert.Equal(t, "P00001:1:41", accessionRecordID("P00001", domain.Span{Start: 1, End: 41}))
}

func TestWindowSequenceSlicesToOneBasedInclusiveSpan(t *testing.T) {
	seq := "MKVLQWERTYASDFGHJKLZXCVBNMMKVLQWERTYASDFGHJ"

	got, err := windowSequence(seq, domain.Span{Start: 1, End: 4})
	require.NoError(t, err)
	assert.Equal(t, "MKVL", got)

	_, err = windowSequence(seq, domain.Span{Start: 1, End: len(seq) + 1})
	assert.Error(t, err)
}

func TestWriteAndReadReducedEdgesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edges.reduced.tsv")
	want := []edge.Reduced{
		{A: "P00001", B: "P00002", PctID: 95.5, AlignLen: 120, BitScore: 200.1, AlignmentScore: 12.3},
	}
	require.NoError(t, writeReducedEdges(path, want))

	got, err := readReducedEdges(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].A, got[0].A)
	assert.Equal(t, want[0].B, got[0].B)
	assert.InDelta(t, want[0].PctID, got[0].PctID, 1e-9)
	assert.Equal(t, want[0].AlignLen, got[0].AlignLen)
}

func TestStageConvRatioComputesEdgesOverPossiblePairs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(workdirAccessionsPath(dir), []byte("P00001\nP00002\nP00003\n"), 0o644))
	require.NoError(t, writeReducedEdges(filepath.Join(dir, "edges.final.tsv"), []edge.Reduced{
		{A: "P00001", B: "P00002"},
	}))

	out := filepath.Join(dir, "convratio.out")
	require.NoError(t, stageConvRatio(dir, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	got, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, got, 1e-9)
}
