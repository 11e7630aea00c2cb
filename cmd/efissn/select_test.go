// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/config"
	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/refdb"
	"github.com/efi-tools/efissn/internal/selection"
)

func TestExpandFamiliesUnionsAcrossSourcesAndFlagsDuplicates(t *testing.T) {
	store := refdb.NewFake()
	store.Families["PFAM/PF00001"] = map[string][]domain.Span{
		"P00001": {{Start: 1, End: 100}},
		"P00002": {{Start: 1, End: 50}},
	}
	store.Families["INTERPRO/IPR000001"] = map[string][]domain.Span{
		"P00002": {{Start: 1, End: 50}},
		"P00003": {{Start: 1, End: 75}},
	}

	sources := []familySource{
		{Kind: refdb.Pfam, ID: "PF00001"},
		{Kind: refdb.InterPro, ID: "IPR000001"},
	}

	spans, dups, err := expandFamilies(context.Background(), store, sources)
	require.NoError(t, err)
	assert.Len(t, spans, 3)
	assert.Equal(t, []string{"P00002"}, dups)
}

func TestSelectSequencesAppliesFamilyAndDomainPolicy(t *testing.T) {
	store := refdb.NewFake()
	store.Families["PFAM/PF00001"] = map[string][]domain.Span{
		"P00001": {{Start: 1, End: 100}},
		"P00002": {{Start: 1, End: 50}},
	}

	cfg := &config.Config{
		Pfam:   []string{"PF00001"},
		Domain: config.On,
	}

	result, err := selectSequences(context.Background(), store, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"P00001", "P00002"}, result.Accessions)
	assert.Equal(t, []domain.Span{{Start: 1, End: 100}}, result.Spans["P00001"])
}

func TestSelectSequencesExceedingMaxSequenceFails(t *testing.T) {
	store := refdb.NewFake()
	store.Families["PFAM/PF00001"] = map[string][]domain.Span{
		"P00001": {{Start: 1, End: 100}},
		"P00002": {{Start: 1, End: 50}},
	}

	cfg := &config.Config{
		Pfam:        []string{"PF00001"},
		MaxSequence: 1,
	}

	_, err := selectSequences(context.Background(), store, cfg)
	require.Error(t, err)
}

func TestWriteOutputsWritesConfiguredReports(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		AccessionOutput: filepath.Join(dir, "accessions.out"),
		NoMatchFile:     filepath.Join(dir, "nomatch.out"),
		SeqCountFile:    filepath.Join(dir, "seqcount.out"),
	}
	result := &selection.Result{
		Accessions: []string{"P00001", "P00002"},
		NoMatches:  []refdb.NoMatch{{QueryID: "Q00001", Reason: refdb.NotFoundDatabase}},
	}

	require.NoError(t, writeOutputs(cfg, result))

	accData, err := os.ReadFile(cfg.AccessionOutput)
	require.NoError(t, err)
	assert.Equal(t, "P00001\nP00002\n", string(accData))

	countData, err := os.ReadFile(cfg.SeqCountFile)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(countData))

	noMatchData, err := os.ReadFile(cfg.NoMatchFile)
	require.NoError(t, err)
	assert.Equal(t, "Q00001\tNOT_FOUND_DATABASE\n", string(noMatchData))
}

func TestWriteAccessionFileEmitsDomainSpansWhenQualified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accessions.txt")
	result := &selection.Result{
		Accessions: []string{"P00001", "P00002"},
		Spans: map[string][]domain.Span{
			"P00001": {{Start: 1, End: 41}, {Start: 50, End: 90}},
		},
	}

	require.NoError(t, writeAccessionFile(path, result, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "P00001:1:41\nP00001:50:90\n", string(data))
}
