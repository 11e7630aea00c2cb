// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selection_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/fastahdr"
	"github.com/efi-tools/efissn/internal/refdb"
	"github.com/efi-tools/efissn/internal/selection"
)

func TestSelectUnionsAndMergesSpans(t *testing.T) {
	store := refdb.NewFake()
	family := map[string][]domain.Span{
		"A1": {{Start: 10, End: 50}},
	}
	fastaEntries := []fastahdr.Entry{
		{ID: "zzzzz1", Synthetic: true, Description: "user seq", SeqLength: 30},
	}

	res, err := selection.Select(context.Background(), store, selection.Policy{Domain: true}, family, nil, nil, nil, fastaEntries, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A1", "zzzzz1"}, res.Accessions)
	assert.Equal(t, []domain.Span{{Start: 10, End: 50}}, res.Spans["A1"])
	assert.True(t, res.Metadata["zzzzz1"].Synthetic)
}

func TestSelectDomainOffUsesWholeSequence(t *testing.T) {
	store := refdb.NewFake()
	fastaEntries := []fastahdr.Entry{
		{ID: "zzzzz1", Synthetic: true, SeqLength: 42},
	}

	res, err := selection.Select(context.Background(), store, selection.Policy{Domain: false}, nil, nil, nil, nil, fastaEntries, nil)
	require.NoError(t, err)

	require.Len(t, res.Spans["zzzzz1"], 1)
	assert.Equal(t, domain.Span{Start: 1, End: 42}, res.Spans["zzzzz1"][0])
}

func TestSelectVerifiesDirectAccessionQueries(t *testing.T) {
	store := refdb.NewFake()
	store.Pfam["P00001"] = []domain.Span{{Start: 1, End: 100}}

	res, err := selection.Select(context.Background(), store, selection.Policy{Domain: true}, nil, nil, []string{"P00001", "P99999"}, nil, nil, nil)
	require.NoError(t, err)

	assert.Contains(t, res.Accessions, "P00001")
	assert.NotContains(t, res.Accessions, "P99999")
	var sawMiss bool
	for _, nm := range res.NoMatches {
		if nm.QueryID == "P99999" && nm.Reason == refdb.NotFoundDatabase {
			sawMiss = true
		}
	}
	assert.True(t, sawMiss)
}

func TestSelectFlagsCrossSourceDuplicates(t *testing.T) {
	store := refdb.NewFake()
	store.Pfam["P00001"] = []domain.Span{{Start: 1, End: 10}}

	res, err := selection.Select(context.Background(), store, selection.Policy{Domain: true}, nil, nil, []string{"P00001"}, nil, nil, []string{"P00001"})
	require.NoError(t, err)

	assert.Contains(t, res.Accessions, "P00001")
	var sawDup bool
	for _, nm := range res.NoMatches {
		if nm.QueryID == "P00001" && nm.Reason == refdb.Duplicate {
			sawDup = true
		}
	}
	assert.True(t, sawDup)
}

func TestSelectMaxSequenceExceeded(t *testing.T) {
	store := refdb.NewFake()
	family := map[string][]domain.Span{
		"A1": {{Start: 1, End: 10}},
		"A2": {{Start: 1, End: 10}},
		"A3": {{Start: 1, End: 10}},
	}

	_, err := selection.Select(context.Background(), store, selection.Policy{Domain: true, MaxSequence: 2}, family, nil, nil, nil, nil, nil)
	require.ErrorIs(t, err, selection.ErrCapacityExceeded)
}

func TestApplyFractionDeterministic(t *testing.T) {
	store := refdb.NewFake()
	family := map[string][]domain.Span{
		"A1": {{Start: 1, End: 10}},
		"A2": {{Start: 1, End: 10}},
		"A3": {{Start: 1, End: 10}},
		"A4": {{Start: 1, End: 10}},
	}

	res, err := selection.Select(context.Background(), store, selection.Policy{Domain: true, Fraction: 2}, family, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2", "A4"}, res.Accessions)
}

func TestApplyFractionRandomSamplesToSameCardinality(t *testing.T) {
	store := refdb.NewFake()
	family := map[string][]domain.Span{
		"A1": {{Start: 1, End: 10}},
		"A2": {{Start: 1, End: 10}},
		"A3": {{Start: 1, End: 10}},
		"A4": {{Start: 1, End: 10}},
	}
	policy := selection.Policy{Domain: true, Fraction: 2, RandomFraction: true, RandSource: rand.New(rand.NewSource(42))}

	res, err := selection.Select(context.Background(), store, policy, family, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.Accessions, 2)
}
