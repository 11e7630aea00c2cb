// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package annotation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/annotation"
)

const blocks = "P00001\n" +
	"\tOrganism\tHomo sapiens\n" +
	"\tDescription\t\n" +
	"\tGO\tGO:0001, GO:0002 ,GO:0003\n" +
	"P00002\n" +
	"\tOrganism\tMus musculus\n" +
	"\tCustomKey\tsomething\n"

func schema() annotation.Schema {
	return annotation.Schema{
		Order:    []string{"Organism", "Description", "GO"},
		ListKeys: map[string]bool{"GO": true},
	}
}

func TestParseBlocksAndEmptyValue(t *testing.T) {
	entries, err := annotation.Parse(strings.NewReader(blocks), schema())
	require.NoError(t, err)
	require.Contains(t, entries, "P00001")

	e := entries["P00001"]
	assert.Equal(t, "Homo sapiens", e.Scalars["Organism"])
	assert.Equal(t, "None", e.Scalars["Description"])
	assert.Equal(t, []string{"GO:0001", "GO:0002", "GO:0003"}, e.Lists["GO"])
}

func TestKeyOrderSchemaFirstThenUnknown(t *testing.T) {
	entries, err := annotation.Parse(strings.NewReader(blocks), schema())
	require.NoError(t, err)

	e := entries["P00002"]
	assert.Equal(t, []string{"Organism", "CustomKey"}, e.Keys)
}

func TestParseRejectsAttributeBeforeAccession(t *testing.T) {
	_, err := annotation.Parse(strings.NewReader("\tOrganism\tHuman\n"), schema())
	assert.Error(t, err)
}
