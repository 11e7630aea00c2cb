// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xgmml_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efi-tools/efissn/internal/domain"
	"github.com/efi-tools/efissn/internal/xgmml"
)

func TestWriteEmitsDatabaseCommentAndNodes(t *testing.T) {
	net := xgmml.NewNetwork("test-network", "efi-db-2024-01")
	net.AddNode("P00001", "P00001", domain.Span{}, []xgmml.Attr{
		{Key: "Sequence_Length", Type: xgmml.AttrInteger, Value: "10"},
		{Key: "Description", Type: xgmml.AttrString, Value: "desc \x01 with control char"},
		{Key: "Organisms", Type: xgmml.AttrList, Items: []string{"human", "mouse"}},
	})

	var buf bytes.Buffer
	wroteNotice, err := xgmml.Write(&buf, net, 0, "")
	require.NoError(t, err)
	assert.False(t, wroteNotice)

	out := buf.String()
	assert.Contains(t, out, "<!--Database: efi-db-2024-01-->")
	assert.Contains(t, out, `<node id="P00001" label="P00001">`)
	assert.Contains(t, out, `value="10"`)
	assert.NotContains(t, out, "\x01")
	assert.Contains(t, out, `<att type="list" name="Organisms">`)
}

func TestWriteOverridesSequenceLengthForDomainNodes(t *testing.T) {
	net := xgmml.NewNetwork("test-network", "v1")
	net.AddNode("P00001:10:50", "P00001", domain.Span{Start: 10, End: 50}, []xgmml.Attr{
		{Key: "Sequence_Length", Type: xgmml.AttrInteger, Value: "999"},
	})

	var buf bytes.Buffer
	_, err := xgmml.Write(&buf, net, 0, "")
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `name="Sequence_Length" value="41"`)
}

func TestWriteSizeGuardWritesNoticeInstead(t *testing.T) {
	net := xgmml.NewNetwork("big", "v1")
	net.AddNode("A", "A", domain.Span{}, nil)
	net.AddNode("B", "B", domain.Span{}, nil)
	net.AddNode("C", "C", domain.Span{}, nil)
	require.NoError(t, net.AddEdge("A", "B", 90, 50, 100))
	require.NoError(t, net.AddEdge("B", "C", 90, 50, 100))

	dir := t.TempDir()
	noticePath := filepath.Join(dir, "graphs.failed")

	var buf bytes.Buffer
	wroteNotice, err := xgmml.Write(&buf, net, 1, noticePath)
	require.NoError(t, err)
	assert.True(t, wroteNotice)
	assert.Empty(t, buf.String())
}

func TestAddEdgeUnknownNodeErrors(t *testing.T) {
	net := xgmml.NewNetwork("g", "v1")
	net.AddNode("A", "A", domain.Span{}, nil)
	err := net.AddEdge("A", "B", 1, 1, 1)
	assert.Error(t, err)
}
