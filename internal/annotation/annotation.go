// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package annotation loads the tab-delimited annotation file attached
// to each accession selected for the network: an accession line opens
// a block, and each following "\tkey\tvalue" line is one attribute of
// that block until the next unindented accession line (or EOF) closes
// it, in the same line-oriented scanning style the teacher uses for
// its own flat-file formats (cmd/ins/fragment.go).
package annotation

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// noneValue is substituted for an empty attribute value.
const noneValue = "None"

// Schema describes how to interpret and order attribute keys: Order
// gives the display order for known keys (unknown keys are appended
// after them in first-seen order), and ListKeys names keys whose
// values are comma-separated lists rather than scalars.
type Schema struct {
	Order    []string
	ListKeys map[string]bool
}

// Entry is one parsed annotation block.
type Entry struct {
	Accession string
	Scalars   map[string]string
	Lists     map[string][]string
	// Keys is the full attribute key order for this entry: schema
	// order first, then any unknown keys in the order they were
	// encountered.
	Keys []string
}

// Parse reads a tab-delimited annotation file and returns one Entry
// per accession block, keyed by accession.
func Parse(r io.Reader, schema Schema) (map[string]*Entry, error) {
	entries := make(map[string]*Entry)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *Entry
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if strings.HasPrefix(raw, "\t") {
			if cur == nil {
				return nil, fmt.Errorf("annotation: line %d: attribute line before any accession", lineNo)
			}
			key, value, err := parseAttrLine(raw)
			if err != nil {
				return nil, fmt.Errorf("annotation: line %d: %w", lineNo, err)
			}
			addAttr(cur, schema, key, value)
			continue
		}
		acc := strings.TrimSpace(raw)
		cur = &Entry{Accession: acc, Scalars: make(map[string]string), Lists: make(map[string][]string)}
		entries[acc] = cur
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		e.Keys = orderKeys(e, schema)
	}
	return entries, nil
}

func parseAttrLine(raw string) (key, value string, err error) {
	line := strings.TrimPrefix(raw, "\t")
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed attribute line: %q", raw)
	}
	return parts[0], parts[1], nil
}

func addAttr(e *Entry, schema Schema, key, value string) {
	value = strings.TrimSpace(value)
	if schema.ListKeys[key] {
		var items []string
		for _, v := range strings.Split(value, ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				items = append(items, v)
			}
		}
		e.Lists[key] = items
		touchKey(e, key)
		return
	}
	if value == "" {
		value = noneValue
	}
	e.Scalars[key] = value
	touchKey(e, key)
}

func touchKey(e *Entry, key string) {
	for _, k := range e.Keys {
		if k == key {
			return
		}
	}
	e.Keys = append(e.Keys, key)
}

// orderKeys produces the final display order for e: every schema key
// that appears in the entry, in schema order, followed by unknown
// keys in the order they were first seen.
func orderKeys(e *Entry, schema Schema) []string {
	seen := make(map[string]bool, len(e.Keys))
	var ordered []string
	for _, k := range schema.Order {
		if hasKey(e, k) {
			ordered = append(ordered, k)
			seen[k] = true
		}
	}
	for _, k := range e.Keys {
		if !seen[k] {
			ordered = append(ordered, k)
			seen[k] = true
		}
	}
	return ordered
}

func hasKey(e *Entry, key string) bool {
	if _, ok := e.Scalars[key]; ok {
		return true
	}
	_, ok := e.Lists[key]
	return ok
}
