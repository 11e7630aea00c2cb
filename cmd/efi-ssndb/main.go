// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The efi-ssndb command allows the edges.db store left behind by a
// efissn pipeline run to be queried. edges.db is an ordered kv
// database holding every alphabetized candidate similarity edge staged
// by the blastreduce stage, keyed by (a, b, bitscore desc) so that
// reduction to one edge per pair is a single sequential scan.
// The db directory will be found in the working directory named in
// the log output of efissn and will remain after efissn completes a
// run. Output from efi-ssndb is a JSON stream on stdout: by default
// every staged candidate is written in pair order; with -reduced only
// the one surviving edge per pair (what Reduce would compute) is
// written.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/efi-tools/efissn/internal/edge"
)

func main() {
	dir := flag.String("db", "", "workdir containing edges.db")
	reduced := flag.Bool("reduced", false, "emit the reduced (one edge per pair) view instead of every staged candidate")
	flag.Parse()
	if *dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	store, err := edge.Open(*dir)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	enc := json.NewEncoder(os.Stdout)
	if *reduced {
		rows, err := store.Reduce()
		if err != nil {
			log.Fatal(err)
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				log.Fatal(err)
			}
		}
		return
	}

	rows, err := store.Dump()
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			log.Fatal(err)
		}
	}
}
