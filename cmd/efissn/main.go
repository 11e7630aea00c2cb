// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// efissn builds a sequence similarity network for a protein family:
// it resolves the requested InterPro/Pfam/Gene3D/SSF families and user
// accessions against the reference database, selects and fractions
// the working sequence set, then renders and submits the batch job
// graph (multiplex, fraction, BLAST/DIAMOND all-vs-all search, edge
// reduction, cluster demux, and network/annotation output) to Torque
// or Slurm.
//
// efissn also answers to a second, internal calling convention: each
// batch job submitted by the pipeline re-invokes this same binary with
// "efissn stage <name> --workdir <dir>" to run its piece of the work
// on the compute node, the way cmd/ins's own subprocess-invoking
// commands are themselves small wrappers around a shared binary.
package main

import (
	"context"
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("efissn: ")

	if len(os.Args) > 1 && os.Args[1] == "stage" {
		if err := runStage(context.Background(), os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
