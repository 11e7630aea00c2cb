// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/efi-tools/efissn/internal/config"
	"github.com/efi-tools/efissn/internal/pipeline"
)

// renderScripts builds the batch script body for every standard
// pipeline stage: each one re-invokes this binary's "stage" subcommand
// against the shared working directory, the way a real cluster job
// calls back into a small wrapper binary rather than embedding the
// pipeline logic directly in shell. shards is the blast/diamond array
// count computed by pipeline.ArrayCount, threaded through to the
// fracfile and blast stages so they agree on how many shards to split
// into and search.
func renderScripts(cfg *config.Config, shards int) map[pipeline.StageName]string {
	self, err := os.Executable()
	if err != nil {
		self = "efissn"
	}
	base := func(name pipeline.StageName) string {
		return fmt.Sprintf("%s stage %s --workdir %s --job-id %s --db-config %s",
			self, name, cfg.Tmp, cfg.JobID, cfg.ConfigPath)
	}
	script := func(cmdLine string) string {
		return "#!/bin/sh\nexec " + cmdLine + "\n"
	}

	scripts := make(map[pipeline.StageName]string)
	scripts[pipeline.InitialImport] = script(base(pipeline.InitialImport))
	scripts[pipeline.Multiplex] = script(fmt.Sprintf("%s --maxlen %d --minlen %d", base(pipeline.Multiplex), cfg.MaxLen, cfg.MinLen))
	scripts[pipeline.FracFile] = script(fmt.Sprintf("%s --shards %d", base(pipeline.FracFile), shards))
	scripts[pipeline.CreateDB] = script(base(pipeline.CreateDB))
	scripts[pipeline.Blast] = script(fmt.Sprintf("%s --shards %d --tool %s --evalue %g --blasthits %d",
		base(pipeline.Blast), shards, cfg.BlastTool, cfg.EValue, cfg.BlastHits))
	scripts[pipeline.CatJob] = script(fmt.Sprintf("%s --shards %d", base(pipeline.CatJob), shards))
	scripts[pipeline.BlastReduce] = script(base(pipeline.BlastReduce))
	scripts[pipeline.Demux] = script(fmt.Sprintf("%s --sim %g --lengthdif %g --cd-hit=%t --no-demux=%t",
		base(pipeline.Demux), cfg.Sim, cfg.LengthDif, cfg.CDHit, cfg.NoDemux))
	scripts[pipeline.ConvRatio] = script(fmt.Sprintf("%s --conv-ratio-file %s", base(pipeline.ConvRatio), cfg.ConvRatioFile))
	scripts[pipeline.Graphs] = script(fmt.Sprintf("%s --out %s --meta-file %s", base(pipeline.Graphs), cfg.Out, cfg.MetaFile))
	return scripts
}
