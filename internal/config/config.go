// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses the orchestrator's command-line flags and its
// YAML reference-database location file, and validates the combined
// result before a run starts. Flag parsing stays on the standard
// library's flag package, in the teacher's own style (cmd/ins/main.go
// uses flag directly with a repeatable sliceValue type); only the
// database-location file is YAML, following nishad-srake's
// internal/config.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Toggle is an on/off flag value, parsed strictly from "on"/"off"
// rather than flag.Bool's true/false vocabulary, matching the
// spec's domain∈{on,off}/multiplexing∈{on,off} wording.
type Toggle int

const (
	Off Toggle = iota
	On
)

func (t Toggle) String() string {
	if t == On {
		return "on"
	}
	return "off"
}

func (t *Toggle) Set(s string) error {
	switch s {
	case "on":
		*t = On
	case "off":
		*t = Off
	default:
		return fmt.Errorf("must be \"on\" or \"off\", got %q", s)
	}
	return nil
}

// validBlastTools names the accepted --blast values: the BLAST+ family
// (blast, blast+, blast+simple all drive blastp) and the DIAMOND
// family (diamond, diamondsensitive), distinguished at search time by
// internal/blastx's Searcher selection.
var validBlastTools = map[string]bool{
	"blast": true, "blast+": true, "blast+simple": true,
	"diamond": true, "diamondsensitive": true,
}

// SchedulerKind names which batch scheduler backend to submit through.
type SchedulerKind int

const (
	Torque SchedulerKind = iota
	Slurm
)

func (s SchedulerKind) String() string {
	if s == Slurm {
		return "slurm"
	}
	return "torque"
}

func (s *SchedulerKind) Set(v string) error {
	switch v {
	case "torque", "":
		*s = Torque
	case "slurm":
		*s = Slurm
	default:
		return fmt.Errorf("must be \"torque\" or \"slurm\", got %q", v)
	}
	return nil
}

// sliceValue is a multi-value flag value, in the same idiom as
// cmd/ins/main.go's own sliceValue.
type sliceValue []string

func (s *sliceValue) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (s *sliceValue) String() string {
	return fmt.Sprintf("%q", []string(*s))
}

// DBLocation is the reference database's connection location, loaded
// from the YAML file named by --config.
type DBLocation struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN renders loc as a libpq-style connection string for pgxpool.
func (loc DBLocation) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		loc.Host, loc.Port, loc.User, loc.Password, loc.Database)
}

// Config is the fully parsed and validated set of options a run
// starts from.
type Config struct {
	InterPro, Pfam, Gene3D, SSF []string
	AccessionIDs                []string
	AccessionFile               string
	FastaFile                   string
	UseFastaHeaders             bool
	TaxID                       []string

	Domain         Toggle
	Fraction       int
	RandomFraction bool
	MaxSequence    int
	MaxLen, MinLen int
	EValue         float64

	Multiplex Toggle
	Sim       float64
	LengthDif float64
	NoDemux   bool
	CDHit     bool // manual-CD-HIT: clustered set becomes the new working set

	BlastTool string // "blast", "blast+", "blast+simple", "diamond", or "diamondsensitive"
	BlastHits int
	NP        int
	Queue     string
	MemQueue  string
	Scheduler SchedulerKind
	Tmp       string
	JobID     string
	DryRun    bool

	Out             string
	MetaFile        string
	AccessionOutput string
	NoMatchFile     string
	SeqCountFile    string
	ConvRatioFile   string

	ConfigPath string
	DB         DBLocation

	// PfamOnlyVerification is carried into selection.Policy (open
	// question #2). Accession-list/taxid input is verified against the
	// Pfam index whatever its value; setting it false does not verify
	// against the other family tables.
	PfamOnlyVerification bool
}

// Parse parses args (excluding the program name) into a Config,
// loads the YAML database-location file named by --config, and
// validates the result. It returns a human-readable error rather than
// calling os.Exit, so callers (and tests) control fatal behavior.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("efissn", flag.ContinueOnError)

	var ipro, pfam, gene3d, ssf, accIDs, taxid sliceValue
	fs.Var(&ipro, "ipro", "InterPro family accession (repeatable)")
	fs.Var(&pfam, "pfam", "Pfam family accession (repeatable)")
	fs.Var(&gene3d, "gene3d", "Gene3D family accession (repeatable)")
	fs.Var(&ssf, "ssf", "SSF family accession (repeatable)")
	fs.Var(&accIDs, "accession-id", "explicit UniProt accession (repeatable)")
	fs.Var(&taxid, "taxid", "restrict selection to a taxon ID (repeatable)")

	accessionFile := fs.String("accession-file", "", "file of accession IDs, one per line")
	fastaFile := fs.String("fasta-file", "", "user-supplied FASTA file")
	useFastaHeaders := fs.Bool("use-fasta-headers", false, "parse UniProt IDs out of FASTA headers")

	domain := Off
	fs.Var(&domain, "domain", "restrict to per-family domain windows: on or off")
	fraction := fs.Int("fraction", 1, "keep one in every N accessions (1 = keep all)")
	randomFraction := fs.Bool("random-fraction", false, "sample --fraction's cardinality uniformly at random")
	maxSequence := fs.Int("maxsequence", 0, "fail if more than this many accessions are selected (0 = unbounded)")
	maxLen := fs.Int("maxlen", 0, "maximum sequence length (0 = unbounded)")
	minLen := fs.Int("minlen", 0, "minimum sequence length")
	evalue := fs.String("evalue", "5", "BLAST/DIAMOND e-value; a bare integer N means 1e-N")

	multiplex := Off
	fs.Var(&multiplex, "multiplex", "multiplex small sequences into composite queries: on or off")
	sim := fs.Float64("sim", 1.0, "cd-hit sequence identity threshold (0-1)")
	lengthdif := fs.Float64("lengthdif", 1.0, "cd-hit length difference cutoff (0-1)")
	cdhit := fs.Bool("cd-hit", false, "manual-CD-HIT: clustered representatives become the new working set")
	noDemux := fs.Bool("no-demux", false, "keep representative-pair edges instead of expanding clusters")

	blastTool := fs.String("blast", "blast", "all-vs-all search tool: blast, blast+, blast+simple, diamond, or diamondsensitive")
	blastHits := fs.Int("blasthits", 0, "maximum hits per BLAST/DIAMOND query (0 = tool default)")
	np := fs.Int("np", 1, "requested array-job parallelism")
	queue := fs.String("queue", "", "batch queue for ordinary stages")
	memQueue := fs.String("memqueue", "", "batch queue for memory-heavy stages")
	scheduler := Torque
	fs.Var(&scheduler, "scheduler", "batch scheduler backend: torque or slurm")
	tmp := fs.String("tmp", "", "working directory for intermediate files")
	jobID := fs.String("job-id", "", "identifier embedded in batch job names")
	dryRun := fs.Bool("dryrun", false, "render and log batch scripts without submitting them")

	out := fs.String("out", "", "output directory for the network and reports")
	metaFile := fs.String("meta-file", "", "FASTA-header metadata stream path")
	accessionOutput := fs.String("accession-output", "", "selected-accession list path")
	noMatchFile := fs.String("no-match-file", "", "unmatched/duplicate accession report path")
	seqCountFile := fs.String("seq-count-file", "", "selected sequence count path")
	convRatioFile := fs.String("conv-ratio-file", "", "convergence-ratio report path (enables the conv_ratio stage)")

	configPath := fs.String("config", "", "YAML reference-database location file (required)")
	pfamOnly := fs.Bool("pfam-only-verification", true, "verify accession-list/taxid input against Pfam alone")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ev, err := parseEValue(*evalue)
	if err != nil {
		return nil, fmt.Errorf("config: --evalue: %w", err)
	}

	cfg := &Config{
		InterPro: ipro, Pfam: pfam, Gene3D: gene3d, SSF: ssf,
		AccessionIDs: accIDs, AccessionFile: *accessionFile,
		FastaFile: *fastaFile, UseFastaHeaders: *useFastaHeaders,
		TaxID: taxid,

		Domain: domain, Fraction: *fraction, RandomFraction: *randomFraction,
		MaxSequence: *maxSequence, MaxLen: *maxLen, MinLen: *minLen, EValue: ev,

		Multiplex: multiplex, Sim: *sim, LengthDif: *lengthdif,
		CDHit: *cdhit, NoDemux: *noDemux,

		BlastTool: *blastTool, BlastHits: *blastHits, NP: *np,
		Queue: *queue, MemQueue: *memQueue, Scheduler: scheduler,
		Tmp: *tmp, JobID: *jobID, DryRun: *dryRun,

		Out: *out, MetaFile: *metaFile, AccessionOutput: *accessionOutput,
		NoMatchFile: *noMatchFile, SeqCountFile: *seqCountFile,
		ConvRatioFile: *convRatioFile,

		ConfigPath:           *configPath,
		PfamOnlyVerification: *pfamOnly,
	}

	if cfg.ConfigPath != "" {
		if err := loadDBLocation(cfg.ConfigPath, &cfg.DB); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDBLocation reads and parses a YAML reference-database location
// file directly, for callers (such as a resubmitted batch stage) that
// need only the database location without the rest of flag parsing
// and validation Parse performs.
func LoadDBLocation(path string) (DBLocation, error) {
	var loc DBLocation
	err := loadDBLocation(path, &loc)
	return loc, err
}

func loadDBLocation(path string, loc *DBLocation) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, loc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// parseEValue normalizes the --evalue flag: a bare non-negative
// integer N is read as 1e-N (the convention the EFI tooling this spec
// is modeled on has always used), anything else is parsed as a plain
// float.
func parseEValue(s string) (float64, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("bare integer e-value must be non-negative, got %d", n)
		}
		return pow10(-n), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid e-value %q", s)
	}
	return v, nil
}

func pow10(n int) float64 {
	v := 1.0
	if n >= 0 {
		for i := 0; i < n; i++ {
			v *= 10
		}
		return v
	}
	for i := 0; i > n; i-- {
		v /= 10
	}
	return v
}

// Validate checks the combined configuration, returning the first
// violation found as a human-readable error.
func (c *Config) Validate() error {
	var sources []string
	if len(c.InterPro)+len(c.Pfam)+len(c.Gene3D)+len(c.SSF) > 0 {
		sources = append(sources, "family")
	}
	if len(c.AccessionIDs) > 0 || c.AccessionFile != "" {
		sources = append(sources, "accession")
	}
	if c.FastaFile != "" {
		sources = append(sources, "fasta-file")
	}
	sort.Strings(sources)
	switch len(sources) {
	case 0:
		return errors.New("config: no input source given (need a family flag, an accession source, or --fasta-file)")
	case 1:
		// ok
	default:
		return fmt.Errorf("config: exactly one input source is required, got %s", strings.Join(sources, ", "))
	}

	if c.Fraction < 1 {
		return fmt.Errorf("config: --fraction must be a positive integer, got %d", c.Fraction)
	}
	if c.Sim < 0 || c.Sim > 1 {
		return fmt.Errorf("config: --sim must be in [0,1], got %v", c.Sim)
	}
	if c.LengthDif < 0 || c.LengthDif > 1 {
		return fmt.Errorf("config: --lengthdif must be in [0,1], got %v", c.LengthDif)
	}
	if !validBlastTools[c.BlastTool] {
		return fmt.Errorf("config: --blast must be one of blast, blast+, blast+simple, diamond, diamondsensitive, got %q", c.BlastTool)
	}
	if c.ConfigPath == "" {
		return errors.New("config: --config is required (reference database location)")
	}
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: reference database location is incomplete (need at least host and database)")
	}
	return nil
}
