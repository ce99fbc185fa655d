// Package config loads the engine configuration from an INI file with a
// single [all] section, fills in defaults, validates, and optionally
// persists the filled-in file back (saveconf).
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/pkg/models"
)

// Mechanism names.
const (
	MechSeedBased = "seedbased"
	MechMarginals = "marginals"
)

// Verbose levels.
const (
	VerboseNone = 0x0
	VerboseInfo = 0x10
	VerboseFull = 0x20
)

// Defaults.
const (
	DefaultRuntime    = 2 * 3600 // seconds
	DefaultCount      = 1 << 20
	DefaultNDist      = "lap"
	DefaultNComp      = "seq"
	DefaultLambda     = 60.0
	DefaultBudget     = 1.0
	DefaultOmega      = "m"
	DefaultDirHyper   = 1.0
	DefaultGamma      = 4.0
	DefaultMaxPS      = 1000
	DefaultMaxCheckPS = 100000
)

// Config holds the parsed run configuration.
type Config struct {
	Workdir    string
	DataPrefix string
	Attrs      int
	Mechanism  string

	Verbose  int
	Runtime  float64
	Count    int
	RNGSeed  uint64
	SaveConf bool

	NDist  string
	NComp  string
	Lambda float64
	Budget float64

	Omega    string
	DirHyper float64

	Gamma        float64
	MaxPS        int
	MaxCheckPS   int
	RandomPS     bool
	FakesPerSeed int

	SeededNoise bool

	// Optional adjuncts: synthesis monitor port and run-history DB. Zero
	// and empty mean disabled.
	APIPort int
	DBURL   string

	path string
	file *ini.File
}

// Load parses and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errs.ConfigWrap(err, "cannot load config file %s", path)
	}
	sec := f.Section("all")

	c := &Config{path: path, file: f}

	c.Workdir = sec.Key("workdir").String()
	if c.Workdir == "" {
		return nil, errs.Configf("no working directory specified")
	}
	c.DataPrefix = sec.Key("dataprefix").String()
	if c.DataPrefix == "" {
		return nil, errs.Configf("no data file path prefix specified")
	}

	attrs, err := sec.Key("attrs").Int()
	if err != nil || attrs <= 0 || attrs > models.MaxAttrCount {
		return nil, errs.Configf("invalid number of attributes per record: %q", sec.Key("attrs").String())
	}
	c.Attrs = attrs

	c.Mechanism = sec.Key("mechanism").String()
	if c.Mechanism != MechSeedBased && c.Mechanism != MechMarginals {
		return nil, errs.Configf("unrecognized mechanism: %q", c.Mechanism)
	}

	c.Verbose = keyInt(sec, "verbose", VerboseInfo)
	c.Runtime = keyFloat(sec, "runtime", DefaultRuntime)
	c.Count = keyInt(sec, "count", DefaultCount)
	c.SaveConf = keyBool(sec, "saveconf", false)

	seed, err := sec.Key("rngseed").Uint64()
	if err != nil {
		seed = 0
		sec.Key("rngseed").SetValue("0")
	}
	c.RNGSeed = seed

	c.NDist = keyString(sec, "ndist", DefaultNDist)
	switch c.NDist {
	case "no", "none", "lap", "geom":
	default:
		return nil, errs.Configf("unrecognized noise distribution: %q", c.NDist)
	}

	c.NComp = keyString(sec, "ncomp", DefaultNComp)
	if c.NComp != "seq" && c.NComp != "def" && !isAdv(c.NComp) {
		return nil, errs.Configf("unrecognized noise composition strategy: %q", c.NComp)
	}

	c.Lambda = keyFloat(sec, "lambda", DefaultLambda)
	if c.Lambda <= 0 {
		return nil, errs.Configf("invalid lambda %v (must be > 0)", c.Lambda)
	}
	c.Budget = keyFloat(sec, "budget", DefaultBudget)
	if c.Budget < 0 {
		return nil, errs.Configf("invalid budget %v (must be >= 0)", c.Budget)
	}

	c.Omega = keyString(sec, "omega", DefaultOmega)
	if _, err := c.OmegaValue(); err != nil {
		return nil, err
	}

	c.DirHyper = keyFloat(sec, "dir_hyperp", DefaultDirHyper)
	if c.DirHyper < 0 {
		return nil, errs.Configf("invalid dir_hyperp %v (must be >= 0)", c.DirHyper)
	}

	c.Gamma = keyFloat(sec, "gamma", DefaultGamma)
	c.MaxPS = keyInt(sec, "max_ps", DefaultMaxPS)
	c.MaxCheckPS = keyInt(sec, "max_check_ps", DefaultMaxCheckPS)
	c.RandomPS = keyBool(sec, "random_ps", true)
	c.FakesPerSeed = keyInt(sec, "fakes_per_seed", 1)
	c.SeededNoise = keyBool(sec, "seeded_noise", true)

	c.APIPort = keyInt(sec, "apiport", 0)
	c.DBURL = keyString(sec, "dburl", os.Getenv("DATABASE_URL"))

	if err := os.MkdirAll(filepath.Join(c.Workdir, "gen"), 0o755); err != nil {
		return nil, errs.IOWrap(err, "cannot create gen directory under %s", c.Workdir)
	}

	if c.SaveConf {
		if err := f.SaveTo(path); err != nil {
			return nil, errs.IOWrap(err, "cannot save config back to %s", path)
		}
	}
	return c, nil
}

// OmegaValue resolves the omega key: "m" means all attributes
// (seedless); otherwise an integer in [0, attrs].
func (c *Config) OmegaValue() (int, error) {
	if c.Omega == "m" {
		return c.Attrs, nil
	}
	v, err := strconv.Atoi(c.Omega)
	if err != nil || v < 0 || v > c.Attrs {
		return 0, errs.Configf("invalid omega: %q", c.Omega)
	}
	return v, nil
}

// AdvancedComp reports whether the composition strategy is advanced.
func (c *Config) AdvancedComp() bool { return isAdv(c.NComp) }

// NoiseDisabled reports whether DP noise on sufficient statistics is
// turned off.
func (c *Config) NoiseDisabled() bool { return c.NDist == "no" || c.NDist == "none" }

// VerboseAtLeast reports whether the configured level reaches lvl.
func (c *Config) VerboseAtLeast(lvl int) bool { return c.Verbose >= lvl }

// Print writes the effective configuration to the log.
func (c *Config) Print() {
	log.Println("Config:")
	for _, sec := range c.file.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		log.Printf("[%s]", sec.Name())
		for _, k := range sec.Keys() {
			log.Printf("\t%s=%s", k.Name(), k.Value())
		}
	}
}

// InitLogging tees the standard logger to <workdir>/logs/<pid>.log and
// returns a closer for the log file.
func (c *Config) InitLogging() (func(), error) {
	dir := filepath.Join(c.Workdir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.IOWrap(err, "cannot create log directory %s", dir)
	}
	fp := filepath.Join(dir, fmt.Sprintf("%d.log", os.Getpid()))
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.IOWrap(err, "cannot open log file %s", fp)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { log.SetOutput(os.Stderr); f.Close() }, nil
}

func isAdv(s string) bool { return len(s) >= 3 && s[:3] == "adv" }

func keyString(sec *ini.Section, name, def string) string {
	if !sec.HasKey(name) || sec.Key(name).String() == "" {
		sec.Key(name).SetValue(def)
	}
	return sec.Key(name).String()
}

func keyInt(sec *ini.Section, name string, def int) int {
	if !sec.HasKey(name) {
		sec.Key(name).SetValue(strconv.Itoa(def))
	}
	return sec.Key(name).MustInt(def)
}

func keyFloat(sec *ini.Section, name string, def float64) float64 {
	if !sec.HasKey(name) {
		sec.Key(name).SetValue(strconv.FormatFloat(def, 'g', -1, 64))
	}
	return sec.Key(name).MustFloat64(def)
}

func keyBool(sec *ini.Section, name string, def bool) bool {
	if !sec.HasKey(name) {
		sec.Key(name).SetValue(strconv.FormatBool(def))
	}
	return sec.Key(name).MustBool(def)
}
