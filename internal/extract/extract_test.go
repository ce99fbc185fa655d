package extract

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/dataset"
	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/pkg/models"
)

func toyMetadata(t *testing.T, budget float64) *metadata.Metadata {
	t.Helper()
	dir := t.TempDir()
	prefix := filepath.Join(dir, "toy")
	files := map[string]string{
		metadata.AttrsSuffix: "age,a1,a2,a3,a4\nzip,z1,z2,z3,z4\nedu,e1,e2,e3,e4\n",
		metadata.BFSSuffix:   "0.5\n1,3,0.8\n1,0.7\n",
		metadata.OrderSuffix: "1\n3\n2\n",
		metadata.GrpsSuffix:  "1,1,2,2\n1,2,1,2\n1,1,1,2\n",
	}
	for suffix, content := range files {
		if err := os.WriteFile(prefix+suffix, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m, err := metadata.Load(prefix, budget, false)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func toySynthSet(pscs []uint64) *dataset.SynthSet {
	s := &dataset.SynthSet{}
	for i, psc := range pscs {
		seed := models.NewRecord(3, 0)
		seed.Idx = uint64(i)
		synth := models.NewRecord(3, uint16(i%4))
		synth.Idx = uint64(i)
		s.Seeds = append(s.Seeds, seed)
		s.Synths = append(s.Synths, synth)
		s.PSCounts = append(s.PSCounts, psc)
	}
	return s
}

func toyConfig(mech, omega string) *config.Config {
	return &config.Config{
		Workdir:    "unused",
		DataPrefix: "unused",
		Attrs:      3,
		Mechanism:  mech,
		Omega:      omega,
		Gamma:      4.0,
		Budget:     1.0,
		Lambda:     60,
	}
}

func TestDPBudgetPerRecordEpsilon(t *testing.T) {
	// eps' = eps0 + ln(1 + gamma/t); with gamma=4, t=1, eps0=0.5 each
	// record contributes 0.5 + ln(5) under sequential composition.
	n := 10.0
	b := DPBudget(n, 4.0, 3, 1, 0.5, DefaultAdvLambda)
	wantPerRecord := 0.5 + math.Log(5.0)
	if b.Strategy != "seq. comp." {
		t.Fatalf("strategy = %q, want sequential for small n", b.Strategy)
	}
	if math.Abs(b.Eps/n-wantPerRecord) > 1e-12 {
		t.Errorf("per-record eps = %v, want %v", b.Eps/n, wantPerRecord)
	}
	wantDelta := n * math.Exp(-0.5*2)
	if math.Abs(b.Delta-wantDelta) > 1e-12 {
		t.Errorf("delta = %v, want %v", b.Delta, wantDelta)
	}
}

func TestDPBudgetMonotoneInN(t *testing.T) {
	prev := 0.0
	for n := 1; n <= 200; n += 7 {
		b := DPBudget(float64(n), 4.0, 50, 10, 0.1, DefaultAdvLambda)
		if b.Eps < prev {
			t.Fatalf("eps decreased from %v to %v at n=%d", prev, b.Eps, n)
		}
		prev = b.Eps
	}
}

func TestDPBudgetMonotoneInT(t *testing.T) {
	prev := math.Inf(1)
	for tv := 1; tv <= 49; tv++ {
		b := DPBudget(100, 4.0, 50, float64(tv), 0.1, DefaultAdvLambda)
		if b.Eps > prev {
			t.Fatalf("eps increased from %v to %v at t=%d", prev, b.Eps, tv)
		}
		prev = b.Eps
	}
}

func TestDPBudgetDeltaClamp(t *testing.T) {
	// A tiny eps0 with a small gap makes delta' near 1; n of them must
	// still clamp to 1.
	b := DPBudget(1000, 4.0, 3, 2, 1e-6, DefaultAdvLambda)
	if b.Delta > 1.0 {
		t.Errorf("delta = %v, want clamped to 1", b.Delta)
	}
}

func TestParamsFromLambdaMeetsCeiling(t *testing.T) {
	const (
		lambda = 10.0
		maxEps = 2.0
		gam    = 4.0
		n      = 100
	)
	k, s, eps0 := ParamsFromLambda(lambda, maxEps, gam, n)
	if k <= s || s <= 0 || eps0 <= 0 {
		t.Fatalf("degenerate parameters: k=%v s=%v eps0=%v", k, s, eps0)
	}
	b := DPBudget(n, gam, k, k-s, eps0, lambda+1)
	if b.Eps > maxEps {
		t.Errorf("search returned eps %v above the ceiling %v", b.Eps, maxEps)
	}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(*Params) bool
	}{
		{"pd only", []string{"5"}, false, func(p *Params) bool {
			return !p.WithDP && p.K == 5
		}},
		{"lambda form", []string{"100", "60", "1.0"}, false, func(p *Params) bool {
			return p.WithDP && p.FromLambda && p.OutputCount == 100 && p.Lambda == 60 && p.MaxEps == 1.0
		}},
		{"explicit form", []string{"100", "500", "0.1", "25"}, false, func(p *Params) bool {
			return p.WithDP && !p.FromLambda && p.K == 500 && p.Eps0 == 0.1 && p.TStep == 25
		}},
		{"zero k", []string{"0"}, true, nil},
		{"negative lambda", []string{"100", "-1", "1.0"}, true, nil},
		{"tinc at k", []string{"100", "10", "0.1", "10"}, true, nil},
		{"wrong arity", []string{"1", "2"}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseArgs() succeeded, want error")
				}
				var cfgErr *errs.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Errorf("error = %v, want a ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArgs() error: %v", err)
			}
			if !tt.check(p) {
				t.Errorf("ParseArgs() = %+v", p)
			}
		})
	}
}

func TestRunSeedlessPassesEverything(t *testing.T) {
	// A seedless model (omega = m) passes every candidate under the
	// plausible-deniability test, regardless of the recorded counts.
	cfg := toyConfig(config.MechSeedBased, "m")
	meta := toyMetadata(t, cfg.Budget)
	synthData := toySynthSet([]uint64{0, 0, 0})
	outPrefix := filepath.Join(t.TempDir(), "out")

	p := &Params{WithDP: false, K: 1}
	passCount, err := p.Run(cfg, meta, rng.New(1), synthData, outPrefix)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if passCount != 3 {
		t.Fatalf("passCount = %d, want 3", passCount)
	}

	raw, err := os.ReadFile(outPrefix + ".synth")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("synth file has %d lines, want header + 3", len(lines))
	}
	if lines[0] != "age, zip, edu" {
		t.Errorf("header line = %q", lines[0])
	}
}

func TestRunPDOnlyThreshold(t *testing.T) {
	cfg := toyConfig(config.MechSeedBased, "2")
	meta := toyMetadata(t, cfg.Budget)
	synthData := toySynthSet([]uint64{5, 1, 10, 2, 3})
	outPrefix := filepath.Join(t.TempDir(), "out")

	p := &Params{WithDP: false, K: 3}
	passCount, err := p.Run(cfg, meta, rng.New(1), synthData, outPrefix)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// Counts {5, 10, 3} reach the threshold.
	if passCount != 3 {
		t.Errorf("passCount = %d, want 3", passCount)
	}
}

func TestRunOutputCountBound(t *testing.T) {
	cfg := toyConfig(config.MechSeedBased, "m")
	meta := toyMetadata(t, cfg.Budget)
	synthData := toySynthSet([]uint64{0, 0, 0, 0, 0})
	outPrefix := filepath.Join(t.TempDir(), "out")

	p := &Params{WithDP: true, FromLambda: true, OutputCount: 2, Lambda: 10, MaxEps: 2.0}
	passCount, err := p.Run(cfg, meta, rng.New(1), synthData, outPrefix)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if passCount != 2 {
		t.Errorf("passCount = %d, want the requested 2", passCount)
	}
}

func TestRunDPRejectsSmallK(t *testing.T) {
	cfg := toyConfig(config.MechSeedBased, "2")
	meta := toyMetadata(t, cfg.Budget)
	synthData := toySynthSet([]uint64{5, 5})
	outPrefix := filepath.Join(t.TempDir(), "out")

	p := &Params{WithDP: true, K: 1, OutputCount: 2, Eps0: 0.5, TStep: 1}
	_, err := p.Run(cfg, meta, rng.New(1), synthData, outPrefix)
	if err == nil {
		t.Fatal("Run() accepted k < 2 with DP")
	}
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want a ConfigError", err)
	}
}

func TestRunDPNoisyThresholdIsDeterministic(t *testing.T) {
	cfg := toyConfig(config.MechSeedBased, "2")
	meta := toyMetadata(t, cfg.Budget)

	run := func(seed uint64) int {
		synthData := toySynthSet([]uint64{50, 1, 40, 2, 60, 3, 45, 4})
		outPrefix := filepath.Join(t.TempDir(), "out")
		p := &Params{WithDP: true, K: 30, OutputCount: 8, Eps0: 0.5, TStep: 5}
		passCount, err := p.Run(cfg, meta, rng.New(seed), synthData, outPrefix)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		return passCount
	}

	a := run(7)
	b := run(7)
	if a != b {
		t.Fatalf("same seed gave different pass counts: %d vs %d", a, b)
	}
	// Counts far above and far below the threshold should survive the
	// Laplace(1/0.5) noise with near certainty.
	if a < 3 || a > 5 {
		t.Errorf("passCount = %d, expected the four large counts (within noise)", a)
	}
}
