package extract

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/dataset"
	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
)

// Params selects one of the three extraction modes: plausible
// deniability only, DP with explicit (count, k, eps0, tStep), or DP with
// (count, lambda, maxEps) resolved by the lambda-parametric search.
type Params struct {
	WithDP     bool
	FromLambda bool

	K           int
	OutputCount int
	Eps0        float64
	TStep       int

	Lambda float64
	MaxEps float64
}

// ParseArgs interprets the positional arguments following the output
// prefix.
func ParseArgs(args []string) (*Params, error) {
	switch len(args) {
	case 1:
		k, err := strconv.Atoi(args[0])
		if err != nil || k <= 0 {
			return nil, errs.Configf("invalid k %q (must be >0)", args[0])
		}
		log.Printf("Extraction parameters: k=%d (plausible deniability only).", k)
		return &Params{WithDP: false, K: k}, nil

	case 3:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, errs.Configf("invalid output count %q", args[0])
		}
		lambda, err := strconv.ParseFloat(args[1], 64)
		if err != nil || lambda <= 0 {
			return nil, errs.Configf("invalid lambda %q (must be >0)", args[1])
		}
		maxEps, err := strconv.ParseFloat(args[2], 64)
		if err != nil || maxEps <= 0 {
			return nil, errs.Configf("invalid maxEps %q (must be >0)", args[2])
		}
		log.Printf("Extraction parameters: lambda=%v, and maxEps=%v (DP)", lambda, maxEps)
		return &Params{WithDP: true, FromLambda: true, OutputCount: n, Lambda: lambda, MaxEps: maxEps}, nil

	case 4:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, errs.Configf("invalid output count %q", args[0])
		}
		k, err := strconv.Atoi(args[1])
		if err != nil || k <= 0 {
			return nil, errs.Configf("invalid k %q (must be >0)", args[1])
		}
		eps0, err := strconv.ParseFloat(args[2], 64)
		if err != nil || eps0 <= 0 {
			return nil, errs.Configf("invalid eps0 %q (must be >0)", args[2])
		}
		tStep, err := strconv.Atoi(args[3])
		if err != nil || tStep <= 0 || tStep >= k {
			return nil, errs.Configf("invalid tinc %q (must be >0 and <k)", args[3])
		}
		log.Printf("Extraction parameters: count=%d, k=%d, and eps0=%v (DP)", n, k, eps0)
		return &Params{WithDP: true, OutputCount: n, K: k, Eps0: eps0, TStep: tStep}, nil
	}
	return nil, errs.Configf("wrong number of extraction arguments")
}

// Run reads the generator output, applies the privacy test to each
// candidate in uniformly permuted order, and writes the survivors to
// <outPrefix>.synth (and .seeds when enabled at build time). It returns
// the number of released records.
func (p *Params) Run(cfg *config.Config, meta *metadata.Metadata, r *rng.RNG, synthData *dataset.SynthSet, outPrefix string) (int, error) {
	omega, err := cfg.OmegaValue()
	if err != nil {
		return 0, err
	}
	seedless := cfg.Mechanism != config.MechSeedBased || omega == cfg.Attrs
	if seedless {
		log.Println("Model is seedless...")
	}

	if !p.FromLambda && p.WithDP && p.K < 2 {
		return 0, errs.Configf("privacy parameter k is too small to get DP guarantees")
	}

	count := synthData.Size()
	if count == 0 {
		return 0, errs.IOf("synthetic dataset is empty")
	}

	outputCount := p.OutputCount
	if outputCount == 0 {
		outputCount = count
	}
	if outputCount > count {
		log.Printf("Synthetic dataset only contains %d records, cannot output more.", count)
		outputCount = count
	}

	header := meta.HeaderLine()

	var seedsOut *lineWriter
	if outputSeeds && !seedless {
		// Publishing the seeds is NOT privacy-preserving; only enabled
		// via the outputseeds build tag.
		seedsOut, err = newLineWriter(outPrefix + ".seeds")
		if err != nil {
			return 0, err
		}
		defer seedsOut.close()
		if err := seedsOut.writeLine(header); err != nil {
			return 0, err
		}
	}

	synthOut, err := newLineWriter(outPrefix + ".synth")
	if err != nil {
		return 0, err
	}
	defer synthOut.close()
	if err := synthOut.writeLine(header); err != nil {
		return 0, err
	}

	gam := cfg.Gamma

	log.Println("Extracting records which pass the privacy test...")

	// Permute the candidates so the released subset is a uniform one.
	perm := make([]uint32, count)
	for i := range perm {
		perm[i] = uint32(i)
	}
	r.RandomPermutation(perm)

	k := float64(p.K)
	eps0 := p.Eps0
	s := 0.0
	if p.FromLambda {
		var kv float64
		kv, s, eps0 = ParamsFromLambda(p.Lambda, p.MaxEps, gam, outputCount)
		k = kv
		log.Printf("Parameters computed from lambda: k=%v, eps0=%v", k, eps0)
	}

	passCount := 0
	for i := 0; i < count && passCount < outputCount; i++ {
		idx := int(perm[i])
		seed := synthData.Seeds[idx]
		synth := synthData.Synths[idx]
		psc := synthData.PSCounts[idx]

		pass := seedless || float64(psc) >= k
		if !seedless && p.WithDP {
			noisedPSC := float64(psc) + r.Laplace(0, 1.0/eps0)
			pass = noisedPSC >= k
		}
		if !pass {
			continue
		}
		passCount++
		if seedsOut != nil {
			if err := seedsOut.writeLine(seed.Desc()); err != nil {
				return passCount, err
			}
		}
		if err := synthOut.writeLine(synth.Desc()); err != nil {
			return passCount, err
		}
	}

	if passCount == 0 {
		log.Println("No records passed the privacy test.\nTweak the privacy parameters (k, eps0) or re-run the generator (with larger gamma and max_ps) and try again.")
		return 0, nil
	}

	log.Printf("Extracted %d synthetics which passed the privacy test.", passCount)
	p.reportGuarantees(seedless, passCount, gam, k, s, eps0)
	return passCount, nil
}

// reportGuarantees logs the achieved privacy guarantees, sweeping t in
// the explicit mode so the operator can see the trade-off.
func (p *Params) reportGuarantees(seedless bool, passCount int, gam, k, s, eps0 float64) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Privacy guarantees:\n\t- Plausible Deniability for k=%v, gamma=%v\n", k, gam)
	if p.WithDP {
		if seedless {
			sb.WriteString("\t- Differential Privacy (model is seedless).\n")
		} else {
			sb.WriteString("\t- Differential Privacy:\n")
			if p.FromLambda {
				t := k - s
				b := DPBudget(float64(passCount), gam, k, t, eps0, p.Lambda+1)
				fmt.Fprintf(&sb, "\t\teps=%v, delta=%v\t(%s)\n", b.Eps, b.Delta, b.Strategy)
			} else {
				for t := p.TStep; float64(t) <= k-float64(p.TStep); t += p.TStep {
					b := DPBudget(float64(passCount), gam, k, float64(t), eps0, DefaultAdvLambda)
					fmt.Fprintf(&sb, "\t\t t=%d: eps=%v, delta=%v\t(%s)\n", t, b.Eps, b.Delta, b.Strategy)
				}
			}
		}
	}
	log.Print(sb.String())
}

// lineWriter appends text lines to a freshly truncated file.
type lineWriter struct {
	fp string
	f  *os.File
	w  *bufio.Writer
}

func newLineWriter(fp string) (*lineWriter, error) {
	f, err := os.Create(fp)
	if err != nil {
		return nil, errs.IOWrap(err, "cannot create output file %s", fp)
	}
	return &lineWriter{fp: fp, f: f, w: bufio.NewWriter(f)}, nil
}

func (l *lineWriter) writeLine(s string) error {
	if _, err := l.w.WriteString(s + "\n"); err != nil {
		return errs.IOWrap(err, "short write to %s", l.fp)
	}
	return nil
}

func (l *lineWriter) close() {
	if err := l.w.Flush(); err != nil {
		log.Printf("Failed to flush %s: %v", l.fp, err)
	}
	l.f.Close()
}
