package model

import (
	"fmt"
	"log"
	"math"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/pkg/models"
)

// Marginals is the seedless baseline: one Dirichlet-multinomial per
// attribute, no conditioning. The uniform variant replaces the learned
// marginals with a uniform distribution over each domain.
type Marginals struct {
	*base

	vcs     [][]float64
	uniform bool
}

// NewMarginals builds the marginals model over the stats records.
func NewMarginals(cfg *config.Config, r *rng.RNG, meta *metadata.Metadata, rt *rtm.RTM, stats []*models.Record, uniform bool) (*Marginals, error) {
	if !cfg.SeededNoise {
		return nil, errs.Configf("seeded_noise must be true for mechanism %q", cfg.Mechanism)
	}
	b, err := newBase(cfg, r, meta, rt, stats)
	if err != nil {
		return nil, err
	}
	m := &Marginals{base: b, uniform: uniform}

	m.vcs = make([][]float64, m.attrs)
	for j := 0; j < m.attrs; j++ {
		numVals := int(meta.Attr(uint16(j)).Vals)
		fillVal := cfg.DirHyper / float64(numVals)
		vc := make([]float64, numVals)
		for i := range vc {
			vc[i] = fillVal
		}
		m.vcs[j] = vc
	}
	for _, rec := range stats {
		for j := 0; j < m.attrs; j++ {
			m.vcs[j][rec.Vals[j]] += 1.0
		}
	}

	log.Printf("Baseline generative model started up with %d records from 'stats' dataset", len(stats))
	return m, nil
}

// Initialize sets up the budgets and perturbs (or uniformizes) the
// per-attribute vectors. The marginals model adds its DP noise once
// here rather than lazily, since there is exactly one vector per
// attribute.
func (m *Marginals) Initialize() error {
	if err := m.initBudgets(); err != nil {
		return err
	}
	m.showBudgets()

	for j := 0; j < m.attrs; j++ {
		am := m.meta.Attr(uint16(j))
		vc := m.vcs[j]

		if m.uniform {
			for i := range vc {
				vc[i] = 1.0
			}
			rng.Normalize(vc)
		} else {
			key := fmt.Sprintf("i0_%s", am.Name)
			fillVal := m.cfg.DirHyper / float64(len(vc))
			m.addNoise(vc, key, fillVal, PrimaryBudget)
		}

		log.Printf("Sampling vc for attr %d -> %v", j, vc)
	}
	return nil
}

// IsSeedless is always true for the marginals model.
func (m *Marginals) IsSeedless() bool { return true }

// Propose draws each attribute independently from its marginal.
func (m *Marginals) Propose(seed *models.Record) (*models.Record, error) {
	if seed != nil {
		panic("model: marginals model must be proposed without a seed")
	}
	fake := models.NewRecord(m.attrs, models.InvalidValue)

	for j := 0; j < m.attrs; j++ {
		vc := m.vcs[j]
		var fv int
		if m.uniform {
			fv = m.rand.SampleFromVector(vc)
		} else {
			fv = m.rand.SampleDirichletMultinomial(vc)
		}
		fake.Vals[j] = uint16(fv)
	}

	psf := m.PDF(seed, fake)
	if m.cfg.VerboseAtLeast(config.VerboseFull) {
		log.Printf("fake: %s, ln(prob): %v", fake.Desc(), psf)
	}
	if psf > 0.0 || math.IsNaN(psf) {
		panic("model: marginals proposed a candidate with an invalid density")
	}
	return fake, nil
}

// PDF sums the per-attribute log-probabilities.
func (m *Marginals) PDF(seed, fake *models.Record) float64 {
	if seed != nil {
		panic("model: marginals model takes no seed")
	}
	ret := 0.0
	for j := 0; j < m.attrs; j++ {
		vc := m.vcs[j]
		fv := int(fake.Vals[j])
		var p float64
		if m.uniform {
			p = vc[fv]
		} else {
			p = rng.DirichletMultinomialSingleTrialPMF(vc, fv)
		}
		ret += math.Log(p)
	}
	return ret
}
