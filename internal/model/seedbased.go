package model

import (
	"log"
	"math"
	"sort"
	"time"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/pkg/models"
)

// SeedBased is the seed-based generative model: the first attrs-omega
// attributes are copied from the seed, the remaining omega are
// re-sampled in imputation order from Dirichlet-multinomial
// conditionals keyed by the best-feature sets.
type SeedBased struct {
	*base
}

// NewSeedBased builds the seed-based model over the stats records.
func NewSeedBased(cfg *config.Config, r *rng.RNG, meta *metadata.Metadata, rt *rtm.RTM, stats []*models.Record) (*SeedBased, error) {
	if !cfg.SeededNoise {
		return nil, errs.Configf("seeded_noise must be true for mechanism %q", cfg.Mechanism)
	}
	b, err := newBase(cfg, r, meta, rt, stats)
	if err != nil {
		return nil, err
	}
	m := &SeedBased{base: b}

	log.Printf("Seed-based generative model started up with omega: %d", m.omega)
	if m.omega == m.attrs {
		log.Printf("[Warning] omega is set to %d -> this is seedless!", m.attrs)
	}
	return m, nil
}

// Initialize sets up the privacy budgeting.
func (m *SeedBased) Initialize() error {
	if err := m.initBudgets(); err != nil {
		return err
	}
	m.showBudgets()
	return nil
}

// IsSeedless reports whether every attribute is re-sampled.
func (m *SeedBased) IsSeedless() bool { return m.omega == m.attrs }

// Propose generates a synthetic candidate from seed.
func (m *SeedBased) Propose(seed *models.Record) (*models.Record, error) {
	start := time.Now()
	verb := m.cfg.VerboseAtLeast(config.VerboseFull)

	// Start with every attribute unset; non-imputed attributes take the
	// seed's values.
	fake := models.NewRecord(m.attrs, models.InvalidValue)

	if m.omega < m.attrs {
		if seed == nil {
			panic("model: nil seed for a non-seedless model")
		}
		inOrder := m.orderSet()
		for attrIdx := 0; attrIdx < m.attrs; attrIdx++ {
			if !inOrder[uint16(attrIdx)] {
				fake.Vals[attrIdx] = seed.Vals[attrIdx]
			}
		}
	}

	if verb {
		log.Printf("propose() called on seed: %s", recordDesc(seed))
	}

	resampled := make(map[uint16]bool, len(m.order))
	for _, attrIdx := range m.order {
		vc, numVals := m.getVC(fake, attrIdx, resampled)
		validx := m.rand.SampleDirichletMultinomial(vc)
		if validx >= numVals {
			panic("model: sampled index out of the attribute domain")
		}
		fake.Vals[attrIdx] = uint16(validx)
		if verb {
			log.Printf("\tvc: %v, sampled: %d", vc, validx)
		}
		resampled[attrIdx] = true
	}
	if len(resampled) != len(m.order) {
		panic("model: imputation order walked an attribute twice")
	}

	// Sanity check: the candidate must be reachable from its own seed.
	psf := m.PDF(seed, fake)
	if verb {
		log.Printf("seed: %s -> fake: %s, ln(prob): %v", recordDesc(seed), fake.Desc(), psf)
	}
	if psf > 0.0 || math.IsNaN(psf) || math.IsInf(psf, -1) {
		panic("model: propose produced a candidate with an invalid density")
	}

	m.rt.Add("SeedBased::proposed-Elapsed", time.Since(start).Seconds())
	return fake, nil
}

// PDF returns the log-probability that Propose(seed) yields fake.
func (m *SeedBased) PDF(seed, fake *models.Record) float64 {
	start := time.Now()
	defer func() {
		m.rt.Add("SeedBased::pdf-Elapsed", time.Since(start).Seconds())
	}()

	if m.omega < m.attrs {
		if seed == nil {
			panic("model: nil seed for a non-seedless model")
		}
		// The copy factor is discrete: any disagreement on a
		// non-resampled attribute makes the candidate unreachable.
		inOrder := m.orderSet()
		for attrIdx := 0; attrIdx < m.attrs; attrIdx++ {
			if !inOrder[uint16(attrIdx)] && fake.Vals[attrIdx] != seed.Vals[attrIdx] {
				return math.Inf(-1)
			}
		}
	}

	ret := 0.0
	resampled := make(map[uint16]bool, len(m.order))
	for _, attrIdx := range m.order {
		// Reconstructing the constraints from the fake is valid: on the
		// copy prefix the fake and the seed are identical here, and the
		// resampled prefix holds exactly what propose generated.
		vc, _ := m.getVC(fake, attrIdx, resampled)
		p := rng.DirichletMultinomialSingleTrialPMF(vc, int(fake.Vals[attrIdx]))
		ret += math.Log(p)
		resampled[attrIdx] = true
	}
	return ret
}

// getVC looks up (or computes) the conditional count vector for
// attrIdx given the values the fake currently holds on its feature set.
func (m *SeedBased) getVC(fake *models.Record, attrIdx uint16, resampled map[uint16]bool) ([]float64, int) {
	verb := m.cfg.VerboseAtLeast(config.VerboseFull)

	fs := m.meta.BFSFor(attrIdx).AttrIdx
	for _, a := range fs {
		if a == attrIdx {
			panic("model: attribute lists itself as a parent")
		}
	}

	var copied, newlyAvail []uint16
	for _, a := range fs {
		if resampled[a] {
			newlyAvail = append(newlyAvail, a)
		} else {
			copied = append(copied, a)
		}
	}

	for _, a := range fs {
		if v := fake.Vals[a]; v == models.InvalidValue || v > models.MaxValue {
			log.Printf("Inconsistency between the dependency DAG and the provided topological sorting order!")
			panic("model: feature attribute not yet available during imputation")
		}
	}

	numVals := int(m.meta.Attr(attrIdx).Vals)
	if verb {
		log.Printf("\tImputing attr: %d (%d vals), using fs: %v [copied: %v, newlyAvail: %v]", attrIdx, numVals, fs, copied, newlyAvail)
	}

	// When both partitions are empty this degenerates to the marginals,
	// as it should. Both partitions read the fake: the copy prefix
	// already holds the seed's values.
	cds := make([]constraint, 0, len(fs))
	cds = m.getCDS(fake, copied, cds, verb)
	cds = m.getCDS(fake, newlyAvail, cds, verb)
	checkCDS(attrIdx, cds)

	sort.Slice(cds, func(i, j int) bool { return cds[i].attrIdx < cds[j].attrIdx })
	checkCDS(attrIdx, cds)

	return m.count(attrIdx, cds), numVals
}

// orderSet returns membership of the effective imputation order.
func (m *SeedBased) orderSet() map[uint16]bool {
	s := make(map[uint16]bool, len(m.order))
	for _, a := range m.order {
		s[a] = true
	}
	return s
}

func recordDesc(r *models.Record) string {
	if r == nil {
		return "NULL"
	}
	return r.Desc()
}

// compile-time interface checks
var (
	_ GenerativeModel = (*SeedBased)(nil)
	_ GenerativeModel = (*Marginals)(nil)
)
