// Package synth runs the plausible-deniability synthesis loop: pick a
// seed, propose a candidate, compute its generation density, assign its
// gamma-equivalence class, and count how many other training records
// could plausibly have been the seed.
package synth

import (
	"log"
	"math"
	"time"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/model"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/pkg/models"
)

// Params configures one synthesis run.
type Params struct {
	// Gamma defines the width of the probability equivalence classes;
	// must be > 1.
	Gamma float64

	FakesPerSeed int
	Count        int

	// Runtime is the wall-clock bound in seconds.
	Runtime float64

	RandomPSOrder bool
	// MaxPS stops the plausible-seed scan once this many are found.
	MaxPS int
	// MaxCheckPS caps how many candidate seeds are scanned per fake.
	// Zero means unlimited.
	MaxCheckPS int
}

// Outputter receives every synthesized candidate with its seed.
type Outputter interface {
	Output(seed, fake *models.Record) error
}

// psInfo reports how a plausible-seed scan went.
type psInfo struct {
	checked int
	found   int
}

// Synthesizer drives the generation loop over a training dataset.
type Synthesizer struct {
	rand *rng.RNG
	rt   *rtm.RTM
	gen  model.GenerativeModel

	dataset []*models.Record
	recs    []*models.Record

	params   Params
	progress *Progress
}

// New builds a synthesizer over the training records.
func New(data []*models.Record, gen model.GenerativeModel, r *rng.RNG, rt *rtm.RTM) (*Synthesizer, error) {
	if len(data) >= math.MaxInt32 {
		return nil, errs.Configf("input dataset is too large")
	}
	return &Synthesizer{rand: r, rt: rt, gen: gen, dataset: data}, nil
}

// SetProgress attaches a progress tracker for the monitor API.
func (s *Synthesizer) SetProgress(p *Progress) { s.progress = p }

func (s *Synthesizer) validateParams() error {
	p := s.params
	if p.FakesPerSeed <= 0 {
		return errs.Configf("invalid synthesizer parameter (fps: %d)", p.FakesPerSeed)
	}
	if p.Count <= 0 {
		return errs.Configf("invalid synthesizer parameter (count: %d)", p.Count)
	}
	if p.Runtime <= 0 {
		return errs.Configf("invalid synthesizer parameter (runtime: %v)", p.Runtime)
	}
	if p.Gamma <= 1 {
		return errs.Configf("invalid synthesizer parameter (gamma: %v -- must be > 1)", p.Gamma)
	}
	return nil
}

func (s *Synthesizer) logParams() {
	p := s.params
	log.Printf("[Params -- Generation] count: %d, runtime: %v, fps: %d", p.Count, p.Runtime, p.FakesPerSeed)
	log.Printf("[Params -- Privacy Test] gamma: %v", p.Gamma)
	log.Printf("[Params -- Plausible Seeds] maxCheck: %d; maxToSearchFor: %d, random order: %v", p.MaxCheckPS, p.MaxPS, p.RandomPSOrder)
}

// Run synthesizes until the target count is produced or the runtime
// budget is exceeded, emitting every candidate through out.
func (s *Synthesizer) Run(params Params, out Outputter) error {
	s.params = params
	if err := s.validateParams(); err != nil {
		return err
	}

	log.Println("Starting Synthesizer...")
	start := time.Now()

	s.partition()

	if s.params.MaxCheckPS > len(s.recs) {
		s.params.MaxCheckPS = len(s.recs)
	}
	if s.params.MaxCheckPS > 0 && s.params.MaxPS > s.params.MaxCheckPS {
		s.params.MaxPS = s.params.MaxCheckPS
	}

	s.logParams()

	if err := s.gen.Initialize(); err != nil {
		return err
	}

	lnPDF := s.gen.LnPDF()
	seedless := s.gen.IsSeedless()

	var perm []uint32
	if !seedless {
		perm = make([]uint32, len(s.recs))
	}

	if s.progress != nil {
		s.progress.Start(s.params.Count)
	}

	produced := 0
loop:
	for produced < s.params.Count {
		seedIdx := s.pickSeed()
		seed := s.recs[seedIdx]

		for i := 0; i < s.params.FakesPerSeed; i++ {
			iterStart := time.Now()

			// A seedless model must not see the seed in any way.
			var seedPtr *models.Record
			if !seedless {
				seedPtr = seed
			}

			fake, err := s.gen.Propose(seedPtr)
			if err != nil {
				return err
			}
			fake.SeedIdx = seed.Idx
			fake.Idx = uint64(produced)

			var psf float64
			var psc int
			var ecidx int32

			if seedless {
				// No plausible-seed work: every training record is an
				// equally plausible seed.
				if lnPDF {
					psf = 0.0
				} else {
					psf = 1.0
				}
				psc = len(s.dataset)
				ecidx = -1
			} else {
				psf = s.gen.PDF(seedPtr, fake)
				if lnPDF {
					if psf > 0.0 {
						panic("synth: log-density above zero")
					}
				} else if psf <= 0.0 {
					panic("synth: density not positive")
				}
				ecidx = ProbClass(psf, s.params.Gamma, lnPDF)

				info := s.psCount(fake, psf, lnPDF, perm)
				psc = info.found

				if s.progress != nil {
					s.progress.AddScan(info.checked, info.found)
				}
			}

			fake.Props = models.SynthProps{
				Gamma:   s.params.Gamma,
				PSF:     psf,
				LnPDF:   lnPDF,
				ECIdx:   ecidx,
				PSCount: float64(psc),
			}

			if err := out.Output(seed, fake); err != nil {
				return err
			}
			produced++
			if s.progress != nil {
				s.progress.AddProduced(1)
			}

			s.rt.Add("Synthesizer::RunIter-Elapsed", time.Since(iterStart).Seconds())
		}

		if elapsed := time.Since(start).Seconds(); elapsed > s.params.Runtime {
			log.Printf("Synthesizer exiting before exceeding allowed time (elapsed: %v seconds).", elapsed)
			break loop
		}
	}

	s.gen.Shutdown()

	if produced >= s.params.Count {
		log.Printf("Synthesizer exited after producing the required number of fakes (%d).", produced)
	}
	s.rt.Add("Synthesizer::Run-Elapsed", time.Since(start).Seconds())
	return nil
}

// ProbClass assigns a density to its gamma-equivalence class: for a
// log-density p the class is ceil(-p / ln gamma), so two densities in
// the same class have a ratio below gamma; two densities whose ratio is
// below gamma can still fall on either side of a band edge. A zero
// density maps to math.MinInt32.
func ProbClass(p, gamma float64, lnPDF bool) int32 {
	if !lnPDF && p == 0.0 {
		return math.MinInt32
	}
	if lnPDF && math.IsInf(p, -1) {
		return math.MinInt32
	}
	if lnPDF {
		return int32(math.Ceil(-p / math.Log(gamma)))
	}
	return int32(math.Ceil(-math.Log(p) / math.Log(gamma)))
}

// psCount counts the training records whose density for fake lies in the
// same equivalence class as the actual seed's density psf. The scan is
// capped by MaxCheckPS (0 = unlimited) and stops early once MaxPS are
// found; the optional permutation keeps the caps from biasing toward
// low indices.
func (s *Synthesizer) psCount(fake *models.Record, psf float64, lnPDF bool, perm []uint32) psInfo {
	start := time.Now()

	psfClass := ProbClass(psf, s.params.Gamma, lnPDF)
	if psfClass < 0 {
		// The seed's own density is strictly positive, so its class
		// cannot be negative.
		panic("synth: seed density class below zero")
	}

	sz := len(s.recs)
	if sz == 0 || perm == nil {
		panic("synth: plausible-seed scan over an empty dataset")
	}
	for i := range perm {
		perm[i] = uint32(i)
	}
	if s.params.RandomPSOrder {
		s.rand.RandomPermutation(perm)
	}

	found := make(map[uint32]struct{})
	i := 0
	for ; i < sz; i++ {
		if s.params.MaxPS > 0 && len(found) >= s.params.MaxPS {
			break
		}
		if s.params.MaxCheckPS > 0 && i >= s.params.MaxCheckPS {
			break
		}

		idx := perm[i]
		prf := s.gen.PDF(s.recs[idx], fake)
		// The class may be negative here, but then it cannot equal the
		// seed's class.
		if ProbClass(prf, s.params.Gamma, lnPDF) == psfClass {
			found[idx] = struct{}{}
		}
	}

	s.rt.Add("Synthesizer::PSCount-Elapsed", time.Since(start).Seconds())
	return psInfo{checked: i, found: len(found)}
}

// pickSeed draws a uniformly random training record index.
func (s *Synthesizer) pickSeed() int {
	return int(s.rand.UniformInt(0, uint64(len(s.recs)-1)))
}

// partition selects the seed pool from the dataset. The whole training
// set is used.
func (s *Synthesizer) partition() {
	if len(s.dataset) == 0 {
		panic("synth: empty training dataset")
	}
	log.Println("Partitioning dataset...")
	s.recs = s.dataset
	log.Printf("Done (recs: %d).", len(s.recs))
}
