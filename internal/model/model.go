// Package model implements the seed-based generative model and the
// marginals baseline. Both expose the same capability surface: propose
// a synthetic candidate from a seed, and compute the log-probability
// that propose would have produced exactly that candidate. The two must
// realize the same distribution or the plausible-deniability test that
// sits on top of them is meaningless.
package model

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/dataset"
	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/pkg/models"
)

// PrimaryBudget names the budget covering the count-vector queries.
const PrimaryBudget = "primary"

// GenerativeModel is the capability surface the synthesizer needs.
type GenerativeModel interface {
	// Propose returns a new synthetic candidate based on the model and
	// the given seed. The seed may be nil iff the model is seedless.
	Propose(seed *models.Record) (*models.Record, error)

	// PDF returns the natural log of the probability that Propose(seed)
	// yields exactly fake.
	PDF(seed, fake *models.Record) float64

	// LnPDF reports whether PDF returns log-probabilities. Always true
	// for the models here; the synthesizer keys its class arithmetic on
	// it.
	LnPDF() bool

	// IsSeedless reports whether Propose and PDF ignore the seed.
	IsSeedless() bool

	Initialize() error
	Shutdown()
}

type privBudget struct {
	budgetVal  float64
	maxQueries float64
	effEps     float64
}

// constraint restricts one feature attribute to a group of values.
type constraint struct {
	attrIdx uint16
	values  []uint16 // sorted group members
}

func (c constraint) render(sb *strings.Builder) {
	fmt.Fprintf(sb, "%d:", c.attrIdx)
	for i, v := range c.values {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "%d", v)
	}
}

// cacheKey renders the canonical key for a conditional count vector.
// Constraints must already be sorted by attribute index; the same byte
// string keys both the cache and the seeded-noise generator.
func cacheKey(attrIdx uint16, cds []constraint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d_", attrIdx)
	for i, c := range cds {
		if i > 0 {
			sb.WriteByte(';')
		}
		c.render(&sb)
	}
	return sb.String()
}

// base carries everything the two variants share: the stats matrix, the
// count-vector cache, and the privacy budgeting.
type base struct {
	cfg  *config.Config
	rand *rng.RNG
	meta *metadata.Metadata
	rt   *rtm.RTM

	attrs int
	omega int
	order []uint16 // effective order: the omega-suffix of the graph order

	stats *dataset.Matrix

	counts      map[string][]float64
	countsBytes uint64

	totalBudget  float64
	advancedComp bool
	geomNoise    bool
	budgets      map[string]*privBudget
}

func newBase(cfg *config.Config, r *rng.RNG, meta *metadata.Metadata, rt *rtm.RTM, stats []*models.Record) (*base, error) {
	omega, err := cfg.OmegaValue()
	if err != nil {
		return nil, err
	}

	graphOrder := meta.Order()
	if len(graphOrder) != cfg.Attrs {
		panic("model: imputation order length disagrees with the attribute count")
	}
	order := graphOrder
	if omega < cfg.Attrs {
		order = graphOrder[cfg.Attrs-omega:]
	}
	log.Printf("(Graph) order: %v; effective order: %v, omega: %d", graphOrder, order, omega)

	b := &base{
		cfg:     cfg,
		rand:    r,
		meta:    meta,
		rt:      rt,
		attrs:   cfg.Attrs,
		omega:   omega,
		order:   order,
		counts:  make(map[string][]float64),
		budgets: make(map[string]*privBudget),
	}

	bm := meta.Budget("stats")
	b.totalBudget = bm.WEps
	log.Printf("[Generative model privacy budget] %s, budget: %v", bm.Name, b.totalBudget)

	switch cfg.NDist {
	case "no", "none":
		b.totalBudget = 0.0
	case "lap":
	case "geom":
		b.geomNoise = true
	default:
		return nil, errs.Configf("unrecognized noise dist: %q", cfg.NDist)
	}

	switch {
	case cfg.NComp == "seq" || cfg.NComp == "def":
	case cfg.AdvancedComp():
		b.advancedComp = true
	default:
		return nil, errs.Configf("unrecognized noise composition: %q", cfg.NComp)
	}

	b.stats = dataset.NewMatrix(stats, cfg.Attrs)
	log.Printf("Generative model started up with %d records from 'stats' dataset", b.stats.Rows())
	return b, nil
}

// count returns the conditional count vector for attribute attrIdx under
// the sorted constraint list cds, computing and caching it on first use.
func (b *base) count(attrIdx uint16, cds []constraint) []float64 {
	start := time.Now()
	key := cacheKey(attrIdx, cds)

	if c, ok := b.counts[key]; ok {
		b.rt.Add("Imputation::count-Elapsed", time.Since(start).Seconds())
		return c
	}

	numVals := int(b.meta.Attr(attrIdx).Vals)
	fillVal := b.cfg.DirHyper / float64(numVals)

	c := make([]float64, numVals)
	for i := range c {
		c[i] = fillVal
	}
	rows := b.stats.Rows()
	for i := 0; i < rows; i++ {
		allMatch := true
		for _, cd := range cds {
			if !containsValue(cd.values, b.stats.At(i, int(cd.attrIdx))) {
				allMatch = false
				break
			}
		}
		if allMatch {
			c[b.stats.At(i, int(attrIdx))] += 1.0
		}
	}

	b.addNoise(c, key, fillVal, PrimaryBudget)

	b.counts[key] = c
	b.countsBytes += uint64(numVals)*8 + 8

	et := time.Since(start).Seconds()
	b.rt.Add("Imputation::count-new-Elapsed", et)
	b.rt.Add("Imputation::count-Elapsed", et)
	return c
}

// containsValue does a binary search over the sorted group members.
func containsValue(sorted []uint16, v uint16) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= v })
	return i < len(sorted) && sorted[i] == v
}

// calculateBudget derives the per-query effective epsilon for a budget
// entry, choosing the better of sequential and advanced composition.
func (b *base) calculateBudget(pb *privBudget) error {
	if pb.budgetVal <= 0 {
		pb.effEps = 0.0
		return nil
	}

	seqEps := pb.budgetVal / pb.maxQueries
	effEps := seqEps
	if b.advancedComp {
		// Rule of thumb: advanced composition only beats sequential
		// composition from roughly 64 queries upward (for a final
		// epsilon around 1).
		lambda := b.cfg.Lambda
		invLnDelta := lambda / math.Log2(math.E)
		k := pb.maxQueries
		sq := math.Sqrt(2 * k * invLnDelta)

		// The advanced-composition bound has no closed form for effEps,
		// so start from the quadratic approximation
		// eps1*(exp(eps1)-1) ~= eps1^2 and walk the target epsilon down
		// until the exact bound fits.
		eps := pb.budgetVal
		const decv = 0.001
		const maxIter = 1000000
		for iter := 0; ; iter++ {
			if iter >= maxIter {
				return errs.Configf("advanced composition solver did not converge (budget %v, queries %v)", pb.budgetVal, pb.maxQueries)
			}
			if eps <= 0 {
				return errs.Configf("advanced composition solver ran out of budget (budget %v, queries %v)", pb.budgetVal, pb.maxQueries)
			}
			effEps = (1.0 / (2 * k)) * (-sq + math.Sqrt(sq*sq+4*k*eps))
			targetEps := effEps*sq + k*effEps*(math.Exp(effEps)-1.0)
			eps -= decv
			if targetEps <= pb.budgetVal {
				break
			}
		}

		if effEps < seqEps {
			log.Printf("[!!DP!!] Adv. comp yielded a smaller effEps (%v) than required for seq. comp (%v), using the latter.", effEps, seqEps)
			effEps = seqEps
		}
	}
	pb.effEps = effEps

	if effEps <= 0 {
		panic("model: derived a non-positive effective epsilon")
	}
	log.Printf("[DP] effEps -> %v (max queries: %v, eps1: %v, advComp: %v)", effEps, pb.maxQueries, pb.budgetVal, b.advancedComp)
	return nil
}

// noiseValue draws one unit of DP noise from the named budget.
func (b *base) noiseValue(budgetName string) float64 {
	if b.totalBudget <= 0.0 {
		return 0.0
	}
	pb, ok := b.budgets[budgetName]
	if !ok {
		panic("model: noise requested before budgets were set up")
	}
	if pb.effEps <= 0 {
		return 0.0
	}

	if b.geomNoise {
		// alpha = e^-effEps gives eps-DP for counts (sensitivity 1).
		return b.rand.GeomDP(math.Exp(-pb.effEps))
	}
	return b.rand.Laplace(0, 1.0/pb.effEps)
}

// addNoise perturbs each slot of c once, clamping back to the prior fill
// value so no probability can drop to or below zero. Under seeded noise
// the draws come from a generator keyed by the query key, so every
// caller computing this vector observes identical noise.
func (b *base) addNoise(c []float64, key string, fillVal float64, budgetName string) {
	verb := b.cfg.VerboseAtLeast(config.VerboseFull)

	if b.cfg.SeededNoise {
		h := rng.HashString(key)
		b.rand.PushSeed(h)
		if verb {
			log.Printf("Setting RNG seed to %x, key: %s", h, key)
		}
		defer func() {
			b.rand.PopSeed()
			if verb {
				log.Println("Resetting RNG seed.")
			}
		}()
	}

	if b.totalBudget > 0 {
		for i := range c {
			c[i] += b.noiseValue(budgetName)
			if c[i] < fillVal {
				c[i] = fillVal
			}
		}
	}
}

// initBudgets sets up the primary budget: one count-vector query per
// attribute.
func (b *base) initBudgets() error {
	if len(b.budgets) != 0 {
		panic("model: budgets already set up")
	}
	if b.totalBudget <= 0 {
		return nil
	}
	primary := &privBudget{budgetVal: b.totalBudget, maxQueries: float64(b.attrs)}
	if err := b.calculateBudget(primary); err != nil {
		return err
	}
	b.budgets[PrimaryBudget] = primary
	return nil
}

// showBudgets logs every budget entry and checks the total.
func (b *base) showBudgets() {
	log.Printf("[DP] ndist: %s, ncomp: %s, i.e. (totalBudget: %v)", b.cfg.NDist, b.cfg.NComp, b.totalBudget)

	if b.totalBudget > 0 && len(b.budgets) == 0 {
		panic("model: positive budget but no budget entries")
	}
	if len(b.budgets) == 0 {
		log.Println("[DP] no budgets.")
	}

	names := make([]string, 0, len(b.budgets))
	for name := range b.budgets {
		names = append(names, name)
	}
	sort.Strings(names)

	budgetSum := 0.0
	for _, name := range names {
		pb := b.budgets[name]
		log.Printf("[DP] budget: %s, eps: %v, max queries: %v, effEps: %v", name, pb.budgetVal, pb.maxQueries, pb.effEps)
		budgetSum += pb.budgetVal
	}
	b.checkBudget(budgetSum)
}

func (b *base) checkBudget(budgetSum float64) {
	if budgetSum > b.totalBudget+rng.Epsilon {
		panic(fmt.Sprintf("model: recorded budgets (%v) exceed the total budget (%v)", budgetSum, b.totalBudget))
	}
	if b.totalBudget-budgetSum >= 0.1 {
		log.Printf("[!!DP!! -- Warning] underused privacy budget: %v / %v", budgetSum, b.totalBudget)
	}
}

// getCDS appends one constraint per feature attribute in fs, each
// restricting the feature to the group containing rec's value.
func (b *base) getCDS(rec *models.Record, fs []uint16, cds []constraint, verb bool) []constraint {
	for _, a := range fs {
		g := b.meta.GroupingFor(a)
		rv := rec.Vals[a]
		grpIdx := g.IV[rv]
		members := g.Groups[grpIdx]
		if !containsValue(members, rv) {
			panic("model: grouping does not contain its own value")
		}
		if verb {
			log.Printf("For attr %d rec; rv: %d, grpidx: %d, grpset: %v", a, rv, grpIdx, members)
		}
		cds = append(cds, constraint{attrIdx: a, values: members})
	}
	return cds
}

// checkCDS asserts each feature attribute appears at most once and the
// imputed attribute not at all.
func checkCDS(attrIdx uint16, cds []constraint) {
	seen := make(map[uint16]bool, len(cds))
	for _, c := range cds {
		if c.attrIdx == attrIdx {
			panic("model: constraint on the attribute being imputed")
		}
		seen[c.attrIdx] = true
	}
	if len(seen) != len(cds) {
		panic("model: duplicate constraint attribute")
	}
}

// Shutdown reports the memory held by the count-vector cache.
func (b *base) Shutdown() {
	memMB := uint64(math.Ceil(float64(b.countsBytes) / (1024 * 1024)))
	log.Printf("[Performance] Memory usage for the Dirichlet params: %d MB", memMB)
}

// LnPDF is true for every model in this package.
func (b *base) LnPDF() bool { return true }
