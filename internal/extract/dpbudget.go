// Package extract applies the privacy test to generator output and
// derives the differential-privacy budget the released set achieves.
package extract

import (
	"log"
	"math"
)

// DefaultAdvLambda is the lambda used for the advanced-composition delta
// when the caller does not supply one.
const DefaultAdvLambda = 80.0

// Budget is an (epsilon, delta) pair with the composition strategy that
// produced it.
type Budget struct {
	Eps      float64
	Delta    float64
	Strategy string
}

// DPBudget computes the (eps, delta) differential privacy achieved by
// releasing n synthetics under the plausible-deniability mechanism with
// threshold k, slack t and per-record eps0, picking whichever of
// sequential and advanced composition gives the smaller epsilon.
func DPBudget(n, gam, k, t, eps0, lambda float64) Budget {
	if t >= k {
		panic("extract: t must be below k")
	}

	epsp := eps0 + math.Log(1.0+gam/t)
	deltap := math.Exp(-eps0 * (k - t))

	seqEps := n * epsp
	seqDelta := n * deltap

	invLnDelta := lambda / math.Log2(math.E)
	advAddDelta := math.Pow(2.0, -lambda)
	advDelta := seqDelta + advAddDelta
	advEps := epsp*math.Sqrt(2*n*invLnDelta) + n*epsp*(math.Exp(epsp)-1.0)

	var b Budget
	if seqEps < advEps {
		b = Budget{Eps: seqEps, Delta: seqDelta, Strategy: "seq. comp."}
	} else {
		b = Budget{Eps: advEps, Delta: advDelta, Strategy: "adv. comp."}
	}
	if b.Delta > 1.0 {
		b.Delta = 1.0
	}
	return b
}

// ParamsFromLambda searches for (k, s, eps0) meeting the target privacy
// guarantee given lambda and the epsilon ceiling. The scale factor c
// grows until the resulting budget fits under maxEps; the search is
// capped so pathological inputs cannot spin forever.
func ParamsFromLambda(lambda, maxEps, gam float64, outputCount int) (k, s, eps0 float64) {
	if outputCount <= 0 {
		panic("extract: output count must be positive")
	}
	n := float64(outputCount)
	lambdabe := (lambda+1)/math.Log2(math.E) + math.Log(n)

	c := math.Ceil(math.Sqrt(n))
	for iter := 0; ; iter++ {
		s = math.Ceil(c * lambdabe)
		k = s + math.Ceil(c*gam)
		t := k - s
		eps0 = lambdabe / s

		b := DPBudget(n, gam, k, t, eps0, lambda+1)

		c += math.Min(math.Max(n/maxEps, 0.01), 1)
		if iter >= 100000 {
			log.Println("Exceeded max iterations.")
			break
		}
		if b.Eps <= maxEps {
			break
		}
	}
	return k, s, eps0
}
