package experiment

import (
	"math"
	"math/rand"
)

// Posterior is a Beta(alpha, beta) belief over one variant's success rate.
type Posterior struct {
	Alpha float64
	Beta  float64
}

func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Sample draws from Beta(alpha, beta) as X/(X+Y) with X~Gamma(alpha),
// Y~Gamma(beta).
func (p Posterior) Sample(rng *rand.Rand) float64 {
	x := sampleGamma(rng, p.Alpha)
	y := sampleGamma(rng, p.Beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method. Shapes below 1 are boosted and corrected with a
// uniform power, the standard trick for that regime.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// PickBest runs one Thompson round: draw from every posterior, return the
// index of the largest draw.
func PickBest(rng *rand.Rand, posteriors []Posterior) int {
	best := 0
	bestDraw := math.Inf(-1)
	for i, p := range posteriors {
		if draw := p.Sample(rng); draw > bestDraw {
			best = i
			bestDraw = draw
		}
	}
	return best
}

// Allocate distributes n assignments over the arms by repeated Thompson
// rounds. Uncertain arms keep winning a share of draws until the evidence
// squeezes them out.
func Allocate(rng *rand.Rand, posteriors []Posterior, n int) []int {
	counts := make([]int, len(posteriors))
	for i := 0; i < n; i++ {
		counts[PickBest(rng, posteriors)]++
	}
	return counts
}

// ProbBest estimates, by Monte Carlo, the probability that each arm has the
// highest true success rate.
func ProbBest(rng *rand.Rand, posteriors []Posterior, rounds int) []float64 {
	wins := make([]float64, len(posteriors))
	if rounds <= 0 || len(posteriors) == 0 {
		return wins
	}
	for i := 0; i < rounds; i++ {
		wins[PickBest(rng, posteriors)]++
	}
	for i := range wins {
		wins[i] /= float64(rounds)
	}
	return wins
}
