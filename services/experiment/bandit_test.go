package experiment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestPosteriorMean(t *testing.T) {
	require.InDelta(t, 0.5, Posterior{Alpha: 1, Beta: 1}.Mean(), 1e-9)
	require.InDelta(t, 0.75, Posterior{Alpha: 3, Beta: 1}.Mean(), 1e-9)
	require.InDelta(t, 51.0/61.0, Posterior{Alpha: 51, Beta: 10}.Mean(), 1e-9)
}

func TestSampleStaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	posteriors := []Posterior{
		{Alpha: 1, Beta: 1},
		{Alpha: 0.5, Beta: 0.5}, // sub-1 shapes exercise the boost path
		{Alpha: 200, Beta: 3},
		{Alpha: 3, Beta: 200},
	}
	for _, p := range posteriors {
		for i := 0; i < 1000; i++ {
			draw := p.Sample(rng)
			require.GreaterOrEqual(t, draw, 0.0)
			require.LessOrEqual(t, draw, 1.0)
		}
	}
}

func TestSampleTracksMean(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := Posterior{Alpha: 50, Beta: 10}

	sum := 0.0
	const n = 20000
	for i := 0; i < n; i++ {
		sum += p.Sample(rng)
	}

	require.InDelta(t, p.Mean(), sum/n, 0.01)
}

func TestThompsonPrefersDominantArm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	posteriors := []Posterior{
		{Alpha: 50, Beta: 10},
		{Alpha: 10, Beta: 50},
	}

	counts := Allocate(rng, posteriors, 2000)
	require.Equal(t, 2000, counts[0]+counts[1])

	// Beta(50,10) vs Beta(10,50): the first arm wins the large majority of
	// draws, while the weak arm still gets an exploratory trickle.
	require.Greater(t, counts[0], 1800)
}

func TestThompsonSplitsSymmetricArms(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	posteriors := []Posterior{
		{Alpha: 5, Beta: 5},
		{Alpha: 5, Beta: 5},
	}

	counts := Allocate(rng, posteriors, 4000)
	require.Greater(t, counts[0], 1500)
	require.Greater(t, counts[1], 1500)
}

func TestProbBest(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	posteriors := []Posterior{
		{Alpha: 50, Beta: 10},
		{Alpha: 10, Beta: 50},
	}

	probs := ProbBest(rng, posteriors, 4000)
	require.InDelta(t, 1.0, probs[0]+probs[1], 1e-9)
	require.Greater(t, probs[0], 0.95)
	require.Less(t, probs[1], 0.05)
}

func TestProbBestDegenerate(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	require.Empty(t, ProbBest(rng, nil, 100))

	probs := ProbBest(rng, []Posterior{{Alpha: 1, Beta: 1}}, 0)
	require.Equal(t, []float64{0}, probs)
}
