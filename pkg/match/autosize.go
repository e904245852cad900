package match

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrTooFewSamples = errors.New("Too few instances to fit a size distribution")

// Population selects which mixture component describes the cells we want to keep
type Population string

const (
	PopulationLargest     Population = "largest"     // Highest mean
	PopulationSmallest    Population = "smallest"    // Lowest mean
	PopulationMostCommon  Population = "mostcommon"  // Highest weight
	PopulationLeastCommon Population = "leastcommon" // Lowest weight
)

// AutoSize derives a size range by fitting a Gaussian mixture to instance areas
type AutoSize struct {
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	Log         bool       `json:"log" yaml:"log"`               // Fit log(area) instead of area
	Components  int        `json:"components" yaml:"components"` // Number of mixture components
	Population  Population `json:"population" yaml:"population"`
	Confidence  float64    `json:"confidence" yaml:"confidence"` // Two-sided interval of the chosen component, eg 0.95
	FilterLower bool       `json:"filterLower" yaml:"filterLower"`
	FilterUpper bool       `json:"filterUpper" yaml:"filterUpper"`
	MaxSamples  int        `json:"maxSamples" yaml:"maxSamples"` // If non-zero, fit on an evenly strided subset of at most this many areas
}

func DefaultAutoSize() AutoSize {
	return AutoSize{
		Log:         true,
		Components:  1,
		Population:  PopulationLargest,
		Confidence:  0.95,
		FilterLower: true,
		FilterUpper: true,
	}
}

func (a *AutoSize) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Components < 1 {
		return fmt.Errorf("%w: components must be at least 1", ErrInvalidOptions)
	}
	if a.Confidence <= 0 || a.Confidence >= 1 {
		return fmt.Errorf("%w: confidence %v must be in (0,1)", ErrInvalidOptions, a.Confidence)
	}
	if !a.FilterLower && !a.FilterUpper {
		return fmt.Errorf("%w: at least one of filterLower and filterUpper must be set", ErrInvalidOptions)
	}
	switch a.Population {
	case PopulationLargest, PopulationSmallest, PopulationMostCommon, PopulationLeastCommon:
	default:
		return fmt.Errorf("%w: unknown population '%v'", ErrInvalidOptions, a.Population)
	}
	return nil
}

// Fit returns the size range implied by the areas
func (a *AutoSize) Fit(areas []float64) (SizeRange, error) {
	data := areas
	if a.MaxSamples > 0 && len(data) > a.MaxSamples {
		stride := float64(len(data)) / float64(a.MaxSamples)
		sub := make([]float64, a.MaxSamples)
		for i := range sub {
			sub[i] = data[int(float64(i)*stride)]
		}
		data = sub
	}
	if len(data) < max(2, 2*a.Components) {
		return SizeRange{}, fmt.Errorf("%w: %v samples for %v components", ErrTooFewSamples, len(data), a.Components)
	}
	if a.Log {
		logged := make([]float64, len(data))
		for i, v := range data {
			logged[i] = math.Log(v)
		}
		data = logged
	}

	gmm := fitGMM(data, a.Components)
	idx := gmm.pick(a.Population)

	percent := 1 - a.Confidence
	comp := distuv.Normal{Mu: gmm.means[idx], Sigma: math.Sqrt(gmm.variances[idx])}
	lower := comp.Quantile(percent / 2)
	upper := comp.Quantile(1 - percent/2)
	if a.Log {
		lower = math.Exp(lower)
		upper = math.Exp(upper)
	}

	r := SizeRange{}
	if a.FilterLower {
		r.Min = max(0, int(math.Ceil(lower)))
	}
	if a.FilterUpper {
		r.Max = max(r.Min, int(math.Floor(upper)))
	}
	return r, nil
}

// gaussianMixture is a 1D Gaussian mixture
type gaussianMixture struct {
	means     []float64
	variances []float64
	weights   []float64
}

func (g *gaussianMixture) pick(p Population) int {
	switch p {
	case PopulationSmallest:
		return floats.MinIdx(g.means)
	case PopulationMostCommon:
		return floats.MaxIdx(g.weights)
	case PopulationLeastCommon:
		return floats.MinIdx(g.weights)
	default:
		return floats.MaxIdx(g.means)
	}
}

const (
	gmmMaxIterations = 200
	gmmTolerance     = 1e-8
	gmmVarianceFloor = 1e-6
)

// fitGMM runs expectation-maximization, initialized by splitting the sorted data into k equal groups.
// The result is deterministic for a given input.
func fitGMM(data []float64, k int) *gaussianMixture {
	n := len(data)
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	g := &gaussianMixture{
		means:     make([]float64, k),
		variances: make([]float64, k),
		weights:   make([]float64, k),
	}
	for j := 0; j < k; j++ {
		group := sorted[j*n/k : (j+1)*n/k]
		g.means[j], g.variances[j] = stat.PopMeanVariance(group, nil)
		g.variances[j] = floorVariance(g.variances[j])
		g.weights[j] = float64(len(group)) / float64(n)
	}
	if k == 1 {
		return g
	}

	resp := make([][]float64, n)
	for i := range resp {
		resp[i] = make([]float64, k)
	}
	logp := make([]float64, k)
	prevLL := math.Inf(-1)
	for iter := 0; iter < gmmMaxIterations; iter++ {
		// E step
		ll := 0.0
		for i, x := range data {
			for j := 0; j < k; j++ {
				dist := distuv.Normal{Mu: g.means[j], Sigma: math.Sqrt(g.variances[j])}
				logp[j] = math.Log(g.weights[j]) + dist.LogProb(x)
			}
			total := floats.LogSumExp(logp)
			ll += total
			for j := 0; j < k; j++ {
				resp[i][j] = math.Exp(logp[j] - total)
			}
		}

		// M step
		w := make([]float64, n)
		for j := 0; j < k; j++ {
			for i := range data {
				w[i] = resp[i][j]
			}
			sum := floats.Sum(w)
			if sum < 1e-12 {
				// Collapsed component. Leave it where it is, with no weight.
				g.weights[j] = 1e-12
				continue
			}
			mean, variance := stat.PopMeanVariance(data, w)
			g.means[j] = mean
			g.variances[j] = floorVariance(variance)
			g.weights[j] = sum / float64(n)
		}

		if math.Abs(ll-prevLL) < gmmTolerance*math.Max(1, math.Abs(ll)) {
			break
		}
		prevLL = ll
	}
	return g
}

func floorVariance(v float64) float64 {
	if math.IsNaN(v) || v < gmmVarianceFloor {
		return gmmVarianceFloor
	}
	return v
}
