package stability

import (
	"fmt"
	"github.com/shimmeringbee/humidor/sensor"
	"math"
)

type Metric int

const (
	Temperature Metric = iota
	Humidity
)

func (m Metric) String() string {
	switch m {
	case Temperature:
		return "Temperature"
	case Humidity:
		return "Humidity"
	default:
		return fmt.Sprintf("Metric(%d)", int(m))
	}
}

// Default variance scales, the variance at which a metric scores 0.5. Temperature is in degrees
// Fahrenheit squared, humidity in percentage points squared.
const (
	DefaultTemperatureScale = 4.0
	DefaultHumidityScale    = 9.0
)

// NeutralScore is reported for windows too small to measure variation.
const NeutralScore = 1.0

type Score struct {
	Metric Metric
	Score  float64
}

// Summary describes one metric over a window.
type Summary struct {
	Metric   Metric
	Score    float64
	Mean     float64
	Variance float64
	Min      float64
	Max      float64
	Count    int
}

type Report struct {
	Temperature Summary
	Humidity    Summary
}

func (r Report) Scores() []Score {
	return []Score{
		{Metric: Temperature, Score: r.Temperature.Score},
		{Metric: Humidity, Score: r.Humidity.Score},
	}
}

type Option func(*Analyzer)

// WithScale sets the variance at which a metric scores 0.5.
func WithScale(m Metric, scale float64) Option {
	return func(a *Analyzer) {
		if scale > 0 {
			a.scales[m] = scale
		}
	}
}

func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{scales: map[Metric]float64{
		Temperature: DefaultTemperatureScale,
		Humidity:    DefaultHumidityScale,
	}}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Analyzer maps the population variance of a window to a score of 1/(1+variance/scale), so zero
// variance scores 1 and the score falls towards 0 as variance grows.
type Analyzer struct {
	scales map[Metric]float64
}

// Analyze summarises temperature and humidity independently.
func (a *Analyzer) Analyze(readings []sensor.Reading) Report {
	temperatures := make([]float64, len(readings))
	humidities := make([]float64, len(readings))

	for i, r := range readings {
		temperatures[i] = r.TemperatureF
		humidities[i] = r.HumidityPct
	}

	return Report{
		Temperature: a.Summarize(Temperature, temperatures),
		Humidity:    a.Summarize(Humidity, humidities),
	}
}

func (a *Analyzer) Summarize(m Metric, values []float64) Summary {
	s := Summary{Metric: m, Count: len(values), Score: NeutralScore}

	if len(values) == 0 {
		return s
	}

	s.Mean, s.Variance = MeanVariance(values)
	s.Min, s.Max = values[0], values[0]

	for _, v := range values[1:] {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}

	if len(values) > 1 {
		s.Score = a.ScoreVariance(m, s.Variance)
	}

	return s
}

func (a *Analyzer) ScoreVariance(m Metric, variance float64) float64 {
	if math.IsNaN(variance) || variance <= 0 {
		return NeutralScore
	}

	scale, found := a.scales[m]
	if !found {
		scale = 1
	}

	return clamp(1 / (1 + variance/scale))
}

// MeanVariance returns the mean and population variance, computed with Welford's method.
func MeanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	mean, m2 := 0.0, 0.0

	for i, v := range values {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}

	variance := m2 / float64(len(values))
	if variance < 0 {
		variance = 0
	}

	return mean, variance
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
