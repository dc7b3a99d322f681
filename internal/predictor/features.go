// Package predictor forecasts per-node resource usage from telemetry
// windows and intent context, blending a trained model with trend
// extrapolation fallbacks.
package predictor

import (
	"math"
	"time"

	"github.com/omnimesh/fabric-core/internal/intent"
	"github.com/omnimesh/fabric-core/internal/telemetry"
)

// FeatureCount is the fixed width of the feature vector: four window
// statistics for each of cpu, memory and load, three temporal fields, and
// six intent-context fields.
const FeatureCount = 21

const statWindow = 10

// Features builds the fixed-order vector for one node at one instant.
// Missing values are zero-padded.
func Features(window []telemetry.Sample, at time.Time, intents []intent.Prediction) []float64 {
	v := make([]float64, 0, FeatureCount)

	recent := window
	if len(recent) > statWindow {
		recent = recent[len(recent)-statWindow:]
	}
	cpu := extract(recent, func(s telemetry.Sample) float64 { return s.CPUPct })
	mem := extract(recent, func(s telemetry.Sample) float64 { return s.MemoryPct })
	load := extract(recent, func(s telemetry.Sample) float64 { return s.LoadScore })

	for _, series := range [][]float64{cpu, mem, load} {
		v = append(v, mean(series), std(series), max(series), firstLastSlope(series))
	}

	v = append(v, float64(at.Hour()), float64(at.Weekday()), float64(len(window)))

	highConf := 0.0
	var probSum float64
	flags := [4]float64{}
	for _, p := range intents {
		if p.Confidence > 0.8 {
			highConf++
		}
		probSum += p.Probability
		switch p.IntentType {
		case "file_operation":
			flags[0] = 1
		case "application_usage":
			flags[1] = 1
		case "intensive_computing":
			flags[2] = 1
		case "network_operation":
			flags[3] = 1
		}
	}
	meanProb := 0.0
	if len(intents) > 0 {
		meanProb = probSum / float64(len(intents))
	}
	v = append(v, highConf, meanProb, flags[0], flags[1], flags[2], flags[3])
	return v
}

func extract(samples []telemetry.Sample, f func(telemetry.Sample) float64) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = f(s)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func std(xs []float64) float64 {
	return math.Sqrt(variance(xs))
}

func max(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// firstLastSlope is the coarse per-sample slope used as a window statistic.
func firstLastSlope(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return (xs[len(xs)-1] - xs[0]) / float64(len(xs)-1)
}

// hourlySlope fits a least-squares line over (elapsed hours, value) and
// returns units per hour. Used for trend extrapolation.
func hourlySlope(samples []telemetry.Sample, f func(telemetry.Sample) float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Hours()
		y := f(s)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// extrapolate projects the last value along the hourly slope, clamped to
// the percentage range.
func extrapolate(samples []telemetry.Sample, f func(telemetry.Sample) float64, horizon time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	last := f(samples[len(samples)-1])
	slope := hourlySlope(samples, f)
	v := last + slope*horizon.Hours()
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
