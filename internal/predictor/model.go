package predictor

import (
	"context"
	"math"
	"time"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
	"github.com/omnimesh/fabric-core/internal/telemetry"
)

// model is a linear regressor over standardized features, trained by batch
// gradient descent. Small enough to retrain from scratch every cycle.
type model struct {
	weights   []float64
	bias      float64
	featMean  []float64
	featStd   []float64
	trained   bool
	trainedAt time.Time
	samples   int
}

const (
	trainEpochs = 200
	trainRate   = 0.05
)

// train fits the model on the history: each example predicts the next
// sample's cpu_pct from the preceding window. ctx bounds the work.
func (m *model) train(ctx context.Context, history []telemetry.Sample) error {
	if len(history) < statWindow+2 {
		return coreerrors.New(coreerrors.KindModelUntrained, "train",
			coreerrors.ErrInsufficientData)
	}

	var X [][]float64
	var y []float64
	for i := statWindow; i < len(history)-1; i++ {
		window := history[:i]
		feats := Features(window, history[i].Timestamp, nil)
		X = append(X, feats)
		y = append(y, history[i+1].CPUPct)
	}
	if len(X) == 0 {
		return coreerrors.New(coreerrors.KindModelUntrained, "train",
			coreerrors.ErrInsufficientData)
	}

	m.fitScaler(X)
	for i := range X {
		X[i] = m.scale(X[i])
	}

	w := make([]float64, FeatureCount)
	bias := mean(y)
	n := float64(len(X))
	for epoch := 0; epoch < trainEpochs; epoch++ {
		if epoch%20 == 0 {
			select {
			case <-ctx.Done():
				return coreerrors.New(coreerrors.KindShutdownDeadline, "train", ctx.Err())
			default:
			}
		}
		gradW := make([]float64, FeatureCount)
		var gradB float64
		for i, feats := range X {
			pred := bias + dot(w, feats)
			err := pred - y[i]
			for j, f := range feats {
				gradW[j] += err * f
			}
			gradB += err
		}
		for j := range w {
			w[j] -= trainRate * gradW[j] / n
		}
		bias -= trainRate * gradB / n
	}

	m.weights = w
	m.bias = bias
	m.trained = true
	m.trainedAt = time.Now()
	m.samples = len(X)
	return nil
}

// predict returns the cpu_pct forecast for one feature vector, clamped to
// the percentage range.
func (m *model) predict(features []float64) float64 {
	v := m.bias + dot(m.weights, m.scale(features))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (m *model) fitScaler(X [][]float64) {
	m.featMean = make([]float64, FeatureCount)
	m.featStd = make([]float64, FeatureCount)
	for j := 0; j < FeatureCount; j++ {
		col := make([]float64, len(X))
		for i := range X {
			col[i] = X[i][j]
		}
		m.featMean[j] = mean(col)
		s := std(col)
		if s < 1e-9 {
			s = 1
		}
		m.featStd[j] = s
	}
}

func (m *model) scale(features []float64) []float64 {
	out := make([]float64, len(features))
	for j, f := range features {
		if j < len(m.featMean) {
			out[j] = (f - m.featMean[j]) / m.featStd[j]
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// cpuVariance is the stability term used in confidence scoring.
func cpuVariance(window []telemetry.Sample) float64 {
	recent := window
	if len(recent) > statWindow {
		recent = recent[len(recent)-statWindow:]
	}
	return variance(extract(recent, func(s telemetry.Sample) float64 { return s.CPUPct }))
}

// confidence implements the additive scoring over history depth, intent
// certainty, feature coverage and recent stability.
func confidence(historyLen int, intentConfs []float64, featureCount int, cpuVar float64) float64 {
	c := 0.5
	switch {
	case historyLen >= 20:
		c += 0.2
	case historyLen >= 10:
		c += 0.1
	}
	if len(intentConfs) > 0 {
		c += 0.3 * mean(intentConfs)
	}
	if featureCount >= 20 {
		c += 0.1
	}
	if cpuVar < 100 {
		c += 0.1
	}
	return math.Min(0.95, math.Max(0.1, c))
}
