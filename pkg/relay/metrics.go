package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	turnsCounterName        = "palaver_turns_total"
	turnsCounterDescription = "Number of finished turns by model and terminal state"

	framesCounterName        = "palaver_frames_total"
	framesCounterDescription = "Number of worker frames reconciled by model"

	turnDurationName        = "palaver_turn_duration_seconds"
	turnDurationDescription = "Wall time from worker lookup to the terminal snapshot"
)

// Metrics counts reconciler activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns    *prometheus.CounterVec
	frames   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the reconciler collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: turnsCounterName,
			Help: turnsCounterDescription,
		}, []string{"model", "state"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: framesCounterName,
			Help: framesCounterDescription,
		}, []string{"model"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    turnDurationName,
			Help:    turnDurationDescription,
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"model"}),
	}
	for _, c := range []prometheus.Collector{m.turns, m.frames, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) turnFinished(model string, state State, seconds float64) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(model, state.String()).Inc()
	m.duration.WithLabelValues(model).Observe(seconds)
}

func (m *Metrics) frame(model string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(model).Inc()
}
