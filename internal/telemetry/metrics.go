package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the Prometheus collectors for builds and deploys.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	deploys       *prometheus.CounterVec
	deregistered  prometheus.Counter
	terminated    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlflow_ami",
			Name:      "image_builds_total",
			Help:      "Image builds by result.",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mlflow_ami",
			Name:      "image_build_duration_seconds",
			Help:      "Wall time of image builds.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlflow_ami",
			Name:      "instance_deploys_total",
			Help:      "Instance launches by result.",
		}, []string{"result"}),
		deregistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlflow_ami",
			Name:      "images_deregistered_total",
			Help:      "Images removed because a rebuild replaced them.",
		}),
		terminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mlflow_ami",
			Name:      "instances_terminated_total",
			Help:      "Instances terminated through this tool.",
		}),
	}
	reg.MustRegister(m.builds, m.buildDuration, m.deploys, m.deregistered, m.terminated)
	return m
}

func (m *Metrics) ObserveBuild(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(result).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDeploy(result string) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(result).Inc()
}

func (m *Metrics) AddDeregistered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deregistered.Add(float64(n))
}

func (m *Metrics) IncTerminated() {
	if m == nil {
		return
	}
	m.terminated.Inc()
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
