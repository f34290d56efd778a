package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveBuild(ResultSuccess, 2*time.Minute)
	m.ObserveBuild(ResultFailure, time.Second)
	m.ObserveDeploy(Result(nil))
	m.ObserveDeploy(Result(errors.New("boom")))
	m.ObserveDeploy(Result(nil))
	m.AddDeregistered(2)
	m.AddDeregistered(0)
	m.IncTerminated()

	require.Equal(t, 1.0, testutil.ToFloat64(m.builds.WithLabelValues(ResultSuccess)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.deploys.WithLabelValues(ResultSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.deploys.WithLabelValues(ResultFailure)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.deregistered))
	require.Equal(t, 1.0, testutil.ToFloat64(m.terminated))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBuild(ResultSuccess, time.Second)
	m.ObserveDeploy(ResultSuccess)
	m.AddDeregistered(1)
	m.IncTerminated()
}
