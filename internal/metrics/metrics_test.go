package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterRendersSortedLabels(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("deskd_pool_acquire_total", map[string]string{"status": "ok", "host": "h1"})
	r.IncCounter("deskd_pool_acquire_total", map[string]string{"status": "ok", "host": "h1"})
	r.IncCounter("deskd_pool_acquire_total", map[string]string{"status": "exhausted", "host": "h1"})

	out := r.Render()
	require.Contains(t, out, "# TYPE deskd_pool_acquire_total counter")
	require.Contains(t, out, `deskd_pool_acquire_total{host="h1",status="ok"} 2`)
	require.Contains(t, out, `deskd_pool_acquire_total{host="h1",status="exhausted"} 1`)
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	r := NewRegistry()
	r.RegisterHistogram("test_latency_ms", "test", []float64{10, 100})
	r.ObserveHistogram("test_latency_ms", 5, nil)
	r.ObserveHistogram("test_latency_ms", 50, nil)
	r.ObserveHistogram("test_latency_ms", 500, nil)

	out := r.Render()
	require.Contains(t, out, `test_latency_ms_bucket{le="10"} 1`)
	require.Contains(t, out, `test_latency_ms_bucket{le="100"} 2`)
	require.Contains(t, out, `test_latency_ms_bucket{le="+Inf"} 3`)
	require.Contains(t, out, "test_latency_ms_sum 555")
	require.Contains(t, out, "test_latency_ms_count 3")
}

func TestUnknownMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("deskd_not_registered", nil)
	r.ObserveHistogram("deskd_pool_acquire_total", 1, nil) // wrong type

	out := r.Render()
	require.NotContains(t, out, "deskd_not_registered")
	require.False(t, strings.Contains(out, "deskd_pool_acquire_total{"),
		"counter must carry no series from a histogram observe")
}

func TestLabelValuesAreEscaped(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("deskd_events_published_total", map[string]string{"kind": `quo"te`})

	out := r.Render()
	require.Contains(t, out, `kind="quo\"te"`)
}

func TestDefaultRegistryCarriesServiceSeries(t *testing.T) {
	ResetDefaultForTest()
	out := Default().Render()
	for _, name := range []string{
		"deskd_session_provision_total",
		"deskd_session_teardown_total",
		"deskd_pool_acquire_total",
		"deskd_sweep_runs_total",
		"deskd_events_published_total",
	} {
		require.Contains(t, out, "# TYPE "+name+" counter")
	}
	require.Contains(t, out, "# TYPE deskd_session_provision_latency_ms histogram")
}
