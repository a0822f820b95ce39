package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.IncrementCounter("x", map[string]string{"b": "2", "a": "1"})
	c.IncrementCounter("x", map[string]string{"a": "1", "b": "2"})
	m := c.Get("x", map[string]string{"a": "1", "b": "2"})
	require.NotNil(t, m)
	assert.Equal(t, Counter, m.Type)
	assert.Equal(t, float64(2), m.Value)
	assert.Equal(t, int64(2), c.Summary().Counters["x{a=1,b=2}"])

	c.SetGauge(MetricClaimCount, 3, nil)
	c.SetGauge(MetricClaimCount, 5, nil)
	assert.Equal(t, float64(5), c.Summary().Gauges[MetricClaimCount])

	for _, v := range []float64{3, 1, 2} {
		c.RecordHistogram("h", v, nil)
	}
	h := c.Summary().Histograms["h"]
	assert.Equal(t, HistogramSummary{Count: 3, Min: 1, Max: 3, Sum: 6, Avg: 2}, h)

	assert.Len(t, c.All(), 3)
	assert.Nil(t, c.Get("missing", nil))

	c.Reset()
	assert.Empty(t, c.All())
}

func TestHistogramWindow(t *testing.T) {
	c := NewCollector()
	for i := 0; i < histogramWindow+10; i++ {
		c.RecordHistogram("h", float64(i), nil)
	}
	h := c.Summary().Histograms["h"]
	assert.Equal(t, float64(histogramWindow), h.Count)
	assert.Equal(t, float64(10), h.Min)
}

func TestDomainRecorders(t *testing.T) {
	c := NewCollector()
	c.RecordSubmission(20 * time.Millisecond)
	c.RecordEvaluation(time.Second)
	c.RecordError("proof_verification")
	c.RecordThrottleWait(5 * time.Millisecond)
	c.RecordRequest("/claims", 201)
	c.RecordRequest("/claims", 422)

	s := c.Summary()
	assert.Equal(t, int64(1), s.Counters[MetricClaimsSubmitted])
	assert.Equal(t, int64(1), s.Counters[MetricClaimsEvaluated])
	assert.Equal(t, int64(1), s.Counters["error_count{type=proof_verification}"])
	assert.Equal(t, int64(1), s.Counters["http_requests{route=/claims,status=2xx}"])
	assert.Equal(t, int64(1), s.Counters["http_requests{route=/claims,status=4xx}"])
	assert.InDelta(t, 1.0, s.Histograms[MetricEvaluateDuration].Max, 1e-9)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncrementCounter("n", nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), c.Summary().Counters["n"])
}
