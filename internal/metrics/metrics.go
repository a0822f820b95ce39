// metrics.go - In-process metrics for the claims daemon, served as JSON at /metrics.

package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// histogramWindow bounds the samples kept per histogram.
const histogramWindow = 1000

type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type HistogramSummary struct {
	Count float64 `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
}

type Summary struct {
	Counters   map[string]int64            `json:"counters"`
	Gauges     map[string]float64          `json:"gauges"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// Collector is safe for concurrent use.
type Collector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

func (c *Collector) AddCounter(name string, delta int64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	c.counters[key] += delta
	c.update(key, name, Counter, float64(c.counters[key]), labels)
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	c.gauges[key] = value
	c.update(key, name, Gauge, value, labels)
}

func (c *Collector) RecordHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	values := append(c.histograms[key], value)
	if len(values) > histogramWindow {
		values = values[len(values)-histogramWindow:]
	}
	c.histograms[key] = values
	c.update(key, name, Histogram, value, labels)
}

// Get returns the latest sample of a metric, or nil.
func (c *Collector) Get(name string, labels map[string]string) *Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[makeKey(name, labels)]
	if !ok {
		return nil
	}
	out := *m
	return &out
}

// All returns the latest sample of every metric, sorted by key.
func (c *Collector) All() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.metrics))
	for k := range c.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.metrics[k])
	}
	return out
}

func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Counters:   make(map[string]int64, len(c.counters)),
		Gauges:     make(map[string]float64, len(c.gauges)),
		Histograms: make(map[string]HistogramSummary, len(c.histograms)),
	}
	for k, v := range c.counters {
		s.Counters[k] = v
	}
	for k, v := range c.gauges {
		s.Gauges[k] = v
	}
	for k, values := range c.histograms {
		if len(values) == 0 {
			continue
		}
		h := HistogramSummary{Count: float64(len(values)), Min: values[0], Max: values[0]}
		for _, v := range values {
			if v < h.Min {
				h.Min = v
			}
			if v > h.Max {
				h.Max = v
			}
			h.Sum += v
		}
		h.Avg = h.Sum / h.Count
		s.Histograms[k] = h
	}
	return s
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = make(map[string]*Metric)
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

func (c *Collector) update(key, name string, t MetricType, value float64, labels map[string]string) {
	c.metrics[key] = &Metric{
		Name:      name,
		Type:      t,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

// makeKey renders name{k1=v1,k2=v2} with labels sorted by name.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

const (
	MetricClaimsSubmitted   = "claims_submitted"
	MetricClaimsEvaluated   = "claims_evaluated"
	MetricSubmitDuration    = "claim_submit_seconds"
	MetricEvaluateDuration  = "claim_evaluate_seconds"
	MetricThrottleWait      = "throttle_wait_seconds"
	MetricClaimCount        = "claim_count"
	MetricRequests          = "http_requests"
	MetricRequestsThrottled = "http_requests_throttled"
	MetricErrorCount        = "error_count"
)

func (c *Collector) RecordSubmission(d time.Duration) {
	c.IncrementCounter(MetricClaimsSubmitted, nil)
	c.RecordHistogram(MetricSubmitDuration, d.Seconds(), nil)
}

func (c *Collector) RecordEvaluation(d time.Duration) {
	c.IncrementCounter(MetricClaimsEvaluated, nil)
	c.RecordHistogram(MetricEvaluateDuration, d.Seconds(), nil)
}

func (c *Collector) RecordError(errorType string) {
	c.IncrementCounter(MetricErrorCount, map[string]string{"type": errorType})
}

func (c *Collector) RecordThrottleWait(d time.Duration) {
	c.RecordHistogram(MetricThrottleWait, d.Seconds(), nil)
}

func (c *Collector) RecordRequest(route string, status int) {
	c.IncrementCounter(MetricRequests, map[string]string{"route": route, "status": statusClass(status)})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
