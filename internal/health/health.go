// health.go - Component health checks behind /healthz.

package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// ErrDegraded marks a check failure that does not make the service unusable.
var ErrDegraded = errors.New("degraded")

// CheckFunc reports a component's state. Wrap ErrDegraded for partial failures.
type CheckFunc func(ctx context.Context) error

type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

type SystemHealth struct {
	OverallStatus Status            `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

type Checker struct {
	mu         sync.Mutex
	components map[string]*ComponentHealth
	checks     map[string]CheckFunc
	started    time.Time
	version    string
}

func NewChecker(version string) *Checker {
	return &Checker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]CheckFunc),
		started:    time.Now(),
		version:    version,
	}
}

func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "registered",
		LastCheck: time.Now(),
	}
	c.checks[name] = check
}

// Check runs every registered check and returns the aggregate.
func (c *Checker) Check(ctx context.Context) *SystemHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, component := range c.components {
		start := time.Now()
		err := c.checks[name](ctx)
		component.Latency = time.Since(start)
		component.LastCheck = time.Now()
		switch {
		case err == nil:
			component.Status, component.Message = Healthy, "OK"
		case errors.Is(err, ErrDegraded):
			component.Status, component.Message = Degraded, err.Error()
		default:
			component.Status, component.Message = Unhealthy, err.Error()
		}
	}
	return c.aggregate()
}

// Last returns the result of the latest Check without running checks.
func (c *Checker) Last() *SystemHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregate()
}

func (c *Checker) aggregate() *SystemHealth {
	overall := Healthy
	components := make([]ComponentHealth, 0, len(c.components))
	for _, component := range c.components {
		switch component.Status {
		case Unhealthy:
			overall = Unhealthy
		case Degraded:
			if overall == Healthy {
				overall = Degraded
			}
		}
		components = append(components, *component)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(c.started),
		Version:       c.version,
	}
}

type Response struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Data    *SystemHealth `json:"data,omitempty"`
}

func NewResponse(h *SystemHealth) *Response {
	switch h.OverallStatus {
	case Unhealthy:
		return &Response{Status: "error", Message: "System is unhealthy", Data: h}
	case Degraded:
		return &Response{Status: "warning", Message: "System is degraded", Data: h}
	default:
		return &Response{Status: "success", Message: "System is healthy", Data: h}
	}
}
