// Package container implements the business containers of the CEP model.
// A container is a named subsystem (Sales, Operations, Finance) holding a
// rolling metric set and an append-only event log. Containers compute
// their own health score and contribute a fixed weight to the global
// coherence score.
package container

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cepmachine/internal/logging"
)

// Category identifies the business domain a container covers.
type Category string

const (
	CategorySales      Category = "sales"
	CategoryOperations Category = "operations"
	CategoryFinance    Category = "finance"
)

// Timescale is the container's natural update cadence. It is
// informational only and does not drive any scheduling.
type Timescale string

const (
	TimescaleHourly Timescale = "hourly"
	TimescaleDaily  Timescale = "daily"
	TimescaleWeekly Timescale = "weekly"
)

// Metrics is the rolling metric set tracked by each container.
// All rates are bounded reals; callers pre-validate values before
// UpdateMetrics, no clamping happens here.
type Metrics struct {
	ConversionRate float64   `json:"conversion_rate"`
	Throughput     float64   `json:"throughput"`
	Efficiency     float64   `json:"efficiency"`
	ErrorRate      float64   `json:"error_rate"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Event is one entry in a container's append-only event log.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Container string         `json:"container"`
	Timestamp time.Time      `json:"timestamp"`
}

// MetricsUpdate names the metric fields to overwrite. Nil fields are
// left untouched.
type MetricsUpdate struct {
	ConversionRate *float64
	Throughput     *float64
	Efficiency     *float64
	ErrorRate      *float64
}

// Container is a passive metrics holder. It has no state machine and no
// failure modes, only stale data if never updated. All mutation is
// serialized behind a mutex so a single orchestrator can share it with
// readers (status display, coherence engine).
type Container struct {
	mu sync.RWMutex

	name      string
	category  Category
	timescale Timescale
	weight    float64

	metrics Metrics
	events  []Event

	funnel funnelCounters
}

// New creates a container with the given identity and coherence weight.
func New(name string, category Category, timescale Timescale, weight float64) *Container {
	return &Container{
		name:      name,
		category:  category,
		timescale: timescale,
		weight:    weight,
	}
}

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Category returns the container's business domain.
func (c *Container) Category() Category { return c.category }

// Timescale returns the informational update cadence.
func (c *Container) Timescale() Timescale { return c.timescale }

// Weight returns the container's fixed coherence contribution fraction.
func (c *Container) Weight() float64 { return c.weight }

// RecordEvent appends an event to the log. The payload shape is not
// validated beyond requiring a type label; the log is never rewritten.
func (c *Container) RecordEvent(eventType string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendEventLocked(eventType, payload)
}

func (c *Container) appendEventLocked(eventType string, payload map[string]any) {
	c.events = append(c.events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Container: c.name,
		Timestamp: time.Now(),
	})
	logging.Get(logging.CategoryContainer).Debug("%s: event %s recorded (total=%d)",
		c.name, eventType, len(c.events))
}

// UpdateMetrics overwrites the named metric fields and refreshes
// LastUpdated. Values are expected pre-validated by the caller.
func (c *Container) UpdateMetrics(u MetricsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyUpdateLocked(u)
}

func (c *Container) applyUpdateLocked(u MetricsUpdate) {
	if u.ConversionRate != nil {
		c.metrics.ConversionRate = *u.ConversionRate
	}
	if u.Throughput != nil {
		c.metrics.Throughput = *u.Throughput
	}
	if u.Efficiency != nil {
		c.metrics.Efficiency = *u.Efficiency
	}
	if u.ErrorRate != nil {
		c.metrics.ErrorRate = *u.ErrorRate
	}
	c.metrics.LastUpdated = time.Now()
}

// Health computes the container health score in [0,1]:
// clamp((conversion + efficiency)/2 - error_rate, 0, 1).
// It never fails; a container with no data scores exactly 0.
func (c *Container) Health() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	health := (c.metrics.ConversionRate+c.metrics.Efficiency)/2 - c.metrics.ErrorRate
	return clamp01(health)
}

// Metrics returns a copy of the current metric set.
func (c *Container) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Events returns a copy of the event log for audit.
func (c *Container) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// EventCount returns the number of recorded events.
func (c *Container) EventCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
