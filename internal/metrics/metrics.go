// Package metrics exposes call signaling state to Prometheus. Values are read
// from their owners at scrape time.
package metrics

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/signaling"
)

// HubStats exposes live per-process counters.
type HubStats interface {
	ActiveCallCount() int
	AttachedCount() int
	EventCounts() map[signaling.EventType]uint64
	DroppedFrames() uint64
}

// CallStatusCounter returns stored call counts grouped by status.
type CallStatusCounter interface {
	CountCallsByStatus(ctx context.Context) (map[calls.Status]int, error)
}

var eventTypes = []signaling.EventType{
	signaling.EventIncomingCall,
	signaling.EventCallAccepted,
	signaling.EventCallDeclined,
	signaling.EventCallEnded,
	signaling.EventCallTimedOut,
	signaling.EventCallFailed,
	signaling.EventCallConnected,
}

var statuses = []calls.Status{
	calls.StatusDialing,
	calls.StatusRinging,
	calls.StatusAccepted,
	calls.StatusActive,
	calls.StatusDeclined,
	calls.StatusEnded,
	calls.StatusTimedOut,
	calls.StatusFailed,
}

// Collector is a prometheus.Collector gathering callcore metrics at scrape time.
type Collector struct {
	hub       HubStats
	store     CallStatusCounter
	startTime time.Time
	log       *log.Logger

	activeCallsDesc   *prometheus.Desc
	attachedUsersDesc *prometheus.Desc
	eventsDesc        *prometheus.Desc
	droppedDesc       *prometheus.Desc
	storedCallsDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a collector. Either provider may be nil.
func NewCollector(hub HubStats, store CallStatusCounter, startTime time.Time, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Collector{
		hub:       hub,
		store:     store,
		startTime: startTime,
		log:       logger,

		activeCallsDesc: prometheus.NewDesc(
			"callcore_active_calls",
			"Number of connected users currently in a non-terminal call",
			nil, nil,
		),
		attachedUsersDesc: prometheus.NewDesc(
			"callcore_attached_users",
			"Number of users with at least one open event stream",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			"callcore_call_events_total",
			"Call lifecycle events delivered to clients",
			[]string{"type"}, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"callcore_dropped_frames_total",
			"Frames dropped because a client was too slow",
			nil, nil,
		),
		storedCallsDesc: prometheus.NewDesc(
			"callcore_stored_calls",
			"Call records by status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callcore_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.attachedUsersDesc
	ch <- c.eventsDesc
	ch <- c.droppedDesc
	ch <- c.storedCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.hub != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.hub.ActiveCallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.attachedUsersDesc, prometheus.GaugeValue,
			float64(c.hub.AttachedCount()),
		)

		counts := c.hub.EventCounts()
		for _, t := range eventTypes {
			ch <- prometheus.MustNewConstMetric(
				c.eventsDesc, prometheus.CounterValue,
				float64(counts[t]), string(t),
			)
		}

		ch <- prometheus.MustNewConstMetric(
			c.droppedDesc, prometheus.CounterValue,
			float64(c.hub.DroppedFrames()),
		)
	}

	if c.store != nil {
		counts, err := c.store.CountCallsByStatus(ctx)
		if err != nil {
			c.log.Error("Failed to count calls by status", "error", err)
		} else {
			for _, s := range statuses {
				ch <- prometheus.MustNewConstMetric(
					c.storedCallsDesc, prometheus.GaugeValue,
					float64(counts[s]), string(s),
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
