// Plotter host metrics
//
// Prometheus collectors for the command link, device state, pen lift, job
// queue, and real-time control stream. Collectors live on a private
// registry so several hosts can coexist in one process (and in tests).
// Every method is safe to call on a nil *PlotterMetrics.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "axi"

// DeviceStates are the label values of axi_device_state.
var DeviceStates = []string{"DISCONNECTED", "CONNECTED", "READY", "BUSY", "PAUSED", "ERROR"}

// PlotterMetrics holds all host metrics
type PlotterMetrics struct {
	registry *prometheus.Registry

	deviceState        *prometheus.GaugeVec
	commands           *prometheus.CounterVec
	commandSeconds     *prometheus.HistogramVec
	penTransitions     *prometheus.CounterVec
	heartbeatFailures  prometheus.Counter
	positionDivergence prometheus.Gauge
	jobs               *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	spatialFlushes     prometheus.Counter
	wsClients          prometheus.Gauge
}

// New creates and registers all collectors
func New() *PlotterMetrics {
	m := &PlotterMetrics{
		registry: prometheus.NewRegistry(),
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_state",
			Help:      "1 for the controller's current state, 0 otherwise.",
		}, []string{"state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to the controller board by mnemonic and outcome.",
		}, []string{"command", "result"}),
		commandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_seconds",
			Help:      "Round-trip time of board commands.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"command"}),
		penTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pen_transitions_total",
			Help:      "Pen lift commands issued by target state.",
		}, []string{"target"}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Status queries that failed and forced a disconnect.",
		}),
		positionDivergence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_divergence_steps",
			Help:      "Largest per-motor difference found by the last position reconciliation.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal state.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting to run.",
		}),
		spatialFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spatial_flushes_total",
			Help:      "Accumulated real-time displacement sent as a move.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected real-time stream clients.",
		}),
	}
	m.registry.MustRegister(
		m.deviceState,
		m.commands,
		m.commandSeconds,
		m.penTransitions,
		m.heartbeatFailures,
		m.positionDivergence,
		m.jobs,
		m.queueDepth,
		m.spatialFlushes,
		m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *PlotterMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *PlotterMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCommand records one board command
func (m *PlotterMetrics) ObserveCommand(command, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
	m.commandSeconds.WithLabelValues(command).Observe(took.Seconds())
}

// SetDeviceState marks state as the current controller state
func (m *PlotterMetrics) SetDeviceState(state string) {
	if m == nil {
		return
	}
	for _, s := range DeviceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.deviceState.WithLabelValues(s).Set(v)
	}
}

// PenTransition counts a pen lift command
func (m *PlotterMetrics) PenTransition(target string) {
	if m == nil {
		return
	}
	m.penTransitions.WithLabelValues(target).Inc()
}

// HeartbeatFailure counts a failed status query
func (m *PlotterMetrics) HeartbeatFailure() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

// PositionDivergence records the result of a reconciliation
func (m *PlotterMetrics) PositionDivergence(steps int) {
	if m == nil {
		return
	}
	m.positionDivergence.Set(float64(steps))
}

// JobFinished counts a terminal job
func (m *PlotterMetrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

// SetQueueDepth records the number of queued jobs
func (m *PlotterMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SpatialFlush counts a real-time move
func (m *PlotterMetrics) SpatialFlush() {
	if m == nil {
		return
	}
	m.spatialFlushes.Inc()
}

// SetWSClients records the number of stream clients
func (m *PlotterMetrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
