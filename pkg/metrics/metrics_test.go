// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *PlotterMetrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("SM", "ok", time.Millisecond)
		m.SetDeviceState("READY")
		m.PenTransition("up")
		m.HeartbeatFailure()
		m.PositionDivergence(3)
		m.JobFinished("COMPLETED")
		m.SetQueueDepth(2)
		m.SpatialFlush()
		m.SetWSClients(1)
	})
	assert.Nil(t, m.Registry())
}

func TestDeviceStateIsOneHot(t *testing.T) {
	m := New()
	m.SetDeviceState("BUSY")
	m.SetDeviceState("READY")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceState.WithLabelValues("READY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deviceState.WithLabelValues("BUSY")))
}

func TestCommandCounters(t *testing.T) {
	m := New()
	m.ObserveCommand("QG", "ok", 2*time.Millisecond)
	m.ObserveCommand("QG", "ok", 3*time.Millisecond)
	m.ObserveCommand("QG", "timeout", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("QG", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("QG", "timeout")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobFinished("COMPLETED")
	m.SetQueueDepth(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `axi_jobs_total{status="COMPLETED"} 1`)
	assert.Contains(t, string(body), "axi_queue_depth 4")
	assert.Contains(t, string(body), "go_goroutines")
}
