// Heartbeat: bounded staleness of the device state
//
// While the link claims to be open a lightweight status query runs every
// interval. A failure forces DISCONNECTED so the next operation reconnects
// and reinitializes instead of trusting a dead link. Ticks that find an
// operation in progress are skipped; the operation exercises the link.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package device

import (
	"context"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// StartHeartbeat begins periodic status queries. It is a no-op when the
// interval is not positive or the heartbeat is already running.
func (c *Controller) StartHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbStop != nil || c.cfg.Heartbeat <= 0 {
		return
	}
	c.hbStop = make(chan struct{})
	c.hbDone = make(chan struct{})
	go c.heartbeatLoop(c.cfg.Heartbeat, c.hbStop, c.hbDone)
	c.log.WithField("interval", c.cfg.Heartbeat.String()).Debug("heartbeat started")
}

// StopHeartbeat halts the heartbeat and waits for it to exit.
func (c *Controller) StopHeartbeat() {
	c.hbMu.Lock()
	stop, done := c.hbStop, c.hbDone
	c.hbStop, c.hbDone = nil, nil
	c.hbMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Controller) heartbeatLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Beat(context.Background())
		}
	}
}

// Beat runs one heartbeat check. It reports false when the check found the
// link dead.
func (c *Controller) Beat(ctx context.Context) bool {
	if !c.tryLock() {
		return true
	}
	defer c.unlock()

	switch c.State() {
	case StateDisconnected, StateError:
		return true
	}
	if !c.link.IsOpen() {
		c.heartbeatFailed(errors.NotConnected("heartbeat"))
		return false
	}
	resp, err := c.link.Send(ctx, ebb.QueryGeneral())
	var st ebb.Status
	if err == nil {
		st, err = ebb.ParseStatus(resp.Value)
	}
	if err != nil {
		c.heartbeatFailed(err)
		return false
	}
	c.servo.Observe(st)
	return true
}

func (c *Controller) heartbeatFailed(err error) {
	c.metrics.HeartbeatFailure()
	_ = c.link.Close()
	c.linkDown("heartbeat", err)
}
