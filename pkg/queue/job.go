// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// Priority orders queued jobs; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

var priorityNames = map[string]Priority{
	"low":    PriorityLow,
	"normal": PriorityNormal,
	"high":   PriorityHigh,
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a name (low, normal, high) or an integer.
func ParsePriority(s string) (Priority, error) {
	if p, ok := priorityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Validation("priority", fmt.Sprintf("unknown priority %q", s))
	}
	return Priority(n), nil
}

// MarshalJSON encodes named priorities as strings and others as numbers.
func (p Priority) MarshalJSON() ([]byte, error) {
	if _, ok := priorityNames[p.String()]; ok {
		return json.Marshal(p.String())
	}
	return json.Marshal(int(p))
}

// UnmarshalJSON accepts either form.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Validation("priority", "must be a name or an integer")
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is a job's lifecycle stage.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of one queued batch. Terminal jobs never change.
type Job struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Priority Priority   `json:"priority"`
	Status   Status     `json:"status"`
	Total    int        `json:"total"`
	Done     int        `json:"done"`
	Progress float64    `json:"progress"`
	Error    string     `json:"error,omitempty"`
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// Request describes a job to enqueue.
type Request struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Priority Priority      `json:"priority"`
	Steps    []device.Step `json:"steps"`
}

// entry is a job plus the bookkeeping the queue needs while it is live.
type entry struct {
	Job
	steps     []device.Step
	seq       uint64
	index     int // heap position, -1 when not queued
	cancelled bool
	done      chan struct{}
}

func (e *entry) setProgress(done int) {
	e.Done = done
	if e.Total > 0 {
		e.Progress = float64(done) * 100 / float64(e.Total)
	}
}

// jobHeap orders entries by priority, then submission order.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
