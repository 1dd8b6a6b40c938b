package ebbsim

import (
	"context"
	"net"
	"sync/atomic"
)

// Garbage makes the next command named name answer with an unparseable line.
func (b *Board) Garbage(name string) { b.inject(name, faultGarbage) }

// Stall makes the next command named name receive no reply at all.
func (b *Board) Stall(name string) { b.inject(name, faultStall) }

// DropOn closes the link when the next command named name arrives.
func (b *Board) DropOn(name string) { b.inject(name, faultDrop) }

// RejectNext makes the next command named name answer with a firmware error.
func (b *Board) RejectNext(name string) { b.inject(name, faultFirmwareError) }

func (b *Board) inject(name string, f fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[name] = f
}

// SetHook installs fn to run as each command arrives, before it executes.
func (b *Board) SetHook(fn func(line string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

// Unplug drops the current link. With offline set, later dials fail until
// Plug is called.
func (b *Board) Unplug(offline bool) {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.offline = offline
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Plug makes the board dialable again.
func (b *Board) Plug() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = false
}

// PowerCycle loses all volatile state and drops the link.
func (b *Board) PowerCycle() {
	b.mu.Lock()
	b.reset()
	b.servo = make(map[int]int)
	b.mu.Unlock()
	b.Unplug(false)
}

// MoveBy displaces the carriage without the host's knowledge, as a hand
// pushing it would.
func (b *Board) MoveBy(m1, m2 int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps[0] += m1
	b.steps[1] += m2
}

// Interrupt cuts the last move short: m1 and m2 motor steps come back off
// the counters and the next ES reports them as never taken.
func (b *Board) Interrupt(m1, m2 int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps[0] -= m1
	b.steps[1] -= m2
	b.pending[0] += m1
	b.pending[1] += m2
}

// SetPenUp forces the physical pen state.
func (b *Board) SetPenUp(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.penUp = up
}

// PenUp reports the physical pen state.
func (b *Board) PenUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.penUp
}

// Steps reports the physical motor step counters.
func (b *Board) Steps() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps[0], b.steps[1]
}

// Motors reports the motor enable modes.
func (b *Board) Motors() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motors[0], b.motors[1]
}

// Servo reports the last value stored for an SC parameter.
func (b *Board) Servo(param int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servo[param]
}

// Nickname reports the stored nickname.
func (b *Board) Nickname() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nickname
}

// Records returns a copy of every command received so far.
func (b *Board) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Lines returns the received command lines, optionally only those whose
// mnemonic is in names.
func (b *Board) Lines(names ...string) []string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, r := range b.Records() {
		if len(want) == 0 || want[r.Name()] {
			out = append(out, r.Line)
		}
	}
	return out
}

// ClearRecords forgets the command log.
func (b *Board) ClearRecords() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}

// Dials reports how many host links have been opened.
func (b *Board) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Overlaps reports how many commands arrived while another was still
// being executed.
func (b *Board) Overlaps() int {
	return int(atomic.LoadInt32(&b.overlaps))
}

// ListenAndServe accepts TCP links on ln one at a time until ctx ends.
func (b *Board) ListenAndServe(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.mu.Lock()
		old := b.conn
		b.conn = conn
		b.dials++
		b.mu.Unlock()
		if old != nil {
			old.Close()
		}
		go b.Serve(conn)
	}
}
