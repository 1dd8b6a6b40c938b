// Package ebbsim simulates an EiBotBoard on the far side of a byte stream.
// It keeps physical state across connections, the way a real board does
// across USB reconnects, and can inject the faults the host must survive.
package ebbsim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/serial"
)

// DefaultFirmware is the identification line the board reports.
const DefaultFirmware = "EBBv13_and_above EB Firmware Version 2.8.1"

// Record is one command as the board saw it.
type Record struct {
	Line  string
	Start time.Time
	End   time.Time
}

// Name returns the command mnemonic.
func (r Record) Name() string {
	if i := strings.IndexByte(r.Line, ','); i >= 0 {
		return r.Line[:i]
	}
	return r.Line
}

type fault int

const (
	faultNone fault = iota
	faultGarbage
	faultStall
	faultDrop
	faultFirmwareError
)

// Board is the simulated controller.
type Board struct {
	mu        sync.Mutex
	firmware  string
	nickname  string
	penUp     bool
	steps     [2]int
	pending   [2]int
	motors    [2]int
	servo     map[int]int
	servoTime int
	records   []Record
	faults    map[string]fault
	hook      func(line string)
	offline   bool
	lfcr      bool
	timeScale float64
	conn      io.ReadWriteCloser
	dials     int

	inflight int32
	overlaps int32
}

// Option configures a Board.
type Option func(*Board)

// WithFirmware overrides the identification line.
func WithFirmware(v string) Option {
	return func(b *Board) { b.firmware = v }
}

// WithLFCR makes the board terminate lines with LF CR like older firmware.
func WithLFCR() Option {
	return func(b *Board) { b.lfcr = true }
}

// WithTimeScale makes moves and pen settles take scale times their real
// duration. The default of zero acknowledges instantly.
func WithTimeScale(scale float64) Option {
	return func(b *Board) { b.timeScale = scale }
}

// New returns a powered board with the pen up and motors off.
func New(opts ...Option) *Board {
	b := &Board{
		firmware: DefaultFirmware,
		penUp:    true,
		servo:    make(map[int]int),
		faults:   make(map[string]fault),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects a new host link to the board over an in-memory pipe.
// Any previous link is dropped, as when a cable is replugged.
func (b *Board) Dial(ctx context.Context, target string) (serial.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return nil, fmt.Errorf("ebbsim: %s: no such device", target)
	}
	old := b.conn
	host, dev := net.Pipe()
	b.conn = dev
	b.dials++
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go b.Serve(dev)
	return &pipeConn{Conn: host, name: target}, nil
}

type pipeConn struct {
	net.Conn
	name string
}

func (c *pipeConn) Name() string { return c.name }

// Serve runs the board protocol on conn until it closes.
func (b *Board) Serve(conn io.ReadWriteCloser) error {
	lines := make(chan string, 16)
	done := make(chan struct{})
	defer func() {
		conn.Close()
		close(done)
		for range lines {
			atomic.AddInt32(&b.inflight, -1)
		}
	}()

	go func() {
		defer close(lines)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if atomic.AddInt32(&b.inflight, 1) > 1 {
				atomic.AddInt32(&b.overlaps, 1)
			}
			select {
			case lines <- line:
			case <-done:
				atomic.AddInt32(&b.inflight, -1)
				return
			}
		}
	}()

	for line := range lines {
		start := time.Now()
		reply, f := b.execute(line)
		b.record(line, start)
		// The command is finished once its reply is ready. Leaving the
		// count raised until the write returns would race with a host that
		// reads the reply and sends its next command immediately.
		atomic.AddInt32(&b.inflight, -1)
		var err error
		switch f {
		case faultStall:
		case faultDrop:
			return nil
		case faultGarbage:
			if len(reply) == 0 {
				reply = []string{""}
			}
			reply[len(reply)-1] = "~garbage~"
			err = b.write(conn, reply...)
		default:
			if reply != nil {
				err = b.write(conn, reply...)
			}
		}
		if err != nil {
			return err
		}
		if line == "RB" {
			return nil
		}
	}
	return nil
}

func (b *Board) write(w io.Writer, lines ...string) error {
	term := "\r\n"
	if b.lfcr {
		term = "\n\r"
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString(term)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func (b *Board) record(line string, start time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, Record{Line: line, Start: start, End: time.Now()})
}

func (b *Board) wait(d time.Duration) {
	b.mu.Lock()
	scale := b.timeScale
	b.mu.Unlock()
	if scale > 0 && d > 0 {
		time.Sleep(time.Duration(float64(d) * scale))
	}
}

// execute runs the hook and any injected fault, then applies line.
func (b *Board) execute(line string) ([]string, fault) {
	parts := strings.Split(line, ",")
	name := parts[0]
	args := parts[1:]

	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(line)
	}

	b.mu.Lock()
	f, faulted := b.faults[name]
	if faulted {
		delete(b.faults, name)
		switch f {
		case faultFirmwareError:
			b.mu.Unlock()
			return []string{"!8 Err: injected fault"}, faultNone
		case faultStall, faultDrop:
			b.mu.Unlock()
			return nil, f
		}
	}
	defer b.mu.Unlock()
	reply := b.apply(name, args)
	return reply, f
}

// apply executes one command against the board state. b.mu is held.
func (b *Board) apply(name string, args []string) []string {
	ints := func(n int) ([]int, bool) {
		if len(args) < n {
			return nil, false
		}
		out := make([]int, len(args))
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return nil, false
			}
			out[i] = v
		}
		return out, true
	}
	bad := []string{"!8 Err: Invalid parameter for " + name}

	switch name {
	case "V":
		return []string{b.firmware}
	case "QG":
		var status byte
		if b.penUp {
			status |= 0x10
		}
		return []string{fmt.Sprintf("%02X", status)}
	case "QS":
		return []string{fmt.Sprintf("%d,%d", b.steps[0], b.steps[1]), "OK"}
	case "QP":
		if b.penUp {
			return []string{"1", "OK"}
		}
		return []string{"0", "OK"}
	case "QN":
		if b.nickname == "" {
			return []string{"OK"}
		}
		return []string{b.nickname, "OK"}
	case "QC":
		return []string{"0394,0300", "OK"}
	case "SN":
		b.nickname = strings.Join(args, ",")
		return []string{"OK"}
	case "SP":
		v, ok := ints(1)
		if !ok || v[0] < 0 || v[0] > 1 {
			return bad
		}
		b.penUp = v[0] == 1
		if len(v) > 1 {
			b.mu.Unlock()
			b.wait(time.Duration(v[1]) * time.Millisecond)
			b.mu.Lock()
		}
		return []string{"OK"}
	case "SC":
		v, ok := ints(2)
		if !ok {
			return bad
		}
		b.servo[v[0]] = v[1]
		return []string{"OK"}
	case "SR":
		v, ok := ints(1)
		if !ok {
			return bad
		}
		b.servoTime = v[0]
		return []string{"OK"}
	case "EM":
		v, ok := ints(1)
		if !ok {
			return bad
		}
		b.motors[0] = v[0]
		if len(v) > 1 {
			b.motors[1] = v[1]
		}
		b.steps = [2]int{}
		return []string{"OK"}
	case "SM":
		v, ok := ints(2)
		if !ok || v[0] < 1 || v[0] > 16777215 {
			return bad
		}
		b.steps[0] += v[1]
		if len(v) > 2 {
			b.steps[1] += v[2]
		}
		b.mu.Unlock()
		b.wait(time.Duration(v[0]) * time.Millisecond)
		b.mu.Lock()
		return []string{"OK"}
	case "HM":
		if _, ok := ints(1); !ok {
			return bad
		}
		b.steps = [2]int{}
		return []string{"OK"}
	case "CS":
		b.steps = [2]int{}
		return []string{"OK"}
	case "ES":
		if len(args) > 0 && args[0] == "1" {
			b.motors = [2]int{}
		}
		p := b.pending
		b.pending = [2]int{}
		interrupted := 0
		if p != [2]int{} {
			interrupted = 1
		}
		return []string{fmt.Sprintf("%d,0,0,%d,%d", interrupted, p[0], p[1]), "OK"}
	case "R":
		b.reset()
		return []string{"OK"}
	case "RB":
		b.reset()
		return nil
	default:
		return []string{"!8 Err: Unknown command"}
	}
}

func (b *Board) reset() {
	b.steps = [2]int{}
	b.pending = [2]int{}
	b.motors = [2]int{}
	b.penUp = true
}
