// Package channel owns the link to the controller board and exposes a
// strictly serialized request/response primitive over it.
//
// At most one command is in flight at any instant. A concurrent Send waits
// for the previous one to resolve; no caller is dropped. Read or write
// failures close the channel (LinkLost) and later sends fail fast with
// NotConnected until Open succeeds again. Timeouts and malformed replies are
// surfaced without closing the link and are never retried here: a blind
// retry of a stepper move could move twice.
package channel

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/serial"
)

// Opener opens a link to the port named by target.
type Opener func(ctx context.Context, target string) (serial.Conn, error)

// Lister enumerates candidate ports for discovery.
type Lister func() ([]serial.PortInfo, error)

// Session identifies an open link.
type Session struct {
	Port     string              `json:"port"`
	Firmware ebb.FirmwareVersion `json:"-"`
	Version  string              `json:"firmware"`
	Nickname string              `json:"nickname"`
	OpenedAt time.Time           `json:"opened_at"`
}

const (
	lineBuffer = 64

	defaultProbeTimeout = 2 * time.Second
)

// link is one open connection and its reader.
type link struct {
	conn  serial.Conn
	lines chan string
	dead  chan struct{}
	err   error // set before dead is closed
}

// Channel is the serialized command link. The zero value is not usable;
// construct with New.
type Channel struct {
	slot chan struct{}

	mu      sync.Mutex
	link    *link
	session *Session
	lastErr error

	// stale is set after a timeout or malformed reply; staleWait bounds
	// how long the late reply may still take.
	stale     bool
	staleWait time.Duration

	opener       Opener
	lister       Lister
	probeTimeout time.Duration
	log          *log.Logger
	metrics      *metrics.PlotterMetrics
}

// Option configures a Channel.
type Option func(*Channel)

// WithOpener replaces the physical link opener.
func WithOpener(o Opener) Option {
	return func(c *Channel) { c.opener = o }
}

// WithLister replaces port enumeration for discovery.
func WithLister(l Lister) Option {
	return func(c *Channel) { c.lister = l }
}

// WithSerialConfig sets the config used by the default opener.
func WithSerialConfig(cfg serial.Config) Option {
	return func(c *Channel) {
		c.opener = func(ctx context.Context, target string) (serial.Conn, error) {
			return serial.Dial(ctx, target, cfg)
		}
	}
}

// WithProbeTimeout bounds how long discovery waits on each port.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Channel) { c.probeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithMetrics records command counts and latencies.
func WithMetrics(m *metrics.PlotterMetrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New returns a closed channel.
func New(opts ...Option) *Channel {
	c := &Channel{
		slot:         make(chan struct{}, 1),
		lister:       serial.ListPorts,
		probeTimeout: defaultProbeTimeout,
		log:          log.GetLogger("channel"),
	}
	WithSerialConfig(serial.DefaultConfig())(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire waits for the single command slot.
func (c *Channel) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) release() {
	<-c.slot
}

// Open connects to portSpec, or discovers a board when portSpec is empty,
// and identifies it. An already open link is closed first.
func (c *Channel) Open(ctx context.Context, portSpec string) (*Session, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	c.closeLocked()

	if portSpec == "" {
		return c.discoverLocked(ctx)
	}
	return c.openLocked(ctx, portSpec, 0)
}

func (c *Channel) openLocked(ctx context.Context, target string, probe time.Duration) (*Session, error) {
	conn, err := c.opener(ctx, target)
	if err != nil {
		if stderrors.Is(err, serial.ErrBusy) {
			return nil, errors.Wrap(err, errors.ErrPortBusy, "port in use").SetOp(target)
		}
		return nil, errors.Wrap(err, errors.ErrNotFound, "cannot open port").SetOp(target)
	}
	l := c.attach(conn)

	versionCmd := ebb.Version()
	if probe > 0 {
		versionCmd = versionCmd.WithTimeout(probe)
	}
	resp, err := c.roundTrip(l, versionCmd)
	if err != nil {
		c.detach(l)
		if errors.IsLink(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrNotFound, "no controller board answered").SetOp(target)
	}
	fw, err := ebb.ParseVersion(resp.Value)
	if err != nil {
		c.detach(l)
		return nil, errors.Wrap(err, errors.ErrNotFound, "not a controller board").SetOp(target)
	}

	session := &Session{
		Port:     conn.Name(),
		Firmware: fw,
		Version:  fw.Raw,
		OpenedAt: time.Now(),
	}
	// Older firmware has no nickname support; identity does not depend on it.
	if resp, err := c.roundTrip(l, ebb.QueryNickname()); err == nil {
		session.Nickname = resp.Value
	} else if errors.IsLink(err) {
		c.detach(l)
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.lastErr = nil
	c.mu.Unlock()

	c.log.WithFields(log.Fields{
		"port":     session.Port,
		"firmware": session.Version,
		"nickname": session.Nickname,
	}).Info("link open")
	return session, nil
}

// discoverLocked probes candidate ports in order and keeps the first that
// identifies as a controller board.
func (c *Channel) discoverLocked(ctx context.Context) (*Session, error) {
	ports, err := c.lister()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrNotFound, "cannot enumerate ports")
	}
	var tried []string
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, err := c.openLocked(ctx, p.Name, c.probeTimeout)
		if err == nil {
			return session, nil
		}
		tried = append(tried, p.Name)
		c.log.WithField("port", p.Name).WithError(err).Debug("probe failed")
	}
	return nil, errors.New(errors.ErrNotFound, "no controller board found").
		SetContext("tried", strings.Join(tried, ","))
}

// attach installs conn as the current link and starts its reader.
func (c *Channel) attach(conn serial.Conn) *link {
	l := &link{
		conn:  conn,
		lines: make(chan string, lineBuffer),
		dead:  make(chan struct{}),
	}
	c.mu.Lock()
	c.link = l
	c.stale = false
	c.mu.Unlock()
	go c.readLoop(l)
	return l
}

// detach closes l and waits for its reader to exit.
func (c *Channel) detach(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		c.session = nil
	}
	c.mu.Unlock()
	l.conn.Close()
	<-l.dead
}

func (c *Channel) readLoop(l *link) {
	defer close(l.dead)
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			lines, rest := ebb.SplitLines(pending)
			pending = append([]byte(nil), rest...)
			for _, line := range lines {
				select {
				case l.lines <- line:
				default:
					c.log.WithField("line", line).Warn("reply buffer full, dropping line")
				}
			}
		}
		if err != nil {
			if stderrors.Is(err, serial.ErrTimeout) {
				continue
			}
			l.err = err
			c.lost(l, err)
			return
		}
	}
}

// lost records a link failure. Only the current link updates state.
func (c *Channel) lost(l *link, err error) {
	c.mu.Lock()
	current := c.link == l
	if current {
		c.link = nil
		c.session = nil
		c.lastErr = err
	}
	c.mu.Unlock()
	l.conn.Close()
	if current {
		c.log.WithError(err).Warn("link lost")
	}
}

// Send writes cmd and reads its reply according to cmd.Grammar.
// Context cancellation is honoured only while waiting to send: a command
// once written is always awaited until its reply or timeout.
func (c *Channel) Send(ctx context.Context, cmd ebb.Command) (ebb.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return ebb.Response{}, err
	}
	defer c.release()

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ebb.Response{}, errors.NotConnected(cmd.Name)
	}
	return c.roundTrip(l, cmd)
}

// roundTrip runs one command on l. The caller holds the slot.
func (c *Channel) roundTrip(l *link, cmd ebb.Command) (resp ebb.Response, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveCommand(cmd.Name, resultLabel(err), time.Since(start))
		entry := c.log.WithFields(log.Fields{"cmd": cmd.Line, "took": time.Since(start).Round(time.Microsecond)})
		if err != nil {
			entry.WithError(err).Debug("command failed")
			if errors.IsProtocol(err) {
				c.mu.Lock()
				c.stale = true
				c.staleWait = cmd.Timeout + ebb.DefaultTimeout
				c.mu.Unlock()
			}
		} else if c.log.Enabled(log.DEBUG) {
			entry.WithField("reply", strings.Join(resp.Lines, "|")).Debug("command")
		}
	}()

	if err := c.resync(l); err != nil {
		return resp, err
	}

	if _, werr := l.conn.Write(cmd.Wire()); werr != nil {
		c.lost(l, werr)
		return resp, errors.LinkLost(cmd.Name, werr)
	}
	if cmd.Grammar == ebb.GrammarNone {
		return resp, nil
	}

	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()
	next := func() (string, error) {
		select {
		case line := <-l.lines:
			resp.Lines = append(resp.Lines, line)
			return line, nil
		case <-l.dead:
			// Lines that raced the failure are still valid replies.
			select {
			case line := <-l.lines:
				resp.Lines = append(resp.Lines, line)
				return line, nil
			default:
			}
			return "", errors.LinkLost(cmd.Name, l.err)
		case <-timer.C:
			return "", errors.Timeout(cmd.Name, cmd.Timeout)
		}
	}

	first, err := next()
	if err != nil {
		return resp, err
	}
	if ebb.IsFirmwareError(first) {
		return resp, errors.Firmware(cmd.Name, first)
	}

	switch cmd.Grammar {
	case ebb.GrammarOK:
		if first != "OK" {
			return resp, errors.Malformed(cmd.Name, first, "expected OK")
		}
	case ebb.GrammarLine:
		resp.Value = first
	case ebb.GrammarValueOK:
		if first == "OK" {
			if cmd.EmptyValue {
				return resp, nil
			}
			return resp, errors.Malformed(cmd.Name, first, "missing value")
		}
		resp.Value = first
		ok, err := next()
		if err != nil {
			return resp, err
		}
		if ebb.IsFirmwareError(ok) {
			return resp, errors.Firmware(cmd.Name, ok)
		}
		if ok != "OK" {
			return resp, errors.Malformed(cmd.Name, ok, "expected OK")
		}
	default:
		return resp, fmt.Errorf("channel: unknown grammar %v", cmd.Grammar)
	}
	return resp, nil
}

// resync discards input left over from earlier commands. After a protocol
// error the link may still owe a late reply, so the board is asked for its
// identification and everything up to that answer is dropped.
func (c *Channel) resync(l *link) error {
	dropped := 0
	defer func() {
		if dropped > 0 {
			c.log.WithField("count", dropped).Warn("discarded unsolicited replies")
		}
	}()
	for {
		select {
		case line := <-l.lines:
			dropped++
			c.log.WithField("line", line).Debug("discarding stale reply")
			continue
		default:
		}
		break
	}

	c.mu.Lock()
	stale, wait := c.stale, c.staleWait
	c.mu.Unlock()
	if !stale {
		return nil
	}

	ident := ebb.Version()
	if _, err := l.conn.Write(ident.Wire()); err != nil {
		c.lost(l, err)
		return errors.LinkLost("resync", err)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case line := <-l.lines:
			if strings.HasPrefix(line, "EBB") {
				c.mu.Lock()
				c.stale = false
				c.mu.Unlock()
				return nil
			}
			dropped++
			c.log.WithField("line", line).Debug("discarding late reply")
		case <-l.dead:
			return errors.LinkLost("resync", l.err)
		case <-timer.C:
			return errors.Timeout("resync", wait)
		}
	}
}

// Close closes the link. It waits for an in-flight command to resolve.
func (c *Channel) Close() error {
	c.slot <- struct{}{}
	defer c.release()
	c.closeLocked()
	return nil
}

func (c *Channel) closeLocked() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		c.detach(l)
		c.log.WithField("port", l.conn.Name()).Info("link closed")
	}
}

// IsOpen reports whether a link is currently open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Session returns a copy of the current session, or nil when closed.
func (c *Channel) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// LastError returns the failure that closed the previous link, if any.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetNickname updates the cached session nickname after the board accepted it.
func (c *Channel) SetNickname(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Nickname = name
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
