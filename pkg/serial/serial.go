// Package serial provides the physical link to the plotter's controller board:
// a raw termios port for USB CDC devices and a TCP dialer for simulators.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
	ErrBusy    = errors.New("serial: port in use by another process")
)

// TCPScheme prefixes port names that name a TCP endpoint instead of a device.
const TCPScheme = "tcp://"

// Conn is an open link to a controller board.
type Conn interface {
	io.ReadWriteCloser
	Name() string
}

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0, /dev/cu.usbmodem1421)
	Device string

	// Baud rate. The board is a USB CDC device and ignores it. (default: 115200)
	BaudRate int

	// How long a single Read waits for data before returning ErrTimeout (default: 250ms)
	ReadTimeout time.Duration

	// Upper bound on establishing a TCP link (default: 5s)
	DialTimeout time.Duration

	// Assert DTR on open. The board's CDC stack only transmits once DTR is set.
	DTROnConnect bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:     115200,
		ReadTimeout:  250 * time.Millisecond,
		DialTimeout:  5 * time.Second,
		DTROnConnect: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// Dial opens target, which is either a device path or tcp://host:port.
func Dial(ctx context.Context, target string, cfg Config) (Conn, error) {
	cfg = cfg.withDefaults()
	if strings.HasPrefix(target, TCPScheme) {
		return DialTCP(ctx, strings.TrimPrefix(target, TCPScheme), cfg.DialTimeout)
	}
	cfg.Device = target
	return Open(cfg)
}

// tcpConn names a TCP link by its address.
type tcpConn struct {
	net.Conn
	name string
}

func (c *tcpConn) Name() string { return c.name }

// DialTCP connects to a simulated board listening on address.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{Conn: conn, name: TCPScheme + address}, nil
}

// Port represents a serial port connection.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
}

// Open opens a serial port with the given configuration. The port is locked
// for exclusive use; a second opener gets ErrBusy.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	cfg = cfg.withDefaults()

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, ErrBusy)
		}
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("serial: lock %s: %w", cfg.Device, ErrBusy)
		}
		return nil, fmt.Errorf("serial: lock %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios

	// Raw 8N1, no flow control, no line discipline.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	port := &Port{
		fd:         fd,
		device:     cfg.Device,
		config:     cfg,
		oldTermios: oldTermios,
	}
	port.setDTR(cfg.DTROnConnect)

	// Drop anything the board sent before we were listening.
	_ = port.Flush()
	return port, nil
}

// Name returns the device path.
func (p *Port) Name() string {
	return p.device
}

// Read waits up to the configured read timeout for data. It returns
// ErrTimeout when nothing arrived and io.EOF when the device went away.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		// Readable with no data means the USB device was unplugged.
		return 0, io.EOF
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				if werr := waitWritable(fd); werr != nil {
					return written, werr
				}
				continue
			}
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, 1000)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return ErrTimeout
	}
	return nil
}

// Close restores the original terminal settings and releases the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	_ = unix.Flock(p.fd, unix.LOCK_UN)
	return unix.Close(p.fd)
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	return unix.IoctlSetInt(fd, ioctlTCFlush, ioctlFlushArg)
}

// setDTR raises or drops DTR. Adapters without modem control are ignored.
func (p *Port) setDTR(on bool) {
	var status int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMGET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return
	}
	if on {
		status |= unix.TIOCM_DTR
	} else {
		status &^= unix.TIOCM_DTR
	}
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMSET), uintptr(unsafe.Pointer(&status)))
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d on %s", baud, runtime.GOOS)
}
