package serial

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortPortsPrefersBoard(t *testing.T) {
	ports := []PortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6001"},
		{Name: "/dev/ttyACM1", USB: true, VID: "04d8", PID: "fd92"},
		{Name: "/dev/ttyACM0", USB: true, Product: "EiBotBoard"},
	}
	sortPorts(ports)

	names := []string{ports[0].Name, ports[1].Name, ports[2].Name, ports[3].Name}
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyUSB0", "/dev/ttyS0"}, names)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 3)
		n, _ := c.Read(buf)
		_, _ = c.Write(buf[:n])
	}()

	conn, err := Dial(context.Background(), TCPScheme+ln.Addr().String(), Config{})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, TCPScheme+ln.Addr().String(), conn.Name())

	_, err = conn.Write([]byte("V\r"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "V\r", string(buf[:n]))
}

func TestOpenRequiresDevice(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
