package ebbsim

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange writes line and reads n reply lines.
func exchange(t *testing.T, r *bufio.Reader, w func(string), line string, n int) []string {
	t.Helper()
	w(line + "\r")
	var out []string
	for len(out) < n {
		s, err := r.ReadString('\n')
		require.NoError(t, err)
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func TestBoardProtocol(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background(), "sim")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.(net.Conn).SetDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)
	w := func(s string) { _, err := conn.Write([]byte(s)); require.NoError(t, err) }

	assert.Equal(t, []string{DefaultFirmware}, exchange(t, r, w, "V", 1))
	assert.Equal(t, []string{"OK"}, exchange(t, r, w, "EM,1,1", 1))
	assert.Equal(t, []string{"OK"}, exchange(t, r, w, "SM,100,300,-100", 1))
	assert.Equal(t, []string{"300,-100", "OK"}, exchange(t, r, w, "QS", 2))
	assert.Equal(t, []string{"OK"}, exchange(t, r, w, "SP,0", 1))
	assert.Equal(t, []string{"00"}, exchange(t, r, w, "QG", 1))
	assert.Equal(t, []string{"0", "OK"}, exchange(t, r, w, "QP", 2))
	assert.Equal(t, []string{"OK"}, exchange(t, r, w, "SN,desk", 1))
	assert.Equal(t, []string{"desk", "OK"}, exchange(t, r, w, "QN", 2))
	assert.Equal(t, []string{"!8 Err: Unknown command"}, exchange(t, r, w, "XX", 1))

	// Motor enable clears the step counters.
	assert.Equal(t, []string{"OK"}, exchange(t, r, w, "EM,2,2", 1))
	m1, m2 := b.Steps()
	assert.Zero(t, m1)
	assert.Zero(t, m2)
	assert.Zero(t, b.Overlaps())
}

func TestPowerCycleDropsLinkAndState(t *testing.T) {
	b := New()
	conn, err := b.Dial(context.Background(), "sim")
	require.NoError(t, err)
	b.MoveBy(10, 10)
	b.SetPenUp(false)

	b.PowerCycle()

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	m1, _ := b.Steps()
	assert.Zero(t, m1)
	assert.True(t, b.PenUp())
}

func TestOverlapsCountPipelinedCommands(t *testing.T) {
	b := New(WithTimeScale(1))
	conn, err := b.Dial(context.Background(), "sim")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.(net.Conn).SetDeadline(time.Now().Add(2*time.Second)))
	r := bufio.NewReader(conn)
	w := func(s string) { _, err := conn.Write([]byte(s)); require.NoError(t, err) }

	// Lockstep traffic never overlaps, however fast the host answers.
	for i := 0; i < 50; i++ {
		exchange(t, r, w, "QG", 1)
	}
	assert.Zero(t, b.Overlaps())

	// A second command sent while a move is still running does.
	w("SM,100,10,10\rQG\r")
	for _, want := range []string{"OK", "10"} {
		s, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, strings.TrimSpace(s))
	}
	assert.Equal(t, 1, b.Overlaps())
}
