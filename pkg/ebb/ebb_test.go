// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

func TestSplitLinesAcceptsBothTerminators(t *testing.T) {
	lines, rest := SplitLines([]byte("12,34\r\nOK\n\r3E\r\nEBBv13"))
	assert.Equal(t, []string{"12,34", "OK", "3E"}, lines)
	assert.Equal(t, "EBBv13", string(rest))

	lines, rest = SplitLines([]byte("\r\n\r\n"))
	assert.Empty(t, lines)
	assert.Empty(t, rest)
}

func TestStepperMoveLimits(t *testing.T) {
	c, err := StepperMove(100*time.Millisecond, 800, -800)
	require.NoError(t, err)
	assert.Equal(t, "SM,100,800,-800", c.Line)
	assert.Equal(t, GrammarOK, c.Grammar)
	assert.Equal(t, "SM,100,800,-800\r", string(c.Wire()))
	assert.Greater(t, c.Timeout, 100*time.Millisecond)

	_, err = StepperMove(0, 1, 1)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = StepperMove(10*time.Millisecond, 251, 0)
	assert.True(t, errors.Is(err, errors.ErrValidation), "step rate above 25/ms")

	_, err = StepperMove(10*time.Millisecond, 250, -250)
	assert.NoError(t, err)
}

func TestCommandLines(t *testing.T) {
	tests := []struct {
		cmd  Command
		line string
		g    Grammar
	}{
		{Version(), "V", GrammarLine},
		{QueryGeneral(), "QG", GrammarLine},
		{QueryStepPosition(), "QS", GrammarValueOK},
		{QueryPen(), "QP", GrammarValueOK},
		{SetPen(true, 0), "SP,1", GrammarOK},
		{SetPen(false, 150*time.Millisecond), "SP,0,150", GrammarOK},
		{ServoConfig(ServoParamUpPulse, 16000), "SC,4,16000", GrammarOK},
		{ServoTimeout(60 * time.Second), "SR,60000", GrammarOK},
		{DisableMotors(), "EM,0,0", GrammarOK},
		{EmergencyStop(), "ES", GrammarValueOK},
		{Reboot(), "RB", GrammarNone},
		{ClearSteps(), "CS", GrammarOK},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.line, tt.cmd.Line)
		assert.Equal(t, tt.g, tt.cmd.Grammar, tt.line)
	}
	assert.True(t, QueryNickname().EmptyValue)
}

func TestBuilderValidation(t *testing.T) {
	_, err := EnableMotors(1, 6)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = Home(1, time.Second)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = SetNickname("has,comma")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = SetNickname("a-name-that-is-too-long")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	c, err := SetNickname("desk")
	require.NoError(t, err)
	assert.Equal(t, "SN,desk", c.Line)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("EBBv13_and_above EB Firmware Version 2.8.1")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Major)
	assert.Equal(t, 8, v.Minor)
	assert.Equal(t, 1, v.Patch)
	assert.True(t, v.AtLeast(2, 5, 5))
	assert.False(t, v.AtLeast(3, 0, 0))

	_, err = ParseVersion("Arduino Mega")
	assert.True(t, errors.Is(err, errors.ErrMalformed))
}

func TestParseStatusBits(t *testing.T) {
	s, err := ParseStatus("3E")
	require.NoError(t, err)
	assert.True(t, s.FIFOEmpty)
	assert.True(t, s.Motor2Moving)
	assert.True(t, s.Motor1Moving)
	assert.True(t, s.CommandExecuting)
	assert.True(t, s.PenUp)
	assert.True(t, s.ButtonPressed)
	assert.False(t, s.Idle())

	s, err = ParseStatus("10")
	require.NoError(t, err)
	assert.True(t, s.PenUp)
	assert.True(t, s.Idle())

	s, err = ParseStatus("01")
	require.NoError(t, err)
	assert.False(t, s.FIFOEmpty)

	for _, bad := range []string{"", "1", "OK", "123", "G1"} {
		_, err := ParseStatus(bad)
		assert.True(t, errors.Is(err, errors.ErrMalformed), bad)
	}
}

func TestParseReplies(t *testing.T) {
	m1, m2, err := ParseStepPosition("1024,-512")
	require.NoError(t, err)
	assert.Equal(t, 1024, m1)
	assert.Equal(t, -512, m2)

	_, _, err = ParseStepPosition("1024")
	assert.True(t, errors.Is(err, errors.ErrMalformed))
	_, _, err = ParseStepPosition("a,b")
	assert.True(t, errors.Is(err, errors.ErrMalformed))

	up, err := ParsePen("1")
	require.NoError(t, err)
	assert.True(t, up)
	_, err = ParsePen("OK")
	assert.True(t, errors.Is(err, errors.ErrMalformed))

	p, err := ParsePower("0394,0300")
	require.NoError(t, err)
	assert.Equal(t, Power{Current: 394, Voltage: 300}, p)

	r, err := ParseStop("1,10,20,30,40")
	require.NoError(t, err)
	assert.True(t, r.Interrupted)
	assert.Equal(t, [2]int{30, 40}, r.Remaining)
}
