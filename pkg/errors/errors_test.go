// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsWalksWrapChain(t *testing.T) {
	base := LinkLost("QG", io.EOF)
	wrapped := fmt.Errorf("heartbeat: %w", base)

	assert.True(t, Is(wrapped, ErrLinkLost))
	assert.True(t, IsLink(wrapped))
	assert.False(t, IsProtocol(wrapped))
	assert.True(t, stderrors.Is(wrapped, io.EOF))
	assert.Equal(t, ErrLinkLost, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(io.EOF))
	assert.False(t, Is(nil, ErrTimeout))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "[TIMEOUT:SM] no response within 1s", Timeout("SM", time.Second).Error())
	assert.Equal(t, "[VALIDATION] speed: must be positive", Validation("speed", "must be positive").Error())
	assert.Equal(t, "[LINK_LOST:V] link lost: EOF", LinkLost("V", io.EOF).Error())
}

func TestProtocolErrors(t *testing.T) {
	for _, err := range []error{
		Timeout("QS", time.Second),
		Malformed("QS", "12", "expected two fields"),
		Firmware("SM", "!8 Err: Unknown command"),
	} {
		assert.True(t, IsProtocol(err), err.Error())
		assert.False(t, IsLink(err), err.Error())
	}
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))
	assert.Equal(t, ErrRuntime, RecoverPanic("bad").Code)
	assert.True(t, stderrors.Is(RecoverPanic(io.ErrUnexpectedEOF), io.ErrUnexpectedEOF))
}
