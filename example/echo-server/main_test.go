//go:build linux

package main

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/therotherithethethe/asonc/reactor"
)

func TestDescribe(t *testing.T) {
	bind := &reactor.StartupError{Op: "bind", Err: syscall.EADDRINUSE}
	assert.Equal(t, "ERROR: bind. 98. address already in use", describe(bind))

	wrapped := fmt.Errorf("start: %w", &reactor.StartupError{Op: "mmap", Err: errors.New("no memory")})
	assert.Equal(t, "ERROR: mmap. no memory", describe(wrapped))

	assert.Equal(t, "ERROR: accept failed: too many open files",
		describe(fmt.Errorf("%w: %w", reactor.ErrAcceptFailed, syscall.EMFILE)))
}
