//go:build linux

package uring

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

//TestRingClose test Close operation.
func TestRingClose(t *testing.T) {
	r := newTestRing(t, 2)
	defer r.Close()

	f, err := os.Open("./../go.mod")
	require.NoError(t, err)

	err = r.QueueSQE(Close(f.Fd()), 0, 0)
	require.NoError(t, err)

	_, err = r.Submit()
	require.NoError(t, err)

	cqe, err := r.WaitCQEvents(1)
	require.NoError(t, err)
	if cqe.Error() == unix.EINVAL {
		t.Skip("Skipped, IORING_OP_CLOSE not supported on this kernel")
	}
	require.NoError(t, cqe.Error())
	r.SeenCQE(cqe)

	_, err = unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	require.ErrorIs(t, err, unix.EBADF)
}
