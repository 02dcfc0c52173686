//go:build linux

package uring

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//newTestRing create ring or skip the test when io_uring is unavailable (old kernel, seccomp, sysctl).
func newTestRing(t *testing.T, entries uint32, opts ...SetupOption) *Ring {
	t.Helper()

	r, err := New(entries, opts...)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		t.Skip("Skipped, io_uring not available:", err)
	}
	require.NoError(t, err)
	return r
}

func TestCreateRing(t *testing.T) {
	r := newTestRing(t, 64)

	assert.NotEqual(t, 0, r.Fd())
	assert.GreaterOrEqual(t, r.Params.SQEntries(), uint32(64))

	err := r.Close()
	require.NoError(t, err)

	err = syscall.Close(r.Fd())
	assert.ErrorIs(t, err, syscall.EBADF)
}

func TestCreateRingBadEntries(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrRingSetup)

	_, err = New(MaxEntries + 1)
	assert.ErrorIs(t, err, ErrRingSetup)
}

func queueNOPs(r *Ring, count int, offset int) (err error) {
	for i := 0; i < count; i++ {
		err = r.QueueSQE(Nop(), 0, uint64(i+offset))
		if err != nil {
			return err
		}
	}
	_, err = r.Submit()
	return err
}

//TestCQRingReady test CQ ready.
func TestCQRingReady(t *testing.T) {
	ring := newTestRing(t, 4)
	defer ring.Close()

	assert.Equal(t, uint32(0), ring.cqRing.readyCount())

	require.NoError(t, queueNOPs(ring, 4, 0))
	assert.Equal(t, uint32(4), ring.cqRing.readyCount())
	ring.AdvanceCQ(4)

	assert.Equal(t, uint32(0), ring.cqRing.readyCount())

	require.NoError(t, queueNOPs(ring, 4, 0))
	assert.Equal(t, uint32(4), ring.cqRing.readyCount())

	ring.AdvanceCQ(1)
	assert.Equal(t, uint32(3), ring.cqRing.readyCount())

	ring.AdvanceCQ(2)
	assert.Equal(t, uint32(1), ring.cqRing.readyCount())

	ring.AdvanceCQ(1)
	assert.Equal(t, uint32(0), ring.cqRing.readyCount())
}

//TestCQRingSize test CQ ring sizing.
func TestCQRingSize(t *testing.T) {
	ring, err := New(4, WithCQSize(64))
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skip("Skipped, not supported on this kernel")
		return
	}
	require.NoError(t, err)

	assert.GreaterOrEqual(t, ring.Params.CQEntries(), uint32(64))
	require.NoError(t, ring.Close())

	_, err = New(4, WithCQSize(0))
	assert.Error(t, err, "zero sized cq ring succeeded")
}

func fillNOPs(r *Ring) (filled int) {
	for {
		if err := r.QueueSQE(Nop(), 0, 0); errors.Is(err, ErrSQOverflow) {
			break
		}
		filled++
	}
	return filled
}

//TestSQOverflow exercise full filling of SQ ring.
func TestSQOverflow(t *testing.T) {
	ring := newTestRing(t, 8)
	defer ring.Close()

	filled := fillNOPs(ring)
	assert.Equal(t, int(ring.Params.SQEntries()), filled)
	assert.Equal(t, uint32(filled), ring.Queued())

	submitted, err := ring.Submit()
	require.NoError(t, err)
	assert.Equal(t, uint(filled), submitted)
	assert.Equal(t, uint32(0), ring.Queued())

	for i := 0; i < filled; i++ {
		cqe, err := ring.WaitCQEvents(1)
		require.NoError(t, err)
		ring.SeenCQE(cqe)
	}
}

//TestCQPeekBatch test CQ peek-batch.
func TestCQPeekBatch(t *testing.T) {
	ring := newTestRing(t, 4)
	defer ring.Close()

	cqeBuff := make([]*CQEvent, 128)

	cnt := ring.PeekCQEventBatch(cqeBuff)
	assert.Equal(t, 0, cnt)

	require.NoError(t, queueNOPs(ring, 4, 0))

	cnt = ring.PeekCQEventBatch(cqeBuff)
	assert.Equal(t, 4, cnt)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint64(i), cqeBuff[i].UserData)
	}

	require.NoError(t, queueNOPs(ring, 4, 4))

	ring.AdvanceCQ(4)
	cnt = ring.PeekCQEventBatch(cqeBuff)
	assert.Equal(t, 4, cnt)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint64(i+4), cqeBuff[i].UserData)
	}

	ring.AdvanceCQ(4)
}

func TestCQEventHelpers(t *testing.T) {
	cqe := CQEvent{Res: -int32(syscall.ENOBUFS)}
	assert.ErrorIs(t, cqe.Error(), syscall.ENOBUFS)
	assert.False(t, cqe.More())
	_, ok := cqe.Buffer()
	assert.False(t, ok)

	cqe = CQEvent{Res: 10, Flags: CQEFlagMore | CQEFlagBuffer | 513<<cqeBufferShift}
	assert.NoError(t, cqe.Error())
	assert.True(t, cqe.More())
	bid, ok := cqe.Buffer()
	assert.True(t, ok)
	assert.Equal(t, uint16(513), bid)
}
