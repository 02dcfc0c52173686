//go:build linux

package reactor

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/therotherithethethe/asonc/bufpool"
	"github.com/therotherithethethe/asonc/uring"
)

type countingBufRing struct {
	added, advanced int
}

func (r *countingBufRing) Add(_ []byte, _ uint16, _ int) {
	r.added++
}

func (r *countingBufRing) Advance(count int) {
	r.advanced += count
}

//newDetachedLoop a Loop with a ring that is never submitted, completions are fed by hand.
func newDetachedLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()

	l, err := New(append([]Option{WithConsole(-1)}, opts...)...)
	require.NoError(t, err)

	ring, err := uring.New(64)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		t.Skip("Skipped, io_uring not available:", err)
	}
	require.NoError(t, err)
	l.ring = ring
	t.Cleanup(func() { _ = ring.Close() })

	l.pool, err = bufpool.New(l.cfg.BufferCount, l.cfg.BufferSize)
	require.NoError(t, err)
	require.NoError(t, l.pool.SeedAll(&countingBufRing{}))
	t.Cleanup(func() { _ = l.pool.Close() })

	return l
}

//addConn register one end of a socket pair as an accepted connection.
func addConn(t *testing.T, l *Loop) *conn {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	c := newConn(fds[0], nil, l.cfg.BufferGroup)
	l.conns.add(c)
	l.stats.open.Add(1)

	t.Cleanup(func() {
		_ = unix.Close(fds[1])
		if l.conns.get(fds[0]) == c {
			_ = unix.Close(fds[0])
		}
	})
	return c
}

//breakSubmit fill the SQ and point the ring descriptor at /dev/null, so the next queue fails.
func breakSubmit(t *testing.T, l *Loop) {
	t.Helper()

	for l.ring.QueueSQE(uring.Nop(), 0, 0) == nil {
	}

	null, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(null)
	require.NoError(t, unix.Dup3(null, l.ring.Fd(), unix.O_CLOEXEC))
}

func recvCQE(fd int, bid uint16, n int32, more bool) *uring.CQEvent {
	flags := uring.CQEFlagBuffer | uint32(bid)<<16
	if more {
		flags |= uring.CQEFlagMore
	}
	return &uring.CQEvent{UserData: uint64(NewTag(KindRecv, fd)), Res: n, Flags: flags}
}

func errCQE(kind Kind, fd int, errno syscall.Errno) *uring.CQEvent {
	return &uring.CQEvent{UserData: uint64(NewTag(kind, fd)), Res: -int32(errno)}
}

func sendCQE(fd int, n int32) *uring.CQEvent {
	return &uring.CQEvent{UserData: uint64(NewTag(KindSend, fd)), Res: n}
}

func assertReleased(t *testing.T, l *Loop, c *conn) {
	t.Helper()

	assert.Nil(t, l.conns.get(c.fd))
	assert.Equal(t, int64(0), l.Stats().Open)
	assert.Equal(t, int64(1), l.Stats().Closed)

	_, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF, "descriptor left open")
}

func TestThrottleAtConnLimit(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(16, 64), WithConnBufferLimit(4))
	c := addConn(t, l)

	l.armRecv(c)
	require.True(t, c.recvArmed)
	queued := l.ring.Queued()

	for bid := uint16(0); bid < 4; bid++ {
		l.dispatch(recvCQE(c.fd, bid, 10, true))
	}

	assert.Equal(t, 4, c.held)
	assert.True(t, c.throttled)
	assert.True(t, c.recvArmed, "receive is ended by the cancel completion")
	assert.NotNil(t, c.sending)
	assert.Equal(t, 3, c.pending.Length())
	// one send and one cancel
	assert.Equal(t, queued+2, l.ring.Queued())

	// multishot data reaped after the cancel was queued still belongs to the stream
	l.dispatch(recvCQE(c.fd, 4, 10, true))
	assert.Equal(t, 5, c.held)
	assert.Equal(t, queued+2, l.ring.Queued(), "cancel queued twice")

	l.dispatch(errCQE(KindRecv, c.fd, syscall.ECANCELED))
	assert.False(t, c.recvArmed)
	assert.True(t, c.throttled, "resumed above half the limit")
	assert.Equal(t, stateReceiving, c.state)

	l.dispatch(sendCQE(c.fd, 10))
	l.dispatch(sendCQE(c.fd, 10))
	assert.Equal(t, 3, c.held)
	assert.True(t, c.throttled)

	l.dispatch(sendCQE(c.fd, 10))
	assert.Equal(t, 2, c.held)
	assert.False(t, c.throttled)
	assert.True(t, c.recvArmed)

	assert.Equal(t, 2, l.pool.InUse())
	assert.Equal(t, int64(50), l.Stats().ReceivedBytes)
	assert.Equal(t, int64(30), l.Stats().EchoedBytes)
}

func TestThrottledResumeOnShortStream(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(16, 64), WithConnBufferLimit(1))
	c := addConn(t, l)
	l.armRecv(c)

	// multishot ended by the kernel together with the chunk that hit the limit
	l.dispatch(recvCQE(c.fd, 0, 10, false))
	assert.True(t, c.throttled)
	assert.False(t, c.recvArmed)

	l.dispatch(sendCQE(c.fd, 10))
	assert.Equal(t, 0, c.held)
	assert.False(t, c.throttled)
	assert.True(t, c.recvArmed)
	assert.Equal(t, 0, l.pool.InUse())
}

func TestCancelledReceiveRearmed(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(16, 64))
	c := addConn(t, l)
	l.armRecv(c)

	// a throttle cancel that reached the receive armed by resume
	l.dispatch(errCQE(KindRecv, c.fd, syscall.ECANCELED))
	assert.True(t, c.recvArmed)
	assert.Equal(t, stateReceiving, c.state)
	assert.NotNil(t, l.conns.get(c.fd))
}

func TestThrottledNotParked(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(4, 64), WithConnBufferLimit(2))
	c := addConn(t, l)
	l.armRecv(c)

	for bid := uint16(0); bid < 4; bid++ {
		l.dispatch(recvCQE(c.fd, bid, 10, true))
	}
	require.True(t, c.throttled)

	l.dispatch(errCQE(KindRecv, c.fd, syscall.ENOBUFS))
	assert.False(t, c.starved)
	assert.Equal(t, 0, l.starved.Length())
	assert.False(t, c.recvArmed)

	for c.sending != nil {
		l.dispatch(sendCQE(c.fd, 10))
	}
	assert.Equal(t, 0, c.held)
	assert.True(t, c.recvArmed)
	assert.Equal(t, 0, l.pool.InUse())
}

func TestCloseDropsHeldSlots(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(16, 64), WithConnBufferLimit(8))
	c := addConn(t, l)
	l.armRecv(c)

	for bid := uint16(0); bid < 3; bid++ {
		l.dispatch(recvCQE(c.fd, bid, 10, true))
	}
	require.Equal(t, 3, c.held)

	l.closeConn(c)
	assert.Equal(t, 1, c.held, "the chunk in flight is still the kernel's")
	assert.Equal(t, 1, l.pool.InUse())

	l.dispatch(sendCQE(c.fd, 10))
	l.dispatch(errCQE(KindRecv, c.fd, syscall.ECANCELED))
	assert.Equal(t, 0, c.held)
	assert.Equal(t, 0, l.pool.InUse())
	assertReleased(t, l, c)
}

func TestRecvQueueFailureReleases(t *testing.T) {
	l := newDetachedLoop(t)
	c := addConn(t, l)

	breakSubmit(t, l)
	l.armRecv(c)

	assert.False(t, c.recvArmed)
	assert.Equal(t, stateClosing, c.state)
	assertReleased(t, l, c)
}

func TestSendQueueFailureReleases(t *testing.T) {
	l := newDetachedLoop(t, WithBuffers(16, 64))
	c := addConn(t, l)

	_, err := l.pool.Acquire(5, 10)
	require.NoError(t, err)
	c.held = 1

	breakSubmit(t, l)
	l.sendChunk(c, &chunk{slot: 5, end: 10})

	assert.Nil(t, c.sending)
	assert.Equal(t, 0, c.held)
	assert.Equal(t, 0, l.pool.InUse())
	assertReleased(t, l, c)
}

func TestConsoleSlotRefusedClosesConsole(t *testing.T) {
	l, err := New(WithConsole(-1))
	require.NoError(t, err)

	l.consolePool, err = bufpool.New(consoleBufferCount, 64)
	require.NoError(t, err)
	defer l.consolePool.Close()
	require.NoError(t, l.consolePool.SeedAll(&countingBufRing{}))

	// the slot is already owned, a completion naming it cannot be trusted
	_, err = l.consolePool.Acquire(1, 0)
	require.NoError(t, err)

	l.consoleOpen = true
	l.consoleArmed = true
	l.onConsole(&uring.CQEvent{
		UserData: uint64(NewTag(KindConsole, 0)),
		Res:      3,
		Flags:    uring.CQEFlagBuffer | 1<<16,
	})

	assert.False(t, l.consoleOpen)
	assert.False(t, l.consoleArmed)
	assert.True(t, l.shutdown)
	assert.NoError(t, l.exitErr)
}
