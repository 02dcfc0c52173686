//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/petermattis/goid"
	"golang.org/x/sys/unix"

	"github.com/therotherithethethe/asonc/bufpool"
	unet "github.com/therotherithethethe/asonc/net"
	"github.com/therotherithethethe/asonc/uring"
)

const (
	cqeBuffSize = 1 << 7

	// descriptors below this value are kept in the flat part of the registry
	registryBorder = 1 << 12

	// slots of the console pool, a power of two
	consoleBufferCount = 4
)

//Stats counters of a running loop, safe to read from any goroutine.
type Stats struct {
	Open     int64
	Accepted int64
	Closed   int64

	ReceivedBytes int64
	EchoedBytes   int64

	PoolAvailable int64
	PoolInUse     int64
}

type stats struct {
	open, accepted, closed atomic.Int64
	received, echoed       atomic.Int64
	poolAvailable, poolUse atomic.Int64
}

//Loop single threaded io_uring echo server. Connections receive into one shared pool of provided
//buffers and each chunk read from a connection is written back to it. The console reads from a
//small pool of its own, so clients can never starve the shutdown command.
//All requests are submitted and all completions handled by the goroutine that called Run.
type Loop struct {
	cfg Config
	log leveled

	ring     *uring.Ring
	bufRing  *uring.BufRing
	pool     *bufpool.Pool
	listener *unet.Listener

	consolePool *bufpool.Pool
	consoleRing *uring.BufRing

	conns     *registry
	starved   *queue.Queue
	connLimit int

	inFlight int

	acceptOp *uring.AcceptOp

	consoleOp        *uring.ReadOp
	consoleOpen      bool
	consoleArmed     bool
	consoleStarved   bool
	consoleMultishot bool
	consoleLines     lineSplitter

	shutdown      bool
	cancelIssued  bool
	drainDeadline time.Time
	exitErr       error

	owner   int64
	started atomic.Bool
	ready   chan struct{}
	addr    net.Addr

	stats stats
}

//New create a Loop, nothing is opened until Run.
func New(opts ...Option) (*Loop, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Loop{
		cfg:     cfg,
		log:     leveled{cfg.Logger},
		conns:     newRegistry(registryBorder),
		starved:   queue.New(),
		connLimit: cfg.connLimit(),
		ready:     make(chan struct{}),
	}, nil
}

//Ready is closed once the loop listens and serves.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

//Addr listening address, nil until Ready is closed.
func (l *Loop) Addr() net.Addr {
	select {
	case <-l.ready:
		return l.addr
	default:
		return nil
	}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Open:          l.stats.open.Load(),
		Accepted:      l.stats.accepted.Load(),
		Closed:        l.stats.closed.Load(),
		ReceivedBytes: l.stats.received.Load(),
		EchoedBytes:   l.stats.echoed.Load(),
		PoolAvailable: l.stats.poolAvailable.Load(),
		PoolInUse:     l.stats.poolUse.Load(),
	}
}

//Run serve until the console shutdown token, console end of input, ctx cancellation or an accept failure.
//Startup failures are returned as *StartupError. Every descriptor and buffer is released before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.owner = goid.Get()

	defer l.teardown()

	if err := l.start(); err != nil {
		return err
	}

	l.addr = l.listener.Addr()
	close(l.ready)

	l.log.info("accepting clients", "addr", l.addr.String(),
		"buffers", l.cfg.BufferCount, "buffer_size", l.cfg.BufferSize, "console_multishot", l.consoleMultishot)

	return l.serve(ctx)
}

func startupErr(op string, err error) error {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return &StartupError{Op: sysErr.Syscall, Err: sysErr.Err}
	}
	return &StartupError{Op: op, Err: err}
}

func (l *Loop) start() (err error) {
	entries := l.cfg.RingEntries
	cqSize := min(entries*8, uring.MaxEntries*2)

	if l.ring, err = uring.New(entries, uring.WithCQSize(cqSize), uring.WithClamp()); err != nil {
		return startupErr("io_uring_setup", err)
	}

	if probe, probeErr := l.ring.Probe(); probeErr == nil {
		for _, code := range []uring.OpCode{uring.AcceptCode, uring.RecvCode, uring.SendCode, uring.AsyncCancelCode, uring.ReadCode} {
			if !probe.Supported(code) {
				return startupErr("io_uring_register", fmt.Errorf("%w: opcode %d", ErrUnsupportedKernel, code))
			}
		}
		l.consoleMultishot = probe.Supported(uring.ReadMultishotCode)
	}

	if l.pool, err = bufpool.New(l.cfg.BufferCount, l.cfg.BufferSize); err != nil {
		return startupErr("mmap", err)
	}

	if l.bufRing, err = l.ring.SetupBufRing(uint32(l.cfg.BufferCount), l.cfg.BufferGroup); err != nil {
		if errors.Is(err, syscall.EINVAL) {
			err = fmt.Errorf("%w: provided buffer ring: %w", ErrUnsupportedKernel, err)
		}
		return startupErr("io_uring_register", err)
	}

	if err = l.pool.SeedAll(l.bufRing); err != nil {
		return startupErr("io_uring_register", err)
	}
	l.syncPoolStats()

	if l.listener, err = unet.Listen(l.cfg.Addr, l.cfg.Backlog); err != nil {
		return startupErr("listen", err)
	}

	l.acceptOp = uring.AcceptMultishot(uintptr(l.listener.Fd()), syscall.SOCK_CLOEXEC)
	if err = l.queue(l.acceptOp, NewTag(KindListener, l.listener.Fd())); err != nil {
		return startupErr("io_uring_enter", err)
	}

	if l.cfg.ConsoleFd >= 0 {
		if l.consolePool, err = bufpool.New(consoleBufferCount, l.cfg.BufferSize); err != nil {
			return startupErr("mmap", err)
		}
		if l.consoleRing, err = l.ring.SetupBufRing(consoleBufferCount, l.cfg.BufferGroup+1); err != nil {
			return startupErr("io_uring_register", err)
		}
		if err = l.consolePool.SeedAll(l.consoleRing); err != nil {
			return startupErr("io_uring_register", err)
		}

		l.consoleOpen = true
		if err = l.armConsole(); err != nil {
			return startupErr("io_uring_enter", err)
		}
	}

	if _, err = l.ring.Submit(); err != nil {
		return startupErr("io_uring_enter", err)
	}

	return nil
}

//queue put op into SQ tagged with tag, flushing the SQ to the kernel when it is full.
func (l *Loop) queue(op uring.Operation, tag Tag) error {
	err := l.ring.QueueSQE(op, 0, uint64(tag))
	if errors.Is(err, uring.ErrSQOverflow) {
		if _, err = l.ring.Submit(); err != nil {
			return err
		}
		err = l.ring.QueueSQE(op, 0, uint64(tag))
	}

	if err == nil {
		l.inFlight++
	}
	return err
}

func (l *Loop) serve(ctx context.Context) error {
	cqes := make([]*uring.CQEvent, cqeBuffSize)
	events := make([]uring.CQEvent, cqeBuffSize)

	for {
		if l.shutdown {
			if l.inFlight == 0 {
				return l.exitErr
			}
			if time.Now().After(l.drainDeadline) {
				l.log.warn("drain timeout, requests still in flight", "in_flight", l.inFlight)
				return l.exitErr
			}
		} else if ctx.Err() != nil {
			l.log.info("context done, shutting down", "err", ctx.Err())
			l.beginShutdown(nil)
			continue
		}

		var err error
		if ctx.Done() != nil || l.shutdown {
			_, err = l.ring.WaitCQEventsWithTimeout(1, l.cfg.TickInterval)
		} else {
			_, err = l.ring.SubmitAndWaitCQEvents(1)
		}

		if err != nil && !isTransient(err) {
			l.log.error("wait completions", "err", err)
			return fmt.Errorf("wait completions: %w", err)
		}

		// copy the batch and retire it before dispatch, handlers queue new requests
		n := l.ring.PeekCQEventBatch(cqes)
		for i := 0; i < n; i++ {
			events[i] = *cqes[i]
		}
		l.ring.AdvanceCQ(uint32(n))

		l.assertInLoop()
		for i := 0; i < n; i++ {
			l.dispatch(&events[i])
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EBUSY)
}

func (l *Loop) assertInLoop() {
	if id := goid.Get(); id != l.owner {
		panic(fmt.Sprintf("reactor: completions handled on goroutine %d, loop runs on %d", id, l.owner))
	}
}

func (l *Loop) dispatch(cqe *uring.CQEvent) {
	tag := Tag(cqe.UserData)
	kind := tag.Kind()

	if kind == KindUnknown {
		return
	}
	if !cqe.More() {
		l.inFlight--
	}

	switch kind {
	case KindListener:
		l.onAccept(cqe)
	case KindConsole:
		l.onConsole(cqe)
	case KindRecv:
		l.onRecv(tag.Fd(), cqe)
	case KindSend:
		l.onSend(tag.Fd(), cqe)
	case KindCancel:
		if err := cqe.Error(); err != nil && !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.EALREADY) {
			l.log.debug("cancel", "fd", tag.Fd(), "err", err)
		}
	}
}

func (l *Loop) onAccept(cqe *uring.CQEvent) {
	if cqe.Res < 0 {
		if l.shutdown {
			return
		}

		err := cqe.Error()
		l.log.error("accept failed", "err", err)
		l.beginShutdown(fmt.Errorf("%w: %w", ErrAcceptFailed, err))
		return
	}

	fd := int(cqe.Res)
	if l.shutdown {
		_ = syscall.Close(fd)
		return
	}

	c := newConn(fd, unet.PeerAddr(fd), l.cfg.BufferGroup)
	l.conns.add(c)
	l.stats.accepted.Add(1)
	l.stats.open.Add(1)
	l.log.debug("client connected", "fd", fd, "peer", c.peerString())

	l.armRecv(c)

	if !cqe.More() {
		if err := l.queue(l.acceptOp, NewTag(KindListener, l.listener.Fd())); err != nil {
			l.log.error("accept rearm failed", "err", err)
			l.beginShutdown(fmt.Errorf("%w: %w", ErrAcceptFailed, err))
		}
	}
}

func (l *Loop) armRecv(c *conn) {
	if err := l.queue(c.recvOp, NewTag(KindRecv, c.fd)); err != nil {
		l.log.error("queue recv", "fd", c.fd, "err", err)
		l.closeConn(c)
		l.release(c)
		return
	}
	c.recvArmed = true
}

//throttle stop receiving from c while it holds connLimit slots, so a client that never reads
//its echo cannot take the whole pool. Data stays in the socket until resume.
func (l *Loop) throttle(c *conn) {
	if c.throttled || c.state != stateReceiving {
		return
	}
	c.throttled = true
	l.log.debug("receive throttled", "fd", c.fd, "held", c.held)

	if c.recvArmed {
		l.cancelRecv(c)
	}
}

//resume rearm a throttled connection once its backlog drained to half the limit.
func (l *Loop) resume(c *conn) {
	if !c.throttled || c.recvArmed || c.held > l.connLimit/2 || c.state != stateReceiving || l.shutdown {
		return
	}
	c.throttled = false
	l.log.debug("receive resumed", "fd", c.fd, "held", c.held)
	l.armRecv(c)
}

func (l *Loop) cancelRecv(c *conn) {
	if err := l.queue(uring.Cancel(uint64(NewTag(KindRecv, c.fd)), 0), NewTag(KindCancel, c.fd)); err != nil {
		l.log.warn("queue cancel", "fd", c.fd, "err", err)
	}
}

func (l *Loop) onRecv(fd int, cqe *uring.CQEvent) {
	bid, hasBuf := cqe.Buffer()

	c := l.conns.get(fd)
	if c == nil {
		l.log.error("receive for unknown connection", "fd", fd, "res", cqe.Res)
		if hasBuf {
			l.giveBack(int(bid))
		}
		return
	}

	if !cqe.More() {
		c.recvArmed = false
	}

	if cqe.Res <= 0 {
		if hasBuf {
			l.giveBack(int(bid))
		}

		err := cqe.Error()
		switch {
		case err == nil:
			l.log.debug("client disconnected", "fd", fd, "peer", c.peerString())
			l.closeConn(c)
		case errors.Is(err, syscall.ECANCELED) && c.state == stateReceiving:
			// throttle cancel, it may have hit the receive armed by a resume
			if c.throttled {
				l.resume(c)
			} else if !c.recvArmed && !l.shutdown {
				l.armRecv(c)
			}
		case errors.Is(err, syscall.ENOBUFS) && c.throttled && c.state == stateReceiving:
			l.resume(c)
		case errors.Is(err, syscall.ENOBUFS) && c.state == stateReceiving && !l.shutdown:
			l.park(c)
		case errors.Is(err, syscall.ECANCELED) && c.state == stateClosing:
		default:
			l.log.error("receive failed", "fd", fd, "peer", c.peerString(), "err", err)
			l.closeConn(c)
		}

		l.release(c)
		return
	}

	if !hasBuf {
		l.log.error("receive completion without buffer", "fd", fd)
		l.closeConn(c)
		l.release(c)
		return
	}

	n := int(cqe.Res)
	if _, err := l.pool.Acquire(int(bid), n); err != nil {
		l.log.error("pool refused slot", "fd", fd, "slot", bid, "err", err)
		l.closeConn(c)
		l.release(c)
		return
	}
	l.syncPoolStats()
	l.stats.received.Add(int64(n))

	if c.state == stateClosing {
		l.recycle(int(bid))
		l.release(c)
		return
	}

	c.held++
	c.pending.Add(&chunk{slot: int(bid), end: n})
	l.flush(c)

	if c.held >= l.connLimit {
		l.throttle(c)
	}

	if !cqe.More() && c.state == stateReceiving && !l.shutdown {
		if c.throttled {
			l.resume(c)
		} else {
			l.armRecv(c)
		}
	}
}

//flush start echoing the oldest pending chunk unless a send is already in flight.
func (l *Loop) flush(c *conn) {
	if c.sending != nil || c.pending.Length() == 0 || c.state == stateClosing {
		return
	}

	ch := c.pending.Remove().(*chunk)
	l.sendChunk(c, ch)
}

func (l *Loop) sendChunk(c *conn, ch *chunk) {
	c.sendOp.SetBuffer(l.pool.Slot(ch.slot, ch.end)[ch.off:])
	if err := l.queue(c.sendOp, NewTag(KindSend, c.fd)); err != nil {
		l.log.error("queue send", "fd", c.fd, "err", err)
		l.drop(c, ch.slot)
		l.closeConn(c)
		l.release(c)
		return
	}
	c.sending = ch
}

func (l *Loop) onSend(fd int, cqe *uring.CQEvent) {
	c := l.conns.get(fd)
	if c == nil || c.sending == nil {
		l.log.error("send completion for unknown connection", "fd", fd, "res", cqe.Res)
		return
	}

	ch := c.sending
	c.sending = nil

	if cqe.Res <= 0 {
		l.drop(c, ch.slot)
		if err := cqe.Error(); !(errors.Is(err, syscall.ECANCELED) && l.shutdown) {
			l.log.warn("echo failed", "fd", fd, "peer", c.peerString(), "res", cqe.Res, "err", err)
		}
		l.closeConn(c)
		l.release(c)
		return
	}

	ch.off += int(cqe.Res)
	l.stats.echoed.Add(int64(cqe.Res))

	if ch.off < ch.end && c.state == stateReceiving {
		l.sendChunk(c, ch)
		return
	}

	l.drop(c, ch.slot)
	if c.state == stateClosing {
		l.release(c)
		return
	}
	l.flush(c)
	l.resume(c)
}

//closeConn stop serving c: pending chunks are dropped and the receive is cancelled.
//The descriptor is closed by release once the kernel holds no request of c.
func (l *Loop) closeConn(c *conn) {
	if c.state == stateClosing {
		return
	}
	c.state = stateClosing
	c.starved = false

	for c.pending.Length() > 0 {
		l.drop(c, c.pending.Remove().(*chunk).slot)
	}

	if c.recvArmed && !l.cancelIssued {
		l.cancelRecv(c)
	}
}

//release close the descriptor of a closing connection nothing references anymore.
func (l *Loop) release(c *conn) {
	if c.state != stateClosing || !c.idle() || l.conns.get(c.fd) != c {
		return
	}

	l.conns.remove(c.fd)
	l.stats.open.Add(-1)
	l.stats.closed.Add(1)

	if err := syscall.Close(c.fd); err != nil {
		l.log.warn("close connection", "fd", c.fd, "err", err)
	}
	l.log.debug("connection closed", "fd", c.fd, "peer", c.peerString())
}

//park remember a connection whose receive stopped because the pool ran dry.
func (l *Loop) park(c *conn) {
	if c.starved || c.throttled {
		return
	}
	// slots came back before the failure was reaped, nothing would wake it up
	if l.pool.Available() > 0 {
		l.armRecv(c)
		return
	}
	c.starved = true
	l.starved.Add(c.fd)
	l.log.debug("buffer pool exhausted, receive parked", "fd", c.fd)
}

//drop recycle a slot held by c.
func (l *Loop) drop(c *conn, slot int) {
	c.held--
	l.recycle(slot)
}

//recycle give slot back to the kernel and rearm one starved connection.
func (l *Loop) recycle(slot int) {
	if err := l.pool.Recycle(slot); err != nil {
		l.log.error("recycle", "slot", slot, "err", err)
		return
	}
	l.syncPoolStats()

	if l.shutdown {
		return
	}

	for l.starved.Length() > 0 {
		fd := l.starved.Remove().(int)
		c := l.conns.get(fd)
		if c == nil || !c.starved || c.state != stateReceiving || c.recvArmed || c.throttled {
			continue
		}

		c.starved = false
		l.armRecv(c)
		return
	}
}

//giveBack return a slot the kernel picked for a completion that carries no data.
func (l *Loop) giveBack(slot int) {
	if _, err := l.pool.Acquire(slot, 0); err != nil {
		l.log.error("pool refused slot", "slot", slot, "err", err)
		return
	}
	l.recycle(slot)
}

func (l *Loop) syncPoolStats() {
	l.stats.poolAvailable.Store(int64(l.pool.Available()))
	l.stats.poolUse.Store(int64(l.pool.InUse()))
}

//recycleConsole give a console slot back and rearm the console read if it ran dry.
func (l *Loop) recycleConsole(slot int) {
	if err := l.consolePool.Recycle(slot); err != nil {
		l.log.error("recycle console slot", "slot", slot, "err", err)
		return
	}

	if l.consoleStarved && l.consoleOpen && !l.shutdown {
		l.consoleStarved = false
		if err := l.armConsole(); err != nil {
			l.log.error("queue console read", "err", err)
			l.closeConsole()
		}
	}
}

func (l *Loop) armConsole() error {
	group := l.consoleRing.Group()
	if l.consoleMultishot {
		l.consoleOp = uring.ReadMultishot(uintptr(l.cfg.ConsoleFd), group)
	} else {
		l.consoleOp = uring.ReadSelect(uintptr(l.cfg.ConsoleFd), group)
	}

	if err := l.queue(l.consoleOp, NewTag(KindConsole, l.cfg.ConsoleFd)); err != nil {
		return err
	}
	l.consoleArmed = true
	return nil
}

func (l *Loop) onConsole(cqe *uring.CQEvent) {
	if !cqe.More() {
		l.consoleArmed = false
	}

	bid, hasBuf := cqe.Buffer()
	if cqe.Res <= 0 && hasBuf {
		if _, err := l.consolePool.Acquire(int(bid), 0); err == nil {
			l.recycleConsole(int(bid))
		}
	}

	if cqe.Res < 0 {
		err := cqe.Error()
		switch {
		case l.shutdown:
		case errors.Is(err, syscall.ENOBUFS) && l.consolePool.Available() == 0:
			l.consoleStarved = true
		case errors.Is(err, syscall.ENOBUFS):
			if err = l.armConsole(); err != nil {
				l.log.error("queue console read", "err", err)
				l.closeConsole()
			}
		case l.consoleMultishot && (errors.Is(err, syscall.EINVAL) || errors.Is(err, unix.EBADFD) || errors.Is(err, syscall.EOPNOTSUPP)):
			// not pollable (a regular file), plain reads still work
			l.consoleMultishot = false
			if err = l.armConsole(); err != nil {
				l.log.error("queue console read", "err", err)
				l.closeConsole()
			}
		default:
			l.log.error("console read failed", "err", err)
			l.closeConsole()
		}
		return
	}

	if cqe.Res == 0 {
		l.log.info("console closed")
		l.closeConsole()
		return
	}

	if !hasBuf {
		l.log.error("console completion without buffer")
		l.closeConsole()
		return
	}

	data, err := l.consolePool.Acquire(int(bid), int(cqe.Res))
	if err != nil {
		l.log.error("console pool refused slot", "slot", bid, "err", err)
		l.closeConsole()
		return
	}
	l.consoleLines.feed(data, l.onConsoleLine)
	l.recycleConsole(int(bid))

	if l.consoleOpen && !l.consoleArmed && !l.consoleStarved && !l.shutdown {
		if err = l.armConsole(); err != nil {
			l.log.error("queue console read", "err", err)
			l.closeConsole()
		}
	}
}

func (l *Loop) onConsoleLine(line string) {
	cmd := strings.TrimSpace(line)
	switch {
	case cmd == l.cfg.ShutdownToken:
		l.log.info("shutdown requested from console")
		l.beginShutdown(nil)
	case cmd != "":
		l.log.info("console", "line", cmd)
	}
}

//closeConsole end of operator input, it shuts the server down.
func (l *Loop) closeConsole() {
	if !l.consoleOpen {
		return
	}
	l.consoleOpen = false
	l.consoleLines.flush(l.onConsoleLine)
	l.beginShutdown(nil)
}

//beginShutdown cancel every request in flight and stop serving connections.
//The loop keeps reaping completions until nothing is in flight or DrainTimeout passes.
func (l *Loop) beginShutdown(reason error) {
	if l.shutdown {
		return
	}
	l.shutdown = true
	l.exitErr = reason
	l.drainDeadline = time.Now().Add(l.cfg.DrainTimeout)

	l.log.info("shutting down", "open", l.conns.len(), "in_flight", l.inFlight)

	if l.inFlight > 0 {
		if err := l.queue(uring.Cancel(0, uring.CancelAny|uring.CancelAll), NewTag(KindCancel, -1)); err != nil {
			l.log.warn("queue cancel", "err", err)
		} else {
			l.cancelIssued = true
		}
	}

	l.conns.each(func(c *conn) {
		l.closeConn(c)
		l.release(c)
	})
}

//teardown release everything Run acquired, in reverse order.
func (l *Loop) teardown() {
	l.conns.each(func(c *conn) {
		l.conns.remove(c.fd)
		l.stats.open.Add(-1)
		l.stats.closed.Add(1)
		if err := syscall.Close(c.fd); err != nil {
			l.log.warn("close connection", "fd", c.fd, "err", err)
		}
	})

	var err error
	if l.listener != nil {
		err = joinErr(err, l.listener.Close())
	}
	if l.bufRing != nil {
		err = joinErr(err, l.bufRing.Close())
	}
	if l.consoleRing != nil {
		err = joinErr(err, l.consoleRing.Close())
	}
	if l.ring != nil {
		err = joinErr(err, l.ring.Close())
		l.ring = nil
	}
	if l.pool != nil {
		err = joinErr(err, l.pool.Close())
	}
	if l.consolePool != nil {
		err = joinErr(err, l.consolePool.Close())
	}

	if err != nil {
		l.log.warn("teardown", "err", err)
	}
	l.log.info("stopped", "accepted", l.stats.accepted.Load(), "echoed_bytes", l.stats.echoed.Load())
}
