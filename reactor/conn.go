//go:build linux

package reactor

import (
	"net"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/therotherithethethe/asonc/uring"
)

type connState uint8

const (
	stateReceiving connState = iota
	stateClosing
)

func (s connState) String() string {
	if s == stateClosing {
		return "closing"
	}
	return "receiving"
}

//chunk received bytes [off, end) of a pool slot still waiting to be echoed.
type chunk struct {
	slot     int
	off, end int
}

type conn struct {
	fd    int
	peer  net.Addr
	state connState

	recvArmed bool
	starved   bool
	// receive cancelled until the echo backlog drains, see Loop.throttle
	throttled bool

	// pool slots owned by the connection: pending chunks plus the one being sent
	held int

	// chunk handed to the kernel by the send in flight, nil when no send is in flight
	sending *chunk
	// chunks not handed to the kernel yet, in receive order
	pending *queue.Queue

	recvOp *uring.RecvOp
	sendOp *uring.SendOp
}

func newConn(fd int, peer net.Addr, group uint16) *conn {
	return &conn{
		fd:      fd,
		peer:    peer,
		pending: queue.New(),
		recvOp:  uring.RecvMultishot(uintptr(fd), group, 0),
		sendOp:  uring.Send(uintptr(fd), nil, unix.MSG_NOSIGNAL),
	}
}

//idle reports whether the kernel no longer references the connection.
func (c *conn) idle() bool {
	return !c.recvArmed && c.sending == nil
}

func (c *conn) peerString() string {
	if c.peer == nil {
		return "unknown"
	}
	return c.peer.String()
}
