//go:build linux

package net

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	sockaddr "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

var ErrAddress = errors.New("bad listen address")

//Listener passive TCP socket. Accepting is left to the caller, usually an io_uring accept operation,
//so the socket stays in blocking mode and io_uring polls it internally.
type Listener struct {
	fd   int
	addr *net.TCPAddr

	closeOnce sync.Once
	closeErr  error
}

//Listen create, bind and listen a TCP socket with SO_REUSEADDR.
//Failed system calls are returned as *os.SyscallError naming the call.
func Listen(address string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %s", ErrAddress, address, err.Error())
	}

	family := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	sa := sockaddr.NetAddrToSockaddr(tcpAddr)
	if sa == nil {
		return nil, fmt.Errorf("%w %q", ErrAddress, address)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}

	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}

	if err = unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	l := &Listener{fd: fd, addr: tcpAddr}

	// resolve the port the kernel picked for ":0"
	if local, err := unix.Getsockname(fd); err == nil {
		if bound := sockaddr.SockaddrToTCPAddr(local); bound != nil {
			l.addr = bound
		}
	}

	return l, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

//Close the socket, only the first call closes the descriptor.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if err := unix.Close(l.fd); err != nil {
			l.closeErr = os.NewSyscallError("close", err)
		}
	})
	return l.closeErr
}

//PeerAddr remote address of a connected socket, nil when it is unknown.
func PeerAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}

	if addr := sockaddr.SockaddrToTCPAddr(sa); addr != nil {
		return addr
	}
	return nil
}
