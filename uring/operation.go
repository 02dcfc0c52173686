//go:build linux

package uring

import (
	"syscall"
	"time"
	"unsafe"
)

//OpCode io_uring operation code (enum io_uring_op).
type OpCode uint8

const (
	NopCode           OpCode = 0
	ReadVCode         OpCode = 1
	WriteVCode        OpCode = 2
	TimeoutCode       OpCode = 11
	AcceptCode        OpCode = 13
	AsyncCancelCode   OpCode = 14
	LinkTimeoutCode   OpCode = 15
	CloseCode         OpCode = 19
	ReadCode          OpCode = 22
	WriteCode         OpCode = 23
	SendCode          OpCode = 26
	RecvCode          OpCode = 27
	ReadMultishotCode OpCode = 49
)

// SQE flags.
const (
	SqeFixedFileFlag    uint8 = 1 << 0
	SqeIODrainFlag      uint8 = 1 << 1
	SqeIOLinkFlag       uint8 = 1 << 2
	SqeIOHardLinkFlag   uint8 = 1 << 3
	SqeAsyncFlag        uint8 = 1 << 4
	SqeBufferSelectFlag uint8 = 1 << 5
)

// ioprio flags for accept and recv.
const (
	acceptMultishot uint16 = 1 << 0
	recvMultishot   uint16 = 1 << 1
)

// Async cancel flags.
const (
	CancelAll uint32 = 1 << 0
	CancelFd  uint32 = 1 << 1
	CancelAny uint32 = 1 << 2
)

// CQE flags.
const (
	CQEFlagBuffer       uint32 = 1 << 0
	CQEFlagMore         uint32 = 1 << 1
	CQEFlagSockNonEmpty uint32 = 1 << 2

	cqeBufferShift = 16
)

//SQEntry submission queue entry, mirrors struct io_uring_sqe.
type SQEntry struct {
	OpCode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64

	BufIG       uint16
	Personality uint16
	SpliceFdIn  int32
	_pad2       [2]uint64
}

//go:uintptrescapes
func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, len uint32, offset uint64) {
	*sqe = SQEntry{}
	sqe.OpCode = uint8(op)
	sqe.Fd = fd
	sqe.Off = offset
	sqe.Addr = uint64(addr)
	sqe.Len = len
}

//CQEvent completion queue event, mirrors struct io_uring_cqe.
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

//Error returns the errno carried by a negative result.
func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return syscall.Errno(uintptr(-cqe.Res))
	}
	return nil
}

//More reports whether the multishot request that produced the event is still armed.
func (cqe *CQEvent) More() bool {
	return cqe.Flags&CQEFlagMore != 0
}

//Buffer returns the provided buffer id selected by the kernel, ok is false when none was used.
func (cqe *CQEvent) Buffer() (bid uint16, ok bool) {
	if cqe.Flags&CQEFlagBuffer == 0 {
		return 0, false
	}
	return uint16(cqe.Flags >> cqeBufferShift), true
}

//NopOp - do not perform any I/O.
type NopOp struct{}

func Nop() *NopOp {
	return &NopOp{}
}

func (op *NopOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(NopCode, -1, 0, 0, 0)
}

func (op *NopOp) Code() OpCode {
	return NopCode
}

//TimeoutOp timeout operation.
type TimeoutOp struct {
	spec syscall.Timespec
}

//Timeout - timeout operation.
func Timeout(duration time.Duration) *TimeoutOp {
	return &TimeoutOp{spec: syscall.NsecToTimespec(duration.Nanoseconds())}
}

func (op *TimeoutOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(TimeoutCode, -1, uintptr(unsafe.Pointer(&op.spec)), 1, 0)
}

func (op *TimeoutOp) Code() OpCode {
	return TimeoutCode
}

//AcceptOp accept operation. In multishot mode one submission produces a completion per connection.
type AcceptOp struct {
	fd        uintptr
	flags     uint32
	multishot bool
}

//Accept - accept operation, flags are accept4(2) flags.
func Accept(fd uintptr, flags uint32) *AcceptOp {
	return &AcceptOp{fd: fd, flags: flags}
}

//AcceptMultishot - accept operation that stays armed until cancelled or failed.
func AcceptMultishot(fd uintptr, flags uint32) *AcceptOp {
	return &AcceptOp{fd: fd, flags: flags, multishot: true}
}

func (op *AcceptOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(AcceptCode, int32(op.fd), 0, 0, 0)
	sqe.OpcodeFlags = op.flags
	if op.multishot {
		sqe.IoPrio |= acceptMultishot
	}
}

func (op *AcceptOp) Code() OpCode {
	return AcceptCode
}

func (op *AcceptOp) Fd() int {
	return int(op.fd)
}

//RecvOp receive from socket. With a buffer group set the kernel picks the buffer itself.
type RecvOp struct {
	fd        uintptr
	buff      []byte
	msgFlags  uint32
	group     uint16
	selectBuf bool
	multishot bool
}

//Recv - receive into buff, similar to recv(2).
func Recv(fd uintptr, buff []byte, msgFlags uint32) *RecvOp {
	return &RecvOp{fd: fd, buff: buff, msgFlags: msgFlags}
}

//RecvMultishot - receive repeatedly into buffers of the provided buffer group.
func RecvMultishot(fd uintptr, group uint16, msgFlags uint32) *RecvOp {
	return &RecvOp{fd: fd, msgFlags: msgFlags, group: group, selectBuf: true, multishot: true}
}

func (op *RecvOp) SetBuffer(buff []byte) {
	op.buff = buff
}

func (op *RecvOp) PrepSQE(sqe *SQEntry) {
	if op.selectBuf {
		sqe.fill(RecvCode, int32(op.fd), 0, 0, 0)
		sqe.Flags = SqeBufferSelectFlag
		sqe.BufIG = op.group
	} else {
		sqe.fill(RecvCode, int32(op.fd), bufAddr(op.buff), uint32(len(op.buff)), 0)
	}
	sqe.OpcodeFlags = op.msgFlags
	if op.multishot {
		sqe.IoPrio |= recvMultishot
	}
}

func (op *RecvOp) Code() OpCode {
	return RecvCode
}

func (op *RecvOp) Fd() int {
	return int(op.fd)
}

//SendOp send to socket, similar to send(2).
type SendOp struct {
	fd       uintptr
	buff     []byte
	msgFlags uint32
}

func Send(fd uintptr, buff []byte, msgFlags uint32) *SendOp {
	return &SendOp{fd: fd, buff: buff, msgFlags: msgFlags}
}

func (op *SendOp) SetBuffer(buff []byte) {
	op.buff = buff
}

func (op *SendOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(SendCode, int32(op.fd), bufAddr(op.buff), uint32(len(op.buff)), 0)
	sqe.OpcodeFlags = op.msgFlags
}

func (op *SendOp) Code() OpCode {
	return SendCode
}

func (op *SendOp) Fd() int {
	return int(op.fd)
}

//ReadOp read from file descriptor into a buffer of the provided buffer group.
//Offset is ignored for pipes, sockets and terminals.
type ReadOp struct {
	fd        uintptr
	group     uint16
	offset    uint64
	multishot bool
}

//ReadSelect - single read into a buffer picked from the provided buffer group.
func ReadSelect(fd uintptr, group uint16) *ReadOp {
	return &ReadOp{fd: fd, group: group, offset: ^uint64(0)}
}

//ReadMultishot - read repeatedly from a pollable file into buffers of the group. Needs linux 6.7.
func ReadMultishot(fd uintptr, group uint16) *ReadOp {
	return &ReadOp{fd: fd, group: group, multishot: true}
}

func (op *ReadOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(op.Code(), int32(op.fd), 0, 0, op.offset)
	sqe.Flags = SqeBufferSelectFlag
	sqe.BufIG = op.group
}

func (op *ReadOp) Code() OpCode {
	if op.multishot {
		return ReadMultishotCode
	}
	return ReadCode
}

//CloseOp close file descriptor.
type CloseOp struct {
	fd uintptr
}

func Close(fd uintptr) *CloseOp {
	return &CloseOp{fd: fd}
}

func (op *CloseOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(CloseCode, int32(op.fd), 0, 0, 0)
}

func (op *CloseOp) Code() OpCode {
	return CloseCode
}

//CancelOp attempt to cancel an already issued request.
type CancelOp struct {
	flags          uint32
	targetUserData uint64
}

//Cancel create CancelOp. Put in targetUserData value of user_data field of the request that should be cancelled.
//With CancelAny the target is ignored and every request of the ring is cancelled.
func Cancel(targetUserData uint64, flags uint32) *CancelOp {
	return &CancelOp{flags: flags, targetUserData: targetUserData}
}

func (op *CancelOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(AsyncCancelCode, -1, uintptr(op.targetUserData), 0, 0)
	sqe.OpcodeFlags = op.flags
}

func (op *CancelOp) Code() OpCode {
	return AsyncCancelCode
}

func bufAddr(buff []byte) uintptr {
	if len(buff) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buff[0]))
}
