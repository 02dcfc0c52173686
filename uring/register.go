//go:build linux

package uring

import (
	"unsafe"
)

// io_uring_register(2) opcodes and arguments
const (
	sysRingRegisterProbe      = 8
	sysRingRegisterPBufRing   = 22
	sysRingUnRegisterPBufRing = 23
)

type (
	Probe struct {
		lastOp uint8
		opsLen uint8
		_res   uint16
		_res2  [3]uint32
		ops    [256]probeOp
	}
	probeOp struct {
		Op    uint8
		_res  uint8
		Flags uint16
		_res2 uint32
	}
)

const OpSupportedFlag uint16 = 1 << 0

func (p *Probe) GetOP(n int) *probeOp {
	return &p.ops[n]
}

//Supported reports whether the running kernel implements the operation.
func (p *Probe) Supported(code OpCode) bool {
	if uint8(code) > p.lastOp {
		return false
	}
	return p.ops[code].Flags&OpSupportedFlag != 0
}

//Probe ask the kernel which operations it supports (IORING_REGISTER_PROBE, linux 5.6).
func (r *Ring) Probe() (*Probe, error) {
	probe := &Probe{}
	err := sysRegister(r.fd, sysRingRegisterProbe, unsafe.Pointer(probe), len(probe.ops))

	return probe, err
}

// struct io_uring_buf_reg
type bufReg struct {
	ringAddr    uint64
	ringEntries uint32
	bgid        uint16
	flags       uint16
	resv        [3]uint64
}

func (r *Ring) registerBufRing(addr uintptr, entries uint32, group uint16) error {
	reg := &bufReg{ringAddr: uint64(addr), ringEntries: entries, bgid: group}
	return sysRegister(r.fd, sysRingRegisterPBufRing, unsafe.Pointer(reg), 1)
}

func (r *Ring) unregisterBufRing(group uint16) error {
	reg := &bufReg{bgid: group}
	return sysRegister(r.fd, sysRingUnRegisterPBufRing, unsafe.Pointer(reg), 1)
}
