//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysRingSetup    uintptr = 425
	sysRingEnter    uintptr = 426
	sysRingRegister uintptr = 427

	//copied from signal_unix.numSig
	numSig = 65
)

// io_uring_setup(2) flags
const (
	setupIOPoll uint32 = 1 << 0
	setupSQPoll uint32 = 1 << 1
	setupCQSize uint32 = 1 << 3
	setupClamp  uint32 = 1 << 4
)

// io_uring_params.features
const (
	featSingleMMap uint32 = 1 << 0
	featNoDrop     uint32 = 1 << 1
	featFastPoll   uint32 = 1 << 5
	featExtArg     uint32 = 1 << 8
)

// sq ring flags
const (
	sqNeedWakeup uint32 = 1 << 0
	sqCQOverflow uint32 = 1 << 1
)

// io_uring_enter(2) flags
const (
	sysRingEnterGetEvents uint32 = 1 << 0
	sysRingEnterExtArg    uint32 = 1 << 3
)

const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

func (p *ringParams) SQEntries() uint32 {
	return p.sqEntries
}

func (p *ringParams) CQEntries() uint32 {
	return p.cqEntries
}

func (p *ringParams) SingleMMapFeature() bool {
	return p.features&featSingleMMap != 0
}

func (p *ringParams) NoDropFeature() bool {
	return p.features&featNoDrop != 0
}

func (p *ringParams) FastPollFeature() bool {
	return p.features&featFastPoll != 0
}

func (p *ringParams) ExtArgFeature() bool {
	return p.features&featExtArg != 0
}

type getEventsArg struct {
	sigMask   uint64
	sigMaskSz uint32
	pad       uint32
	ts        uint64
}

func newGetEventsArg(sigMask uintptr, sigMaskSz uint32, ts uintptr) *getEventsArg {
	return &getEventsArg{sigMask: uint64(sigMask), sigMaskSz: sigMaskSz, ts: uint64(ts)}
}

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := syscall.Syscall(sysRingSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return int(fd), errno
	}

	return int(fd), nil
}

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, sig unsafe.Pointer) (uint, error) {
	return sysEnter2(ringFD, toSubmit, minComplete, flags, sig, numSig/8)
}

func sysEnter2(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, arg unsafe.Pointer, sz int) (uint, error) {
	consumed, _, errno := syscall.Syscall6(
		sysRingEnter,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		uintptr(sz),
	)
	if errno != 0 {
		return 0, errno
	}

	return uint(consumed), nil
}

func sysRegister(ringFD int, op int, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := syscall.Syscall6(
		sysRingRegister,
		uintptr(ringFD),
		uintptr(op),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *Ring) allocRing(params *ringParams) error {
	sq, cq := r.sqRing, r.cqRing

	sq.ringSize = uint64(params.sqOff.array) + uint64(params.sqEntries)*uint64(unsafe.Sizeof(uint32(0)))
	cq.ringSize = uint64(params.cqOff.cqes) + uint64(params.cqEntries)*uint64(unsafe.Sizeof(CQEvent{}))

	if params.SingleMMapFeature() {
		if cq.ringSize > sq.ringSize {
			sq.ringSize = cq.ringSize
		}
		cq.ringSize = sq.ringSize
	}

	var err error
	sq.buff, err = unix.Mmap(r.fd, int64(offSQRing), int(sq.ringSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}

	if params.SingleMMapFeature() {
		cq.buff = sq.buff
	} else {
		cq.buff, err = unix.Mmap(r.fd, int64(offCQRing), int(cq.ringSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			_ = r.freeRing()
			return err
		}
	}

	sqBase := unsafe.Pointer(&sq.buff[0])
	sq.kHead = (*uint32)(unsafe.Add(sqBase, params.sqOff.head))
	sq.kTail = (*uint32)(unsafe.Add(sqBase, params.sqOff.tail))
	sq.kRingMask = (*uint32)(unsafe.Add(sqBase, params.sqOff.ringMask))
	sq.kRingEntries = (*uint32)(unsafe.Add(sqBase, params.sqOff.ringEntries))
	sq.kFlags = (*uint32)(unsafe.Add(sqBase, params.sqOff.flags))
	sq.kDropped = (*uint32)(unsafe.Add(sqBase, params.sqOff.dropped))
	sq.kArray = (*uint32)(unsafe.Add(sqBase, params.sqOff.array))

	sq.sqeBuff, err = unix.Mmap(r.fd, int64(offSQEs), int(params.sqEntries)*int(unsafe.Sizeof(SQEntry{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = r.freeRing()
		return err
	}

	cqBase := unsafe.Pointer(&cq.buff[0])
	cq.kHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	cq.kTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	cq.kRingMask = (*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	cq.kRingEntries = (*uint32)(unsafe.Add(cqBase, params.cqOff.ringEntries))
	cq.kOverflow = (*uint32)(unsafe.Add(cqBase, params.cqOff.overflow))
	cq.cqeBuff = (*CQEvent)(unsafe.Add(cqBase, params.cqOff.cqes))

	return nil
}

func (r *Ring) freeRing() (err error) {
	sq, cq := r.sqRing, r.cqRing

	if sq.sqeBuff != nil {
		err = joinErr(err, unix.Munmap(sq.sqeBuff))
		sq.sqeBuff = nil
	}
	if cq.buff != nil && !sameSlice(cq.buff, sq.buff) {
		err = joinErr(err, unix.Munmap(cq.buff))
	}
	cq.buff = nil
	if sq.buff != nil {
		err = joinErr(err, unix.Munmap(sq.buff))
		sq.buff = nil
	}

	return err
}

func sameSlice(a, b []byte) bool {
	return len(a) != 0 && len(b) != 0 && &a[0] == &b[0]
}
