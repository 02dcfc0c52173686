//go:build linux

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// struct io_uring_buf
type ringBuf struct {
	addr uint64
	len  uint32
	bid  uint16
	resv uint16
}

const (
	ringBufSize = 16
	// the ring tail shares bytes 12..15 with bufs[0].bid and bufs[0].resv.
	bufRingTailWordOff = 12
)

//BufRing provided buffer ring (IORING_REGISTER_PBUF_RING, linux 5.19).
//Requests flagged with SqeBufferSelectFlag and its group take buffers from this ring,
//the application returns them with Add and Advance.
type BufRing struct {
	ring    *Ring
	mem     []byte
	entries uint32
	mask    uint32
	group   uint16
}

//SetupBufRing allocate and register a provided buffer ring with entries slots (power of two, <= 32768).
func (r *Ring) SetupBufRing(entries uint32, group uint16) (*BufRing, error) {
	if entries == 0 || entries&(entries-1) != 0 || entries > MaxEntries {
		return nil, fmt.Errorf("%w: buffer ring entries %d must be a power of two <= %d", ErrRingSetup, entries, MaxEntries)
	}

	mem, err := unix.Mmap(-1, 0, int(entries)*ringBufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	if err = r.registerBufRing(uintptr(unsafe.Pointer(&mem[0])), entries, group); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	return &BufRing{
		ring:    r,
		mem:     mem,
		entries: entries,
		mask:    entries - 1,
		group:   group,
	}, nil
}

func (br *BufRing) Group() uint16 {
	return br.group
}

func (br *BufRing) Entries() uint32 {
	return br.entries
}

func (br *BufRing) tailWord() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&br.mem[0]), bufRingTailWordOff))
}

func (br *BufRing) tail() uint16 {
	return uint16(atomic.LoadUint32(br.tailWord()) >> 16)
}

//Add put buff with id bid into the ring at position tail+offset. It is invisible to the kernel until Advance.
func (br *BufRing) Add(buff []byte, bid uint16, offset int) {
	idx := (uint32(br.tail()) + uint32(offset)) & br.mask
	e := (*ringBuf)(unsafe.Add(unsafe.Pointer(&br.mem[0]), uintptr(idx)*ringBufSize))

	// resv is left alone: for bufs[0] it is the ring tail.
	e.addr = uint64(bufAddr(buff))
	e.len = uint32(len(buff))
	e.bid = bid
}

//Advance publish count buffers added since the last Advance.
func (br *BufRing) Advance(count int) {
	word := br.tailWord()
	old := atomic.LoadUint32(word)
	tail := uint16(old>>16) + uint16(count)
	atomic.StoreUint32(word, old&0xffff|uint32(tail)<<16)
}

//Close unregister the ring from io_uring and release its memory.
func (br *BufRing) Close() error {
	if br.mem == nil {
		return nil
	}

	err := br.ring.unregisterBufRing(br.group)
	err = joinErr(err, unix.Munmap(br.mem))
	br.mem = nil
	return err
}
