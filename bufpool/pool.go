//go:build linux

package bufpool

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrConfiguration = errors.New("bad buffer pool configuration")
	ErrOutOfMemory   = errors.New("buffer pool storage allocation failed")
	ErrBadSlot       = errors.New("buffer slot out of range")
	ErrNotAvailable  = errors.New("buffer slot is not owned by the pool")
	ErrDoubleRecycle = errors.New("buffer slot recycled twice")
	ErrNotSeeded     = errors.New("buffer pool is not seeded")
	ErrClosed        = errors.New("buffer pool closed")
)

const MaxCapacity = 1 << 15

//Ring accepts buffers for kernel use. *uring.BufRing implements it.
type Ring interface {
	Add(buff []byte, bid uint16, offset int)
	Advance(count int)
}

//Pool fixed count of fixed size slots handed to the kernel through a provided buffer ring.
//A slot is either available (the kernel may fill it) or owned by the caller between Acquire and Recycle.
//Pool is not safe for concurrent use.
type Pool struct {
	mem      []byte
	slotSize int
	capacity int

	owned []bool
	inUse int

	ring Ring
}

//New allocate capacity slots of slotSize bytes. Capacity must be a power of two.
//Storage is mapped outside the Go heap, so the kernel can write into it at any time.
func New(capacity, slotSize int) (*Pool, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d must be a power of two in [1, %d]", ErrConfiguration, capacity, MaxCapacity)
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("%w: slot size %d must be positive", ErrConfiguration, slotSize)
	}

	mem, err := unix.Mmap(-1, 0, capacity*slotSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("%w: %d bytes: %s", ErrOutOfMemory, capacity*slotSize, err.Error())
		}
		return nil, fmt.Errorf("mmap buffer pool: %w", err)
	}

	return &Pool{
		mem:      mem,
		slotSize: slotSize,
		capacity: capacity,
		owned:    make([]bool, capacity),
	}, nil
}

//SeedAll hand every slot to r. Called once, before any completion can reference a slot.
func (p *Pool) SeedAll(r Ring) error {
	if p.mem == nil {
		return ErrClosed
	}
	if p.ring != nil {
		return fmt.Errorf("%w: already seeded", ErrConfiguration)
	}

	for i := 0; i < p.capacity; i++ {
		r.Add(p.slot(i), uint16(i), i)
	}
	r.Advance(p.capacity)

	p.ring = r
	return nil
}

func (p *Pool) slot(i int) []byte {
	off := i * p.slotSize
	return p.mem[off : off+p.slotSize : off+p.slotSize]
}

func (p *Pool) check(slot int) error {
	if p.mem == nil {
		return ErrClosed
	}
	if p.ring == nil {
		return ErrNotSeeded
	}
	if slot < 0 || slot >= p.capacity {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}
	return nil
}

//Acquire take ownership of slot after the kernel reported n bytes in it.
//The returned view is valid until Recycle(slot).
func (p *Pool) Acquire(slot, n int) ([]byte, error) {
	if err := p.check(slot); err != nil {
		return nil, err
	}
	if n < 0 || n > p.slotSize {
		return nil, fmt.Errorf("%w: length %d exceeds slot size %d", ErrBadSlot, n, p.slotSize)
	}
	if p.owned[slot] {
		return nil, fmt.Errorf("%w: %d", ErrNotAvailable, slot)
	}

	p.owned[slot] = true
	p.inUse++
	return p.slot(slot)[:n], nil
}

//Slot view of the first n bytes of slot, ownership does not change.
func (p *Pool) Slot(slot, n int) []byte {
	return p.slot(slot)[:n]
}

//Recycle give slot back to the kernel.
func (p *Pool) Recycle(slot int) error {
	if err := p.check(slot); err != nil {
		return err
	}
	if !p.owned[slot] {
		return fmt.Errorf("%w: %d", ErrDoubleRecycle, slot)
	}

	p.owned[slot] = false
	p.inUse--

	p.ring.Add(p.slot(slot), uint16(slot), 0)
	p.ring.Advance(1)
	return nil
}

func (p *Pool) Owned(slot int) bool {
	return slot >= 0 && slot < p.capacity && p.owned[slot]
}

func (p *Pool) Available() int {
	return p.capacity - p.inUse
}

func (p *Pool) InUse() int {
	return p.inUse
}

func (p *Pool) Cap() int {
	return p.capacity
}

func (p *Pool) SlotSize() int {
	return p.slotSize
}

//Close release the storage. The ring that was seeded must not be used by the kernel anymore.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}

	err := unix.Munmap(p.mem)
	p.mem = nil
	p.ring = nil
	return err
}
