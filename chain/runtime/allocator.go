package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/tetratelabs/wazero/api"
)

// This file implements the freeing-bump allocator the runtime expects behind ext_allocator_malloc/free. Every
// allocation is rounded up to a power of two and preceded by an 8 byte header. Freed blocks are kept in one free
// list per size and reused before the bump pointer moves.

const (
	alignment      uint32 = 8
	headerSize     uint32 = 8
	numOrders             = 23
	minAllocation  uint32 = 1 << 3
	maxAllocation  uint32 = minAllocation << (numOrders - 1) // 32MiB
	wasmPageSize   uint64 = 65536
	emptyLink      uint32 = 0xffffffff
	occupiedMarker uint64 = 1 << 32
)

var (
	errAllocationTooLarge = errors.New("requested allocation is too large")
	errOutOfSpace         = errors.New("allocator out of space")
)

type allocator struct {
	mem    api.Memory
	bumper uint32
	heads  [numOrders]uint32
	// limit is the first address the heap may not use.
	limit     uint64
	allocated uint32
}

// newAllocator creates an allocator whose heap starts at heapBase and may grow the memory up to maxPages pages.
func newAllocator(mem api.Memory, heapBase uint32, maxPages uint64) *allocator {
	if pad := heapBase % alignment; pad != 0 {
		heapBase += alignment - pad
	}
	limit := maxPages * wasmPageSize
	if limit > 1<<32 {
		limit = 1 << 32
	}
	a := &allocator{mem: mem, bumper: heapBase, limit: limit}
	for i := range a.heads {
		a.heads[i] = emptyLink
	}
	return a
}

// orderOf returns the free list index for an allocation of size bytes.
func orderOf(size uint32) (int, error) {
	if size > maxAllocation {
		return 0, fmt.Errorf("%w: %d bytes", errAllocationTooLarge, size)
	}
	if size < minAllocation {
		size = minAllocation
	}
	// Round up to the next power of two.
	rounded := uint32(1) << (32 - bits.LeadingZeros32(size-1))
	return bits.TrailingZeros32(rounded) - 3, nil
}

func orderSize(order int) uint32 {
	return minAllocation << order
}

// allocate returns a pointer to size bytes of heap memory.
func (a *allocator) allocate(size uint32) (uint32, error) {
	order, err := orderOf(size)
	if err != nil {
		return 0, err
	}
	itemSize := orderSize(order)

	var header uint32
	if head := a.heads[order]; head != emptyLink {
		next, err := a.readHeader(head)
		if err != nil {
			return 0, err
		}
		a.heads[order] = uint32(next)
		header = head
	} else {
		end := uint64(a.bumper) + uint64(headerSize) + uint64(itemSize)
		if end > a.limit {
			return 0, errOutOfSpace
		}
		if err := a.ensureMemory(end); err != nil {
			return 0, err
		}
		header = a.bumper
		a.bumper = uint32(end)
	}

	if err := a.writeHeader(header, occupiedMarker|uint64(order)); err != nil {
		return 0, err
	}
	a.allocated += itemSize + headerSize
	return header + headerSize, nil
}

// deallocate returns the block at ptr to its free list.
func (a *allocator) deallocate(ptr uint32) error {
	if ptr < headerSize {
		return fmt.Errorf("invalid pointer %#x for deallocation", ptr)
	}
	header := ptr - headerSize
	value, err := a.readHeader(header)
	if err != nil {
		return err
	}
	if value&occupiedMarker == 0 {
		return fmt.Errorf("pointer %#x is not allocated", ptr)
	}
	order := int(uint32(value))
	if order >= numOrders {
		return fmt.Errorf("corrupted allocation header at %#x", header)
	}
	if err := a.writeHeader(header, uint64(a.heads[order])); err != nil {
		return err
	}
	a.heads[order] = header
	a.allocated -= orderSize(order) + headerSize
	return nil
}

// ensureMemory grows the memory until end bytes are addressable.
func (a *allocator) ensureMemory(end uint64) error {
	size := uint64(a.mem.Size())
	if end <= size {
		return nil
	}
	pages := (end - size + wasmPageSize - 1) / wasmPageSize
	if _, ok := a.mem.Grow(uint32(pages)); !ok {
		return errOutOfSpace
	}
	return nil
}

func (a *allocator) readHeader(addr uint32) (uint64, error) {
	v, ok := a.mem.ReadUint64Le(addr)
	if !ok {
		return 0, fmt.Errorf("allocation header at %#x is out of memory bounds", addr)
	}
	return v, nil
}

func (a *allocator) writeHeader(addr uint32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if !a.mem.Write(addr, b[:]) {
		return fmt.Errorf("allocation header at %#x is out of memory bounds", addr)
	}
	return nil
}
