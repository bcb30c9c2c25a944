package memory

import (
	"fmt"
	"unsafe"
)

// Resize grows the shard's committed region toward newSize (rounded down to
// the huge-page size). Growth happens in steps of at most 4x so relocating
// the descriptor array never needs more memory than is already free. Pages
// are never returned to the OS; shrinking is not supported.
func (s *Shard) Resize(newSize uintptr) error {
	newSize = alignDown(newSize, hugePageSize)
	for uintptr(s.nrPages)*PageSize < newSize {
		step := min(newSize, 4*uintptr(s.nrPages)*PageSize)
		if err := s.doResize(step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shard) doResize(newSize uintptr) error {
	newPages := uint32(newSize / PageSize)
	if newPages <= s.nrPages {
		return nil
	}
	oldSize := uintptr(s.nrPages) * PageSize
	if err := commit(s.memory+oldSize, newSize-oldSize); err != nil {
		return fmt.Errorf("grow shard %d region to %d bytes: %w", s.id, newSize, err)
	}

	// The descriptor array must cover the new pages plus the sentinel; carve
	// its replacement out of the allocator itself, then release the old one
	// back into the buddy lists.
	newArrayPages := uint32(alignUp(unsafe.Sizeof(page{})*uintptr(newPages+1), PageSize) / PageSize)
	newArray := s.allocateLarge(newArrayPages)
	if newArray == nil {
		return fmt.Errorf("grow shard %d: no room for page descriptor array", s.id)
	}
	newSlice := unsafe.Slice((*page)(newArray), newPages+1)
	copy(newSlice, s.pages[:s.nrPages])
	newSlice[newPages].free = false

	oldArray := unsafe.Pointer(&s.pages[0])
	oldNrPages := s.nrPages
	oldArraySize := alignUp(unsafe.Sizeof(page{})*uintptr(oldNrPages+1), PageSize)
	oldArraySize = uintptr(1) << log2ceil(uint32(oldArraySize))

	s.pages = newSlice
	s.nrPages = newPages

	oldArrayStart := pageIdx((uintptr(oldArray) - s.memory) / PageSize)
	if oldArrayStart == 0 {
		// Keep page 0 allocated so index 0 stays the nil link.
		oldArrayStart = 1
		oldArraySize -= PageSize
	}
	if oldArraySize != 0 {
		s.freeSpanUnaligned(oldArrayStart, uint32(oldArraySize/PageSize))
	}
	s.freeSpanUnaligned(oldNrPages, newPages-oldNrPages)
	return nil
}
