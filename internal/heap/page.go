// Package heap implements a slotted-page heap table on top of the buffer
// pool: rows are packed into fixed-size pages, addressed by (page, slot)
// tuple identifiers, and never move once inserted.
package heap

import (
	"errors"

	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/pkg/bx"
)

// Slotted page layout, all offsets from the start of the page buffer:
//
//	0  u16 flags (unused, reserved)
//	2  u16 lower  (end of the slot array, grows up)
//	4  u16 upper  (start of tuple data, grows down)
//	6  u16 reserved (unused; the slot count is derived from lower)
//	8  ... slot array: each slot is (offset u16, length u16, flags u16)
//	   ... free space ...
//	   ... tuple bytes, packed from the end of the page backward ...
const (
	headerSize = 8
	slotSize   = 6

	slotFlagNone    = 0
	slotFlagDeleted = 1
)

var (
	ErrNoSpace = errors.New("heap: page has no room for this tuple")
	ErrBadSlot = errors.New("heap: slot is empty or deleted")
)

// Page is a thin view over a buffer-pool frame's raw bytes, exposing
// slotted-page operations. It does not own the underlying buffer.
type Page struct {
	buf []byte
}

// NewPage wraps buf as a freshly initialized, empty slotted page. buf
// must be exactly disk.PageSize bytes and is zeroed.
func NewPage(buf []byte) Page {
	p := Page{buf: buf}
	p.init()
	return p
}

// WrapPage views an already-initialized page's bytes without resetting
// them.
func WrapPage(buf []byte) Page {
	return Page{buf: buf}
}

func (p Page) init() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	bx.PutU16(p.buf[0:2], 0)
	p.setLower(headerSize)
	p.setUpper(len(p.buf))
}

func (p Page) Lower() int { return int(bx.U16(p.buf[2:4])) }
func (p Page) Upper() int { return int(bx.U16(p.buf[4:6])) }

func (p Page) setLower(v int) { bx.PutU16(p.buf[2:4], uint16(v)) }
func (p Page) setUpper(v int) { bx.PutU16(p.buf[4:6], uint16(v)) }

// NumSlots returns the number of slot entries, including deleted ones.
func (p Page) NumSlots() int {
	return (p.Lower() - headerSize) / slotSize
}

func (p Page) slotOff(i int) int { return headerSize + i*slotSize }

func (p Page) getSlot(i int) (offset, length int, flags uint16) {
	o := p.slotOff(i)
	return int(bx.U16(p.buf[o : o+2])), int(bx.U16(p.buf[o+2 : o+4])), bx.U16(p.buf[o+4 : o+6])
}

func (p Page) putSlot(i, offset, length int, flags uint16) {
	o := p.slotOff(i)
	bx.PutU16(p.buf[o:o+2], uint16(offset))
	bx.PutU16(p.buf[o+2:o+4], uint16(length))
	bx.PutU16(p.buf[o+4:o+6], flags)
}

// freeSpace returns the number of unused bytes between the slot array
// and the tuple data.
func (p Page) freeSpace() int {
	return p.Upper() - p.Lower()
}

// InsertTuple appends tup's bytes to the page and returns its new slot
// index. Returns ErrNoSpace if the page cannot fit it.
func (p Page) InsertTuple(tup []byte) (int, error) {
	need := len(tup) + slotSize
	if p.freeSpace() < need {
		return -1, ErrNoSpace
	}
	u := p.Upper() - len(tup)
	copy(p.buf[u:], tup)
	p.setUpper(u)

	slot := p.NumSlots()
	p.putSlot(slot, u, len(tup), slotFlagNone)
	p.setLower(p.Lower() + slotSize)
	return slot, nil
}

// ReadTuple returns the bytes stored at slot. Returns ErrBadSlot if the
// slot is out of range, empty, or was deleted.
func (p Page) ReadTuple(slot int) ([]byte, error) {
	if slot < 0 || slot >= p.NumSlots() {
		return nil, ErrBadSlot
	}
	offset, length, flags := p.getSlot(slot)
	if flags == slotFlagDeleted || length == 0 {
		return nil, ErrBadSlot
	}
	return p.buf[offset : offset+length], nil
}

// UpdateTuple replaces slot's bytes. If newTup no longer fits in its
// original footprint, it is appended as a fresh tuple and the slot is
// repointed, leaving the old bytes as unreclaimed free space.
func (p Page) UpdateTuple(slot int, newTup []byte) error {
	if slot < 0 || slot >= p.NumSlots() {
		return ErrBadSlot
	}
	offset, length, flags := p.getSlot(slot)
	if flags == slotFlagDeleted || length == 0 {
		return ErrBadSlot
	}
	if len(newTup) <= length {
		copy(p.buf[offset:], newTup)
		p.putSlot(slot, offset, len(newTup), slotFlagNone)
		return nil
	}

	need := len(newTup)
	if p.freeSpace() < need {
		return ErrNoSpace
	}
	u := p.Upper() - len(newTup)
	copy(p.buf[u:], newTup)
	p.setUpper(u)
	p.putSlot(slot, u, len(newTup), slotFlagNone)
	return nil
}

// DeleteTuple marks slot as deleted without reclaiming its space; reads
// of a deleted slot return ErrBadSlot.
func (p Page) DeleteTuple(slot int) error {
	if slot < 0 || slot >= p.NumSlots() {
		return ErrBadSlot
	}
	_, _, flags := p.getSlot(slot)
	if flags == slotFlagDeleted {
		return ErrBadSlot
	}
	p.putSlot(slot, 0, 0, slotFlagDeleted)
	return nil
}

// MaxInlineTupleLen is the largest tuple (including any row-format
// overhead) that can ever fit a freshly initialized page.
func MaxInlineTupleLen() int {
	return disk.PageSize - headerSize - slotSize
}
