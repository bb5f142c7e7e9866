package buffer

import (
	"go.uber.org/atomic"

	"github.com/coredb/coredb/internal/disk"
)

// Frame is a fixed-size page slot inside the buffer pool, plus the
// metadata needed to decide whether it can be repurposed.
type Frame struct {
	id    disk.PageID
	buf   []byte
	pin   atomic.Int32
	dirty bool
}

func newFrame() *Frame {
	return &Frame{
		id:  invalidPageID,
		buf: make([]byte, disk.PageSize),
	}
}

// PageID returns the page currently resident in this frame.
func (f *Frame) PageID() disk.PageID { return f.id }

// Data returns the frame's page-sized buffer. Callers must hold a pin
// before reading or writing it, and must unpin with dirty=true after any
// write.
func (f *Frame) Data() []byte { return f.buf }

// PinCount returns the number of outstanding references to this frame.
func (f *Frame) PinCount() int32 { return f.pin.Load() }

// IsDirty reports whether the frame's contents differ from the on-disk
// image.
func (f *Frame) IsDirty() bool { return f.dirty }

func (f *Frame) reset() {
	for i := range f.buf {
		f.buf[i] = 0
	}
}

var invalidPageID = disk.PageID{FD: disk.InvalidFD, PageNo: disk.InvalidPageNo}
