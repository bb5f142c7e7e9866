package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/coredb/coredb/internal/buffer"
	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/record"
	"github.com/coredb/coredb/internal/wal"
)

// TID (tuple ID) identifies a row's storage location: a page number
// within the table's file and a slot within that page.
type TID struct {
	PageNo uint32
	Slot   uint16
}

var ErrTableClosed = errors.New("heap: table is closed")

// Table is a heap-organized relation: an unordered sequence of pages in
// one file, each holding rows packed via the slotted-page format. All
// page access goes through the shared buffer pool.
type Table struct {
	Name      string
	Schema    record.Schema
	FD        disk.FD
	Pool      *buffer.Pool
	Log       *wal.Manager // nil disables write-ahead logging
	PageCount uint32

	closed atomic.Bool
}

// NewTable wraps an already-open file handle as a heap table with
// pageCount existing pages (0 for a brand new file).
func NewTable(name string, schema record.Schema, fd disk.FD, pool *buffer.Pool, log *wal.Manager, pageCount uint32) *Table {
	return &Table{Name: name, Schema: schema, FD: fd, Pool: pool, Log: log, PageCount: pageCount}
}

// Insert encodes values and appends them to the table, allocating a new
// page if the last one is full. Returns the new row's TID.
func (t *Table) Insert(values []any) (TID, error) {
	if err := t.ensureOpen(); err != nil {
		return TID{}, err
	}

	tup, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return TID{}, err
	}
	if len(tup) > MaxInlineTupleLen() {
		return TID{}, fmt.Errorf("heap: row of %d bytes exceeds page capacity", len(tup))
	}

	if t.PageCount == 0 {
		if err := t.allocatePage(); err != nil {
			return TID{}, err
		}
	}

	for {
		pageNo := t.PageCount - 1
		id := disk.PageID{FD: t.FD, PageNo: pageNo}

		frame, err := t.Pool.FetchPage(id)
		if err != nil {
			return TID{}, err
		}
		page := WrapPage(frame.Data())

		slot, err := page.InsertTuple(tup)
		if errors.Is(err, ErrNoSpace) {
			_ = t.Pool.UnpinPage(id, false)
			if err := t.allocatePage(); err != nil {
				return TID{}, err
			}
			continue
		}
		if err != nil {
			_ = t.Pool.UnpinPage(id, false)
			return TID{}, err
		}

		if err := t.logPage(id, frame.Data()); err != nil {
			_ = t.Pool.UnpinPage(id, false)
			return TID{}, err
		}
		if err := t.Pool.UnpinPage(id, true); err != nil {
			return TID{}, err
		}
		return TID{PageNo: pageNo, Slot: uint16(slot)}, nil
	}
}

// Get reads a single row by TID.
func (t *Table) Get(id TID) ([]any, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	pid := disk.PageID{FD: t.FD, PageNo: id.PageNo}
	frame, err := t.Pool.FetchPage(pid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.Pool.UnpinPage(pid, false) }()

	raw, err := WrapPage(frame.Data()).ReadTuple(int(id.Slot))
	if err != nil {
		return nil, err
	}
	return record.DecodeRow(t.Schema, raw)
}

// Update replaces the row at id with values.
func (t *Table) Update(id TID, values []any) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	tup, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return err
	}

	pid := disk.PageID{FD: t.FD, PageNo: id.PageNo}
	frame, err := t.Pool.FetchPage(pid)
	if err != nil {
		return err
	}

	page := WrapPage(frame.Data())
	if err := page.UpdateTuple(int(id.Slot), tup); err != nil {
		_ = t.Pool.UnpinPage(pid, false)
		return err
	}
	if err := t.logPage(pid, frame.Data()); err != nil {
		_ = t.Pool.UnpinPage(pid, false)
		return err
	}
	return t.Pool.UnpinPage(pid, true)
}

// Delete marks the row at id as deleted.
func (t *Table) Delete(id TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	pid := disk.PageID{FD: t.FD, PageNo: id.PageNo}
	frame, err := t.Pool.FetchPage(pid)
	if err != nil {
		return err
	}

	page := WrapPage(frame.Data())
	if err := page.DeleteTuple(int(id.Slot)); err != nil {
		_ = t.Pool.UnpinPage(pid, false)
		return err
	}
	if err := t.logPage(pid, frame.Data()); err != nil {
		_ = t.Pool.UnpinPage(pid, false)
		return err
	}
	return t.Pool.UnpinPage(pid, true)
}

// Scan visits every live row in page order, skipping deleted slots. fn's
// error, if non-nil, stops the scan and is returned to the caller.
func (t *Table) Scan(fn func(id TID, row []any) error) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	for pageNo := uint32(0); pageNo < t.PageCount; pageNo++ {
		pid := disk.PageID{FD: t.FD, PageNo: pageNo}
		frame, err := t.Pool.FetchPage(pid)
		if err != nil {
			return err
		}
		page := WrapPage(frame.Data())

		for slot := 0; slot < page.NumSlots(); slot++ {
			raw, err := page.ReadTuple(slot)
			if errors.Is(err, ErrBadSlot) {
				continue
			}
			if err != nil {
				_ = t.Pool.UnpinPage(pid, false)
				return err
			}

			row, err := record.DecodeRow(t.Schema, raw)
			if err != nil {
				_ = t.Pool.UnpinPage(pid, false)
				return err
			}
			if err := fn(TID{PageNo: pageNo, Slot: uint16(slot)}, row); err != nil {
				_ = t.Pool.UnpinPage(pid, false)
				return err
			}
		}
		if err := t.Pool.UnpinPage(pid, false); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes every page of the table's file still resident in the
// pool. Idempotent.
func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	if t.closed.Swap(true) {
		return nil
	}
	return t.Pool.FlushAllPages(t.FD)
}

func (t *Table) allocatePage() error {
	frame, err := t.Pool.NewPage(t.FD)
	if err != nil {
		return err
	}
	NewPage(frame.Data()) // establish the slotted-page header on the zeroed buffer
	t.PageCount = frame.PageID().PageNo + 1
	return t.Pool.UnpinPage(frame.PageID(), true)
}

func (t *Table) logPage(id disk.PageID, page []byte) error {
	if t.Log == nil {
		return nil
	}
	lsn, err := t.Log.AppendPageImage(id, page)
	if err != nil {
		return err
	}
	if err := t.Log.Flush(lsn); err != nil {
		slog.Warn("heap: wal flush failed", "table", t.Name, "page", id.PageNo, "err", err)
	}
	return nil
}

func (t *Table) ensureOpen() error {
	if t == nil || t.closed.Load() {
		return ErrTableClosed
	}
	return nil
}
