// Package buffer implements the buffer-pool manager: the in-memory page
// cache that mediates between fixed-size on-disk pages and the access
// methods built on top of it. It owns a bounded array of frames,
// multiplexes pages from many files onto those frames, tracks per-page pin
// counts and dirtiness, and delegates eviction choice to a Replacer.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/replacer"
)

var (
	// ErrNoFreeFrame is returned by FetchPage/NewPage when every frame is
	// pinned and no victim can be chosen.
	ErrNoFreeFrame = errors.New("buffer: no free frame (all frames pinned)")

	// ErrPageNotFound is returned by UnpinPage/FlushPage when the page is
	// not currently resident in the pool.
	ErrPageNotFound = errors.New("buffer: page not resident in pool")

	// ErrPinUnderflow is returned by UnpinPage when called on a page whose
	// pin count is already zero.
	ErrPinUnderflow = errors.New("buffer: unpin called with pin count already zero")

	// ErrPagePinned is returned by DeletePage when the page is still
	// referenced by at least one caller.
	ErrPagePinned = errors.New("buffer: cannot delete a pinned page")
)

// Replacer is the eviction-policy contract the pool delegates to. It is
// satisfied by *replacer.LRU, and exists so the pool never depends on a
// concrete policy.
type Replacer interface {
	Victim() (replacer.FrameID, bool)
	Pin(frame replacer.FrameID)
	Unpin(frame replacer.FrameID)
	Size() int
}

// DiskManager is the external collaborator the pool reads pages from and
// writes pages to. It is satisfied by *disk.Manager.
type DiskManager interface {
	ReadPage(fd disk.FD, pageNo uint32, dst []byte) error
	WritePage(fd disk.FD, pageNo uint32, src []byte) error
	AllocatePage(fd disk.FD) (uint32, error)
}

// Stats is a point-in-time snapshot of pool activity, for observability
// only — it plays no part in eviction decisions.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Pool is a fixed-size buffer pool. All of its exported methods acquire
// the pool's single latch for their entire duration, including any disk
// I/O they perform — a deliberate coarse-locking simplification, not an
// oversight. A Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	frames   []*Frame
	table    map[disk.PageID]replacer.FrameID
	freeList []replacer.FrameID
	repl     Replacer
	disk     DiskManager

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a buffer pool of poolSize frames backed by disk and using
// repl as its eviction policy. poolSize is fixed for the pool's lifetime.
func New(poolSize int, disk DiskManager, repl Replacer) *Pool {
	if poolSize <= 0 {
		poolSize = 1
	}
	p := &Pool{
		frames:   make([]*Frame, poolSize),
		table:    make(map[disk.PageID]replacer.FrameID, poolSize),
		freeList: make([]replacer.FrameID, poolSize),
		repl:     repl,
		disk:     disk,
	}
	for i := range p.frames {
		p.frames[i] = newFrame()
		p.freeList[i] = replacer.FrameID(i)
	}
	return p
}

// Size returns the fixed number of frames in the pool.
func (p *Pool) Size() int {
	return len(p.frames)
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Hits: p.hits, Misses: p.misses, Evictions: p.evictions}
}

// FetchPage returns the frame holding id, pinning it. If id is not
// resident it is loaded from disk, evicting a victim frame if necessary.
// Returns ErrNoFreeFrame if every frame is currently pinned.
func (p *Pool) FetchPage(id disk.PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.table[id]; ok {
		f := p.frames[fid]
		p.repl.Pin(fid)
		f.pin.Inc()
		p.hits++
		return f, nil
	}
	p.misses++

	fid, ok := p.findVictimLocked()
	if !ok {
		return nil, ErrNoFreeFrame
	}
	f := p.frames[fid]

	if err := p.updatePageLocked(f, fid, id); err != nil {
		return nil, err
	}

	if err := p.disk.ReadPage(id.FD, id.PageNo, f.buf); err != nil {
		// updatePageLocked already installed f under the new id; undo
		// that and return the frame to the evictable set instead of
		// leaking it as neither free nor evictable.
		delete(p.table, id)
		f.id = invalidPageID
		p.repl.Unpin(fid)
		return nil, err
	}

	p.repl.Pin(fid)
	f.pin.Store(1)
	f.dirty = false
	return f, nil
}

// NewPage allocates a fresh page number in fd via the disk manager and
// returns a pinned frame for it, zero-initialized. The caller is
// responsible for any content initialization and for calling UnpinPage
// with dirty=true once it has written into the frame.
func (p *Pool) NewPage(fd disk.FD) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.findVictimLocked()
	if !ok {
		return nil, ErrNoFreeFrame
	}
	f := p.frames[fid]

	pageNo, err := p.disk.AllocatePage(fd)
	if err != nil {
		// f is still resident under its old id (updatePageLocked has not
		// run yet) if it came from the replacer rather than the free
		// list; only a free-list-origin frame is safe to return directly
		// to the free list. Otherwise it must go back through the
		// replacer so a later victim search finds it via the normal
		// chokepoint instead of colliding with its still-live table entry.
		if f.id.Valid() {
			p.repl.Unpin(fid)
		} else {
			p.freeList = append(p.freeList, fid)
		}
		return nil, err
	}
	id := disk.PageID{FD: fd, PageNo: pageNo}

	if err := p.updatePageLocked(f, fid, id); err != nil {
		return nil, err
	}

	p.repl.Pin(fid)
	f.pin.Store(1)
	return f, nil
}

// UnpinPage decrements id's pin count, making the frame evictable once it
// reaches zero. dirty ORs into the frame's dirty flag: it is a monotone
// latch that unpinning can only set, never clear — clearing is the job of
// FlushPage, DeletePage, or internal eviction.
func (p *Pool) UnpinPage(id disk.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[id]
	if !ok {
		return ErrPageNotFound
	}
	f := p.frames[fid]

	if f.pin.Load() <= 0 {
		return ErrPinUnderflow
	}
	if f.pin.Dec() == 0 {
		p.repl.Unpin(fid)
	}
	if dirty {
		f.dirty = true
	}
	return nil
}

// FlushPage writes id's frame to disk and clears its dirty flag. Pin
// count is irrelevant and left unchanged.
func (p *Pool) FlushPage(id disk.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[id]
	if !ok {
		return ErrPageNotFound
	}
	return p.flushFrameLocked(p.frames[fid])
}

// DeletePage removes id from the pool and frees its frame. A page that
// was never resident is a successful no-op. Returns ErrPagePinned if the
// page is still referenced.
func (p *Pool) DeletePage(id disk.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[id]
	if !ok {
		return nil
	}
	f := p.frames[fid]
	if f.pin.Load() != 0 {
		return ErrPagePinned
	}

	if f.dirty {
		if err := p.disk.WritePage(id.FD, id.PageNo, f.buf); err != nil {
			return err
		}
	}

	delete(p.table, id)
	f.reset()
	f.dirty = false
	f.pin.Store(0)
	f.id = invalidPageID
	p.freeList = append(p.freeList, fid)
	return nil
}

// FlushAllPages writes every dirty, resident page whose file handle
// equals fd to disk and clears their dirty flags. The latch is held for
// the whole call; while it is held, the writes fan out concurrently since
// they target independent page offsets of the file.
func (p *Pool) FlushAllPages(fd disk.FD) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dirty []*Frame
	for _, f := range p.frames {
		if f.id.Valid() && f.id.FD == fd && f.dirty {
			dirty = append(dirty, f)
		}
	}

	if len(dirty) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  error
	)
	wg := conc.NewWaitGroup()
	for _, f := range dirty {
		f := f
		wg.Go(func() {
			if err := p.disk.WritePage(f.id.FD, f.id.PageNo, f.buf); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
				return
			}
			f.dirty = false
		})
	}
	wg.Wait()
	return errs
}

// Close flushes every dirty page across every open file and closes the
// disk manager, combining any errors encountered along the way rather
// than stopping at the first.
func (p *Pool) Close(ctx context.Context, closer interface{ CloseAll() error }) error {
	p.mu.Lock()
	fds := make(map[disk.FD]struct{})
	for id := range p.table {
		fds[id.FD] = struct{}{}
	}
	p.mu.Unlock()

	var errs error
	for fd := range fds {
		select {
		case <-ctx.Done():
			errs = multierr.Append(errs, ctx.Err())
			return errs
		default:
		}
		if err := p.FlushAllPages(fd); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := closer.CloseAll(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// findVictimLocked obtains a frame suitable for reuse: preferring the
// free list (no write-back needed) and falling back to the replacer.
// Caller must hold p.mu.
func (p *Pool) findVictimLocked() (replacer.FrameID, bool) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[0]
		p.freeList = p.freeList[1:]
		return fid, true
	}
	fid, ok := p.repl.Victim()
	if ok {
		p.evictions++
	}
	return fid, ok
}

// updatePageLocked repurposes frame f (just obtained from findVictimLocked)
// to hold newID: flushing its old contents if dirty, swapping the page
// table entry, and zeroing its buffer. Caller must hold p.mu.
func (p *Pool) updatePageLocked(f *Frame, fid replacer.FrameID, newID disk.PageID) error {
	if f.dirty {
		if err := p.disk.WritePage(f.id.FD, f.id.PageNo, f.buf); err != nil {
			return err
		}
		f.dirty = false
	}
	if f.id.Valid() {
		delete(p.table, f.id)
	}

	p.table[newID] = fid
	f.reset()
	f.id = newID
	f.dirty = false
	f.pin.Store(0)
	return nil
}

func (p *Pool) flushFrameLocked(f *Frame) error {
	if err := p.disk.WritePage(f.id.FD, f.id.PageNo, f.buf); err != nil {
		return err
	}
	f.dirty = false
	return nil
}
