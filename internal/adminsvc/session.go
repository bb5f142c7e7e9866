// Package adminsvc translates the wire admin protocol into calls against
// a buffer pool and disk manager, shared by the TCP server and tested
// independently of any network transport.
package adminsvc

import (
	"encoding/hex"
	"fmt"

	"github.com/coredb/coredb/internal/buffer"
	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/pkg/wire"
)

// Session executes admin commands against one disk manager and buffer
// pool pair. A Session is safe for concurrent use: all state mutation
// goes through the pool's or the disk manager's own latch.
type Session struct {
	dm   *disk.Manager
	pool *buffer.Pool
}

// New returns a Session bound to dm and pool.
func New(dm *disk.Manager, pool *buffer.Pool) *Session {
	return &Session{dm: dm, pool: pool}
}

// Handle executes a single request and returns its response. It never
// panics: any failure is reported in AdminResponse.Error.
func (s *Session) Handle(req wire.AdminRequest) wire.AdminResponse {
	resp := wire.AdminResponse{ID: req.ID}

	switch req.Cmd {
	case "OPEN":
		fd, err := s.dm.Open(req.Data)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD = int32(fd)
		return resp

	case "FETCH":
		frame, err := s.pool.FetchPage(disk.PageID{FD: disk.FD(req.FD), PageNo: req.PageNo})
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD = req.FD
		resp.PageNo = req.PageNo
		resp.Data = hex.EncodeToString(frame.Data())
		resp.PinCount = frame.PinCount()
		resp.Dirty = frame.IsDirty()
		return resp

	case "UNPIN":
		id := disk.PageID{FD: disk.FD(req.FD), PageNo: req.PageNo}
		if req.Data != "" {
			raw, err := hex.DecodeString(req.Data)
			if err != nil {
				resp.Error = fmt.Sprintf("adminsvc: bad hex payload: %v", err)
				return resp
			}
			frame, err := s.pool.FetchPage(id)
			if err != nil {
				resp.Error = err.Error()
				return resp
			}
			copy(frame.Data(), raw)
			_ = s.pool.UnpinPage(id, false) // release the extra pin FetchPage just took
		}
		if err := s.pool.UnpinPage(id, req.Dirty); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD, resp.PageNo = req.FD, req.PageNo
		return resp

	case "NEW":
		frame, err := s.pool.NewPage(disk.FD(req.FD))
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD = req.FD
		resp.PageNo = frame.PageID().PageNo
		return resp

	case "FLUSH":
		id := disk.PageID{FD: disk.FD(req.FD), PageNo: req.PageNo}
		if err := s.pool.FlushPage(id); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD, resp.PageNo = req.FD, req.PageNo
		return resp

	case "DELETE":
		id := disk.PageID{FD: disk.FD(req.FD), PageNo: req.PageNo}
		if err := s.pool.DeletePage(id); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.FD, resp.PageNo = req.FD, req.PageNo
		return resp

	case "STATS":
		st := s.pool.Stats()
		resp.Stats = &wire.AdminStats{Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions}
		return resp

	default:
		resp.Error = fmt.Sprintf("adminsvc: unknown command %q", req.Cmd)
		return resp
	}
}
