package wal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/wal"
)

type fakeWriter struct {
	pages map[disk.PageID][]byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{pages: make(map[disk.PageID][]byte)} }

func (w *fakeWriter) WritePage(fd disk.FD, pageNo uint32, src []byte) error {
	cp := make([]byte, len(src))
	copy(cp, src)
	w.pages[disk.PageID{FD: fd, PageNo: pageNo}] = cp
	return nil
}

func samplePage(fill byte) []byte {
	p := make([]byte, disk.PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestWAL_AppendAssignsIncreasingLSNs(t *testing.T) {
	m, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	id := disk.PageID{FD: 0, PageNo: 1}
	lsn1, err := m.AppendPageImage(id, samplePage(0x01))
	require.NoError(t, err)
	lsn2, err := m.AppendPageImage(id, samplePage(0x02))
	require.NoError(t, err)

	require.Less(t, lsn1, lsn2)
}

func TestWAL_AppendRejectsWrongSizedPage(t *testing.T) {
	m, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AppendPageImage(disk.PageID{FD: 0, PageNo: 1}, []byte("too short"))
	require.ErrorIs(t, err, wal.ErrBadRecord)
}

func TestWAL_RecoverReplaysAllRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	m, err := wal.Open(dir)
	require.NoError(t, err)

	id0 := disk.PageID{FD: 0, PageNo: 0}
	id1 := disk.PageID{FD: 0, PageNo: 1}

	_, err = m.AppendPageImage(id0, samplePage(0xAA))
	require.NoError(t, err)
	lsn, err := m.AppendPageImage(id1, samplePage(0xBB))
	require.NoError(t, err)
	require.NoError(t, m.Flush(lsn))
	require.NoError(t, m.Close())

	reopened, err := wal.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	w := newFakeWriter()
	require.NoError(t, reopened.Recover(w))

	require.Equal(t, samplePage(0xAA), w.pages[id0])
	require.Equal(t, samplePage(0xBB), w.pages[id1])
}

func TestWAL_RecoverOnEmptyLogIsNoop(t *testing.T) {
	m, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Recover(newFakeWriter()))
}

func TestWAL_AppendAfterCloseFails(t *testing.T) {
	m, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.AppendPageImage(disk.PageID{FD: 0, PageNo: 1}, samplePage(0x01))
	require.ErrorIs(t, err, wal.ErrClosed)
}
