package heap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredb/coredb/internal/buffer"
	"github.com/coredb/coredb/internal/disk"
	"github.com/coredb/coredb/internal/heap"
	"github.com/coredb/coredb/internal/record"
	"github.com/coredb/coredb/internal/replacer"
	"github.com/coredb/coredb/internal/wal"
)

func testSchema() record.Schema {
	return record.Schema{Cols: []record.Column{
		{Name: "id", Type: record.ColInt64},
		{Name: "name", Type: record.ColText},
	}}
}

func newTestTable(t *testing.T, poolSize int) *heap.Table {
	t.Helper()
	dm := disk.NewManager()
	fd, err := dm.Open(filepath.Join(t.TempDir(), "users.heap"))
	require.NoError(t, err)
	pool := buffer.New(poolSize, dm, replacer.New(poolSize))
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	return heap.NewTable("users", testSchema(), fd, pool, log, 0)
}

func TestTable_InsertAndGet(t *testing.T) {
	tbl := newTestTable(t, 4)

	id, err := tbl.Insert([]any{int64(1), "alice"})
	require.NoError(t, err)

	row, err := tbl.Get(id)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), "alice"}, row)
}

func TestTable_InsertSpillsToNewPageWhenFull(t *testing.T) {
	tbl := newTestTable(t, 4)

	big := make([]byte, 3000)
	for i := range big {
		big[i] = 'x'
	}

	var ids []heap.TID
	for i := 0; i < 5; i++ {
		id, err := tbl.Insert([]any{int64(i), string(big)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Greater(t, tbl.PageCount, uint32(1))

	row, err := tbl.Get(ids[len(ids)-1])
	require.NoError(t, err)
	require.Equal(t, int64(4), row[0])
}

func TestTable_UpdateAndDelete(t *testing.T) {
	tbl := newTestTable(t, 4)

	id, err := tbl.Insert([]any{int64(7), "bob"})
	require.NoError(t, err)

	require.NoError(t, tbl.Update(id, []any{int64(7), "robert"}))
	row, err := tbl.Get(id)
	require.NoError(t, err)
	require.Equal(t, "robert", row[1])

	require.NoError(t, tbl.Delete(id))
	_, err = tbl.Get(id)
	require.ErrorIs(t, err, heap.ErrBadSlot)
}

func TestTable_ScanSkipsDeletedRows(t *testing.T) {
	tbl := newTestTable(t, 4)

	id1, err := tbl.Insert([]any{int64(1), "a"})
	require.NoError(t, err)
	_, err = tbl.Insert([]any{int64(2), "b"})
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(id1))

	var seen []int64
	require.NoError(t, tbl.Scan(func(id heap.TID, row []any) error {
		seen = append(seen, row[0].(int64))
		return nil
	}))
	require.Equal(t, []int64{2}, seen)
}

func TestTable_OperationsFailAfterClose(t *testing.T) {
	tbl := newTestTable(t, 4)
	require.NoError(t, tbl.Close())

	_, err := tbl.Insert([]any{int64(1), "x"})
	require.ErrorIs(t, err, heap.ErrTableClosed)
}

func TestTable_WriteAheadLogRecordsPageImages(t *testing.T) {
	dm := disk.NewManager()
	fd, err := dm.Open(filepath.Join(t.TempDir(), "logged.heap"))
	require.NoError(t, err)
	pool := buffer.New(4, dm, replacer.New(4))
	logDir := t.TempDir()
	log, err := wal.Open(logDir)
	require.NoError(t, err)

	tbl := heap.NewTable("logged", testSchema(), fd, pool, log, 0)
	_, err = tbl.Insert([]any{int64(1), "alice"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := wal.Open(logDir)
	require.NoError(t, err)
	defer reopened.Close()

	applied := 0
	require.NoError(t, reopened.Recover(recoverFunc(func(fd disk.FD, pageNo uint32, src []byte) error {
		applied++
		return nil
	})))
	require.Greater(t, applied, 0)
}

type recoverFunc func(fd disk.FD, pageNo uint32, src []byte) error

func (f recoverFunc) WritePage(fd disk.FD, pageNo uint32, src []byte) error {
	return f(fd, pageNo, src)
}
