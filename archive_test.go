package zipserve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openNewArchive(t *testing.T, path string) *Archive {
	t.Helper()
	ar, err := Open(NewFileSource(path, true, LengthToEnd), 0)
	require.NoError(t, err)
	return ar
}

func readEntry(t *testing.T, ar *Archive, i int) []byte {
	t.Helper()
	src, err := ar.OpenEntry(i, "")
	require.NoError(t, err)
	require.NoError(t, src.Open())
	defer src.Close()
	out, err := readAllSource(t, src)
	require.NoError(t, err)
	return out
}

func TestArchiveFileAddCommitRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	ar := openNewArchive(t, path)

	i0, err := ar.FileAdd("hello.txt", newMemSource([]byte("hello, world"), Stat{}))
	require.NoError(t, err)
	i1, err := ar.FileAdd("dir/nested.bin", newMemSource([]byte{1, 2, 3, 4, 5}, Stat{}))
	require.NoError(t, err)
	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)

	require.NoError(t, ar.Commit())

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	require.Equal(t, 2, ar2.NumEntries())
	assert.Equal(t, "hello.txt", ar2.EntryAt(0).Name())
	assert.Equal(t, "dir/nested.bin", ar2.EntryAt(1).Name())
	assert.Equal(t, []byte("hello, world"), readEntry(t, ar2, 0))
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, readEntry(t, ar2, 1))
	require.NoError(t, ar2.Discard())
}

func TestArchiveDeleteRemovesEntryOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	ar := openNewArchive(t, path)
	_, err := ar.FileAdd("keep.txt", newMemSource([]byte("keep"), Stat{}))
	require.NoError(t, err)
	_, err = ar.FileAdd("drop.txt", newMemSource([]byte("drop"), Stat{}))
	require.NoError(t, err)
	require.NoError(t, ar.Commit())

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	require.NoError(t, ar2.Delete(1))
	require.NoError(t, ar2.Commit())

	ar3, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	require.Equal(t, 1, ar3.NumEntries())
	assert.Equal(t, "keep.txt", ar3.EntryAt(0).Name())
	require.NoError(t, ar3.Discard())
}

func TestArchiveRenameAndCommentPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	ar := openNewArchive(t, path)
	_, err := ar.FileAdd("old-name.txt", newMemSource([]byte("data"), Stat{}))
	require.NoError(t, err)
	require.NoError(t, ar.Commit())

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	require.NoError(t, ar2.FileRename(0, "new-name.txt"))
	require.NoError(t, ar2.SetFileComment(0, "a note"))
	require.NoError(t, ar2.SetArchiveComment("archive note"))
	require.NoError(t, ar2.Commit())

	ar3, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	assert.Equal(t, "new-name.txt", ar3.EntryAt(0).Name())
	assert.Equal(t, "a note", ar3.EntryAt(0).live().comment.String())
	assert.Equal(t, "archive note", string(ar3.comment))
	require.NoError(t, ar3.Discard())
}

func TestArchiveDiscardLeavesSourceUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	ar := openNewArchive(t, path)
	_, err := ar.FileAdd("baseline.txt", newMemSource([]byte("baseline"), Stat{}))
	require.NoError(t, err)
	require.NoError(t, ar.Commit())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	_, err = ar2.FileAdd("never-written.txt", newMemSource([]byte("x"), Stat{}))
	require.NoError(t, err)
	require.NoError(t, ar2.Discard())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestArchiveUnchangeRevertsPendingEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	ar := openNewArchive(t, path)
	_, err := ar.FileAdd("a.txt", newMemSource([]byte("a"), Stat{}))
	require.NoError(t, err)
	require.NoError(t, ar.Commit())

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	require.NoError(t, ar2.FileRename(0, "b.txt"))
	require.NoError(t, ar2.Unchange(0))
	assert.Equal(t, "a.txt", ar2.EntryAt(0).Name())
	require.NoError(t, ar2.Discard())
}

func TestArchiveFileAddStampsUnixModeFromSource(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("payload"), 0o741))
	require.NoError(t, os.Chmod(srcPath, 0o741))

	path := filepath.Join(dir, "archive.zip")
	ar := openNewArchive(t, path)
	_, err := ar.FileAdd("payload.txt", NewFileSource(srcPath, false, LengthToEnd))
	require.NoError(t, err)
	require.NoError(t, ar.Commit())

	ar2, err := Open(NewFileSource(path, false, LengthToEnd), 0)
	require.NoError(t, err)
	mode := ar2.EntryAt(0).Mode()
	assert.Equal(t, os.FileMode(0o741), mode&os.ModePerm)
	require.NoError(t, ar2.Discard())
}

func TestArchiveOpenRejectsNonSeekableSource(t *testing.T) {
	_, err := Open(&pipeOnlySource{}, 0)
	assert.Error(t, err)
}

// pipeOnlySource advertises no capabilities at all, exercising Open's
// up-front Seekable check.
type pipeOnlySource struct {
	unsupportedWriter
	unsupportedFileAttributes
}

func (pipeOnlySource) Read(p []byte) (int, error)     { return 0, nil }
func (pipeOnlySource) Close() error                   { return nil }
func (pipeOnlySource) Capabilities() Capability       { return 0 }
func (pipeOnlySource) Open() error                    { return nil }
func (pipeOnlySource) Seek(int64, int) (int64, error) { return 0, nil }
func (pipeOnlySource) Tell() (int64, error)           { return 0, nil }
func (pipeOnlySource) Stat() (Stat, error)             { return Stat{}, nil }
func (pipeOnlySource) Free() error                     { return nil }
