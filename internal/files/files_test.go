package files

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/pathguard"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	guard := pathguard.New(root)
	return New(guard, 10<<20), root
}

// P4: writing a file then reading it back yields identical bytes.
func TestWriteThenReadRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	data := []byte("hello, devboxd\n")

	require.Nil(t, svc.Write("greeting.txt", data, WriteOptions{}))

	got, err := svc.Read("greeting.txt", ReadOptions{})
	require.Nil(t, err)
	assert.Equal(t, data, got)
}

func TestWrite_CreateDirsOption(t *testing.T) {
	svc, root := newService(t)

	err := svc.Write("a/b/c.txt", []byte("x"), WriteOptions{})
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeDirectoryNotFound, err.Code)

	err = svc.Write("a/b/c.txt", []byte("x"), WriteOptions{CreateDirs: true})
	require.Nil(t, err)
	assert.FileExists(t, filepath.Join(root, "a/b/c.txt"))
}

func TestWrite_ExceedsMaxFileSize(t *testing.T) {
	guard := pathguard.New(t.TempDir())
	svc := New(guard, 4)

	err := svc.Write("big.txt", []byte("too big"), WriteOptions{})
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeFileTooLarge, err.Code)
}

func TestWrite_OverwritesExistingFile(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("f.txt", []byte("first"), WriteOptions{}))
	require.Nil(t, svc.Write("f.txt", []byte("second"), WriteOptions{}))

	got, err := svc.Read("f.txt", ReadOptions{})
	require.Nil(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRead_ByteRange(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("range.txt", []byte("0123456789"), WriteOptions{}))

	got, err := svc.Read("range.txt", ReadOptions{Offset: 2, Length: 3})
	require.Nil(t, err)
	assert.Equal(t, "234", string(got))
}

func TestRead_NotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Read("missing.txt", ReadOptions{})
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeNotFound, err.Code)
}

func TestDelete_NonRecursiveNonEmptyDirFails(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	require.Nil(t, svc.Write("dir/file.txt", []byte("x"), WriteOptions{}))

	err := svc.Delete("dir", false)
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeDirectoryNotEmpty, err.Code)

	require.Nil(t, svc.Delete("dir", true))
	_, statErr := os.Stat(filepath.Join(root, "dir"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestList_OfFileReturnsNotADirectory(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("f.txt", []byte("x"), WriteOptions{}))

	_, err := svc.List("f.txt")
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeNotADirectory, err.Code)
}

func TestList_ReturnsEntriesSortedByName(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("b.txt", []byte("x"), WriteOptions{}))
	require.Nil(t, svc.Write("a.txt", []byte("x"), WriteOptions{}))

	entries, err := svc.List(".")
	require.Nil(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
}

func TestRename_MovesWithinSameDirectory(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("old.txt", []byte("x"), WriteOptions{}))
	require.Nil(t, svc.Rename("old.txt", "new.txt"))

	_, err := svc.Read("old.txt", ReadOptions{})
	assert.NotNil(t, err)
	got, err := svc.Read("new.txt", ReadOptions{})
	require.Nil(t, err)
	assert.Equal(t, "x", string(got))
}

func TestMove_ToNestedDestination(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("src.txt", []byte("payload"), WriteOptions{}))
	require.Nil(t, svc.Move("src.txt", "dest/sub/dst.txt"))

	got, err := svc.Read("dest/sub/dst.txt", ReadOptions{})
	require.Nil(t, err)
	assert.Equal(t, "payload", string(got))
}

// P5: batch-upload of a nested archive, followed by list/read, reproduces
// it exactly.
func TestBatchUploadThenListAndReadReproducesArchive(t *testing.T) {
	svc, _ := newService(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeTarDir(t, tw, "data/")
	writeTarFile(t, tw, "data/one.txt", "one")
	writeTarFile(t, tw, "data/nested/two.txt", "two")
	require.NoError(t, tw.Close())

	result, err := svc.BatchUpload(&buf, 1<<20)
	require.Nil(t, err)
	assert.Empty(t, result.Rejected)
	assert.Contains(t, result.Extracted, "data/one.txt")
	assert.Contains(t, result.Extracted, "data/nested/two.txt")

	entries, lerr := svc.List("data")
	require.Nil(t, lerr)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "one.txt")
	assert.Contains(t, names, "nested")

	got, rerr := svc.Read("data/nested/two.txt", ReadOptions{})
	require.Nil(t, rerr)
	assert.Equal(t, "two", string(got))
}

func TestBatchUpload_RejectsEntryEscapingWorkspace(t *testing.T) {
	svc, _ := newService(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeTarFile(t, tw, "../outside.txt", "nope")
	writeTarFile(t, tw, "inside.txt", "ok")
	require.NoError(t, tw.Close())

	result, err := svc.BatchUpload(&buf, 1<<20)
	require.Nil(t, err)
	assert.Contains(t, result.Rejected, "../outside.txt")
	assert.Contains(t, result.Extracted, "inside.txt")
}

// P5 via Download: archiving a directory tree and re-uploading it
// reproduces the original file set.
func TestDownloadThenBatchUploadRoundTrips(t *testing.T) {
	svc, _ := newService(t)
	require.Nil(t, svc.Write("dir/a.txt", []byte("A"), WriteOptions{CreateDirs: true}))
	require.Nil(t, svc.Write("dir/b.txt", []byte("B"), WriteOptions{CreateDirs: true}))

	var buf bytes.Buffer
	require.Nil(t, svc.Download([]string{"dir"}, &buf))

	svc2, _ := newService(t)
	result, err := svc2.BatchUpload(bytes.NewReader(buf.Bytes()), 1<<20)
	require.Nil(t, err)
	assert.Empty(t, result.Rejected)

	got, rerr := svc2.Read("dir/a.txt", ReadOptions{})
	require.Nil(t, rerr)
	assert.Equal(t, "A", string(got))
}

func writeTarFile(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
}

func writeTarDir(t *testing.T, tw *tar.Writer, name string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}))
}
