// Package files implements the file service (C2): read/write/delete/list/
// move/rename/download/batch-upload, all confined to a workspace root via
// internal/pathguard.
package files

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/cuemby/devboxd/internal/apierr"
	"github.com/cuemby/devboxd/internal/pathguard"
	"github.com/cuemby/devboxd/internal/types"
)

// Service is the file service. It is stateless beyond its guard and size
// limit, so a single instance is safe for concurrent use.
type Service struct {
	guard       *pathguard.Guard
	maxFileSize int64
}

// New builds a Service confined to guard's workspace root, rejecting writes
// larger than maxFileSize bytes.
func New(guard *pathguard.Guard, maxFileSize int64) *Service {
	return &Service{guard: guard, maxFileSize: maxFileSize}
}

// WriteOptions configure Write.
type WriteOptions struct {
	CreateDirs bool
	Mode       fs.FileMode // 0 means "use 0644"
}

// Write creates path's parent directories when CreateDirs is set, then
// writes bytes atomically via a temp-file-then-rename within the same
// directory.
func (s *Service) Write(path string, data []byte, opts WriteOptions) *apierr.Error {
	if int64(len(data)) > s.maxFileSize {
		return apierr.New(apierr.CodeFileTooLarge, "file exceeds the configured maximum size").
			WithContext("size", len(data)).WithContext("max", s.maxFileSize)
	}

	abs, perr := s.guard.Resolve(path)
	if perr != nil {
		return perr
	}

	dir := filepath.Dir(abs)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if !opts.CreateDirs {
			return apierr.New(apierr.CodeDirectoryNotFound, "parent directory does not exist").
				WithContext("path", path)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioError(err)
		}
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	tmp, err := os.CreateTemp(dir, ".devboxd-write-*")
	if err != nil {
		return ioError(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioError(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return ioError(err)
	}
	if err := tmp.Close(); err != nil {
		return ioError(err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return ioError(err)
	}
	return nil
}

// ReadOptions configure Read.
type ReadOptions struct {
	Offset int64
	Length int64 // 0 means "read to EOF"
}

// Read returns path's bytes, optionally restricted to a byte range.
func (s *Service) Read(path string, opts ReadOptions) ([]byte, *apierr.Error) {
	abs, perr := s.guard.Resolve(path)
	if perr != nil {
		return nil, perr
	}

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierr.New(apierr.CodeNotFound, "file not found").WithContext("path", path)
		}
		return nil, ioError(err)
	}
	defer f.Close()

	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			return nil, ioError(err)
		}
	}
	if opts.Length > 0 {
		data := make([]byte, opts.Length)
		n, err := io.ReadFull(f, data)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, ioError(err)
		}
		return data[:n], nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ioError(err)
	}
	return data, nil
}

// Delete removes path; non-recursive delete of a non-empty directory fails
// with CodeDirectoryNotEmpty.
func (s *Service) Delete(path string, recursive bool) *apierr.Error {
	abs, perr := s.guard.Resolve(path)
	if perr != nil {
		return perr
	}

	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apierr.New(apierr.CodeNotFound, "path not found").WithContext("path", path)
		}
		return ioError(err)
	}

	if info.IsDir() && !recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return ioError(err)
		}
		if len(entries) > 0 {
			return apierr.New(apierr.CodeDirectoryNotEmpty, "directory is not empty").WithContext("path", path)
		}
		return ioError(os.Remove(abs))
	}

	if recursive {
		return ioError(os.RemoveAll(abs))
	}
	return ioError(os.Remove(abs))
}

// List returns path's directory entries, non-recursively.
func (s *Service) List(path string) ([]types.FileEntry, *apierr.Error) {
	abs, perr := s.guard.Resolve(path)
	if perr != nil {
		return nil, perr
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierr.New(apierr.CodeDirectoryNotFound, "directory not found").WithContext("path", path)
		}
		return nil, ioError(err)
	}
	if !info.IsDir() {
		return nil, apierr.New(apierr.CodeNotADirectory, "path is not a directory").WithContext("path", path)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioError(err)
	}

	out := make([]types.FileEntry, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntryFromInfo(e.Name(), fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func fileEntryFromInfo(name string, fi fs.FileInfo) types.FileEntry {
	kind := types.KindFile
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		kind = types.KindSymlink
	case fi.IsDir():
		kind = types.KindDirectory
	}
	return types.FileEntry{
		Name:  name,
		Kind:  kind,
		Size:  fi.Size(),
		Mtime: fi.ModTime().Unix(),
		Mode:  uint32(fi.Mode().Perm()),
	}
}

// Move renames from to to, falling back to copy-then-delete across devices.
func (s *Service) Move(from, to string) *apierr.Error {
	return s.renameAt(from, to)
}

// Rename moves path to a new name within the same directory.
func (s *Service) Rename(path, newName string) *apierr.Error {
	abs, perr := s.guard.Resolve(path)
	if perr != nil {
		return perr
	}
	dest := filepath.Join(filepath.Dir(abs), newName)
	if _, perr := s.guard.Resolve(s.guard.Rel(dest)); perr != nil {
		return perr
	}
	return s.renameAtAbs(abs, dest, path, newName)
}

func (s *Service) renameAt(from, to string) *apierr.Error {
	absFrom, perr := s.guard.Resolve(from)
	if perr != nil {
		return perr
	}
	absTo, perr := s.guard.Resolve(to)
	if perr != nil {
		return perr
	}
	return s.renameAtAbs(absFrom, absTo, from, to)
}

func (s *Service) renameAtAbs(absFrom, absTo string, from, to string) *apierr.Error {
	if err := os.MkdirAll(filepath.Dir(absTo), 0o755); err != nil {
		return ioError(err)
	}
	if err := os.Rename(absFrom, absTo); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && isCrossDevice(linkErr.Err) {
			if cerr := copyThenDelete(absFrom, absTo); cerr != nil {
				return apierr.New(apierr.CodeFileOperationErr, "cross-device move failed").
					WithContext("from", from).WithContext("to", to).WithContext("fallback", "copy-then-delete").
					WithContext("cause", cerr.Error())
			}
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return apierr.New(apierr.CodeNotFound, "source path not found").WithContext("path", from)
		}
		return ioError(err)
	}
	return nil
}

func copyThenDelete(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDirThenDelete(from, to)
	}

	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.RemoveAll(from)
}

func copyDirThenDelete(from, to string) error {
	if err := os.MkdirAll(to, 0o755); err != nil {
		return err
	}
	err := filepath.WalkDir(from, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer dst.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(from)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// Download streams the given workspace-relative paths into w as a tar
// archive, in input order; directory entries recurse. Every path is
// validated before any archive bytes are written. The tar trailer is only
// written when every path was archived. Memory use is bounded by tar's own
// fixed-size copy buffer.
func (s *Service) Download(paths []string, w io.Writer) *apierr.Error {
	absPaths := make([]string, len(paths))
	for i, p := range paths {
		abs, perr := s.guard.Resolve(p)
		if perr != nil {
			return perr
		}
		absPaths[i] = abs
	}

	tw := tar.NewWriter(w)
	for i, abs := range absPaths {
		if err := addToTar(tw, abs, s.guard.Rel(abs)); err != nil {
			return apierr.New(apierr.CodeFileOperationErr, "failed to archive path").
				WithContext("path", paths[i]).WithContext("cause", err.Error())
		}
	}
	if err := tw.Close(); err != nil {
		return ioError(err)
	}
	return nil
}

func addToTar(tw *tar.Writer, abs, relName string) error {
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(abs, p)
			if err != nil {
				return err
			}
			name := relName
			if rel != "." {
				name = filepath.Join(relName, rel)
			}
			return writeTarEntry(tw, p, name, fi)
		})
	}
	return writeTarEntry(tw, abs, relName, info)
}

func writeTarEntry(tw *tar.Writer, abs, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&fs.ModeSymlink != 0 {
		return nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// UploadResult reports per-entry outcomes of BatchUpload.
type UploadResult struct {
	Extracted []string
	Rejected  map[string]string // path -> reason
}

// BatchUpload extracts a tar archive under the workspace root, preserving
// relative directory structure. Every entry path is validated through the
// path guard before the entry is written; entries that fail validation are
// rejected individually and reported, while successfully extracted entries
// stay. totalSizeLimit bounds the sum of extracted entry sizes.
func (s *Service) BatchUpload(r io.Reader, totalSizeLimit int64) (*UploadResult, *apierr.Error) {
	tr := tar.NewReader(r)
	result := &UploadResult{Rejected: make(map[string]string)}
	var total int64

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, apierr.New(apierr.CodeInvalidRequest, "malformed archive").WithContext("cause", err.Error())
		}

		abs, perr := s.guard.Resolve(hdr.Name)
		if perr != nil {
			result.Rejected[hdr.Name] = perr.Message
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(abs, 0o755); err != nil {
				result.Rejected[hdr.Name] = err.Error()
				continue
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > totalSizeLimit {
				return result, apierr.New(apierr.CodeFileTooLarge, "batch upload exceeds the total size limit").
					WithContext("limit", totalSizeLimit)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				result.Rejected[hdr.Name] = err.Error()
				continue
			}
			if err := extractRegularFile(tr, abs, hdr); err != nil {
				result.Rejected[hdr.Name] = err.Error()
				continue
			}
		default:
			result.Rejected[hdr.Name] = "unsupported archive entry type"
			continue
		}
		result.Extracted = append(result.Extracted, hdr.Name)
	}
	return result, nil
}

func extractRegularFile(r io.Reader, abs string, hdr *tar.Header) error {
	mode := os.FileMode(hdr.Mode)
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func ioError(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return apierr.New(apierr.CodeNotFound, err.Error())
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apierr.New(apierr.CodeDiskFull, "no space left on device")
	}
	return apierr.New(apierr.CodeFileOperationErr, err.Error())
}
