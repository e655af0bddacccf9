// Package staging manages the on-disk byte stores for downloaded and
// locally-modified file content: downloads/ (mirroring virtual_path),
// uploads/ (staged local edits awaiting upload) and local/ (scratch for
// newly-created-but-never-uploaded items).
package staging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Area names one of the three staging roots.
type Area string

const (
	AreaDownloads Area = "downloads"
	AreaUploads   Area = "uploads"
	AreaLocal     Area = "local"
)

// Store is a content-addressable-by-path staging area: every operation
// resolves a virtual path to a real file under one of the three area
// roots, writing via a temp file renamed into place so a crash mid-write
// never leaves a partial file visible under its final name.
type Store struct {
	root string
}

// Open ensures the three area directories exist under root and returns a
// Store rooted there.
func Open(root string) (*Store, error) {
	for _, area := range []Area{AreaDownloads, AreaUploads, AreaLocal} {
		if err := os.MkdirAll(filepath.Join(root, string(area)), 0o700); err != nil {
			return nil, cerrors.Wrap(err, "failed to create staging directory")
		}
	}
	return &Store{root: root}, nil
}

// pathFor maps a virtual path ("/docs/report.docx") onto a real
// filesystem path under area, mirroring the directory structure.
func (s *Store) pathFor(area Area, virtualPath string) string {
	clean := strings.TrimPrefix(filepath.Clean(virtualPath), "/")
	return filepath.Join(s.root, string(area), clean)
}

// Has reports whether content is staged for virtualPath in area.
func (s *Store) Has(area Area, virtualPath string) bool {
	_, err := os.Stat(s.pathFor(area, virtualPath))
	return err == nil
}

// OpenFile returns a read handle to the staged content, or an IO error if
// nothing is staged.
func (s *Store) OpenFile(area Area, virtualPath string) (*os.File, error) {
	f, err := os.Open(s.pathFor(area, virtualPath))
	if err != nil {
		return nil, cerrors.NewIOError("failed to open staged content", err)
	}
	return f, nil
}

// Write stages content for virtualPath in area via write-to-temp-then-rename,
// so readers never observe a partially-written file.
func (s *Store) Write(area Area, virtualPath string, content io.Reader) (int64, error) {
	dest := s.pathFor(area, virtualPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return 0, cerrors.NewIOError("failed to create staging subdirectory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".stage-*")
	if err != nil {
		return 0, cerrors.NewIOError("failed to create temp staging file", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, content)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return 0, cerrors.NewIOError("failed to write staged content", err)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return 0, cerrors.NewIOError("failed to finalize staged content", closeErr)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, cerrors.NewIOError("failed to commit staged content", err)
	}
	return n, nil
}

// WriteAt applies a bounded write at offset to the content already staged
// for virtualPath in area, creating it first if necessary. Used by the
// filesystem adapter's write operation, which writes in place rather than
// replacing the whole file.
func (s *Store) WriteAt(area Area, virtualPath string, data []byte, offset int64) error {
	dest := s.pathFor(area, virtualPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return cerrors.NewIOError("failed to create staging subdirectory", err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return cerrors.NewIOError("failed to open staged file for write", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return cerrors.NewIOError("failed to write staged content", err)
	}
	return nil
}

// Size returns the staged content's size in bytes.
func (s *Store) Size(area Area, virtualPath string) (int64, error) {
	info, err := os.Stat(s.pathFor(area, virtualPath))
	if err != nil {
		return 0, cerrors.NewIOError("failed to stat staged content", err)
	}
	return info.Size(), nil
}

// Delete removes staged content, if any. Missing content is not an error.
func (s *Store) Delete(area Area, virtualPath string) error {
	err := os.Remove(s.pathFor(area, virtualPath))
	if err != nil && !os.IsNotExist(err) {
		return cerrors.NewIOError("failed to delete staged content", err)
	}
	return nil
}

// Move relocates staged content from one virtual path to another within
// the same area, following a rename, or promotes it across areas (e.g.
// local/ scratch to uploads/ once a create is confirmed, or downloads/ to
// uploads/ on first local write to a previously-downloaded file).
func (s *Store) Move(srcArea Area, srcPath string, dstArea Area, dstPath string) error {
	src := s.pathFor(srcArea, srcPath)
	dst := s.pathFor(dstArea, dstPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return cerrors.NewIOError("failed to create staging subdirectory", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return cerrors.NewIOError("failed to move staged content", err)
	}
	log.Debug().Str("src", src).Str("dst", dst).Msg("moved staged content")
	return nil
}

// Placeholder returns deterministic, human-readable bytes describing a
// file whose content has not yet been materialized locally: its name and
// declared size. Served by the filesystem adapter's read path instead of
// blocking on a download.
func Placeholder(name string, size uint64) []byte {
	return []byte(placeholderText(name, size))
}

func placeholderText(name string, size uint64) string {
	return "cloudmount: content not yet downloaded for \"" + name + "\" (" + humanize.Bytes(size) + ")\n"
}
