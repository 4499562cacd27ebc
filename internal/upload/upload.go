// Package upload stores uploaded files as temporary files whose lifetime is
// bound to a single request. The content is forwarded as is; the analysis
// scripts decide what they accept.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrFileRequired is returned when no file was sent.
	ErrFileRequired = errors.New("image file is required")
	// ErrTooLarge is returned when the file exceeds the store limit.
	ErrTooLarge = errors.New("image exceeds maximum upload size")
	// ErrUnsupportedMediaType is returned for payloads that are not images
	// when the store requires them.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// Store writes uploads into a directory.
type Store struct {
	dir          string
	maxSize      int64
	requireImage bool
}

// Option customises a Store.
type Option func(*Store)

// WithRequireImage rejects uploads whose sniffed type is not image/*.
func WithRequireImage(require bool) Option {
	return func(s *Store) {
		s.requireImage = require
	}
}

// NewStore creates dir if needed. A maxSize of zero disables the size check.
func NewStore(dir string, maxSize int64, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	store := &Store{dir: dir, maxSize: maxSize}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Dir returns the directory uploads are written to.
func (s *Store) Dir() string {
	return s.dir
}

// MaxSize returns the per-file limit in bytes, zero when unlimited.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// File is an uploaded file on disk. MIME is the sniffed type, kept as
// metadata. Close removes it.
type File struct {
	Path         string
	OriginalName string
	Size         int64
	MIME         string
	SHA256       string

	once     sync.Once
	closeErr error
}

// Close deletes the file. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.closeErr = err
		}
	})
	return f.closeErr
}

// Save copies the multipart file into the store. On error nothing is left
// on disk.
func (s *Store) Save(header *multipart.FileHeader) (*File, error) {
	if header == nil {
		return nil, ErrFileRequired
	}
	if s.maxSize > 0 && header.Size > s.maxSize {
		return nil, ErrTooLarge
	}

	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	return s.write(src, header.Filename)
}

func (s *Store) write(src io.Reader, name string) (*File, error) {
	tmp, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	file := &File{Path: tmp.Name(), OriginalName: name}

	if s.maxSize > 0 {
		src = io.LimitReader(src, s.maxSize+1)
	}
	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, hasher), src)
	closeErr := tmp.Close()

	switch {
	case copyErr != nil:
		_ = file.Close()
		return nil, fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		_ = file.Close()
		return nil, fmt.Errorf("close upload: %w", closeErr)
	case s.maxSize > 0 && n > s.maxSize:
		_ = file.Close()
		return nil, ErrTooLarge
	}

	mtype, err := mimetype.DetectFile(file.Path)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("detect media type: %w", err)
	}
	if s.requireImage && !strings.HasPrefix(mtype.String(), "image/") {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mtype.String())
	}

	file.Size = n
	file.MIME = mtype.String()
	file.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	return file, nil
}
