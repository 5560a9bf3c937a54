package base

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// StreamFactory is a reopenable source of bytes. Extraction may open the
// same source several times (format probe, entry enumeration, retry), so a
// factory rather than a single reader crosses subsystem boundaries.
type StreamFactory interface {
	// Name identifies the source for logs and format sniffing. It is a
	// display name, not necessarily an on-disk path.
	Name() RelativePath
	// Size returns the total byte length of the source.
	Size() int64
	// Open returns a fresh seekable reader positioned at the start.
	Open() (io.ReadSeekCloser, error)
}

// FileStreamFactory serves a file on disk.
type FileStreamFactory struct {
	path AbsolutePath
	size int64
}

// NewFileStreamFactory stats path and returns a factory over it.
func NewFileStreamFactory(path AbsolutePath) (*FileStreamFactory, error) {
	info, err := os.Stat(path.String())
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("stream factory: %s is a directory", path)
	}
	return &FileStreamFactory{path: path, size: info.Size()}, nil
}

// Name returns the file's base name.
func (f *FileStreamFactory) Name() RelativePath { return RelativePath(f.path.Base()) }

// Path returns the backing file path.
func (f *FileStreamFactory) Path() AbsolutePath { return f.path }

// Size returns the file size at construction time.
func (f *FileStreamFactory) Size() int64 { return f.size }

// Open opens the backing file.
func (f *FileStreamFactory) Open() (io.ReadSeekCloser, error) {
	return os.Open(f.path.String())
}

// MemoryStreamFactory serves an in-memory byte slice.
type MemoryStreamFactory struct {
	name RelativePath
	data []byte
}

// NewMemoryStreamFactory wraps data under the given display name.
func NewMemoryStreamFactory(name RelativePath, data []byte) *MemoryStreamFactory {
	return &MemoryStreamFactory{name: name, data: data}
}

// Name returns the display name.
func (m *MemoryStreamFactory) Name() RelativePath { return m.name }

// Size returns the slice length.
func (m *MemoryStreamFactory) Size() int64 { return int64(len(m.data)) }

// Open returns a reader over the slice.
func (m *MemoryStreamFactory) Open() (io.ReadSeekCloser, error) {
	return nopReadSeekCloser{bytes.NewReader(m.data)}, nil
}

// SectionStreamFactory serves a byte range of a parent factory. BTAR entry
// handles are sections of the archive stream; no bytes are copied until the
// section is opened and read.
type SectionStreamFactory struct {
	parent StreamFactory
	name   RelativePath
	off    int64
	length int64
}

// NewSectionStreamFactory exposes length bytes of parent starting at off.
func NewSectionStreamFactory(parent StreamFactory, name RelativePath, off, length int64) *SectionStreamFactory {
	return &SectionStreamFactory{parent: parent, name: name, off: off, length: length}
}

// Name returns the section's display name.
func (s *SectionStreamFactory) Name() RelativePath { return s.name }

// Size returns the section length.
func (s *SectionStreamFactory) Size() int64 { return s.length }

// Open opens the parent and restricts it to the section range.
func (s *SectionStreamFactory) Open() (io.ReadSeekCloser, error) {
	inner, err := s.parent.Open()
	if err != nil {
		return nil, err
	}
	return &sectionReader{inner: inner, sr: io.NewSectionReader(readerAtAdapter{inner}, s.off, s.length)}, nil
}

type sectionReader struct {
	inner io.ReadSeekCloser
	sr    *io.SectionReader
}

func (s *sectionReader) Read(p []byte) (int, error)                  { return s.sr.Read(p) }
func (s *sectionReader) Seek(off int64, whence int) (int64, error)   { return s.sr.Seek(off, whence) }
func (s *sectionReader) Close() error                                { return s.inner.Close() }

// readerAtAdapter provides ReadAt over a seekable reader. Section reads are
// serialised by the section reader, so the seek-then-read pair is safe.
type readerAtAdapter struct {
	rs io.ReadSeeker
}

func (a readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	if _, err := a.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(a.rs, p)
}

type nopReadSeekCloser struct {
	*bytes.Reader
}

func (nopReadSeekCloser) Close() error { return nil }
