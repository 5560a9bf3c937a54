package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/modlift/modlift/base"
)

// atomicWrite lands data from r at dst via a scratch file in the target
// directory renamed into place. A crash mid-write never leaves a partial
// file under the final name.
func atomicWrite(dst base.AbsolutePath, r io.Reader) error {
	if err := os.MkdirAll(dst.Parent().String(), 0o755); err != nil {
		return err
	}
	scratch, err := os.CreateTemp(dst.Parent().String(), ".modlift-*")
	if err != nil {
		return err
	}
	name := scratch.Name()
	if _, err := io.Copy(scratch, r); err != nil {
		_ = scratch.Close()
		_ = os.Remove(name)
		return err
	}
	if err := scratch.Sync(); err != nil {
		_ = scratch.Close()
		_ = os.Remove(name)
		return err
	}
	if err := scratch.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, dst.String()); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// diskFile is an entry the native tool left in a temporary directory.
// Move renames when possible, transferring the bytes without a copy.
type diskFile struct {
	name     base.RelativePath
	path     base.AbsolutePath
	size     int64
	modTime  time.Time
	consumed bool
}

func newDiskFile(name base.RelativePath, path base.AbsolutePath) (*diskFile, error) {
	info, err := os.Stat(path.String())
	if err != nil {
		return nil, err
	}
	return &diskFile{name: name, path: path, size: info.Size(), modTime: info.ModTime()}, nil
}

func (f *diskFile) Name() base.RelativePath { return f.name }
func (f *diskFile) Size() int64             { return f.size }
func (f *diskFile) ModTime() time.Time      { return f.modTime }

func (f *diskFile) Open() (io.ReadCloser, error) {
	if f.consumed {
		return nil, ErrHandleConsumed
	}
	return os.Open(f.path.String())
}

func (f *diskFile) Move(dst base.AbsolutePath) error {
	if f.consumed {
		return ErrHandleConsumed
	}
	f.consumed = true
	if err := os.MkdirAll(dst.Parent().String(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(f.path.String(), dst.String()); err == nil {
		return nil
	}
	// Cross-device rename falls back to an atomic copy.
	in, err := os.Open(f.path.String())
	if err != nil {
		return err
	}
	defer in.Close()
	if err := atomicWrite(dst, in); err != nil {
		return err
	}
	return os.Remove(f.path.String())
}

// memFile is an entry whose bytes materialise lazily from a loader, used
// by the in-process container readers. Move copies.
type memFile struct {
	name     base.RelativePath
	size     int64
	modTime  time.Time
	load     func() ([]byte, error)
	consumed bool
}

func (f *memFile) Name() base.RelativePath { return f.name }
func (f *memFile) Size() int64             { return f.size }
func (f *memFile) ModTime() time.Time      { return f.modTime }

func (f *memFile) Open() (io.ReadCloser, error) {
	if f.consumed {
		return nil, ErrHandleConsumed
	}
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *memFile) Move(dst base.AbsolutePath) error {
	if f.consumed {
		return ErrHandleConsumed
	}
	f.consumed = true
	data, err := f.load()
	if err != nil {
		return err
	}
	return atomicWrite(dst, bytes.NewReader(data))
}

// sectionFile is a zero-copy slice of the source stream, used by the BTAR
// reader. Nothing is materialised until the handle is opened or moved.
type sectionFile struct {
	section  *base.SectionStreamFactory
	modTime  time.Time
	consumed bool
}

func (f *sectionFile) Name() base.RelativePath { return f.section.Name() }
func (f *sectionFile) Size() int64             { return f.section.Size() }
func (f *sectionFile) ModTime() time.Time      { return f.modTime }

func (f *sectionFile) Open() (io.ReadCloser, error) {
	if f.consumed {
		return nil, ErrHandleConsumed
	}
	return f.section.Open()
}

func (f *sectionFile) Move(dst base.AbsolutePath) error {
	if f.consumed {
		return ErrHandleConsumed
	}
	f.consumed = true
	in, err := f.section.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	if err := atomicWrite(dst, in); err != nil {
		return fmt.Errorf("move %s: %w", f.section.Name(), err)
	}
	return nil
}
