package modlist

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/modlift/modlift/base"
)

// ModlistEntryName is the single top-level manifest entry inside a bundle.
const ModlistEntryName = "modlist"

// Bundle is an opened .modlist archive: a plain ZIP holding the manifest
// plus opaque inline-file blobs keyed by id. The bundle format is read
// in-process; it never goes through the native archive tool.
type Bundle struct {
	rc      *zip.ReadCloser
	modlist *Modlist
	blobs   map[string]*zip.File
}

// OpenBundle opens and parses the bundle at path. Blobs load lazily via
// OpenBlob.
func OpenBundle(path base.AbsolutePath) (*Bundle, error) {
	rc, err := zip.OpenReader(path.String())
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	b, err := newBundle(&rc.Reader)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	b.rc = rc
	return b, nil
}

// NewBundleFromReaderAt parses a bundle from an in-memory or remote
// seekable source, such as a chunked download stream.
func NewBundleFromReaderAt(r io.ReaderAt, size int64) (*Bundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return newBundle(zr)
}

func newBundle(zr *zip.Reader) (*Bundle, error) {
	b := &Bundle{blobs: make(map[string]*zip.File, len(zr.File))}
	var manifest *zip.File
	for _, f := range zr.File {
		if f.Name == ModlistEntryName {
			manifest = f
			continue
		}
		b.blobs[f.Name] = f
	}
	if manifest == nil {
		return nil, ErrMissingModlistEntry
	}

	mr, err := manifest.Open()
	if err != nil {
		return nil, fmt.Errorf("open modlist entry: %w", err)
	}
	defer mr.Close()

	var m Modlist
	if err := json.NewDecoder(mr).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse modlist: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b.modlist = &m
	return b, nil
}

// Modlist returns the parsed manifest.
func (b *Bundle) Modlist() *Modlist { return b.modlist }

// OpenBlob opens the inline blob with the given id.
func (b *Bundle) OpenBlob(id string) (io.ReadCloser, error) {
	f, ok := b.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBlobNotFound, id)
	}
	return f.Open()
}

// ReadBlob materialises the inline blob with the given id.
func (b *Bundle) ReadBlob(id string) ([]byte, error) {
	rc, err := b.OpenBlob(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Close releases the underlying archive, if the bundle owns one.
func (b *Bundle) Close() error {
	if b.rc != nil {
		return b.rc.Close()
	}
	return nil
}
