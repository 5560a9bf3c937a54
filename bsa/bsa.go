// Package bsa reads and writes the two game-native container formats the
// installer has to rebuild: the classic BSA layout with LZSS-compressed
// entries and the BTDX/BA2 layout with zstd-compressed general entries and
// chunked DX10 texture entries.
package bsa

import (
	"errors"

	"github.com/modlift/modlift/base"
)

// Format selects the container family.
type Format string

// Container formats.
const (
	FormatBSA Format = "BSA"
	FormatBA2 Format = "BA2"
)

// BA2 payload table types.
const (
	BA2General = "GNRL"
	BA2Texture = "DX10"
)

// Current on-disk versions written by this package.
const (
	BSAVersion uint32 = 105
	BA2Version uint32 = 1
)

// Sentinel errors for container operations. Use errors.Is in callers.
var (
	// ErrBadMagic means the stream does not start with a known container magic.
	ErrBadMagic = errors.New("bad container magic")
	// ErrBadVersion means the container version is not supported.
	ErrBadVersion = errors.New("unsupported container version")
	// ErrBadEntry means an entry record is malformed or out of bounds.
	ErrBadEntry = errors.New("malformed container entry")
	// ErrEntryNotFound means the named entry is not in the container.
	ErrEntryNotFound = errors.New("container entry not found")
	// ErrWriterFinished means AddFile was called after Build.
	ErrWriterFinished = errors.New("container writer already built")
	// ErrStateMismatch means a file state does not fit the container state.
	ErrStateMismatch = errors.New("file state does not match container format")
)

// ContainerState is the container-level portion of a CreateBSA directive:
// which format to build and with which header fields.
type ContainerState struct {
	Format       Format `json:"format"`
	Version      uint32 `json:"version,omitempty"`
	Type         string `json:"type,omitempty"` // BA2 only: GNRL or DX10
	ArchiveFlags uint32 `json:"archiveFlags,omitempty"`
}

// FileState describes one entry to pack, in directive order.
type FileState struct {
	Path       base.RelativePath `json:"path"`
	Index      int               `json:"index"`
	Compressed bool              `json:"compressed,omitempty"`

	// DX10 marks a chunked texture entry. Texture payloads go through a
	// lossy pipeline upstream, so per-file hash verification skips them.
	DX10      bool   `json:"dx10,omitempty"`
	Width     uint16 `json:"width,omitempty"`
	Height    uint16 `json:"height,omitempty"`
	NumMips   uint8  `json:"numMips,omitempty"`
	PixelFmt  uint8  `json:"pixelFormat,omitempty"`
	ChunkSize uint32 `json:"chunkSize,omitempty"`
}

// Lossy reports whether the entry is excluded from per-file hash checks.
func (s FileState) Lossy() bool { return s.DX10 }

// Entry is one readable file inside an opened container.
type Entry struct {
	Path         base.RelativePath
	Size         int64 // decompressed size
	Compressed   bool
	DX10         bool
	open         func() ([]byte, error)
}

// Bytes materialises the entry payload.
func (e *Entry) Bytes() ([]byte, error) { return e.open() }

const (
	// defaultChunkSize splits DX10 payloads when the state carries none.
	defaultChunkSize = 1 << 20
	// maxNameLen bounds entry path length in both formats.
	maxNameLen = 4096
)
