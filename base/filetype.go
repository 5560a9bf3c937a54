package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FileType identifies a container format by its leading bytes.
type FileType int

// Recognised container formats.
const (
	FileTypeUnknown FileType = iota
	FileTypeTES3
	FileTypeBSA
	FileTypeBA2
	FileTypeBTAR
	FileTypeZIP
	FileTypeEXE
	FileTypeRAROld
	FileTypeRARNew
	FileType7Z
)

// String returns the short format tag.
func (t FileType) String() string {
	switch t {
	case FileTypeTES3:
		return "TES3"
	case FileTypeBSA:
		return "BSA"
	case FileTypeBA2:
		return "BA2"
	case FileTypeBTAR:
		return "BTAR"
	case FileTypeZIP:
		return "ZIP"
	case FileTypeEXE:
		return "EXE"
	case FileTypeRAROld:
		return "RAR_OLD"
	case FileTypeRARNew:
		return "RAR_NEW"
	case FileType7Z:
		return "7Z"
	default:
		return "UNKNOWN"
	}
}

// BTARMagic is the big-endian 32-bit magic of a BTAR stream.
const BTARMagic uint32 = 0x42544152 // "BTAR"

var (
	magicBSA    = []byte("BSA\x00")
	magicBA2    = []byte("BTDX")
	magicZIP    = []byte("PK\x03\x04")
	magicZIPEnd = []byte("PK\x05\x06")
	magicEXE    = []byte("MZ")
	magicRAROld = []byte("Rar!\x1a\x07\x00")
	magicRARNew = []byte("Rar!\x1a\x07\x01\x00")
	magic7Z     = []byte("7z\xbc\xaf\x27\x1c")
)

// DetectFileType recognises the format of a seekable stream by its leading
// bytes. The stream position is restored before returning. TES3 and BSA can
// shadow each other at the prefix level; callers disambiguate by filename
// extension.
func DetectFileType(r io.ReadSeeker) (FileType, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer func() {
		_, _ = r.Seek(pos, io.SeekStart) //nolint:errcheck // best-effort restore
	}()
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return FileTypeUnknown, err
	}

	var head [8]byte
	n, err := io.ReadFull(r, head[:])
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return FileTypeUnknown, nil
		}
		return FileTypeUnknown, fmt.Errorf("detect file type: %w", err)
	}
	prefix := head[:n]

	switch {
	case bytes.HasPrefix(prefix, magicRARNew):
		return FileTypeRARNew, nil
	case bytes.HasPrefix(prefix, magicRAROld):
		return FileTypeRAROld, nil
	case bytes.HasPrefix(prefix, magic7Z):
		return FileType7Z, nil
	case bytes.HasPrefix(prefix, magicBSA):
		return FileTypeBSA, nil
	case bytes.HasPrefix(prefix, magicBA2):
		return FileTypeBA2, nil
	case bytes.HasPrefix(prefix, magicZIP), bytes.HasPrefix(prefix, magicZIPEnd):
		return FileTypeZIP, nil
	case bytes.HasPrefix(prefix, magicEXE):
		return FileTypeEXE, nil
	}

	if len(prefix) >= 4 {
		if binary.BigEndian.Uint32(prefix) == BTARMagic {
			return FileTypeBTAR, nil
		}
		// Morrowind-era archives have no ASCII magic, just version 0x100.
		if binary.LittleEndian.Uint32(prefix) == 0x100 {
			return FileTypeTES3, nil
		}
	}

	return FileTypeUnknown, nil
}
