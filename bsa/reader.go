package bsa

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/woozymasta/lzss"

	"github.com/modlift/modlift/base"
)

// Reader provides read access to a packed container. Opening only parses
// the tables; entry payloads are materialised on demand from the source
// factory.
type Reader struct {
	src     base.StreamFactory
	Format  Format
	Type    string
	Version uint32
	Entries []Entry
}

// Open parses the container tables from src. Only the BSA\x00 and BTDX
// magics are recognised; TES3-era archives (version word instead of an
// ASCII magic) are rejected with ErrBadMagic.
func Open(src base.StreamFactory) (*Reader, error) {
	stream, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var magic [4]byte
	if _, err := io.ReadFull(stream, magic[:]); err != nil {
		return nil, fmt.Errorf("container header: %w", err)
	}

	r := &Reader{src: src}
	switch {
	case bytes.Equal(magic[:], []byte("BSA\x00")):
		r.Format = FormatBSA
		err = r.parseBSA(stream)
	case bytes.Equal(magic[:], []byte("BTDX")):
		r.Format = FormatBA2
		err = r.parseBA2(stream)
	default:
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, magic)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Find returns the entry whose path matches, case-insensitively.
func (r *Reader) Find(path base.RelativePath) (*Entry, bool) {
	for i := range r.Entries {
		if r.Entries[i].Path.EqualFold(path) {
			return &r.Entries[i], true
		}
	}
	return nil, false
}

func (r *Reader) parseBSA(stream io.Reader) error {
	var fixed [12]byte
	if _, err := io.ReadFull(stream, fixed[:]); err != nil {
		return fmt.Errorf("container header: %w", err)
	}
	r.Version = binary.LittleEndian.Uint32(fixed[0:4])
	if r.Version != BSAVersion {
		return fmt.Errorf("%w: BSA version %d", ErrBadVersion, r.Version)
	}
	count := binary.LittleEndian.Uint32(fixed[8:12])

	br := bufio.NewReader(stream)
	for range count {
		nameLen, err := readU16(br)
		if err != nil {
			return err
		}
		if nameLen == 0 || int(nameLen) > maxNameLen {
			return fmt.Errorf("%w: name length %d", ErrBadEntry, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return fmt.Errorf("%w: %s", ErrBadEntry, err)
		}
		flags, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadEntry, err)
		}
		if _, err := readU64(br); err != nil { // mtime, unused by the engine
			return err
		}
		origSize, err := readU64(br)
		if err != nil {
			return err
		}
		dataSize, err := readU64(br)
		if err != nil {
			return err
		}
		offset, err := readU64(br)
		if err != nil {
			return err
		}
		if err := r.checkBounds(offset, dataSize); err != nil {
			return err
		}

		compressed := flags&1 != 0
		entry := Entry{
			Path:       base.NewRelativePath(string(name)),
			Size:       int64(origSize),
			Compressed: compressed,
		}
		entry.open = r.bsaOpener(int64(offset), int64(dataSize), int64(origSize), compressed)
		r.Entries = append(r.Entries, entry)
	}
	return nil
}

// ba2Record is the payload geometry parsed before names are known.
type ba2Record struct {
	dx10       bool
	compressed bool
	chunks     []writerChunk
	size       int64
}

func (r *Reader) parseBA2(stream io.Reader) error {
	var fixed [20]byte
	if _, err := io.ReadFull(stream, fixed[:]); err != nil {
		return fmt.Errorf("container header: %w", err)
	}
	r.Version = binary.LittleEndian.Uint32(fixed[0:4])
	if r.Version != BA2Version {
		return fmt.Errorf("%w: BA2 version %d", ErrBadVersion, r.Version)
	}
	r.Type = string(fixed[4:8])
	count := binary.LittleEndian.Uint32(fixed[8:12])
	nameTableOffset := binary.LittleEndian.Uint64(fixed[12:20])

	br := bufio.NewReader(stream)
	records := make([]ba2Record, 0, count)
	for range count {
		rec, err := r.parseBA2Record(br)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	names, err := r.readNameTable(int64(nameTableOffset), int(count)) //nolint:gosec // offset bounded by checkBounds
	if err != nil {
		return err
	}

	for i, rec := range records {
		entry := Entry{
			Path:       base.NewRelativePath(names[i]),
			Size:       rec.size,
			Compressed: rec.compressed,
			DX10:       rec.dx10,
		}
		if rec.dx10 {
			entry.open = r.ba2ChunkOpener(rec.chunks)
		} else {
			entry.open = r.ba2Opener(rec.chunks[0], rec.compressed)
		}
		r.Entries = append(r.Entries, entry)
	}
	return nil
}

func (r *Reader) parseBA2Record(br *bufio.Reader) (ba2Record, error) {
	if r.Type == BA2Texture {
		chunkCount, err := br.ReadByte()
		if err != nil {
			return ba2Record{}, fmt.Errorf("%w: %s", ErrBadEntry, err)
		}
		if _, err := br.Discard(6); err != nil { // pixelFmt, numMips, width, height
			return ba2Record{}, fmt.Errorf("%w: %s", ErrBadEntry, err)
		}
		rec := ba2Record{dx10: true}
		for range chunkCount {
			off, err := readU64(br)
			if err != nil {
				return ba2Record{}, err
			}
			dataSize, err := readU64(br)
			if err != nil {
				return ba2Record{}, err
			}
			origSize, err := readU64(br)
			if err != nil {
				return ba2Record{}, err
			}
			if err := r.checkBounds(off, dataSize); err != nil {
				return ba2Record{}, err
			}
			rec.chunks = append(rec.chunks, writerChunk{offset: int64(off), dataSize: int64(dataSize), origSize: int64(origSize)})
			rec.size += int64(origSize)
		}
		return rec, nil
	}

	flags, err := br.ReadByte()
	if err != nil {
		return ba2Record{}, fmt.Errorf("%w: %s", ErrBadEntry, err)
	}
	origSize, err := readU64(br)
	if err != nil {
		return ba2Record{}, err
	}
	dataSize, err := readU64(br)
	if err != nil {
		return ba2Record{}, err
	}
	off, err := readU64(br)
	if err != nil {
		return ba2Record{}, err
	}
	if err := r.checkBounds(off, dataSize); err != nil {
		return ba2Record{}, err
	}
	return ba2Record{
		compressed: flags&1 != 0,
		chunks:     []writerChunk{{offset: int64(off), dataSize: int64(dataSize), origSize: int64(origSize)}},
		size:       int64(origSize),
	}, nil
}

// readNameTable reads the trailing BA2 name table.
func (r *Reader) readNameTable(offset int64, count int) ([]string, error) {
	stream, err := r.src.Open()
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if _, err := stream.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: name table seek: %s", ErrBadEntry, err)
	}
	br := bufio.NewReader(stream)
	names := make([]string, 0, count)
	for range count {
		nameLen, err := readU16(br)
		if err != nil {
			return nil, err
		}
		if nameLen == 0 || int(nameLen) > maxNameLen {
			return nil, fmt.Errorf("%w: name length %d", ErrBadEntry, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadEntry, err)
		}
		names = append(names, string(name))
	}
	return names, nil
}

// checkBounds rejects payload geometry pointing outside the source.
func (r *Reader) checkBounds(offset, size uint64) error {
	total := uint64(r.src.Size()) //nolint:gosec // sizes are non-negative
	if offset > total || size > total || offset+size > total {
		return fmt.Errorf("%w: payload [%d,+%d) outside source of %d bytes", ErrBadEntry, offset, size, total)
	}
	return nil
}

// readPayload reads one stored blob from the source.
func (r *Reader) readPayload(offset, size int64) ([]byte, error) {
	stream, err := r.src.Open()
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if _, err := stream.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, fmt.Errorf("%w: payload read: %s", ErrBadEntry, err)
	}
	return data, nil
}

// bsaOpener materialises one classic-format entry, LZSS-decoding when the
// entry is compressed.
func (r *Reader) bsaOpener(offset, dataSize, origSize int64, compressed bool) func() ([]byte, error) {
	return func() ([]byte, error) {
		stored, err := r.readPayload(offset, dataSize)
		if err != nil {
			return nil, err
		}
		if !compressed {
			return stored, nil
		}
		var out bytes.Buffer
		out.Grow(int(origSize))
		if _, err := lzss.DecompressToWriter(&out, bytes.NewReader(stored), int(origSize), nil); err != nil {
			return nil, fmt.Errorf("lzss decompress: %w", err)
		}
		return out.Bytes(), nil
	}
}

// ba2Opener materialises one general BA2 entry, zstd-decoding when needed.
func (r *Reader) ba2Opener(chunk writerChunk, compressed bool) func() ([]byte, error) {
	return func() ([]byte, error) {
		stored, err := r.readPayload(chunk.offset, chunk.dataSize)
		if err != nil {
			return nil, err
		}
		if !compressed {
			return stored, nil
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(stored, make([]byte, 0, chunk.origSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
}

// ba2ChunkOpener reassembles a chunked DX10 payload.
func (r *Reader) ba2ChunkOpener(chunks []writerChunk) func() ([]byte, error) {
	return func() ([]byte, error) {
		var out bytes.Buffer
		for _, chunk := range chunks {
			data, err := r.readPayload(chunk.offset, chunk.dataSize)
			if err != nil {
				return nil, err
			}
			out.Write(data)
		}
		return out.Bytes(), nil
	}
}

func readU16(br *bufio.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBadEntry, err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readU64(br *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBadEntry, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
