package bsa

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/woozymasta/lzss"
)

// Writer assembles a container from staged entries. AddFile is called once
// per FileState in directive order; Build writes the packed output and
// invalidates the writer. Payloads spool to a temporary file so memory use
// stays bounded by the largest single entry.
type Writer struct {
	state    ContainerState
	spool    *os.File
	spoolLen int64
	entries  []writerEntry
	finished bool
	zenc     *zstd.Encoder
}

type writerEntry struct {
	state        FileState
	originalSize int64
	// chunks hold (spool offset, stored size, original size) per chunk;
	// non-DX10 entries have exactly one.
	chunks []writerChunk
}

type writerChunk struct {
	offset   int64
	dataSize int64
	origSize int64
}

// NewWriter creates a writer for the given container state.
func NewWriter(state ContainerState) (*Writer, error) {
	switch state.Format {
	case FormatBSA, FormatBA2:
	default:
		return nil, fmt.Errorf("%w: format %q", ErrStateMismatch, state.Format)
	}
	spool, err := os.CreateTemp("", "modlift-bsa-*")
	if err != nil {
		return nil, fmt.Errorf("container spool: %w", err)
	}
	w := &Writer{state: state, spool: spool}
	if state.Format == FormatBA2 {
		w.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			_ = spool.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	return w, nil
}

// AddFile stages one entry. The reader is consumed to EOF.
func (w *Writer) AddFile(state FileState, r io.Reader) error {
	if w.finished {
		return ErrWriterFinished
	}
	if len(state.Path) == 0 || len(state.Path) > maxNameLen {
		return fmt.Errorf("%w: path %q", ErrBadEntry, state.Path)
	}
	// Record layout follows the container's table type, so texture
	// entries and general entries cannot mix.
	if state.DX10 && (w.state.Format != FormatBA2 || w.ba2Type() != BA2Texture) {
		return fmt.Errorf("%w: DX10 entry in %s/%s container", ErrStateMismatch, w.state.Format, w.state.Type)
	}
	if !state.DX10 && w.state.Format == FormatBA2 && w.ba2Type() == BA2Texture {
		return fmt.Errorf("%w: general entry in DX10 container", ErrStateMismatch)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read entry %s: %w", state.Path, err)
	}

	entry := writerEntry{state: state, originalSize: int64(len(data))}
	switch {
	case state.DX10:
		chunkSize := int64(state.ChunkSize)
		if chunkSize <= 0 {
			chunkSize = defaultChunkSize
		}
		for off := int64(0); off < int64(len(data)) || off == 0; off += chunkSize {
			end := off + chunkSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			chunk, err := w.stage(data[off:end], false)
			if err != nil {
				return err
			}
			entry.chunks = append(entry.chunks, chunk)
			if end == int64(len(data)) {
				break
			}
		}
	default:
		chunk, err := w.stage(data, state.Compressed)
		if err != nil {
			return err
		}
		entry.chunks = []writerChunk{chunk}
	}

	w.entries = append(w.entries, entry)
	return nil
}

// stage writes one payload blob to the spool, compressing per the container
// format when asked.
func (w *Writer) stage(data []byte, compress bool) (writerChunk, error) {
	stored := data
	if compress {
		switch w.state.Format {
		case FormatBSA:
			packed, err := lzss.Compress(data, lzss.DefaultCompressOptions())
			if err != nil {
				return writerChunk{}, fmt.Errorf("lzss compress: %w", err)
			}
			stored = packed
		case FormatBA2:
			stored = w.zenc.EncodeAll(data, nil)
		}
	}
	chunk := writerChunk{offset: w.spoolLen, dataSize: int64(len(stored)), origSize: int64(len(data))}
	if _, err := w.spool.Write(stored); err != nil {
		return writerChunk{}, fmt.Errorf("container spool write: %w", err)
	}
	w.spoolLen += chunk.dataSize
	return chunk, nil
}

// Build writes the packed container to out and releases the spool. The
// writer cannot be reused afterwards.
func (w *Writer) Build(out io.Writer) error {
	if w.finished {
		return ErrWriterFinished
	}
	w.finished = true
	defer func() {
		name := w.spool.Name()
		_ = w.spool.Close()
		_ = os.Remove(name)
		if w.zenc != nil {
			_ = w.zenc.Close()
		}
	}()

	switch w.state.Format {
	case FormatBSA:
		return w.buildBSA(out)
	default:
		return w.buildBA2(out)
	}
}

// buildBSA lays out: magic, version, flags, count, entry table, payloads.
func (w *Writer) buildBSA(out io.Writer) error {
	tableSize := int64(0)
	for _, e := range w.entries {
		// nameLen + name + flags + mtime + origSize + dataSize + offset
		tableSize += 2 + int64(len(e.state.Path)) + 1 + 8 + 8 + 8 + 8
	}
	headerSize := int64(4 + 4 + 4 + 4)
	dataStart := headerSize + tableSize

	var hdr [16]byte
	copy(hdr[0:4], "BSA\x00")
	version := w.state.Version
	if version == 0 {
		version = BSAVersion
	}
	binary.LittleEndian.PutUint32(hdr[4:8], version)
	binary.LittleEndian.PutUint32(hdr[8:12], w.state.ArchiveFlags)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(w.entries)))
	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}

	for _, e := range w.entries {
		chunk := e.chunks[0]
		name := []byte(e.state.Path)
		rec := make([]byte, 0, 2+len(name)+33)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(name)))
		rec = append(rec, name...)
		var flags byte
		if e.state.Compressed {
			flags |= 1
		}
		rec = append(rec, flags)
		rec = binary.LittleEndian.AppendUint64(rec, 0) // mtime, unused by the engine
		rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.origSize))
		rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.dataSize))
		rec = binary.LittleEndian.AppendUint64(rec, uint64(dataStart+chunk.offset))
		if _, err := out.Write(rec); err != nil {
			return err
		}
	}

	return w.copySpool(out)
}

// ba2Type returns the payload table type, defaulting to GNRL.
func (w *Writer) ba2Type() string {
	if w.state.Type == "" {
		return BA2General
	}
	return w.state.Type
}

// buildBA2 lays out: magic, version, type, count, nameTableOffset, file
// records, payloads, name table.
func (w *Writer) buildBA2(out io.Writer) error {
	typ := w.ba2Type()

	recordsSize := int64(0)
	for _, e := range w.entries {
		if e.state.DX10 {
			// chunkCount + pixelFmt + numMips + width + height + chunks
			recordsSize += 1 + 1 + 1 + 2 + 2 + int64(len(e.chunks))*24
		} else {
			// flags + origSize + dataSize + offset
			recordsSize += 1 + 8 + 8 + 8
		}
	}
	headerSize := int64(4 + 4 + 4 + 4 + 8)
	dataStart := headerSize + recordsSize
	nameTableOffset := dataStart + w.spoolLen

	var hdr [24]byte
	copy(hdr[0:4], "BTDX")
	version := w.state.Version
	if version == 0 {
		version = BA2Version
	}
	binary.LittleEndian.PutUint32(hdr[4:8], version)
	copy(hdr[8:12], typ)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(w.entries)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(nameTableOffset))
	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}

	for _, e := range w.entries {
		var rec []byte
		if e.state.DX10 {
			rec = append(rec, byte(len(e.chunks)), e.state.PixelFmt, e.state.NumMips)
			rec = binary.LittleEndian.AppendUint16(rec, e.state.Width)
			rec = binary.LittleEndian.AppendUint16(rec, e.state.Height)
			for _, chunk := range e.chunks {
				rec = binary.LittleEndian.AppendUint64(rec, uint64(dataStart+chunk.offset))
				rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.dataSize))
				rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.origSize))
			}
		} else {
			var flags byte
			if e.state.Compressed {
				flags |= 1
			}
			chunk := e.chunks[0]
			rec = append(rec, flags)
			rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.origSize))
			rec = binary.LittleEndian.AppendUint64(rec, uint64(chunk.dataSize))
			rec = binary.LittleEndian.AppendUint64(rec, uint64(dataStart+chunk.offset))
		}
		if _, err := out.Write(rec); err != nil {
			return err
		}
	}

	if err := w.copySpool(out); err != nil {
		return err
	}

	for _, e := range w.entries {
		name := []byte(e.state.Path)
		rec := binary.LittleEndian.AppendUint16(nil, uint16(len(name)))
		rec = append(rec, name...)
		if _, err := out.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) copySpool(out io.Writer) error {
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(out, w.spool); err != nil {
		return fmt.Errorf("container payload copy: %w", err)
	}
	return nil
}
