package extract

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/modlift/modlift/base"
)

// OMOD containers are ZIP files carrying a "config" metadata entry, a
// "data.crc" entry table, and a "data" entry holding the zlib-compressed
// concatenation of all payloads in table order.
const (
	omodCRCEntry  = "data.crc"
	omodDataEntry = "data"
)

type omodEntry struct {
	name   base.RelativePath
	length uint64
}

// extractOMOD unpacks the embedded data stream into a temporary directory
// and serves the files from there.
func (e *Extractor) extractOMOD(ctx context.Context, src base.StreamFactory, sink sinkConsumer) error {
	stream, err := src.Open()
	if err != nil {
		return err
	}
	defer stream.Close()

	zr, err := zip.NewReader(readerAtFrom(stream), src.Size())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedOMOD, err)
	}

	entries, err := omodReadTable(zr)
	if err != nil {
		return err
	}

	folder, err := e.temp.NewFolder("omod")
	if err != nil {
		return err
	}
	defer folder.Close()

	if err := omodUnpackData(ctx, zr, entries, folder.Path()); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sink.want(entry.name) {
			continue
		}
		file, err := newDiskFile(entry.name, entry.name.RelativeTo(folder.Path()))
		if err != nil {
			return err
		}
		if err := sink.consume(ctx, entry.name, file); err != nil {
			return err
		}
	}
	return nil
}

// omodReadTable parses data.crc: u32 count, then per entry u16 name
// length, name, u32 crc, u64 payload length. All little-endian.
func omodReadTable(zr *zip.Reader) ([]omodEntry, error) {
	crc, err := zr.Open(omodCRCEntry)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedOMOD, omodCRCEntry)
	}
	defer crc.Close()

	var count uint32
	if err := binary.Read(crc, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: entry count: %s", ErrMalformedOMOD, err)
	}
	entries := make([]omodEntry, 0, count)
	for range count {
		var nameLen uint16
		if err := binary.Read(crc, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("%w: name length: %s", ErrMalformedOMOD, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(crc, name); err != nil {
			return nil, fmt.Errorf("%w: name: %s", ErrMalformedOMOD, err)
		}
		var crcValue uint32
		if err := binary.Read(crc, binary.LittleEndian, &crcValue); err != nil {
			return nil, fmt.Errorf("%w: crc: %s", ErrMalformedOMOD, err)
		}
		var length uint64
		if err := binary.Read(crc, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("%w: payload length: %s", ErrMalformedOMOD, err)
		}
		entries = append(entries, omodEntry{name: base.NewRelativePath(string(name)), length: length})
	}
	return entries, nil
}

// omodUnpackData decompresses the data stream and splits it into files per
// the table.
func omodUnpackData(ctx context.Context, zr *zip.Reader, entries []omodEntry, dest base.AbsolutePath) error {
	data, err := zr.Open(omodDataEntry)
	if err != nil {
		return fmt.Errorf("%w: missing %s", ErrMalformedOMOD, omodDataEntry)
	}
	defer data.Close()

	decomp, err := zlib.NewReader(data)
	if err != nil {
		return fmt.Errorf("%w: data stream: %s", ErrMalformedOMOD, err)
	}
	defer decomp.Close()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := entry.name.RelativeTo(dest)
		if err := os.MkdirAll(dst.Parent().String(), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dst.String())
		if err != nil {
			return err
		}
		_, err = io.CopyN(out, decomp, int64(entry.length)) //nolint:gosec // table lengths validated against stream
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%w: unpack %s: %s", ErrMalformedOMOD, entry.name, err)
		}
	}
	return nil
}

// readerAtFrom adapts a fresh seekable stream into an io.ReaderAt for the
// zip reader. The stream is owned by the caller.
func readerAtFrom(rs io.ReadSeeker) io.ReaderAt {
	return seekReaderAt{rs}
}

type seekReaderAt struct {
	rs io.ReadSeeker
}

func (a seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := a.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(a.rs, p)
}
