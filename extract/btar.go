package extract

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/modlift/modlift/base"
)

// BTAR framing: big-endian "BTAR" magic, u16 major version (must be 1),
// u16 minor version (2..4), then a packed sequence until EOF of
// u16 name-length, UTF-8 name, u64 data-length, payload.
const (
	btarMajor    = 1
	btarMinorMin = 2
	btarMinorMax = 4
)

// extractBTAR walks the packed entry sequence, handing out zero-copy
// section handles into the source stream.
func (e *Extractor) extractBTAR(ctx context.Context, src base.StreamFactory, sink sinkConsumer) error {
	stream, err := src.Open()
	if err != nil {
		return err
	}
	defer stream.Close()

	total := src.Size()
	br := bufio.NewReader(stream)

	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return fmt.Errorf("%w: header: %s", ErrMalformedBTAR, err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != base.BTARMagic {
		return fmt.Errorf("%w: bad magic", ErrMalformedBTAR)
	}
	major := binary.BigEndian.Uint16(header[4:6])
	minor := binary.BigEndian.Uint16(header[6:8])
	if major != btarMajor || minor < btarMinorMin || minor > btarMinorMax {
		return fmt.Errorf("%w: version %d.%d", ErrMalformedBTAR, major, minor)
	}

	offset := int64(len(header))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var nameLen uint16
		if err := binary.Read(br, binary.BigEndian, &nameLen); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: name length: %s", ErrMalformedBTAR, err)
		}
		offset += 2
		if int64(nameLen) > total-offset {
			return fmt.Errorf("%w: name length %d exceeds remaining %d", ErrMalformedBTAR, nameLen, total-offset)
		}

		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return fmt.Errorf("%w: name: %s", ErrMalformedBTAR, err)
		}
		offset += int64(nameLen)

		var dataLen uint64
		if err := binary.Read(br, binary.BigEndian, &dataLen); err != nil {
			return fmt.Errorf("%w: data length: %s", ErrMalformedBTAR, err)
		}
		offset += 8
		if dataLen > uint64(total-offset) { //nolint:gosec // offset <= total here
			return fmt.Errorf("%w: data length %d exceeds remaining %d", ErrMalformedBTAR, dataLen, total-offset)
		}

		path := base.NewRelativePath(string(name))
		if sink.want(path) {
			section := base.NewSectionStreamFactory(src, path, offset, int64(dataLen)) //nolint:gosec // bounded above
			if err := sink.consume(ctx, path, &sectionFile{section: section}); err != nil {
				return err
			}
		}

		if _, err := br.Discard(int(dataLen)); err != nil { //nolint:gosec // bounded above
			return fmt.Errorf("%w: payload: %s", ErrMalformedBTAR, err)
		}
		offset += int64(dataLen) //nolint:gosec // bounded above
	}
}
