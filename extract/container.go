package extract

import (
	"context"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/bsa"
)

// extractContainer serves BSA/BA2 archives through the in-process
// container reader, one stream per entry. TES3 archives routed here are
// rejected by the reader with bsa.ErrBadMagic.
func (e *Extractor) extractContainer(ctx context.Context, src base.StreamFactory, sink sinkConsumer) error {
	reader, err := bsa.Open(src)
	if err != nil {
		return err
	}
	for i := range reader.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &reader.Entries[i]
		if !sink.want(entry.Path) {
			continue
		}
		file := &memFile{
			name: entry.Path,
			size: entry.Size,
			load: entry.Bytes,
		}
		if err := sink.consume(ctx, entry.Path, file); err != nil {
			return err
		}
	}
	return nil
}
