package base

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Hash is a 64-bit content fingerprint. Two files with equal hash are
// treated as interchangeable everywhere in the engine.
type Hash uint64

// ErrZeroHash is returned when a hash value decodes to zero. A zero digest
// is never a valid content fingerprint; stores purge such rows on read.
var ErrZeroHash = errors.New("zero hash")

// IsValid reports whether the hash carries a real digest.
func (h Hash) IsValid() bool {
	return h != 0
}

// String returns the stable base64 form: eight little-endian bytes,
// standard encoding.
func (h Hash) String() string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h))
	return base64.StdEncoding.EncodeToString(buf[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil && !errors.Is(err, ErrZeroHash) {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes the base64 form produced by Hash.String. A decoded
// zero digest returns ErrZeroHash alongside the zero value so callers can
// purge stale rows.
func ParseHash(s string) (Hash, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("parse hash %q: want 8 bytes, got %d", s, len(raw))
	}
	h := Hash(binary.LittleEndian.Uint64(raw))
	if !h.IsValid() {
		return 0, ErrZeroHash
	}
	return h, nil
}

// HashBytes fingerprints a byte slice.
func HashBytes(data []byte) Hash {
	return Hash(xxhash.Sum64(data))
}

// HashReader streams r to completion and returns the fingerprint and the
// number of bytes consumed.
func HashReader(r io.Reader) (Hash, int64, error) {
	d := xxhash.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return 0, n, err
	}
	return Hash(d.Sum64()), n, nil
}

// Hasher computes a fingerprint incrementally. The zero value is not
// usable; construct with NewHasher.
type Hasher struct {
	d *xxhash.Digest
	n int64
}

// NewHasher returns a streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

// Write implements io.Writer. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	_, _ = h.d.Write(p) //nolint:errcheck // xxhash writes never fail
	h.n += int64(len(p))
	return len(p), nil
}

// Sum returns the fingerprint of everything written so far.
func (h *Hasher) Sum() Hash {
	return Hash(h.d.Sum64())
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() int64 {
	return h.n
}
