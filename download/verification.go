package download

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/modlift/modlift/base"
	"github.com/modlift/modlift/modlist"
)

// VerificationCacheName is the on-disk database name under the engine data
// directory.
const VerificationCacheName = "VerificationCacheV3"

// DefaultVerificationTTL is how long a verification result stays fresh.
const DefaultVerificationTTL = 24 * time.Hour

var bucketVerify = []byte("verify")

// VerificationCache persists network-verification results keyed by source
// primary key, with a TTL so stale answers age out.
type VerificationCache struct {
	db  *bolt.DB
	ttl time.Duration
}

// OpenVerificationCache opens or creates the database at path. A zero ttl
// selects the default.
func OpenVerificationCache(path base.AbsolutePath, ttl time.Duration) (*VerificationCache, error) {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	db, err := bolt.Open(path.String(), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open verification cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketVerify)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init verification cache: %w", err)
	}
	return &VerificationCache{db: db, ttl: ttl}, nil
}

// Close closes the underlying database.
func (v *VerificationCache) Close() error { return v.db.Close() }

// Get returns the cached result and whether it is still fresh.
func (v *VerificationCache) Get(key string) (valid, fresh bool, err error) {
	err = v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVerify).Get([]byte(key))
		if len(raw) != 9 {
			return nil
		}
		stamp := time.Unix(0, int64(binary.LittleEndian.Uint64(raw[0:8]))) //nolint:gosec // stored by Put
		valid = raw[8] == 1
		fresh = time.Since(stamp) < v.ttl
		return nil
	})
	return valid, fresh, err
}

// Put stores a result stamped now.
func (v *VerificationCache) Put(key string, valid bool) error {
	var raw [9]byte
	binary.LittleEndian.PutUint64(raw[0:8], uint64(time.Now().UnixNano())) //nolint:gosec // monotonic enough for a TTL
	if valid {
		raw[8] = 1
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVerify).Put([]byte(key), raw[:])
	})
}

// Verify checks that the archive's source still serves it, consulting the
// TTL cache before touching the network. Only URL-addressable states can
// be verified; everything else reports valid.
func (d *Dispatcher) Verify(ctx context.Context, archive modlist.Archive) (bool, error) {
	key := archive.State.PrimaryKeyString()
	if d.vcache != nil {
		valid, fresh, err := d.vcache.Get(key)
		if err != nil {
			return false, err
		}
		if fresh {
			return valid, nil
		}
	}

	rawURL, err := d.stateURL(archive.State)
	if err != nil {
		// Manual and game-file sources have nothing to probe.
		return true, nil //nolint:nilerr // non-addressable states verify trivially
	}

	job, err := d.web.Begin(ctx, "verifying "+archive.Name, 0)
	if err != nil {
		return false, err
	}
	defer d.web.Finish(job)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, http.NoBody)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()

	// Only definitive absence invalidates a source; servers that dislike
	// HEAD still get their download attempt.
	valid := resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusGone
	if d.vcache != nil {
		if err := d.vcache.Put(key, valid); err != nil {
			return valid, err
		}
	}
	return valid, nil
}
