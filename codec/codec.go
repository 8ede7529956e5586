// Package codec serializes versioned blobs: a metadata header plus an
// opaque payload, protected by a sha256 checksum. Blobs are immutable; a
// new version is always a new blob.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrChecksumMismatch indicates the payload does not match its recorded
	// checksum. This is data corruption and is never silently repaired.
	ErrChecksumMismatch = errors.New("blob checksum mismatch")
	// ErrBadEnvelope indicates bytes that are not a blob envelope this
	// package understands.
	ErrBadEnvelope = errors.New("malformed blob envelope")
)

// formatVersion is bumped when the envelope layout changes.
const formatVersion = 1

// Metadata describes one immutable blob version of a collection.
type Metadata struct {
	Name      string            `msgpack:"name"`
	Version   int64             `msgpack:"version"`
	Checksum  string            `msgpack:"checksum"`
	CreatedAt time.Time         `msgpack:"created_at"`
	Tags      map[string]string `msgpack:"tags,omitempty"`
}

type envelope struct {
	Format  uint8    `msgpack:"format"`
	Meta    Metadata `msgpack:"meta"`
	Payload []byte   `msgpack:"payload"`
}

// Checksum returns the hex sha256 digest of the payload. A blob's checksum
// is a pure function of its payload bytes.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Encode wraps the payload and metadata into a blob. The checksum field of
// the metadata is computed here; any caller-provided value is overwritten.
func Encode(meta Metadata, payload []byte) ([]byte, error) {
	meta.Checksum = Checksum(payload)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(envelope{
		Format:  formatVersion,
		Meta:    meta,
		Payload: payload,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode blob %q", meta.Name)
	}
	return data, nil
}

// Decode unwraps a blob, verifying the payload checksum. A mismatch fails
// with ErrChecksumMismatch.
func Decode(data []byte) (Metadata, []byte, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Metadata{}, nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	if env.Format != formatVersion {
		return Metadata{}, nil, errors.Wrapf(ErrBadEnvelope, "unsupported format %d", env.Format)
	}
	if sum := Checksum(env.Payload); sum != env.Meta.Checksum {
		return Metadata{}, nil, errors.Wrapf(ErrChecksumMismatch,
			"blob %q version %d: computed %s, recorded %s",
			env.Meta.Name, env.Meta.Version, sum, env.Meta.Checksum)
	}
	return env.Meta, env.Payload, nil
}
