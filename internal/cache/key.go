package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnserializableOptions is returned when render options cannot be encoded
// into a key.
var ErrUnserializableOptions = errors.New("render options are not serializable")

// GenerateKey returns a SHA-256 fingerprint of content and options.
//
// content is hashed as raw bytes behind a length prefix, so buffers that are
// not valid UTF-8 still produce distinct keys. options is encoded as JSON:
// struct fields keep declaration order and map keys are sorted, which makes
// the key stable across processes.
func GenerateKey(content string, options any) (string, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnserializableOptions, err)
	}

	h := sha256.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(content)))
	h.Write(size[:])
	h.Write([]byte(content))
	h.Write(opts)
	return hex.EncodeToString(h.Sum(nil)), nil
}
