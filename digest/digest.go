// Package digest produces the canonical, compressed encoding of a reading
// sequence and the content hash that gets anchored on the ledger.
//
// The digest is computed over the gzip-compressed canonical JSON, not over the
// raw JSON. Anyone reproducing a digest must compress first.
package digest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/sha256-simd"
	"github.com/spacemeshos/merkle-tree"
)

// ErrEmpty is returned when asked to digest zero readings.
var ErrEmpty = errors.New("cannot digest an empty reading sequence")

// Record is the shape of one reading: field name to value.
type Record interface {
	~map[string]any
}

// Canonical returns the canonical JSON encoding of the readings: an array
// of objects with sorted keys and no insignificant whitespace.
func Canonical[R Record](readings []R) ([]byte, error) {
	return canonicalJSON(readings)
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding readings: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Encode returns the gzip-compressed canonical encoding of the readings and
// the hex encoded SHA-256 of the compressed bytes.
func Encode[R Record](readings []R) (payload []byte, digest string, err error) {
	if len(readings) == 0 {
		return nil, "", ErrEmpty
	}
	raw, err := Canonical(readings)
	if err != nil {
		return nil, "", err
	}
	payload, err = compress(raw)
	if err != nil {
		return nil, "", err
	}
	return payload, Sum(payload), nil
}

// Sum is the hex encoded SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// VerifyPayload checks that payload hashes to digest.
func VerifyPayload(payload []byte, digest string) bool {
	return len(payload) > 0 && Sum(payload) == digest
}

// Decompress returns the canonical JSON held in a payload.
func Decompress(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("reading gzip payload: %w", err)
	}
	return out.Bytes(), nil
}

// The header is left zeroed (no name, no mtime) so equal input always
// compresses to equal bytes.
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing readings: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadingsRoot builds a merkle tree whose leaves are the SHA-256 of each
// reading's canonical encoding, in batch order, and returns its root.
func ReadingsRoot[R Record](readings []R) ([]byte, error) {
	if len(readings) == 0 {
		return nil, ErrEmpty
	}
	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashTreeNode).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize merkle tree: %w", err)
	}
	for i, r := range readings {
		leaf, err := LeafHash(r)
		if err != nil {
			return nil, fmt.Errorf("hashing reading %d: %w", i, err)
		}
		if err := tree.AddLeaf(leaf); err != nil {
			return nil, fmt.Errorf("adding reading %d: %w", i, err)
		}
	}
	return tree.Root(), nil
}

// LeafHash is the merkle leaf of a single reading.
func LeafHash[R Record](reading R) ([]byte, error) {
	raw, err := canonicalJSON(reading)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(raw)
	return h[:], nil
}

func hashTreeNode(buf, lChild, rChild []byte) []byte {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(lChild)
	_, _ = hasher.Write(rChild)
	return hasher.Sum(buf)
}
