// Package block implements content-addressed block identity.
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// IDSize is the length of a block identifier in bytes: a SHA-256 digest of
// the block contents followed by a 4-byte big-endian byte-length suffix.
const IDSize = sha256.Size + 4

// ID identifies a block by its content. Two blocks with identical bytes
// always share an ID, which is what makes deduplication work. The length
// suffix is an extra collision margin on top of the digest, not a
// correctness requirement of the hash itself.
type ID [IDSize]byte

// Identify derives the ID for data. Deterministic, no side effects; the
// empty block has a well-defined ID.
func Identify(data []byte) ID {
	var id ID
	digest := sha256.Sum256(data)
	copy(id[:], digest[:])
	binary.BigEndian.PutUint32(id[sha256.Size:], uint32(len(data)))
	return id
}

// Hex returns the lowercase hexadecimal encoding of the ID. This is the form
// used for blob file names and surfaced to clients as the part ETag.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// Length returns the block byte length recorded in the ID suffix.
func (id ID) Length() uint32 {
	return binary.BigEndian.Uint32(id[sha256.Size:])
}

// ParseHex decodes an ID from its hexadecimal form.
func ParseHex(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode block id: %w", err)
	}
	if len(raw) != IDSize {
		return id, fmt.Errorf("block id must be %d bytes, got %d", IDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// FromBytes converts a raw ID (as stored in the metadata store) back into an
// ID value.
func FromBytes(raw []byte) (ID, error) {
	var id ID
	if len(raw) != IDSize {
		return id, fmt.Errorf("block id must be %d bytes, got %d", IDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
