// Package blob stores block bytes on disk, keyed by content-derived IDs.
//
// Storage format: plaintext -> zstd compress -> optional XChaCha20-Poly1305
// encrypt -> store. Block identity is always computed on the plaintext, so
// deduplication is unaffected by what the bytes look like at rest.
//
// Encryption is convergent: the per-block key and nonce are derived from the
// master key and the block ID, so identical plaintext produces identical
// ciphertext and the idempotent-write guarantee still holds. This means an
// attacker who already knows a plaintext and holds the master key material
// can confirm its presence; acceptable for a single-tenant deployment.
package blob

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/castore/castore/internal/block"
)

// ErrNotFound is returned by Get when no blob exists for the requested ID.
var ErrNotFound = errors.New("blob not found")

// Store is a durable, idempotent byte store with one file per block ID,
// named by the ID's hexadecimal encoding, under a single root directory.
// Writes publish atomically via temp file + rename, so a reader never
// observes a partially written blob.
type Store struct {
	dir       string
	masterKey *[32]byte // nil disables at-rest encryption

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New creates a blob store rooted at dir with compression but no at-rest
// encryption.
func New(dir string) (*Store, error) {
	return newStore(dir, nil)
}

// NewEncrypted creates a blob store that additionally seals blocks at rest
// with XChaCha20-Poly1305 under keys derived from masterKey. Changing the
// master key makes previously written blobs unreadable.
func NewEncrypted(dir string, masterKey [32]byte) (*Store, error) {
	return newStore(dir, &masterKey)
}

func newStore(dir string, masterKey *[32]byte) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blocks dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		masterKey: masterKey,
	}

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return s, nil
}

// Put stores data under id. If a blob already exists for id the call is an
// idempotent no-op; this is what makes concurrent uploads of identical
// content safe without extra locking.
func (s *Store) Put(ctx context.Context, id block.ID, data []byte) error {
	path := s.blobPath(id)

	// os.Stat is atomic and an approximate check is enough here: a losing
	// racer rewrites byte-identical content and the last rename wins.
	if fileExists(path) {
		return nil
	}

	encoded, err := s.encode(data, id)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, ".block-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}

	return nil
}

// Get retrieves the plaintext bytes for id. The content is re-identified
// after decoding to detect on-disk corruption.
func (s *Store) Get(ctx context.Context, id block.ID) ([]byte, error) {
	encoded, err := os.ReadFile(s.blobPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	data, err := s.decode(encoded, id)
	if err != nil {
		return nil, err
	}

	if got := block.Identify(data); got != id {
		return nil, fmt.Errorf("blob %s failed identity check (got %s): data corruption", id, got)
	}

	return data, nil
}

// Delete removes the blob for id. Deleting an absent blob is a no-op so that
// fault recovery can always re-run a reclamation.
func (s *Store) Delete(ctx context.Context, id block.ID) error {
	if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present for id.
func (s *Store) Exists(id block.ID) bool {
	return fileExists(s.blobPath(id))
}

// Size returns the on-disk (encoded) size of the blob for id.
func (s *Store) Size(ctx context.Context, id block.ID) (int64, error) {
	info, err := os.Stat(s.blobPath(id))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TotalSize returns the total on-disk size of all blobs.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func (s *Store) blobPath(id block.ID) string {
	return filepath.Join(s.dir, id.Hex())
}

func (s *Store) encode(data []byte, id block.ID) ([]byte, error) {
	compressed := s.compress(data)
	if s.masterKey == nil {
		return compressed, nil
	}
	sealed, err := s.seal(compressed, id)
	if err != nil {
		return nil, fmt.Errorf("encrypt blob: %w", err)
	}
	return sealed, nil
}

func (s *Store) decode(encoded []byte, id block.ID) ([]byte, error) {
	if s.masterKey != nil {
		opened, err := s.open(encoded, id)
		if err != nil {
			return nil, fmt.Errorf("decrypt blob: %w", err)
		}
		encoded = opened
	}
	data, err := s.decompress(encoded)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return data, nil
}

func (s *Store) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}

// deriveKey derives the per-block encryption key with HKDF so that the same
// plaintext always encrypts to the same ciphertext (convergent encryption).
func (s *Store) deriveKey(id block.ID) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, s.masterKey[:], id[:], []byte("castore-block-key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive block key: %w", err)
	}
	return key, nil
}

// deriveNonce derives a deterministic nonce from the master key and block ID,
// keeping nonces unpredictable without the master key.
func (s *Store) deriveNonce(id block.ID) ([24]byte, error) {
	var nonce [24]byte
	r := hkdf.New(sha256.New, append(s.masterKey[:], id[:]...), nil, []byte("castore-block-nonce"))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, fmt.Errorf("derive block nonce: %w", err)
	}
	return nonce, nil
}

func (s *Store) seal(plaintext []byte, id block.ID) ([]byte, error) {
	key, err := s.deriveKey(id)
	if err != nil {
		return nil, err
	}
	nonce, err := s.deriveNonce(id)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func (s *Store) open(ciphertext []byte, id block.ID) ([]byte, error) {
	key, err := s.deriveKey(id)
	if err != nil {
		return nil, err
	}
	nonce, err := s.deriveNonce(id)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	return plaintext, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
