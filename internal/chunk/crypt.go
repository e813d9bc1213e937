package chunk

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the master key and of every derived file key.
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the size of the random per-file salt stored in its record.
	SaltSize = 16
	// EncryptedChunkVersion is prepended to every sealed chunk and
	// authenticated as part of the AAD.
	EncryptedChunkVersion byte = 0x01
	// SealOverhead is version + XChaCha20 nonce + Poly1305 tag.
	SealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfoFileKey = []byte("chanfs.chunk.file.v1")

// Keyring holds the process-wide master key and derives per-file keys from it.
type Keyring struct {
	master []byte
}

// NewKeyring copies master, which must be KeySize bytes.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(master), KeySize)
	}
	key := make([]byte, KeySize)
	copy(key, master)
	return &Keyring{master: key}, nil
}

// ParseKey decodes a hex-encoded master key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// NewSalt returns a fresh random per-file salt.
func (k *Keyring) NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Sealer derives the file key for salt and returns a transform using it.
// An empty salt selects the master key itself.
func (k *Keyring) Sealer(salt []byte) (*Sealer, error) {
	key := k.master
	if len(salt) > 0 {
		derived := make([]byte, KeySize)
		reader := hkdf.New(sha256.New, k.master, salt, hkdfInfoFileKey)
		if _, err := io.ReadFull(reader, derived); err != nil {
			return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
		}
		key = derived
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Sealer encrypts chunks with XChaCha20-Poly1305. The chunk ordinal is
// authenticated, so chunks cannot be reordered within a file.
type Sealer struct {
	aead cipher.AEAD
}

func (s *Sealer) Name() string  { return "seal/xchacha20poly1305" }
func (s *Sealer) Overhead() int { return SealOverhead }

func (s *Sealer) Seal(ordinal int, plain []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), SealOverhead+len(plain))
	out[0] = EncryptedChunkVersion
	copy(out[1:], nonce[:])
	return s.aead.Seal(out, nonce[:], plain, buildAAD(EncryptedChunkVersion, ordinal)), nil
}

func (s *Sealer) Open(ordinal int, sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, fmt.Errorf("sealed chunk is %d bytes, minimum is %d", len(sealed), SealOverhead)
	}
	version := sealed[0]
	if version != EncryptedChunkVersion {
		return nil, fmt.Errorf("sealed chunk version %d is not supported", version)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, buildAAD(version, ordinal))
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plain, nil
}

func buildAAD(version byte, ordinal int) []byte {
	aad := make([]byte, 1+8)
	aad[0] = version
	binary.BigEndian.PutUint64(aad[1:], uint64(ordinal))
	return aad
}
