package stores

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedVersion prefixes every sealed value and is authenticated as AAD.
const sealedVersion byte = 0x01

var hkdfInfoClusterKV = []byte("apis.cluster.kv.v1")

// ErrSealedValueCorrupt is returned when a stored value cannot be opened.
var ErrSealedValueCorrupt = errors.New("sealed value corrupt or sealed under another secret")

// Sealer encrypts cluster envelopes. The ciphertext is bound to its map
// name and key, so a value copied to another slot fails to open.
type Sealer struct {
	key []byte
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewSealer derives the value key from the cluster secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cluster secret is required")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoClusterKV), key); err != nil {
		return nil, fmt.Errorf("deriving cluster value key: %w", err)
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR decoder: %w", err)
	}

	return &Sealer{key: key, enc: enc, dec: dec}, nil
}

// Seal encodes and encrypts env for the slot (mapName, key). The result is
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
func (s *Sealer) Seal(mapName, key string, env Envelope) ([]byte, error) {
	plaintext, err := s.enc.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealedVersion)
	out = append(out, nonce[:]...)
	return aead.Seal(out, nonce[:], plaintext, slotAAD(mapName, key)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(mapName, key string, sealed []byte) (Envelope, error) {
	var env Envelope

	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || sealed[0] != sealedVersion {
		return env, ErrSealedValueCorrupt
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return env, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], slotAAD(mapName, key))
	if err != nil {
		return env, ErrSealedValueCorrupt
	}

	if err := s.dec.Unmarshal(plaintext, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

func slotAAD(mapName, key string) []byte {
	aad := make([]byte, 0, 2+len(mapName)+len(key))
	aad = append(aad, sealedVersion)
	aad = append(aad, mapName...)
	aad = append(aad, 0)
	return append(aad, key...)
}
