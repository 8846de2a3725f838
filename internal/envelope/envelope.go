// Package envelope seals and opens the fixed-width encrypted fields that
// travel between bettors, the ledger and the computation cluster.
//
// A field is a 32-byte little-endian block. Client fields are encrypted under
// a key agreed over X25519 between the sender and the cluster; cluster-owned
// market state is encrypted under a key derived from the cluster secret
// alone. The core never calls Open: only the cluster does.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

const (
	sharedInfo = "veil/envelope/v1"
	stateInfo  = "veil/mxe-state/v1"
)

// Field is one plaintext block before encryption.
type Field [domain.CiphertextLen]byte

// Uint64Field encodes v into the low eight bytes.
func Uint64Field(v uint64) Field {
	var f Field
	binary.LittleEndian.PutUint64(f[:8], v)
	return f
}

// BoolField encodes b as 0 or 1.
func BoolField(b bool) Field {
	var f Field
	if b {
		f[0] = 1
	}
	return f
}

// Uint64 decodes a field written by Uint64Field. Non-zero padding means the
// field was opened with the wrong key or tampered with.
func (f Field) Uint64() (uint64, error) {
	for _, b := range f[8:] {
		if b != 0 {
			return 0, fmt.Errorf("envelope: u64 field padding: %w", domain.ErrInvalidEnvelope)
		}
	}
	return binary.LittleEndian.Uint64(f[:8]), nil
}

// Bool decodes a field written by BoolField.
func (f Field) Bool() (bool, error) {
	v, err := f.Uint64()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("envelope: bool field value %d: %w", v, domain.ErrInvalidEnvelope)
	}
	return v == 1, nil
}

// Cipher is the symmetric primitive. Encrypt and Decrypt are inverses for
// the same key, nonce and field index.
type Cipher interface {
	Encrypt(key [32]byte, nonce domain.Nonce, index int, plaintext Field) domain.Ciphertext
	Decrypt(key [32]byte, nonce domain.Nonce, index int, ct domain.Ciphertext) Field
}

// XChaCha20 is the default Cipher. The 24-byte nonce is the envelope nonce
// followed by the little-endian field index, so every field gets its own
// keystream.
type XChaCha20 struct{}

var _ Cipher = XChaCha20{}

func (XChaCha20) Encrypt(key [32]byte, nonce domain.Nonce, index int, plaintext Field) domain.Ciphertext {
	var out domain.Ciphertext
	xorField(key, nonce, index, out[:], plaintext[:])
	return out
}

func (XChaCha20) Decrypt(key [32]byte, nonce domain.Nonce, index int, ct domain.Ciphertext) Field {
	var out Field
	xorField(key, nonce, index, out[:], ct[:])
	return out
}

func xorField(key [32]byte, nonce domain.Nonce, index int, dst, src []byte) {
	var n [chacha20.NonceSizeX]byte
	copy(n[:], nonce[:])
	binary.LittleEndian.PutUint64(n[domain.NonceLen:], uint64(index))
	c, err := chacha20.NewUnauthenticatedCipher(key[:], n[:])
	if err != nil {
		// Key and nonce sizes are fixed by the types above.
		panic(fmt.Sprintf("envelope: chacha20: %v", err))
	}
	c.XORKeyStream(dst, src)
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  domain.PublicKey
}

// GenerateKeyPair draws a fresh key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	var secret [32]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return KeyPair{}, fmt.Errorf("envelope: generate key: %w", err)
	}
	return KeyPairFromSecret(secret[:])
}

// KeyPairFromSecret builds a key pair from a 32-byte scalar.
func KeyPairFromSecret(secret []byte) (KeyPair, error) {
	if len(secret) != 32 {
		return KeyPair{}, fmt.Errorf("envelope: secret must be 32 bytes, got %d", len(secret))
	}
	pub, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("envelope: derive public key: %w", err)
	}
	var kp KeyPair
	copy(kp.Private[:], secret)
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedKey runs X25519 between priv and peer and stretches the result with
// HKDF-SHA256 into a cipher key.
func SharedKey(priv [32]byte, peer domain.PublicKey) ([32]byte, error) {
	var key [32]byte
	secret, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return key, fmt.Errorf("envelope: key agreement: %w", domain.ErrInvalidEnvelope)
	}
	if err := expand(secret, sharedInfo, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func expand(secret []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("envelope: hkdf: %w", err)
	}
	return nil
}

// RandomNonce draws a nonce from crypto/rand.
func RandomNonce() (domain.Nonce, error) {
	var n domain.Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("envelope: nonce: %w", err)
	}
	return n, nil
}
