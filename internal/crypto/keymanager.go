// Package crypto holds the cluster's key material: result signing and
// verification, and password-protected key files.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	// keyFileVersion 2 stores both cluster secrets in one file.
	keyFileVersion = 2
)

// keyFileJSON is the on-disk format of an encrypted key file.
type keyFileJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// ClusterKeys are the two secrets a cluster worker needs: the secp256k1
// key that signs results and the X25519 secret that opens envelopes.
type ClusterKeys struct {
	SigningKey string `json:"signing_key"` // hex, no 0x
	MXEKey     string `json:"mxe_key"`     // hex, no 0x
}

// KeySource says where LoadClusterKeys should look. Raw values win over the
// encrypted file.
type KeySource struct {
	SigningKey       string
	MXEKey           string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptClusterKeys seals keys with a password using PBKDF2-HMAC-SHA256 and
// AES-256-GCM, returning the JSON blob to write to disk.
func EncryptClusterKeys(keys ClusterKeys, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	for name, k := range map[string]string{"signing_key": keys.SigningKey, "mxe_key": keys.MXEKey} {
		if _, err := decodeKey32(k); err != nil {
			return nil, fmt.Errorf("crypto: %s: %w", name, err)
		}
	}
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal keys: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := keyFileJSON{
		Version:    keyFileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptClusterKeys opens a blob produced by EncryptClusterKeys.
func DecryptClusterKeys(blob []byte, password string) (ClusterKeys, error) {
	if password == "" {
		return ClusterKeys{}, errors.New("crypto: password must not be empty")
	}
	var stored keyFileJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if stored.Version != keyFileVersion {
		return ClusterKeys{}, fmt.Errorf("crypto: unsupported key file version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return ClusterKeys{}, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	var keys ClusterKeys
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return ClusterKeys{}, fmt.Errorf("crypto: parsing decrypted keys: %w", err)
	}
	return keys, nil
}

// LoadClusterKeys resolves the cluster secrets. Raw keys take precedence;
// otherwise the encrypted file is read and opened with the password.
func LoadClusterKeys(src KeySource) (ClusterKeys, error) {
	if src.SigningKey != "" && src.MXEKey != "" {
		keys := ClusterKeys{
			SigningKey: strings.TrimPrefix(src.SigningKey, "0x"),
			MXEKey:     strings.TrimPrefix(src.MXEKey, "0x"),
		}
		if _, err := decodeKey32(keys.SigningKey); err != nil {
			return ClusterKeys{}, fmt.Errorf("crypto: signing key: %w", err)
		}
		if _, err := decodeKey32(keys.MXEKey); err != nil {
			return ClusterKeys{}, fmt.Errorf("crypto: mxe key: %w", err)
		}
		return keys, nil
	}
	if src.EncryptedKeyPath != "" {
		data, err := os.ReadFile(src.EncryptedKeyPath)
		if err != nil {
			return ClusterKeys{}, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptClusterKeys(data, src.KeyPassword)
	}
	return ClusterKeys{}, errors.New("crypto: no cluster key source configured (set signing_key and mxe_key, or encrypted_key_path)")
}

// MXESecret decodes the X25519 secret.
func (k ClusterKeys) MXESecret() ([]byte, error) {
	return decodeKey32(k.MXEKey)
}

func decodeKey32(h string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32-byte key, got %d bytes", len(raw))
	}
	return raw, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
