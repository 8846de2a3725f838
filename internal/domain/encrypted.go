package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Fixed sizes of the encrypted wire format. Changing any of them breaks
// compatibility with an existing cluster.
const (
	CiphertextLen = 32
	NonceLen      = 16
	PublicKeyLen  = 32

	StateFields = 3 // yes_pool, no_pool, bet_count
	BetFields   = 2 // outcome, amount

	EncryptedStateLen = StateFields * CiphertextLen
	EncryptedBetLen   = BetFields * CiphertextLen
)

// Field positions inside an EncryptedState.
const (
	StateFieldYesPool = iota
	StateFieldNoPool
	StateFieldBetCount
)

// Field positions inside an EncryptedBet.
const (
	BetFieldOutcome = iota
	BetFieldAmount
)

// Ciphertext is one encrypted field. The core never inspects its contents.
type Ciphertext [CiphertextLen]byte

// Nonce is the per-envelope encryption nonce.
type Nonce [NonceLen]byte

// PublicKey is an X25519 public key used for envelope key agreement.
type PublicKey [PublicKeyLen]byte

func (c Ciphertext) MarshalText() ([]byte, error) { return hexText(c[:]), nil }
func (c *Ciphertext) UnmarshalText(b []byte) error {
	return parseFixedHex("ciphertext", b, c[:])
}

func (n Nonce) MarshalText() ([]byte, error) { return hexText(n[:]), nil }
func (n *Nonce) UnmarshalText(b []byte) error {
	return parseFixedHex("nonce", b, n[:])
}

func (k PublicKey) MarshalText() ([]byte, error) { return hexText(k[:]), nil }
func (k *PublicKey) UnmarshalText(b []byte) error {
	return parseFixedHex("public key", b, k[:])
}

// IsZero reports whether no key was supplied.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// Envelope is a client-produced bundle of encrypted fields together with the
// nonce and the sender key the cluster needs to decrypt them.
type Envelope struct {
	SenderKey   PublicKey    `json:"sender_key"`
	Nonce       Nonce        `json:"nonce"`
	Ciphertexts []Ciphertext `json:"ciphertexts"`
}

// Validate checks that the envelope carries exactly fields ciphertexts and a
// sender key.
func (e Envelope) Validate(fields int) error {
	if e.SenderKey.IsZero() {
		return fmt.Errorf("envelope: missing sender key: %w", ErrInvalidEnvelope)
	}
	if len(e.Ciphertexts) != fields {
		return fmt.Errorf("envelope: want %d ciphertexts, got %d: %w", fields, len(e.Ciphertexts), ErrInvalidEnvelope)
	}
	return nil
}

// EncryptedState is the cluster-owned ciphertext of {yes_pool, no_pool,
// bet_count}. Nonce is the cipher nonce chosen by the cluster when it sealed
// the state; the replay counter lives on the Market as StateNonce.
type EncryptedState struct {
	Ciphertexts [StateFields]Ciphertext `json:"ciphertexts"`
	Nonce       Nonce                   `json:"nonce"`
}

// IsZero reports whether the state was never written.
func (s EncryptedState) IsZero() bool { return s == EncryptedState{} }

// Bytes returns the 96-byte persisted layout (yes, no, count).
func (s EncryptedState) Bytes() []byte {
	out := make([]byte, 0, EncryptedStateLen)
	for _, c := range s.Ciphertexts {
		out = append(out, c[:]...)
	}
	return out
}

// DecodeEncryptedState rebuilds a state from its persisted ciphertext block
// and nonce.
func DecodeEncryptedState(ct, nonce []byte) (EncryptedState, error) {
	var s EncryptedState
	if len(ct) != EncryptedStateLen || len(nonce) != NonceLen {
		return s, fmt.Errorf("decode encrypted state: got %d/%d bytes: %w", len(ct), len(nonce), ErrInvalidEnvelope)
	}
	for i := range s.Ciphertexts {
		copy(s.Ciphertexts[i][:], ct[i*CiphertextLen:])
	}
	copy(s.Nonce[:], nonce)
	return s, nil
}

// EncryptedBet is the bettor's ciphertext of {outcome, amount}.
type EncryptedBet [BetFields]Ciphertext

// Bytes returns the 64-byte persisted layout (outcome, amount).
func (b EncryptedBet) Bytes() []byte {
	out := make([]byte, 0, EncryptedBetLen)
	for _, c := range b {
		out = append(out, c[:]...)
	}
	return out
}

// DecodeEncryptedBet rebuilds a bet from its persisted block.
func DecodeEncryptedBet(ct []byte) (EncryptedBet, error) {
	var b EncryptedBet
	if len(ct) != EncryptedBetLen {
		return b, fmt.Errorf("decode encrypted bet: got %d bytes: %w", len(ct), ErrInvalidEnvelope)
	}
	for i := range b {
		copy(b[i][:], ct[i*CiphertextLen:])
	}
	return b, nil
}

// BetFromEnvelope copies a validated two-field envelope into an EncryptedBet.
func BetFromEnvelope(e Envelope) (EncryptedBet, error) {
	var b EncryptedBet
	if err := e.Validate(BetFields); err != nil {
		return b, err
	}
	copy(b[:], e.Ciphertexts)
	return b, nil
}

// Envelope re-assembles the bet with the key material stored beside it.
func (b EncryptedBet) Envelope(sender PublicKey, nonce Nonce) Envelope {
	return Envelope{SenderKey: sender, Nonce: nonce, Ciphertexts: []Ciphertext{b[0], b[1]}}
}

func hexText(b []byte) []byte {
	return []byte("0x" + hex.EncodeToString(b))
}

func parseFixedHex(what string, text []byte, dst []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("parse %s: %w", what, ErrInvalidEnvelope)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("parse %s: want %d bytes, got %d: %w", what, len(dst), len(raw), ErrInvalidEnvelope)
	}
	copy(dst, raw)
	return nil
}
