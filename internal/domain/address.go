package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressLen is the byte length of an account address or identity.
const AddressLen = 32

// Address identifies an account or a signer. Account addresses are derived
// deterministically from a namespace and a seed tuple; identities (market
// authorities, bettors) are opaque 32-byte public keys.
type Address [AddressLen]byte

// Namespaces used for derivation. Changing them changes every address.
const (
	NamespaceMarket = "market"
	NamespaceVault  = "vault"
	NamespaceBet    = "bet"
)

// String returns the 0x-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a hex address with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, ErrInvalidAddress)
	}
	if len(raw) != AddressLen {
		return Address{}, fmt.Errorf("parse address %q: want %d bytes, got %d: %w", s, AddressLen, len(raw), ErrInvalidAddress)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// DeriveAddress hashes a namespace and seed tuple into an address. Each seed
// is length-prefixed so distinct tuples never collide by concatenation.
func DeriveAddress(namespace string, seeds ...[]byte) Address {
	parts := make([][]byte, 0, 2*len(seeds)+2)
	parts = append(parts, []byte("veil/pda"), []byte(namespace))
	for _, s := range seeds {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		parts = append(parts, n[:], s)
	}
	var a Address
	copy(a[:], ethcrypto.Keccak256(parts...))
	return a
}

// DeriveMarketAddress returns the canonical address of market id under the
// given authority.
func DeriveMarketAddress(authority Address, marketID uint64) Address {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], marketID)
	return DeriveAddress(NamespaceMarket, authority[:], id[:])
}

// DeriveVaultAddress returns the escrow vault address owned by a market.
func DeriveVaultAddress(market Address) Address {
	return DeriveAddress(NamespaceVault, market[:])
}

// DeriveBetAddress returns the bet record address of bettor on market.
func DeriveBetAddress(market, bettor Address) Address {
	return DeriveAddress(NamespaceBet, market[:], bettor[:])
}
