package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// --------------------------------------------------------------------------
// Typed-data hashes (pre-computed keccak256 of the canonical strings).
// --------------------------------------------------------------------------

var (
	// ClusterDomain(string name,string version)
	clusterDomainTypeHash = ethcrypto.Keccak256(
		[]byte("ClusterDomain(string name,string version)"),
	)

	resultDomainSep = buildDomainSeparator("VEIL Computation Cluster", "1")
)

// Signer signs computation results with a secp256k1 key. The cluster holds
// one; nodes only ever hold a Verifier.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's public key. Nodes
// configure it as the expected cluster identity.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignResult fills r.Signature with a 65-byte signature over the typed hash
// of r's digest.
func (s *Signer) SignResult(r *domain.ComputationResult) error {
	sig, err := s.signDigest(typedHash(r.Digest()))
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// signDigest signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Verifier checks that results were signed by the configured cluster.
type Verifier struct {
	expected common.Address
}

// NewVerifier parses the expected cluster address.
func NewVerifier(clusterAddress string) (*Verifier, error) {
	if !common.IsHexAddress(clusterAddress) {
		return nil, fmt.Errorf("crypto/signer: invalid cluster address %q", clusterAddress)
	}
	return &Verifier{expected: common.HexToAddress(clusterAddress)}, nil
}

// Expected returns the cluster address results must recover to.
func (v *Verifier) Expected() common.Address { return v.expected }

// VerifyResult returns domain.ErrInvalidSignature unless r.Signature
// recovers to the expected cluster address.
func (v *Verifier) VerifyResult(r domain.ComputationResult) error {
	signer, err := recoverAddress(typedHash(r.Digest()), r.Signature)
	if err != nil {
		return fmt.Errorf("crypto/signer: %v: %w", err, domain.ErrInvalidSignature)
	}
	if signer != v.expected {
		return fmt.Errorf("crypto/signer: signed by %s, want %s: %w", signer.Hex(), v.expected.Hex(), domain.ErrInvalidSignature)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func recoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, norm)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// buildDomainSeparator returns keccak256(typeHash, nameHash, versionHash).
func buildDomainSeparator(name, version string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			clusterDomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
		),
	)
}

// typedHash computes keccak256("\x19\x01" || domainSeparator || digest).
func typedHash(digest []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			resultDomainSep,
			digest,
		),
	)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
