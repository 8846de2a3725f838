package envelope

import (
	"fmt"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// Sealer is the bettor side: it encrypts fields for the cluster.
type Sealer struct {
	keys   KeyPair
	key    [32]byte
	cipher Cipher
}

// NewSealer agrees a key between the bettor's key pair and the cluster's
// public key.
func NewSealer(keys KeyPair, cluster domain.PublicKey) (*Sealer, error) {
	key, err := SharedKey(keys.Private, cluster)
	if err != nil {
		return nil, err
	}
	return &Sealer{keys: keys, key: key, cipher: XChaCha20{}}, nil
}

// Seal encrypts fields under a fresh nonce.
func (s *Sealer) Seal(fields ...Field) (domain.Envelope, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return domain.Envelope{}, err
	}
	env := domain.Envelope{SenderKey: s.keys.Public, Nonce: nonce, Ciphertexts: make([]domain.Ciphertext, len(fields))}
	for i, f := range fields {
		env.Ciphertexts[i] = s.cipher.Encrypt(s.key, nonce, i, f)
	}
	return env, nil
}

// SealBet encrypts an (outcome, amount) pair in bet field order.
func (s *Sealer) SealBet(outcome domain.Outcome, amount uint64) (domain.Envelope, error) {
	if !outcome.Valid() {
		return domain.Envelope{}, fmt.Errorf("envelope: seal bet: %w", domain.ErrInvalidOutcome)
	}
	return s.Seal(BoolField(outcome.Bool()), Uint64Field(amount))
}

// Opener is the cluster side. It holds the cluster secret and can open
// client envelopes and seal or open cluster-owned market state.
type Opener struct {
	keys     KeyPair
	stateKey [32]byte
	cipher   Cipher
}

// NewOpener builds an opener from the cluster key pair.
func NewOpener(keys KeyPair) (*Opener, error) {
	o := &Opener{keys: keys, cipher: XChaCha20{}}
	if err := expand(keys.Private[:], stateInfo, o.stateKey[:]); err != nil {
		return nil, err
	}
	return o, nil
}

// PublicKey is the key clients encrypt to.
func (o *Opener) PublicKey() domain.PublicKey { return o.keys.Public }

// Open decrypts every field of a client envelope.
func (o *Opener) Open(env domain.Envelope) ([]Field, error) {
	if env.SenderKey.IsZero() {
		return nil, fmt.Errorf("envelope: open: missing sender key: %w", domain.ErrInvalidEnvelope)
	}
	key, err := SharedKey(o.keys.Private, env.SenderKey)
	if err != nil {
		return nil, err
	}
	out := make([]Field, len(env.Ciphertexts))
	for i, ct := range env.Ciphertexts {
		out[i] = o.cipher.Decrypt(key, env.Nonce, i, ct)
	}
	return out, nil
}

// OpenBet decrypts a two-field bet envelope.
func (o *Opener) OpenBet(env domain.Envelope) (domain.Outcome, uint64, error) {
	if err := env.Validate(domain.BetFields); err != nil {
		return domain.OutcomeUnset, 0, err
	}
	fields, err := o.Open(env)
	if err != nil {
		return domain.OutcomeUnset, 0, err
	}
	side, err := fields[domain.BetFieldOutcome].Bool()
	if err != nil {
		return domain.OutcomeUnset, 0, err
	}
	amount, err := fields[domain.BetFieldAmount].Uint64()
	if err != nil {
		return domain.OutcomeUnset, 0, err
	}
	return domain.OutcomeFromBool(side), amount, nil
}

// Pools is the plaintext of a market's encrypted state.
type Pools struct {
	Yes      uint64
	No       uint64
	BetCount uint32
}

// SealState encrypts pools under the cluster state key and a fresh nonce.
func (o *Opener) SealState(p Pools) (domain.EncryptedState, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return domain.EncryptedState{}, err
	}
	s := domain.EncryptedState{Nonce: nonce}
	s.Ciphertexts[domain.StateFieldYesPool] = o.cipher.Encrypt(o.stateKey, nonce, domain.StateFieldYesPool, Uint64Field(p.Yes))
	s.Ciphertexts[domain.StateFieldNoPool] = o.cipher.Encrypt(o.stateKey, nonce, domain.StateFieldNoPool, Uint64Field(p.No))
	s.Ciphertexts[domain.StateFieldBetCount] = o.cipher.Encrypt(o.stateKey, nonce, domain.StateFieldBetCount, Uint64Field(uint64(p.BetCount)))
	return s, nil
}

// OpenState decrypts a state sealed by SealState.
func (o *Opener) OpenState(s domain.EncryptedState) (Pools, error) {
	var p Pools
	yes, err := o.cipher.Decrypt(o.stateKey, s.Nonce, domain.StateFieldYesPool, s.Ciphertexts[domain.StateFieldYesPool]).Uint64()
	if err != nil {
		return p, err
	}
	no, err := o.cipher.Decrypt(o.stateKey, s.Nonce, domain.StateFieldNoPool, s.Ciphertexts[domain.StateFieldNoPool]).Uint64()
	if err != nil {
		return p, err
	}
	count, err := o.cipher.Decrypt(o.stateKey, s.Nonce, domain.StateFieldBetCount, s.Ciphertexts[domain.StateFieldBetCount]).Uint64()
	if err != nil {
		return p, err
	}
	if count > uint64(^uint32(0)) {
		return p, fmt.Errorf("envelope: bet count %d: %w", count, domain.ErrInvalidEnvelope)
	}
	return Pools{Yes: yes, No: no, BetCount: uint32(count)}, nil
}
