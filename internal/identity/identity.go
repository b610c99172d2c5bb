// Package identity derives a compute node's cryptographic identity from a
// single secp256k1 secret key: an Ethereum-style 20-byte address and an
// overlay peer identity, both fixed for the node's lifetime.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SecretKeySize is the length in bytes of the node's wallet secret key.
const SecretKeySize = 32

// Identity is the node's immutable cryptographic identity, computed once at
// construction from a 32-byte secp256k1 secret key.
type Identity struct {
	secretKey *ecdsa.PrivateKey

	PublicKey           *ecdsa.PublicKey
	CompressedPublicKey []byte
	Address             [20]byte
	PeerID              string
}

// FromSecret builds an Identity from a raw 32-byte secp256k1 secret key.
func FromSecret(secret [SecretKeySize]byte) (*Identity, error) {
	key, err := crypto.ToECDSA(secret[:])
	if err != nil {
		return nil, fmt.Errorf("identity: invalid secret key: %w", err)
	}
	return fromECDSA(key), nil
}

// GenerateRandom creates a fresh random identity directly from a new ECDSA
// key, without going through a raw secret.
func GenerateRandom() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate random key: %w", err)
	}
	return fromECDSA(key), nil
}

func fromECDSA(key *ecdsa.PrivateKey) *Identity {
	pub := &key.PublicKey
	compressed := crypto.CompressPubkey(pub)
	return &Identity{
		secretKey:           key,
		PublicKey:           pub,
		CompressedPublicKey: compressed,
		Address:             crypto.PubkeyToAddress(*pub),
		// The overlay peer identity is derived from the same key material as
		// the address, without depending on a real libp2p multihash encoder:
		// the hex of the compressed public key is stable, unique per node,
		// and recoverable from the secret alone, same as the address is.
		PeerID: "12D3Koo" + hex.EncodeToString(compressed)[:40],
	}
}

// SecretKey returns the underlying ECDSA private key, used to sign envelopes.
func (id *Identity) SecretKey() *ecdsa.PrivateKey {
	return id.secretKey
}

// AddressHex returns the node's address as lowercase hex without 0x.
func (id *Identity) AddressHex() string {
	return hex.EncodeToString(id.Address[:])
}

// ParseSecretHex decodes a 32-byte secret key from hex, with or without a
// leading "0x". An all-zero key is accepted here and signalled via isZero so
// the caller can decide to generate a random identity instead.
func ParseSecretHex(s string) (secret [SecretKeySize]byte, isZero bool, err error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return secret, false, fmt.Errorf("identity: secret key is not valid hex: %w", err)
	}
	if len(raw) != SecretKeySize {
		return secret, false, fmt.Errorf("identity: secret key must be %d bytes, got %d", SecretKeySize, len(raw))
	}
	copy(secret[:], raw)

	isZero = true
	for _, b := range raw {
		if b != 0 {
			isZero = false
			break
		}
	}
	return secret, isZero, nil
}

// RandomSecret returns fresh random secret bytes. config.Load uses it when
// the operator supplies an all-zero secret key as an ephemeral-test-node aid.
func RandomSecret() ([SecretKeySize]byte, error) {
	var secret [SecretKeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("identity: read random secret: %w", err)
	}
	return secret, nil
}
