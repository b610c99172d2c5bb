// Package envelope implements the signed message wrapper carried over the
// peer-to-peer overlay: a JSON payload plus topic/protocol/version metadata,
// covered by a 65-byte recoverable secp256k1 signature.
package envelope

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Envelope is the signed wrapper around an opaque JSON payload.
type Envelope struct {
	Payload      json.RawMessage `json:"payload"`
	Topic        string          `json:"topic"`
	ProtocolName string          `json:"protocolName"`
	Version      string          `json:"version"`
	Signature    string          `json:"signature"` // 65 bytes, lowercase hex, no 0x
	Timestamp    time.Time       `json:"timestamp"`
}

// signingDigest computes sha256(payload || topic || protocol || version || timestamp),
// the exact byte sequence covered by the envelope signature.
func signingDigest(payload json.RawMessage, topic, protocolName, version string, ts time.Time) [32]byte {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(topic))
	h.Write([]byte(protocolName))
	h.Write([]byte(version))
	h.Write([]byte(ts.UTC().Format(time.RFC3339)))
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Sign serialises payload as JSON, attaches the current timestamp, and signs
// the envelope with secretKey, producing a 65-byte recoverable signature.
func Sign(secretKey *ecdsa.PrivateKey, payload any, topic, protocolName, version string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	ts := time.Now().UTC()
	digest := signingDigest(raw, topic, protocolName, version, ts)

	sig, err := crypto.Sign(digest[:], secretKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	return &Envelope{
		Payload:      raw,
		Topic:        topic,
		ProtocolName: protocolName,
		Version:      version,
		Signature:    hex.EncodeToString(sig),
		Timestamp:    ts,
	}, nil
}

// ParsePayload deserialises the envelope's payload into out. It does not
// verify the signature: the P2P layer trusts the sender by peer identity,
// not by envelope signature, for requests accepted from the overlay.
func ParsePayload(env *Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("envelope: parse payload: %w", err)
	}
	return nil
}

// Recover recovers the public key that produced the envelope's signature.
// Used by tests to assert the sign/verify round trip, and available for
// out-of-band operator audit.
func Recover(env *Envelope) (*ecdsa.PublicKey, error) {
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("envelope: signature is not valid hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("envelope: signature must be 65 bytes, got %d", len(sig))
	}

	digest := signingDigest(env.Payload, env.Topic, env.ProtocolName, env.Version, env.Timestamp)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, fmt.Errorf("envelope: recover signer: %w", err)
	}
	return pub, nil
}
