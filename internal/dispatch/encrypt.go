package dispatch

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// EncryptToRequester encrypts plaintext to pub using ECIES, the scheme a
// task response's result field is always encoded with so that only the
// task's requester can read the LLM output.
func EncryptToRequester(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	eciesPub := ecies.ImportECDSAPublic(pub)
	ciphertext, err := ecies.Encrypt(rand.Reader, eciesPub, plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch: ecies encrypt: %w", err)
	}
	return ciphertext, nil
}
