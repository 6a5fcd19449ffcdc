package custody

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const envelopeVersion = 1

var (
	// ErrInvalidMasterKey is returned for master keys that are not 32 bytes.
	ErrInvalidMasterKey = errors.New("custody: master key must be 32 bytes")
	// ErrSealedKeyCorrupt is returned when an envelope cannot be opened.
	ErrSealedKeyCorrupt = errors.New("custody: sealed key corrupt or bound to another principal")
)

// ParseMasterKey decodes a hex encoded 32 byte master key.
func ParseMasterKey(raw string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody: decode master key: %w", err)
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return nil, ErrInvalidMasterKey
	}
	return decoded, nil
}

// Seal encrypts key material under the master key. The principal is bound as
// associated data so an envelope cannot be moved to another wallet row.
func Seal(masterKey []byte, principal string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead()+1)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("custody: nonce: %w", err)
	}
	out := append([]byte{envelopeVersion}, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(principal)), nil
}

// open decrypts an envelope into a fresh buffer the caller must wipe.
func open(masterKey []byte, principal string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != envelopeVersion {
		return nil, ErrSealedKeyCorrupt
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], []byte(principal))
	if err != nil {
		return nil, ErrSealedKeyCorrupt
	}
	return plaintext, nil
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
