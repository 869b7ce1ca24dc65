package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// gcmPrefix tags bodies sealed by this package; anything else is treated as
// a legacy Fernet token.
const gcmPrefix = "gcm1:"

// Cipher seals message bodies at rest.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

// Encryptor seals with AES-256-GCM and can still open Fernet tokens written
// under the legacy keys.
type Encryptor struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

var _ Cipher = (*Encryptor)(nil)

// NewEncryptor derives the AES key from secret with SHA-256, so secrets of
// any length work.
func NewEncryptor(secret string, legacyKeys []string) (*Encryptor, error) {
	if secret == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var keys []*fernet.Key
	for _, raw := range append([]string{secret}, legacyKeys...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			keys = append(keys, k)
		}
	}
	return &Encryptor{aead: aead, fernetKeys: keys}, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return gcmPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	if rest, ok := strings.CutPrefix(enc, gcmPrefix); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return "", errors.New("malformed message payload")
		}
		if len(raw) < e.aead.NonceSize() {
			return "", errors.New("ciphertext too short")
		}
		n := e.aead.NonceSize()
		plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
		if err != nil {
			return "", errors.New("failed to decrypt message payload")
		}
		return string(plain), nil
	}

	if len(e.fernetKeys) > 0 {
		// negative ttl: legacy tokens never expire
		if plain := fernet.VerifyAndDecrypt([]byte(enc), -time.Second, e.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", errors.New("failed to decrypt message payload")
}

// PlainCipher stores bodies as-is; used when no encryption key is set.
type PlainCipher struct{}

func (PlainCipher) Encrypt(plain string) (string, error) { return plain, nil }
func (PlainCipher) Decrypt(enc string) (string, error)   { return enc, nil }
