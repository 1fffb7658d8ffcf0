package provisioning

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/liteclaw/liteclaw-platform/internal/config"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Sealed is an AES-256-GCM encrypted secret, hex encoded.
type Sealed struct {
	Encrypted string
	IV        string
	Tag       string
}

// Cipher encrypts provider keys under the platform master key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 64 character hex key.
func NewCipher(keyHex string) (*Cipher, error) {
	if err := config.ValidateEncryptionKey(keyHex); err != nil {
		return nil, err
	}
	key, _ := hex.DecodeString(keyHex)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]
	return Sealed{
		Encrypted: hex.EncodeToString(ct),
		IV:        hex.EncodeToString(nonce),
		Tag:       hex.EncodeToString(tag),
	}, nil
}

// Decrypt opens a sealed secret. Tampered input fails authentication.
func (c *Cipher) Decrypt(s Sealed) (string, error) {
	ct, err := hex.DecodeString(s.Encrypted)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := hex.DecodeString(s.IV)
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("invalid iv")
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("invalid tag")
	}

	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Mask shows the first and last four characters of a key. Short keys are hidden entirely.
func Mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
