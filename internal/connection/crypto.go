package connection

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"fundops.org/internal/obs"
)

// devFallbackSecret keeps local development working without configuration.
// Production deployments must set FUNDOPS_TOKEN_SECRET.
const devFallbackSecret = "fundops-dev-insecure-token-secret"

const blobPrefix = "v1:"

// ErrDecrypt indicates a token blob could not be decrypted. The store never
// surfaces this to callers; it degrades the connection to StatusError.
var ErrDecrypt = errors.New("connection: token decryption failed")

// Cipher seals and opens token payloads with AES-256-GCM. The stored blob is
// "v1:" + base64(nonce || ciphertext), so it self-describes its nonce and
// carries the GCM authentication tag.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the configured secret via HKDF-SHA256.
// An empty secret falls back to an insecure development key and warns loudly.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		secret = devFallbackSecret
		obs.LogJSON(map[string]any{
			"level": "warn",
			"msg":   "FUNDOPS_TOKEN_SECRET is not set; falling back to insecure development key",
		})
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("fundops/token-encryption/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a self-describing storage blob.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return blobPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Any malformed or tampered input
// yields ErrDecrypt.
func (c *Cipher) Open(blob string) ([]byte, error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return nil, ErrDecrypt
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, blobPrefix))
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptTokens serialises and seals a token set.
func (c *Cipher) EncryptTokens(t Tokens) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return c.Seal(data)
}

// DecryptTokens opens and deserialises a stored token blob.
func (c *Cipher) DecryptTokens(blob string) (Tokens, error) {
	data, err := c.Open(blob)
	if err != nil {
		return Tokens{}, err
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return Tokens{}, ErrDecrypt
	}
	return t, nil
}
