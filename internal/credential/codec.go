// Package credential encrypts the IMAP passwords carried in identity
// records and snapshots.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

type Codec interface {
	Encrypt(plain string) (string, error)
	Decrypt(sealed string) (string, error)
}

// AESCodec seals values with AES-256-GCM; the nonce is prepended and the
// result base64 encoded. The empty string maps to itself.
type AESCodec struct {
	aead cipher.AEAD
}

func NewAESCodec(key []byte) (*AESCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "credential cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "credential cipher")
	}
	return &AESCodec{aead: aead}, nil
}

func (c *AESCodec) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "credential nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCodec) Decrypt(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.Wrap(err, "decode credential")
	}
	size := c.aead.NonceSize()
	if len(raw) < size {
		return "", errors.New("credential too short")
	}
	plain, err := c.aead.Open(nil, raw[:size], raw[size:], nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt credential")
	}
	return string(plain), nil
}

// Plaintext passes values through unchanged.
type Plaintext struct{}

func (Plaintext) Encrypt(plain string) (string, error)  { return plain, nil }
func (Plaintext) Decrypt(sealed string) (string, error) { return sealed, nil }
