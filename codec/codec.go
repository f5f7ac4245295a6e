// Package codec encrypts message bodies before they are persisted and
// decrypts them after they are read back.
//
// The stored form is hex(iv) + ":" + hex(ciphertext), using AES-256 in CBC
// mode with PKCS#7 padding and a random 16-byte IV per call.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the shared content key in bytes.
const KeySize = 32

const delimiter = ":"

var (
	ErrEmptyKey         = errors.New("empty encryption key")
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrDecryptionFailed = errors.New("decryption failed")
)

type Codec struct {
	block cipher.Block
	log   *logrus.Entry
}

// DeriveKey turns the configured secret into a KeySize key. A secret that is
// already KeySize bytes long is used as is; anything else is stretched with
// HKDF-SHA256.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	if len(secret) == KeySize {
		return []byte(secret), nil
	}

	h := hkdf.New(sha256.New, []byte(secret), nil, []byte("dmrelay content key"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func New(key []byte, log *logrus.Entry) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Codec{block: block, log: log.WithField("component", "codec")}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + delimiter + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. If the value cannot be decoded or decrypted the
// input is returned unchanged and the failure is logged, so a single corrupt
// record does not block delivery of the rest.
func (c *Codec) Decrypt(value string) string {
	plaintext, err := c.DecryptStrict(value)
	if err != nil {
		c.log.WithError(err).Warn("Passing undecryptable content through")
		return value
	}
	return plaintext
}

// DecryptStrict is Decrypt without the pass-through fallback.
func (c *Codec) DecryptStrict(value string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(value, delimiter)
	if !ok {
		return "", fmt.Errorf("%w: missing delimiter", ErrDecryptionFailed)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecryptionFailed)
	}

	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecryptionFailed)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrDecryptionFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return b[:len(b)-n], nil
}
