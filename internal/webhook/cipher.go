package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// HandshakeLiteral is encrypted and echoed back on signed GET requests.
	HandshakeLiteral = "success"

	cipherKeyLength = 16
	cipherIVLength  = 16
)

var (
	// ErrDecryption is returned for any failure to decode a payload.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidCipherKey is returned when the configured key is too short.
	ErrInvalidCipherKey = errors.New("cipher key must be at least 32 characters")
)

// Cipher encrypts and decrypts callback payloads with AES-CBC and PKCS#7
// padding. The first 16 bytes of the configured key are the AES key and the
// next 16 are the IV.
type Cipher struct {
	block cipher.Block
	iv    []byte
}

// NewCipher builds a Cipher from the bot's shared key string.
func NewCipher(key string) (*Cipher, error) {
	if len(key) < cipherKeyLength+cipherIVLength {
		return nil, ErrInvalidCipherKey
	}

	block, err := aes.NewCipher([]byte(key[:cipherKeyLength]))
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}

	iv := make([]byte, cipherIVLength)
	copy(iv, key[cipherKeyLength:cipherKeyLength+cipherIVLength])

	return &Cipher{block: block, iv: iv}, nil
}

// Encrypt pads the UTF-8 bytes of plaintext, encrypts them and returns the
// standard base64 encoding of the ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	padded := pkcs7Pad([]byte(plaintext), c.block.BlockSize())

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrDecryption.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("%w: empty ciphertext", ErrDecryption)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecryption, err)
	}

	blockSize := c.block.BlockSize()
	if len(data) == 0 || len(data)%blockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrDecryption, len(data), blockSize)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, data)

	plain, err := pkcs7Unpad(out, blockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryption)
	}

	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad trusts the final byte as the pad length, as POPO does, and only
// checks that it fits the buffer.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	return data[:len(data)-n], nil
}
