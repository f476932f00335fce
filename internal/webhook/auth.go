// Package webhook authenticates, decrypts and serves POPO robot callbacks.
package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// SignatureParam is the query parameter carrying the request signature.
	SignatureParam = "signature"

	// TimestampParam is the query parameter carrying the request timestamp.
	TimestampParam = "timestamp"

	// NonceParam is the query parameter carrying the request nonce.
	NonceParam = "nonce"

	// EncryptParam is the query parameter POPO adds to handshake requests.
	EncryptParam = "encrypt"
)

var (
	// ErrAuthentication is the class of every signature failure.
	ErrAuthentication = errors.New("authentication failed")

	// ErrMissingSignature is returned when the signature parameter is missing.
	ErrMissingSignature = fmt.Errorf("%w: missing signature", ErrAuthentication)

	// ErrSignatureMismatch is returned when the signature doesn't match.
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrAuthentication)
)

// Verifier checks that a callback was signed with the bot's shared token.
type Verifier struct {
	token string
}

// NewVerifier creates a verifier for the given shared token.
func NewVerifier(token string) *Verifier {
	return &Verifier{token: token}
}

// Verify recomputes the signature for timestamp and nonce and compares it
// to the provided one.
func (v *Verifier) Verify(timestamp, nonce, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	expected := ComputeSignature(v.token, timestamp, nonce)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ComputeSignature returns the lowercase hex SHA-256 of token, timestamp and
// nonce concatenated in ascending order of their values.
func ComputeSignature(token, timestamp, nonce string) string {
	values := []string{token, timestamp, nonce}
	sort.Strings(values)

	sum := sha256.Sum256([]byte(strings.Join(values, "")))
	return hex.EncodeToString(sum[:])
}

// Sign is an alias of ComputeSignature for callers producing signed
// requests, such as tests and local tooling.
func Sign(token, timestamp, nonce string) string {
	return ComputeSignature(token, timestamp, nonce)
}
