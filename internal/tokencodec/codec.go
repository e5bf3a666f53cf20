// Package tokencodec builds and parses permanent API tokens.
//
// A token is salt1 ++ userID ++ salt2 ++ secret where the salts and the
// secret are upper-case hex of fixed, configured byte lengths. The user id is
// recoverable so authentication only has to check that user's token records;
// the salts only obfuscate it. The secret is the credential and is stored as
// a salted hash.
package tokencodec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"authgate/internal/autherr"
)

const (
	DefaultSalt1Bytes  = 8
	DefaultSalt2Bytes  = 8
	DefaultSecretBytes = 32
)

type Codec struct {
	Salt1Bytes  int
	Salt2Bytes  int
	SecretBytes int
}

func New(salt1Bytes, salt2Bytes, secretBytes int) Codec {
	if salt1Bytes <= 0 {
		salt1Bytes = DefaultSalt1Bytes
	}
	if salt2Bytes <= 0 {
		salt2Bytes = DefaultSalt2Bytes
	}
	if secretBytes <= 0 {
		secretBytes = DefaultSecretBytes
	}
	return Codec{Salt1Bytes: salt1Bytes, Salt2Bytes: salt2Bytes, SecretBytes: secretBytes}
}

func Default() Codec {
	return New(DefaultSalt1Bytes, DefaultSalt2Bytes, DefaultSecretBytes)
}

func (c Codec) salt1Len() int  { return c.Salt1Bytes * 2 }
func (c Codec) salt2Len() int  { return c.Salt2Bytes * 2 }
func (c Codec) secretLen() int { return c.SecretBytes * 2 }

// MinLength is the shortest token that can carry a one-character user id.
func (c Codec) MinLength() int {
	return c.salt1Len() + c.salt2Len() + c.secretLen() + 1
}

func (c Codec) Derive(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("derive token: empty user id")
	}

	salt1, err := randomHex(c.Salt1Bytes)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt2, err := randomHex(c.Salt2Bytes)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	secret, err := randomHex(c.SecretBytes)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	return salt1 + userID + salt2 + secret, nil
}

// Split returns the user part (salts and id) and the trailing secret.
func (c Codec) Split(token string) (string, string, error) {
	if token == "" || len(token) < c.MinLength() {
		return "", "", autherr.ErrMalformedToken
	}

	cut := len(token) - c.secretLen()
	return token[:cut], token[cut:], nil
}

func (c Codec) ExtractUserID(userPart string) (string, error) {
	if len(userPart) <= c.salt1Len()+c.salt2Len() {
		return "", autherr.ErrMalformedToken
	}

	return userPart[c.salt1Len() : len(userPart)-c.salt2Len()], nil
}

func randomHex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
