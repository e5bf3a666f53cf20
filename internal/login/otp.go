package login

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultOTPLength = 6

	alphaCharset   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericCharset = "0123456789"
	hexCharset     = "0123456789ABCDEF"
)

func GenerateAlpha(length int) (string, error) {
	return generate(alphaCharset, length)
}

func GenerateNumeric(length int) (string, error) {
	return generate(numericCharset, length)
}

// GenerateHex returns upper-case hexadecimal characters.
func GenerateHex(length int) (string, error) {
	return generate(hexCharset, length)
}

func generate(charset string, length int) (string, error) {
	if length <= 0 {
		length = DefaultOTPLength
	}

	limit := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}
