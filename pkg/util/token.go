package util

import (
	"crypto/rand"
	"math/big"
)

const digits = "0123456789"

// GenerateNumericCode returns an n digit code drawn from crypto/rand.
// Leading zeros are kept.
func GenerateNumericCode(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		b[i] = digits[num.Int64()]
	}
	return string(b), nil
}
