package util

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	PairingCodeLength = 9
	pairingCodeMin    = 100000000
	pairingCodeSpan   = 900000000
)

// GeneratePairingCode returns a 9-digit decimal code drawn uniformly from
// [100000000, 999999999].
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pairingCodeSpan))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+pairingCodeMin, 10), nil
}

// IsValidPairingCode reports whether code has the shape of a pairing code.
func IsValidPairingCode(code string) bool {
	if len(code) != PairingCodeLength || code[0] == '0' {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// MaskCode hides all but the first three digits of a code for logging.
func MaskCode(code string) string {
	if len(code) <= 3 {
		return "***"
	}
	return code[:3] + "******"
}
