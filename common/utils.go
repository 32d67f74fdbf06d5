package common

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

// GetIPXForwardedFor returns the caller IP, preferring the first
// X-Forwarded-For entry over the connection's remote address
func GetIPXForwardedFor(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		if strings.Contains(forwarded, ",") {
			return strings.TrimSpace(strings.Split(forwarded, ",")[0])
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}

// WeiToEth converts a base-10 wei string to an ether string
func WeiToEth(valueString string) string {
	numDigits := len(valueString)
	if numDigits == 0 || valueString == "0" {
		return "0.000000000000000000"
	}
	if numDigits <= 18 {
		return "0." + strings.Repeat("0", 18-numDigits) + valueString
	}
	return valueString[:numDigits-18] + "." + valueString[numDigits-18:]
}

// BigOrZero returns a copy of v, or zero when v is nil
func BigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ParseDecimal parses a base-10 amount. The empty string is zero.
func ParseDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	return v, nil
}

// MaxBig returns the larger of a and b
func MaxBig(a, b *big.Int) *big.Int {
	a, b = BigOrZero(a), BigOrZero(b)
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
