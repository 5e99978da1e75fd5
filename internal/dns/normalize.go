package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidName is wrapped by every Normalize failure.
var ErrInvalidName = errors.New("invalid domain name")

// Normalize lowercases name, strips a trailing dot and validates it as a
// registrable hostname: at least two RFC 1123 labels, no IP literal, no wildcard.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".")
	if n == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(n) > 253 {
		return "", fmt.Errorf("%w: longer than 253 characters", ErrInvalidName)
	}
	if net.ParseIP(n) != nil {
		return "", fmt.Errorf("%w: IP addresses are not accepted", ErrInvalidName)
	}
	labels := strings.Split(n, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %q needs at least two labels", ErrInvalidName, n)
	}
	for _, l := range labels {
		if err := checkLabel(l); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
		}
	}
	if tld := labels[len(labels)-1]; isDigits(tld) {
		return "", fmt.Errorf("%w: numeric top-level label %q", ErrInvalidName, tld)
	}
	return n, nil
}

func checkLabel(l string) error {
	if l == "" {
		return errors.New("empty label")
	}
	if len(l) > 63 {
		return fmt.Errorf("label %q longer than 63 characters", l)
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return fmt.Errorf("label %q starts or ends with a hyphen", l)
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return fmt.Errorf("label %q contains %q", l, c)
	}
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
