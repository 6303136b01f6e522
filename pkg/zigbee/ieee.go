package zigbee

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FormatIEEE formats an 8-byte IEEE address (little-endian wire order) as the
// canonical lowercase colon-separated string.
func FormatIEEE(addr [8]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		addr[7], addr[6], addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}

// ParseIEEE parses a canonical IEEE string back into wire byte order.
func ParseIEEE(s string) ([8]byte, error) {
	var out [8]byte
	clean := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), ":", "")
	clean = strings.ReplaceAll(clean, "-", "")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("parse IEEE %q: %w", s, err)
	}
	if len(raw) != 8 {
		return out, fmt.Errorf("parse IEEE %q: want 8 bytes, got %d", s, len(raw))
	}
	for i := 0; i < 8; i++ {
		out[i] = raw[7-i]
	}
	return out, nil
}
