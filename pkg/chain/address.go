package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// EIP55 computes the checksummed hex string of a 20-byte address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		// uppercase a letter when its hash nibble is >= 8
		nibble := hash[i>>1] & 0x0f
		if i%2 == 0 {
			nibble = hash[i>>1] >> 4
		}
		if c >= 'a' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[2+i] = c
	}
	return string(out)
}

// ValidateAddress accepts 0x-prefixed 20-byte hex. All-lowercase and
// all-uppercase forms carry no checksum; mixed case must match EIP-55.
func ValidateAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q missing 0x prefix", ErrInvalidAddress, s)
	}
	body := s[2:]
	raw, err := hex.DecodeString(body)
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if EIP55(raw) != "0x"+body {
			return common.Address{}, fmt.Errorf("%w: %q bad checksum", ErrInvalidAddress, s)
		}
	}
	return common.BytesToAddress(raw), nil
}
