package cert

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	vendorIDPrefix  = "Mvid:"
	productIDPrefix = "Mpid:"
)

// Identity is the vendor and product identity carried by a certificate.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	HasProductID bool
}

func (id Identity) String() string {
	if !id.HasProductID {
		return fmt.Sprintf("vid=0x%04X", id.VendorID)
	}
	return fmt.Sprintf("vid=0x%04X pid=0x%04X", id.VendorID, id.ProductID)
}

// ExtractVendorProductIDs returns the identity encoded in the certificate
// subject. The dedicated vendor and product ID attributes are used when
// either is present; only a subject with neither falls back to the legacy
// common name convention (see IDsFromCommonName).
func ExtractVendorProductIDs(c *Certificate) (Identity, error) {
	vid, hasVID := c.attribute(OIDVendorID)
	pid, hasPID := c.attribute(OIDProductID)
	if !hasVID && !hasPID {
		return IDsFromCommonName(c.CommonName)
	}
	if !hasVID {
		return Identity{}, ErrVendorIDMissing
	}

	var id Identity
	var err error
	if id.VendorID, err = parseHexID(vid); err != nil {
		return Identity{}, fmt.Errorf("vendor ID attribute: %w", err)
	}
	if hasPID {
		if id.ProductID, err = parseHexID(pid); err != nil {
			return Identity{}, fmt.Errorf("product ID attribute: %w", err)
		}
		id.HasProductID = true
	}
	return id, nil
}

// IDsFromCommonName scans a common name for the substrings "Mvid:" and
// "Mpid:", each followed by exactly four uppercase hexadecimal digits.
func IDsFromCommonName(cn string) (Identity, error) {
	vid, hasVID, err := scanCommonName(cn, vendorIDPrefix)
	if err != nil {
		return Identity{}, err
	}
	if !hasVID {
		return Identity{}, ErrVendorIDMissing
	}
	pid, hasPID, err := scanCommonName(cn, productIDPrefix)
	if err != nil {
		return Identity{}, err
	}
	return Identity{VendorID: vid, ProductID: pid, HasProductID: hasPID}, nil
}

func scanCommonName(cn, prefix string) (uint16, bool, error) {
	i := strings.Index(cn, prefix)
	if i < 0 {
		return 0, false, nil
	}
	rest := cn[i+len(prefix):]
	if len(rest) < 4 {
		return 0, false, fmt.Errorf("%w: %q truncated in common name", ErrInvalidID, prefix)
	}
	v, err := parseHexID(rest[:4])
	if err != nil {
		return 0, false, fmt.Errorf("%s in common name: %w", prefix, err)
	}
	if len(rest) > 4 && isHexDigit(rest[4]) {
		return 0, false, fmt.Errorf("%w: %q followed by more than four hex digits", ErrInvalidID, prefix)
	}
	return v, true, nil
}

// parseHexID parses exactly four uppercase hexadecimal digits.
func parseHexID(s string) (uint16, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("%w: %q is not four hex digits", ErrInvalidID, s)
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return 0, fmt.Errorf("%w: %q is not uppercase hex", ErrInvalidID, s)
		}
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return uint16(v), nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F')
}
