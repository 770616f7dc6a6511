// Package declaration decodes Certification Declarations and checks them
// against the identity a device presents.
//
// A Certification Declaration is a TLV structure signed by a certification
// authority. It names the vendor, the certified products and, when a
// device is built on another vendor's attestation chain, the origin vendor
// and product of that chain.
package declaration

import (
	"errors"
	"fmt"

	"github.com/kacy/dac-attestation/tlv"
)

// ErrMalformed is returned when a declaration is missing a mandatory field
// or a field holds the wrong element type.
var ErrMalformed = errors.New("malformed certification declaration")

// Field tags.
const (
	tagFormatVersion       = 0
	tagVendorID            = 1
	tagProductIDs          = 2
	tagDeviceTypeID        = 3
	tagCertificateID       = 4
	tagSecurityLevel       = 5
	tagSecurityInformation = 6
	tagVersionNumber       = 7
	tagCertificationType   = 8
	tagDACOriginVendorID   = 9
	tagDACOriginProductID  = 10
	tagAuthorizedPAAs      = 11
)

// Declaration is a decoded Certification Declaration. Integer fields keep
// the decoded width so that out-of-range values reach validation intact.
type Declaration struct {
	FormatVersion       uint64
	VendorID            uint64
	ProductIDs          []uint64
	DeviceTypeID        uint64
	CertificateID       string
	SecurityLevel       uint64
	SecurityInformation uint64
	VersionNumber       uint64
	CertificationType   uint64

	// DACOriginVendorID and DACOriginProductID are nil when absent.
	DACOriginVendorID  *uint64
	DACOriginProductID *uint64

	// AuthorizedPAAs lists authority key identifiers of permitted PAAs. A
	// nil slice means the list is absent, an empty one permits nothing.
	AuthorizedPAAs [][]byte

	// negative has bit n set when the field with tag n was encoded as a
	// negative signed integer. Its value is then held as two's complement
	// and fails every range rule.
	negative uint16
}

func (cd *Declaration) isNegative(tag uint8) bool {
	return cd.negative&(1<<tag) != 0
}

// number renders an integer field for messages.
func (cd *Declaration) number(tag uint8, v uint64) string {
	if cd.isNegative(tag) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%d", v)
}

// hexID renders a vendor or product ID field for messages.
func (cd *Declaration) hexID(tag uint8, v uint64) string {
	if cd.isNegative(tag) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("0x%04X", v)
}

// Parse decodes the TLV payload of a Certification Declaration.
func Parse(b []byte) (*Declaration, error) {
	s, err := tlv.DecodeStruct(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	p := parser{s: s}
	cd := &Declaration{
		FormatVersion:       p.uint(tagFormatVersion),
		VendorID:            p.uint(tagVendorID),
		ProductIDs:          p.uintArray(tagProductIDs),
		DeviceTypeID:        p.uint(tagDeviceTypeID),
		CertificateID:       p.text(tagCertificateID),
		SecurityLevel:       p.uint(tagSecurityLevel),
		SecurityInformation: p.uint(tagSecurityInformation),
		VersionNumber:       p.uint(tagVersionNumber),
		CertificationType:   p.uint(tagCertificationType),
		DACOriginVendorID:   p.optionalUint(tagDACOriginVendorID),
		DACOriginProductID:  p.optionalUint(tagDACOriginProductID),
		AuthorizedPAAs:      p.optionalBytesArray(tagAuthorizedPAAs),
	}
	if p.err != nil {
		return nil, p.err
	}
	cd.negative = p.negative
	return cd, nil
}

// parser records the first field error and turns later reads into no-ops.
type parser struct {
	s        tlv.Struct
	err      error
	negative uint16
}

func (p *parser) field(tag uint8, optional bool) (tlv.Element, bool) {
	if p.err != nil {
		return tlv.Element{}, false
	}
	e, ok := p.s.Context(tag)
	if !ok && !optional {
		p.err = fmt.Errorf("%w: mandatory field %d missing", ErrMalformed, tag)
	}
	return e, ok
}

func (p *parser) fail(tag uint8, err error) {
	p.err = fmt.Errorf("%w: field %d: %w", ErrMalformed, tag, err)
}

// integer accepts either integer type. A negative value is kept as two's
// complement so that range rules report it instead of the decode failing.
func (p *parser) integer(tag uint8, e tlv.Element) (uint64, bool) {
	if e.Type == tlv.TypeSignedInt {
		v, _ := e.Int()
		return uint64(v), v < 0
	}
	v, err := e.Uint()
	if err != nil {
		p.fail(tag, err)
	}
	return v, false
}

func (p *parser) uint(tag uint8) uint64 {
	e, ok := p.field(tag, false)
	if !ok {
		return 0
	}
	v, neg := p.integer(tag, e)
	if neg {
		p.negative |= 1 << tag
	}
	return v
}

func (p *parser) optionalUint(tag uint8) *uint64 {
	e, ok := p.field(tag, true)
	if !ok {
		return nil
	}
	v, neg := p.integer(tag, e)
	if p.err != nil {
		return nil
	}
	if neg {
		p.negative |= 1 << tag
	}
	return &v
}

// text accepts either string type for the certificate ID.
func (p *parser) text(tag uint8) string {
	e, ok := p.field(tag, false)
	if !ok {
		return ""
	}
	if e.Type == tlv.TypeOctetString {
		b, _ := e.Bytes()
		return string(b)
	}
	s, err := e.Text()
	if err != nil {
		p.fail(tag, err)
	}
	return s
}

func (p *parser) members(tag uint8, optional bool) ([]tlv.Element, bool) {
	e, ok := p.field(tag, optional)
	if !ok {
		return nil, false
	}
	if e.Type != tlv.TypeArray {
		p.fail(tag, fmt.Errorf("%s is not an array", e.Type))
		return nil, false
	}
	members, _ := e.Elements()
	return members, true
}

func (p *parser) uintArray(tag uint8) []uint64 {
	members, ok := p.members(tag, false)
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		// A negative product ID never matches a device.
		v, _ := p.integer(tag, m)
		if p.err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func (p *parser) optionalBytesArray(tag uint8) [][]byte {
	members, ok := p.members(tag, true)
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		b, err := m.Bytes()
		if err != nil {
			p.fail(tag, err)
			return nil
		}
		out = append(out, b)
	}
	return out
}

// integer encodes a field as it was decoded, signed when it was negative.
func (cd *Declaration) integer(tag uint8, v uint64) tlv.Element {
	if cd.isNegative(tag) {
		return tlv.Int(tlv.ContextTag(tag), int64(v))
	}
	return tlv.Uint(tlv.ContextTag(tag), v)
}

// Marshal encodes the declaration as a TLV structure. The certificate ID is
// written as a UTF-8 string.
func (cd *Declaration) Marshal() ([]byte, error) {
	products := make([]tlv.Element, 0, len(cd.ProductIDs))
	for _, pid := range cd.ProductIDs {
		products = append(products, tlv.Uint(tlv.AnonymousTag(), pid))
	}

	fields := []tlv.Element{
		cd.integer(tagFormatVersion, cd.FormatVersion),
		cd.integer(tagVendorID, cd.VendorID),
		tlv.Array(tlv.ContextTag(tagProductIDs), products...),
		cd.integer(tagDeviceTypeID, cd.DeviceTypeID),
		tlv.UTF8(tlv.ContextTag(tagCertificateID), cd.CertificateID),
		cd.integer(tagSecurityLevel, cd.SecurityLevel),
		cd.integer(tagSecurityInformation, cd.SecurityInformation),
		cd.integer(tagVersionNumber, cd.VersionNumber),
		cd.integer(tagCertificationType, cd.CertificationType),
	}
	if cd.DACOriginVendorID != nil {
		fields = append(fields, cd.integer(tagDACOriginVendorID, *cd.DACOriginVendorID))
	}
	if cd.DACOriginProductID != nil {
		fields = append(fields, cd.integer(tagDACOriginProductID, *cd.DACOriginProductID))
	}
	if cd.AuthorizedPAAs != nil {
		paas := make([]tlv.Element, 0, len(cd.AuthorizedPAAs))
		for _, akid := range cd.AuthorizedPAAs {
			paas = append(paas, tlv.Bytes(tlv.AnonymousTag(), akid))
		}
		fields = append(fields, tlv.Array(tlv.ContextTag(tagAuthorizedPAAs), paas...))
	}
	return tlv.Marshal(tlv.Structure(tlv.AnonymousTag(), fields...))
}
