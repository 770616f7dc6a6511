// Package cert extracts the fields device attestation needs from DER encoded
// X.509v3 certificates: subject vendor and product identifiers, key
// identifiers and the subject public key.
//
// Only the consumed fields are validated. Parsing walks the TBSCertificate
// directly so that certificates the standard library rejects for unrelated
// reasons, such as a repeated authority key identifier extension, can still be
// inspected and reported on.
package cert

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// MaxDERSize is the largest accepted encoding of a DAC or PAI certificate.
const MaxDERSize = 600

// Common errors.
var (
	ErrMalformed              = errors.New("malformed certificate")
	ErrVendorIDMissing        = errors.New("vendor ID missing from certificate subject")
	ErrInvalidID              = errors.New("invalid vendor or product ID encoding")
	ErrAuthorityKeyIDMissing  = errors.New("authority key identifier extension missing")
	ErrAuthorityKeyIDMultiple = errors.New("multiple authority key identifier extensions")
)

// Subject attribute types carrying the Matter vendor and product IDs.
var (
	OIDVendorID  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37244, 2, 1}
	OIDProductID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37244, 2, 2}
)

var (
	oidCommonName     = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidSubjectKeyID   = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidAuthorityKeyID = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// Attribute is one attribute type and value from the subject name.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value string
}

// Certificate holds the fields consumed from a parsed certificate.
type Certificate struct {
	// Raw is the complete DER encoding.
	Raw []byte

	// Subject lists the subject attributes in encoded order.
	Subject []Attribute

	// CommonName is the first subject common name, if any.
	CommonName string

	// SubjectKeyID is the subject key identifier extension value, or nil.
	SubjectKeyID []byte

	// AuthorityKeyIDs holds the keyIdentifier of every authority key
	// identifier extension, in encoded order.
	AuthorityKeyIDs [][]byte

	PublicKey crypto.PublicKey
}

// Parse parses a DER encoded X.509v3 certificate.
func Parse(der []byte) (*Certificate, error) {
	input := cryptobyte.String(der)
	var certificate, tbs cryptobyte.String
	if !input.ReadASN1(&certificate, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: invalid outer sequence", ErrMalformed)
	}
	if !certificate.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: invalid TBSCertificate", ErrMalformed)
	}
	// signatureAlgorithm, signatureValue
	if !certificate.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: invalid signature algorithm", ErrMalformed)
	}
	if !certificate.SkipASN1(cryptobyte_asn1.BIT_STRING) {
		return nil, fmt.Errorf("%w: invalid signature value", ErrMalformed)
	}
	if !certificate.Empty() {
		return nil, fmt.Errorf("%w: trailing data after signature", ErrMalformed)
	}

	var version int
	if !tbs.ReadOptionalASN1Integer(&version, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific(), 0) {
		return nil, fmt.Errorf("%w: invalid version", ErrMalformed)
	}
	if version != 2 {
		return nil, fmt.Errorf("%w: version %d, want v3", ErrMalformed, version+1)
	}

	// serialNumber, signature, issuer, validity
	if !tbs.SkipASN1(cryptobyte_asn1.INTEGER) ||
		!tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) ||
		!tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) ||
		!tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: invalid TBSCertificate header", ErrMalformed)
	}

	c := &Certificate{Raw: append([]byte(nil), der...)}

	var subject cryptobyte.String
	if !tbs.ReadASN1(&subject, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: invalid subject", ErrMalformed)
	}
	attrs, err := parseName(subject)
	if err != nil {
		return nil, err
	}
	c.Subject = attrs
	for _, a := range attrs {
		if a.Type.Equal(oidCommonName) {
			c.CommonName = a.Value
			break
		}
	}

	var spki cryptobyte.String
	if !tbs.ReadASN1Element(&spki, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: invalid subject public key info", ErrMalformed)
	}
	if c.PublicKey, err = x509.ParsePKIXPublicKey(spki); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// issuerUniqueID, subjectUniqueID
	if !tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(1).ContextSpecific()) ||
		!tbs.SkipOptionalASN1(cryptobyte_asn1.Tag(2).ContextSpecific()) {
		return nil, fmt.Errorf("%w: invalid unique identifier", ErrMalformed)
	}

	var extensions cryptobyte.String
	var hasExtensions bool
	if !tbs.ReadOptionalASN1(&extensions, &hasExtensions, cryptobyte_asn1.Tag(3).Constructed().ContextSpecific()) {
		return nil, fmt.Errorf("%w: invalid extensions", ErrMalformed)
	}
	if hasExtensions {
		if err := c.parseExtensions(extensions); err != nil {
			return nil, err
		}
	}
	if !tbs.Empty() {
		return nil, fmt.Errorf("%w: trailing data in TBSCertificate", ErrMalformed)
	}
	return c, nil
}

func parseName(name cryptobyte.String) ([]Attribute, error) {
	var attrs []Attribute
	for !name.Empty() {
		var rdn cryptobyte.String
		if !name.ReadASN1(&rdn, cryptobyte_asn1.SET) {
			return nil, fmt.Errorf("%w: invalid relative distinguished name", ErrMalformed)
		}
		for !rdn.Empty() {
			var atv cryptobyte.String
			var oid asn1.ObjectIdentifier
			var value cryptobyte.String
			var tag cryptobyte_asn1.Tag
			if !rdn.ReadASN1(&atv, cryptobyte_asn1.SEQUENCE) ||
				!atv.ReadASN1ObjectIdentifier(&oid) ||
				!atv.ReadAnyASN1(&value, &tag) {
				return nil, fmt.Errorf("%w: invalid subject attribute", ErrMalformed)
			}
			text, err := decodeString(tag, value)
			if err != nil {
				return nil, fmt.Errorf("%w: subject attribute %v: %v", ErrMalformed, oid, err)
			}
			attrs = append(attrs, Attribute{Type: oid, Value: text})
		}
	}
	return attrs, nil
}

// String types not named by cryptobyte/asn1.
const (
	tagNumericString   = cryptobyte_asn1.Tag(18)
	tagVisibleString   = cryptobyte_asn1.Tag(26)
	tagUniversalString = cryptobyte_asn1.Tag(28)
	tagBMPString       = cryptobyte_asn1.Tag(30)
)

// decodeString returns the text of a DirectoryString style value. Values
// that are not strings decode to the empty string so that an ID attribute
// carrying one fails ID parsing instead of disappearing.
func decodeString(tag cryptobyte_asn1.Tag, value []byte) (string, error) {
	switch tag {
	case cryptobyte_asn1.UTF8String, cryptobyte_asn1.PrintableString, cryptobyte_asn1.IA5String,
		cryptobyte_asn1.T61String, tagNumericString, tagVisibleString:
		return string(value), nil
	case tagBMPString:
		if len(value)%2 != 0 {
			return "", errors.New("odd length BMPString")
		}
		units := make([]uint16, len(value)/2)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(value[2*i:])
		}
		return string(utf16.Decode(units)), nil
	case tagUniversalString:
		if len(value)%4 != 0 {
			return "", errors.New("UniversalString length not a multiple of 4")
		}
		runes := make([]rune, len(value)/4)
		for i := range runes {
			r := rune(binary.BigEndian.Uint32(value[4*i:]))
			if !utf8.ValidRune(r) {
				return "", fmt.Errorf("invalid code point %#x in UniversalString", uint32(r))
			}
			runes[i] = r
		}
		return string(runes), nil
	default:
		return "", nil
	}
}

func (c *Certificate) parseExtensions(exts cryptobyte.String) error {
	var seq cryptobyte.String
	if !exts.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !exts.Empty() {
		return fmt.Errorf("%w: invalid extensions sequence", ErrMalformed)
	}
	for !seq.Empty() {
		var ext, value cryptobyte.String
		var oid asn1.ObjectIdentifier
		var critical bool
		if !seq.ReadASN1(&ext, cryptobyte_asn1.SEQUENCE) ||
			!ext.ReadASN1ObjectIdentifier(&oid) {
			return fmt.Errorf("%w: invalid extension", ErrMalformed)
		}
		if ext.PeekASN1Tag(cryptobyte_asn1.BOOLEAN) && !ext.ReadASN1Boolean(&critical) {
			return fmt.Errorf("%w: invalid critical flag in extension %v", ErrMalformed, oid)
		}
		if !ext.ReadASN1(&value, cryptobyte_asn1.OCTET_STRING) || !ext.Empty() {
			return fmt.Errorf("%w: invalid extension %v", ErrMalformed, oid)
		}

		switch {
		case oid.Equal(oidSubjectKeyID):
			var skid cryptobyte.String
			if !value.ReadASN1(&skid, cryptobyte_asn1.OCTET_STRING) {
				return fmt.Errorf("%w: invalid subject key identifier", ErrMalformed)
			}
			c.SubjectKeyID = append([]byte(nil), skid...)
		case oid.Equal(oidAuthorityKeyID):
			var akid, keyID cryptobyte.String
			var hasKeyID bool
			if !value.ReadASN1(&akid, cryptobyte_asn1.SEQUENCE) ||
				!akid.ReadOptionalASN1(&keyID, &hasKeyID, cryptobyte_asn1.Tag(0).ContextSpecific()) {
				return fmt.Errorf("%w: invalid authority key identifier", ErrMalformed)
			}
			if hasKeyID {
				c.AuthorityKeyIDs = append(c.AuthorityKeyIDs, append([]byte(nil), keyID...))
			}
		}
	}
	return nil
}

// AuthorityKeyID returns the key identifier of the single authority key
// identifier extension.
func (c *Certificate) AuthorityKeyID() ([]byte, error) {
	switch len(c.AuthorityKeyIDs) {
	case 0:
		return nil, ErrAuthorityKeyIDMissing
	case 1:
		return c.AuthorityKeyIDs[0], nil
	default:
		return nil, fmt.Errorf("%w: found %d", ErrAuthorityKeyIDMultiple, len(c.AuthorityKeyIDs))
	}
}

func (c *Certificate) attribute(oid asn1.ObjectIdentifier) (string, bool) {
	for _, a := range c.Subject {
		if a.Type.Equal(oid) {
			return a.Value, true
		}
	}
	return "", false
}
