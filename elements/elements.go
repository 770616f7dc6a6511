// Package elements decodes the attestation elements a device returns in its
// attestation response.
package elements

import (
	"errors"
	"fmt"
	"math"

	"github.com/kacy/dac-attestation/tlv"
)

const (
	// MaxSize is the largest accepted encoding of attestation elements.
	MaxSize = 900

	// NonceSize is the length of the attestation nonce.
	NonceSize = 32
)

const (
	tagCertificationDeclaration = 1
	tagAttestationNonce         = 2
	tagTimestamp                = 3
	tagFirmwareInformation      = 4
)

// ErrMalformed is returned when mandatory elements are missing or hold the
// wrong type.
var ErrMalformed = errors.New("malformed attestation elements")

// Elements are the decoded attestation elements.
type Elements struct {
	// CertificationDeclaration is the DER encoded CMS envelope.
	CertificationDeclaration []byte

	// Nonce is returned as sent. Its length is not checked here.
	Nonce []byte

	// Timestamp is nil when absent.
	Timestamp *uint32

	// FirmwareInformation is nil when absent.
	FirmwareInformation []byte
}

// Parse decodes attestation elements. Members with profile tags are vendor
// reserved and ignored.
func Parse(b []byte) (*Elements, error) {
	s, err := tlv.DecodeStruct(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	e := &Elements{}
	if e.CertificationDeclaration, err = octets(s, tagCertificationDeclaration, false); err != nil {
		return nil, err
	}
	if e.Nonce, err = octets(s, tagAttestationNonce, false); err != nil {
		return nil, err
	}
	if e.FirmwareInformation, err = octets(s, tagFirmwareInformation, true); err != nil {
		return nil, err
	}
	if ts, ok := s.Context(tagTimestamp); ok {
		v, err := ts.Uint()
		if err != nil || v > math.MaxUint32 {
			return nil, fmt.Errorf("%w: timestamp is not a 32-bit unsigned integer", ErrMalformed)
		}
		t := uint32(v)
		e.Timestamp = &t
	}
	return e, nil
}

func octets(s tlv.Struct, tag uint8, optional bool) ([]byte, error) {
	el, ok := s.Context(tag)
	if !ok {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: element %d missing", ErrMalformed, tag)
	}
	b, err := el.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: element %d: %w", ErrMalformed, tag, err)
	}
	return b, nil
}

// Marshal encodes the elements in tag order.
func (e *Elements) Marshal() ([]byte, error) {
	fields := []tlv.Element{
		tlv.Bytes(tlv.ContextTag(tagCertificationDeclaration), e.CertificationDeclaration),
		tlv.Bytes(tlv.ContextTag(tagAttestationNonce), e.Nonce),
	}
	if e.Timestamp != nil {
		fields = append(fields, tlv.Uint(tlv.ContextTag(tagTimestamp), uint64(*e.Timestamp)))
	}
	if e.FirmwareInformation != nil {
		fields = append(fields, tlv.Bytes(tlv.ContextTag(tagFirmwareInformation), e.FirmwareInformation))
	}
	return tlv.Marshal(tlv.Structure(tlv.AnonymousTag(), fields...))
}
