// Package signature verifies the two ECDSA signatures of a device
// attestation: the certification authority's signature over the
// Certification Declaration and the device's signature over its attestation
// elements.
package signature

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kacy/dac-attestation/cms"
	"github.com/kacy/dac-attestation/truststore"
)

// P256BaseLen is the width of each of r and s in a raw P-256 signature.
const P256BaseLen = 32

// Common errors.
var (
	// ErrKeyNotFound is returned when no trust anchor matches the signer.
	ErrKeyNotFound = truststore.ErrKeyNotFound

	ErrSignatureInvalid   = errors.New("signature verification failed")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrUnsupportedKey     = errors.New("unsupported public key")
)

// VerifyDeclaration verifies the envelope signature over its encapsulated
// content with the trust anchor named by the signer's subject key
// identifier. Lookup failures other than a missing key are returned as is.
func VerifyDeclaration(ctx context.Context, store truststore.Store, env *cms.SignedEnvelope) error {
	if len(env.SignerInfos) != 1 {
		return fmt.Errorf("%w: envelope has %d signers, want 1", ErrMalformedSignature, len(env.SignerInfos))
	}
	signer := env.Signer()
	pub, err := store.Lookup(ctx, signer.SubjectKeyID)
	if err != nil {
		return err
	}
	key, err := p256Key(pub)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(env.Content)
	if !ecdsa.VerifyASN1(key, digest[:], signer.Signature) {
		return fmt.Errorf("%w: declaration signer %X", ErrSignatureInvalid, signer.SubjectKeyID)
	}
	return nil
}

// VerifyAttestation verifies a raw r||s signature over elements||challenge
// with the DAC public key.
func VerifyAttestation(pub crypto.PublicKey, elements, challenge, sig []byte) error {
	key, err := p256Key(pub)
	if err != nil {
		return err
	}
	der, err := RawToASN1(sig, P256BaseLen)
	if err != nil {
		return err
	}

	h := sha256.New()
	h.Write(elements)
	h.Write(challenge)
	if !ecdsa.VerifyASN1(key, h.Sum(nil), der) {
		return fmt.Errorf("%w: attestation signature", ErrSignatureInvalid)
	}
	return nil
}

// RawToASN1 converts a fixed width r||s signature to an ASN.1
// ECDSA-Sig-Value.
func RawToASN1(sig []byte, baseLen int) ([]byte, error) {
	if len(sig) != 2*baseLen {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrMalformedSignature, len(sig), 2*baseLen)
	}
	r := new(big.Int).SetBytes(sig[:baseLen])
	s := new(big.Int).SetBytes(sig[baseLen:])

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

// ASN1ToRaw converts an ASN.1 ECDSA-Sig-Value to fixed width r||s.
func ASN1ToRaw(der []byte, baseLen int) ([]byte, error) {
	var inner cryptobyte.String
	r, s := new(big.Int), new(big.Int)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, cryptobyte_asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("%w: invalid ECDSA-Sig-Value", ErrMalformedSignature)
	}
	if r.Sign() < 0 || s.Sign() < 0 || r.BitLen() > 8*baseLen || s.BitLen() > 8*baseLen {
		return nil, fmt.Errorf("%w: integer does not fit %d bytes", ErrMalformedSignature, baseLen)
	}
	raw := make([]byte, 2*baseLen)
	r.FillBytes(raw[:baseLen])
	s.FillBytes(raw[baseLen:])
	return raw, nil
}

func p256Key(pub crypto.PublicKey) (*ecdsa.PublicKey, error) {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, key.Curve.Params().Name)
	}
	return key, nil
}
