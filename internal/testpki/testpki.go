// Package testpki generates device attestation fixtures for tests: a
// PAA/PAI/DAC chain, a declaration signing key with its trust store, signed
// Certification Declarations and signed attestation elements.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kacy/dac-attestation/cert"
	"github.com/kacy/dac-attestation/cms"
	"github.com/kacy/dac-attestation/declaration"
	"github.com/kacy/dac-attestation/elements"
	"github.com/kacy/dac-attestation/signature"
	"github.com/kacy/dac-attestation/truststore"
)

// Test identity used when options leave it unset.
const (
	DefaultVendorID  uint16 = 0xFFF1
	DefaultProductID uint16 = 0x8000
)

// Issued is a generated certificate and its private key.
type Issued struct {
	DER         []byte
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey
}

// ChainOptions shapes the generated certificate chain.
type ChainOptions struct {
	// VendorID and ProductID are carried by the DAC. The PAI carries the
	// same vendor ID.
	VendorID  uint16
	ProductID uint16

	// PAIProductID is put on the PAI when non-zero.
	PAIProductID uint16

	// CommonNameIDs encodes the IDs as Mvid:/Mpid: in the common names
	// instead of the dedicated subject attributes.
	CommonNameIDs bool

	// DACPadding adds an organizational unit of this many bytes to the DAC
	// subject.
	DACPadding int
}

// Chain is a PAA, the PAI it issued and the DAC the PAI issued.
type Chain struct {
	PAA *Issued
	PAI *Issued
	DAC *Issued
}

// NewChain generates a P-256 certificate chain.
func NewChain(t testing.TB, opts ChainOptions) *Chain {
	t.Helper()
	if opts.VendorID == 0 {
		opts.VendorID = DefaultVendorID
	}
	if opts.ProductID == 0 {
		opts.ProductID = DefaultProductID
	}

	paa := issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Matter Test PAA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil)

	var paiPID *uint16
	if opts.PAIProductID != 0 {
		paiPID = &opts.PAIProductID
	}
	pai := issue(t, &x509.Certificate{
		Subject:               subject("Matter Test PAI", opts.VendorID, paiPID, opts.CommonNameIDs),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, paa)

	dacSubject := subject("Matter Test DAC", opts.VendorID, &opts.ProductID, opts.CommonNameIDs)
	if opts.DACPadding > 0 {
		dacSubject.OrganizationalUnit = []string{strings.Repeat("x", opts.DACPadding)}
	}
	dac := issue(t, &x509.Certificate{
		Subject:               dacSubject,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}, pai)

	return &Chain{PAA: paa, PAI: pai, DAC: dac}
}

func subject(cn string, vid uint16, pid *uint16, commonNameIDs bool) pkix.Name {
	if commonNameIDs {
		cn = fmt.Sprintf("%s Mvid:%04X", cn, vid)
		if pid != nil {
			cn = fmt.Sprintf("%s Mpid:%04X", cn, *pid)
		}
		return pkix.Name{CommonName: cn}
	}

	name := pkix.Name{CommonName: cn}
	name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: cert.OIDVendorID, Value: fmt.Sprintf("%04X", vid)})
	if pid != nil {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: cert.OIDProductID, Value: fmt.Sprintf("%04X", *pid)})
	}
	return name
}

// issue signs tmpl with parent's key, or self-signs when parent is nil.
func issue(t testing.TB, tmpl *x509.Certificate, parent *Issued) *Issued {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	require.NoError(t, err)
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.SubjectKeyId = RandomBytes(t, 20)

	parentCert, signer := tmpl, key
	if parent != nil {
		parentCert, signer = parent.Certificate, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, key.Public(), signer)
	require.NoError(t, err)
	c, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Issued{DER: der, Certificate: c, Key: key}
}

// RandomBytes returns n random bytes.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// Signer is a Certification Declaration signing key.
type Signer struct {
	*Issued
	SubjectKeyID []byte
}

// NewSigner generates a self-signed declaration signing certificate.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	iss := issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Matter Test CD Signing Key"},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}, nil)
	return &Signer{Issued: iss, SubjectKeyID: iss.Certificate.SubjectKeyId}
}

// Store returns a trust store holding only this signer.
func (s *Signer) Store(t testing.TB) *truststore.MemoryStore {
	t.Helper()
	store := truststore.NewMemoryStore()
	require.NoError(t, store.Add(s.SubjectKeyID, s.Key.Public()))
	return store
}

// Envelope signs content and returns the DER encoded envelope.
func (s *Signer) Envelope(t testing.TB, content []byte) []byte {
	t.Helper()
	env, err := cms.Sign(content, s.SubjectKeyID, s.Key)
	require.NoError(t, err)
	der, err := cms.Marshal(env)
	require.NoError(t, err)
	return der
}

// NewDeclaration returns a declaration that passes validation for a device
// with the given vendor ID and any of the product IDs.
func NewDeclaration(vendorID uint16, productIDs ...uint16) *declaration.Declaration {
	pids := make([]uint64, len(productIDs))
	for i, pid := range productIDs {
		pids[i] = uint64(pid)
	}
	return &declaration.Declaration{
		FormatVersion:     1,
		VendorID:          uint64(vendorID),
		ProductIDs:        pids,
		DeviceTypeID:      0x0016,
		CertificateID:     "ZIG20142ZB330003-24",
		VersionNumber:     0x2694,
		CertificationType: 1,
	}
}

// Bundle is a complete attestation. Tests adjust the inputs and call Seal
// to regenerate the signed outputs.
type Bundle struct {
	Chain       *Chain
	Signer      *Signer
	Declaration *declaration.Declaration

	Nonce               []byte
	Challenge           []byte
	FirmwareInformation []byte

	// Sealed outputs.
	Envelope  []byte
	Elements  []byte
	Signature []byte
}

// NewBundle generates a sealed attestation whose declaration matches the
// chain identity.
func NewBundle(t testing.TB, opts ChainOptions) *Bundle {
	t.Helper()
	chain := NewChain(t, opts)
	vid, pid := opts.VendorID, opts.ProductID
	if vid == 0 {
		vid = DefaultVendorID
	}
	if pid == 0 {
		pid = DefaultProductID
	}

	b := &Bundle{
		Chain:       chain,
		Signer:      NewSigner(t),
		Declaration: NewDeclaration(vid, pid),
		Nonce:       RandomBytes(t, elements.NonceSize),
		Challenge:   RandomBytes(t, 16),
	}
	b.Seal(t)
	return b
}

// Seal encodes and signs the declaration, wraps it with the nonce into
// attestation elements and signs those with the DAC key.
func (b *Bundle) Seal(t testing.TB) {
	t.Helper()
	content, err := b.Declaration.Marshal()
	require.NoError(t, err)
	b.Envelope = b.Signer.Envelope(t, content)

	el := &elements.Elements{
		CertificationDeclaration: b.Envelope,
		Nonce:                    b.Nonce,
		FirmwareInformation:      b.FirmwareInformation,
	}
	b.Elements, err = el.Marshal()
	require.NoError(t, err)
	b.Signature = b.SignElements(t, b.Elements)
}

// SignElements returns the DAC's raw r||s signature over
// elements||challenge.
func (b *Bundle) SignElements(t testing.TB, raw []byte) []byte {
	t.Helper()
	h := sha256.New()
	h.Write(raw)
	h.Write(b.Challenge)
	der, err := ecdsa.SignASN1(rand.Reader, b.Chain.DAC.Key, h.Sum(nil))
	require.NoError(t, err)
	sig, err := signature.ASN1ToRaw(der, signature.P256BaseLen)
	require.NoError(t, err)
	return sig
}
