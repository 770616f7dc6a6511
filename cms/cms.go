// Package cms parses the CMS SignedData envelope that carries a
// Certification Declaration.
//
// Parse checks structure and algorithm identifiers only. The signature is
// verified separately against a trust anchor store.
package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformed is returned for envelopes that do not match the accepted
// SignedData profile.
var ErrMalformed = errors.New("malformed CMS envelope")

// Object identifiers used by the envelope.
var (
	OIDSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDData            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

const (
	signedDataVersion = 3
	signerInfoVersion = 3
)

var (
	tagExplicitContent = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()
	tagSubjectKeyID    = cryptobyte_asn1.Tag(0).ContextSpecific()
	tagCRLs            = cryptobyte_asn1.Tag(1).Constructed().ContextSpecific()

	// certificates [0] and signedAttrs [0] share the explicit content tag;
	// unsignedAttrs [1] shares the CRL tag.
	tagCertificates     = tagExplicitContent
	tagSignedAttributes = tagExplicitContent
	tagUnsignedAttrs    = tagCRLs
)

// SignerInfo identifies the signer and carries its signature.
type SignerInfo struct {
	Version            int
	SubjectKeyID       []byte
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier

	// Signature is the DER encoded ECDSA signature over Content.
	Signature []byte
}

// SignedEnvelope is a parsed SignedData envelope.
type SignedEnvelope struct {
	ContentType             asn1.ObjectIdentifier
	Version                 int
	DigestAlgorithms        []asn1.ObjectIdentifier
	EncapsulatedContentType asn1.ObjectIdentifier

	// Content is the encapsulated payload, the TLV encoded declaration.
	Content []byte

	SignerInfos []SignerInfo
}

// Signer returns the single signer of the envelope. It returns the zero
// SignerInfo when the envelope does not hold exactly one signer, which Parse
// never produces.
func (e *SignedEnvelope) Signer() SignerInfo {
	if len(e.SignerInfos) != 1 {
		return SignerInfo{}
	}
	return e.SignerInfos[0]
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse decodes a DER encoded ContentInfo holding SignedData. The envelope
// must use version 3, a single SHA-256 digest algorithm, id-data content and
// exactly one version 3 signer identified by subject key identifier signing
// with ECDSA and SHA-256. Signed attributes are rejected because the
// signature must cover the content itself.
func Parse(der []byte) (*SignedEnvelope, error) {
	env := &SignedEnvelope{}

	input := cryptobyte.String(der)
	var contentInfo, explicit, signedData cryptobyte.String
	if !input.ReadASN1(&contentInfo, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("invalid ContentInfo")
	}
	if !contentInfo.ReadASN1ObjectIdentifier(&env.ContentType) {
		return nil, malformed("invalid content type")
	}
	if !env.ContentType.Equal(OIDSignedData) {
		return nil, malformed("content type %s is not signed-data", env.ContentType)
	}
	if !contentInfo.ReadASN1(&explicit, tagExplicitContent) || !contentInfo.Empty() ||
		!explicit.ReadASN1(&signedData, cryptobyte_asn1.SEQUENCE) || !explicit.Empty() {
		return nil, malformed("invalid SignedData")
	}

	if !signedData.ReadASN1Integer(&env.Version) {
		return nil, malformed("invalid SignedData version")
	}
	if env.Version != signedDataVersion {
		return nil, malformed("SignedData version %d, want %d", env.Version, signedDataVersion)
	}

	var digests cryptobyte.String
	if !signedData.ReadASN1(&digests, cryptobyte_asn1.SET) {
		return nil, malformed("invalid digest algorithm set")
	}
	for !digests.Empty() {
		oid, err := readAlgorithm(&digests)
		if err != nil {
			return nil, err
		}
		env.DigestAlgorithms = append(env.DigestAlgorithms, oid)
	}
	if len(env.DigestAlgorithms) != 1 {
		return nil, malformed("%d digest algorithms, want 1", len(env.DigestAlgorithms))
	}
	if !env.DigestAlgorithms[0].Equal(OIDSHA256) {
		return nil, malformed("digest algorithm %s is not SHA-256", env.DigestAlgorithms[0])
	}

	if err := env.parseEncapsulatedContent(&signedData); err != nil {
		return nil, err
	}

	if !signedData.SkipOptionalASN1(tagCertificates) || !signedData.SkipOptionalASN1(tagCRLs) {
		return nil, malformed("invalid certificates or CRLs")
	}

	var signers cryptobyte.String
	if !signedData.ReadASN1(&signers, cryptobyte_asn1.SET) || !signedData.Empty() {
		return nil, malformed("invalid signer infos")
	}
	for !signers.Empty() {
		si, err := parseSignerInfo(&signers)
		if err != nil {
			return nil, err
		}
		env.SignerInfos = append(env.SignerInfos, si)
	}
	if len(env.SignerInfos) != 1 {
		return nil, malformed("%d signer infos, want 1", len(env.SignerInfos))
	}
	return env, nil
}

func (env *SignedEnvelope) parseEncapsulatedContent(signedData *cryptobyte.String) error {
	var encap, explicit, content cryptobyte.String
	var hasContent bool
	if !signedData.ReadASN1(&encap, cryptobyte_asn1.SEQUENCE) ||
		!encap.ReadASN1ObjectIdentifier(&env.EncapsulatedContentType) {
		return malformed("invalid encapsulated content info")
	}
	if !env.EncapsulatedContentType.Equal(OIDData) {
		return malformed("encapsulated content type %s is not data", env.EncapsulatedContentType)
	}
	if !encap.ReadOptionalASN1(&explicit, &hasContent, tagExplicitContent) || !encap.Empty() {
		return malformed("invalid encapsulated content")
	}
	if !hasContent {
		return malformed("encapsulated content is absent")
	}
	if !explicit.ReadASN1(&content, cryptobyte_asn1.OCTET_STRING) || !explicit.Empty() {
		return malformed("encapsulated content is not an octet string")
	}
	env.Content = append([]byte(nil), content...)
	return nil
}

func parseSignerInfo(signers *cryptobyte.String) (SignerInfo, error) {
	var si SignerInfo
	var raw, skid, sig cryptobyte.String
	if !signers.ReadASN1(&raw, cryptobyte_asn1.SEQUENCE) || !raw.ReadASN1Integer(&si.Version) {
		return si, malformed("invalid signer info")
	}
	if si.Version != signerInfoVersion {
		return si, malformed("signer info version %d, want %d", si.Version, signerInfoVersion)
	}
	if !raw.ReadASN1(&skid, tagSubjectKeyID) {
		return si, malformed("signer is not identified by subject key identifier")
	}
	si.SubjectKeyID = append([]byte(nil), skid...)

	var err error
	if si.DigestAlgorithm, err = readAlgorithm(&raw); err != nil {
		return si, err
	}
	if !si.DigestAlgorithm.Equal(OIDSHA256) {
		return si, malformed("signer digest algorithm %s is not SHA-256", si.DigestAlgorithm)
	}
	if raw.PeekASN1Tag(tagSignedAttributes) {
		return si, malformed("signed attributes are not supported")
	}
	if si.SignatureAlgorithm, err = readAlgorithm(&raw); err != nil {
		return si, err
	}
	if !si.SignatureAlgorithm.Equal(OIDECDSAWithSHA256) {
		return si, malformed("signature algorithm %s is not ECDSA with SHA-256", si.SignatureAlgorithm)
	}
	if !raw.ReadASN1(&sig, cryptobyte_asn1.OCTET_STRING) {
		return si, malformed("invalid signature")
	}
	si.Signature = append([]byte(nil), sig...)
	if !raw.SkipOptionalASN1(tagUnsignedAttrs) || !raw.Empty() {
		return si, malformed("trailing data in signer info")
	}
	return si, nil
}

// readAlgorithm reads an AlgorithmIdentifier and returns its OID. Parameters
// are ignored.
func readAlgorithm(s *cryptobyte.String) (asn1.ObjectIdentifier, error) {
	var alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !s.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) || !alg.ReadASN1ObjectIdentifier(&oid) {
		return nil, malformed("invalid algorithm identifier")
	}
	return oid, nil
}

// Marshal encodes the envelope as a DER ContentInfo. Only the subject key
// identifier form of signer identification is produced.
func Marshal(env *SignedEnvelope) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(ci *cryptobyte.Builder) {
		ci.AddASN1ObjectIdentifier(env.ContentType)
		ci.AddASN1(tagExplicitContent, func(explicit *cryptobyte.Builder) {
			explicit.AddASN1(cryptobyte_asn1.SEQUENCE, func(sd *cryptobyte.Builder) {
				sd.AddASN1Int64(int64(env.Version))
				sd.AddASN1(cryptobyte_asn1.SET, func(set *cryptobyte.Builder) {
					for _, oid := range env.DigestAlgorithms {
						addAlgorithm(set, oid)
					}
				})
				sd.AddASN1(cryptobyte_asn1.SEQUENCE, func(encap *cryptobyte.Builder) {
					encap.AddASN1ObjectIdentifier(env.EncapsulatedContentType)
					encap.AddASN1(tagExplicitContent, func(c *cryptobyte.Builder) {
						c.AddASN1OctetString(env.Content)
					})
				})
				sd.AddASN1(cryptobyte_asn1.SET, func(set *cryptobyte.Builder) {
					for _, si := range env.SignerInfos {
						set.AddASN1(cryptobyte_asn1.SEQUENCE, func(s *cryptobyte.Builder) {
							s.AddASN1Int64(int64(si.Version))
							s.AddASN1(tagSubjectKeyID, func(k *cryptobyte.Builder) {
								k.AddBytes(si.SubjectKeyID)
							})
							addAlgorithm(s, si.DigestAlgorithm)
							addAlgorithm(s, si.SignatureAlgorithm)
							s.AddASN1OctetString(si.Signature)
						})
					}
				})
			})
		})
	})
	return b.Bytes()
}

func addAlgorithm(b *cryptobyte.Builder, oid asn1.ObjectIdentifier) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(alg *cryptobyte.Builder) {
		alg.AddASN1ObjectIdentifier(oid)
	})
}

// Sign builds an envelope for content signed by signer, identified by skid.
// The signer must produce ECDSA signatures.
func Sign(content, skid []byte, signer crypto.Signer) (*SignedEnvelope, error) {
	digest := sha256.Sum256(content)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing content: %w", err)
	}
	return &SignedEnvelope{
		ContentType:             OIDSignedData,
		Version:                 signedDataVersion,
		DigestAlgorithms:        []asn1.ObjectIdentifier{OIDSHA256},
		EncapsulatedContentType: OIDData,
		Content:                 append([]byte(nil), content...),
		SignerInfos: []SignerInfo{{
			Version:            signerInfoVersion,
			SubjectKeyID:       append([]byte(nil), skid...),
			DigestAlgorithm:    OIDSHA256,
			SignatureAlgorithm: OIDECDSAWithSHA256,
			Signature:          sig,
		}},
	}, nil
}
