package attestation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/dac-attestation/cert"
	"github.com/kacy/dac-attestation/cms"
	"github.com/kacy/dac-attestation/declaration"
	"github.com/kacy/dac-attestation/elements"
	"github.com/kacy/dac-attestation/signature"
	"github.com/kacy/dac-attestation/tlv"
	"github.com/kacy/dac-attestation/truststore"
)

// ChallengeSize is the length of the session attestation challenge.
const ChallengeSize = 16

// Common errors returned by the attestation package.
var (
	ErrMissingRequest    = errors.New("missing verification request")
	ErrMissingTrustStore = errors.New("trust store is required")
	ErrInvalidNonce      = errors.New("invalid attestation nonce")
	ErrServerClosed      = errors.New("server is closed")
)

// BasicInformation is the identity the device reports in its basic
// information, read by the caller.
type BasicInformation struct {
	VendorID  uint16
	ProductID uint16
}

// Request carries the raw attestation material of one device.
type Request struct {
	// DAC and PAI are the DER encoded device attestation certificate and
	// the product attestation intermediate that issued it.
	DAC []byte
	PAI []byte

	// AttestationElements is the TLV encoded attestation response.
	AttestationElements []byte

	// AttestationSignature is the device's raw r||s signature over
	// AttestationElements followed by AttestationChallenge.
	AttestationSignature []byte

	// AttestationChallenge is the session bound challenge.
	AttestationChallenge []byte

	BasicInformation BasicInformation

	// ExpectedNonce, when set, must equal the nonce in the elements.
	ExpectedNonce []byte

	// Validation selects the declaration range policy.
	Validation declaration.ValidationContext
}

// Config holds configuration for the verifier.
type Config struct {
	// TrustStore resolves Certification Declaration signing keys (required).
	TrustStore truststore.Store

	// Logger receives stage and verdict logs (default: the logrus standard
	// logger).
	Logger logrus.FieldLogger
}

// Verifier verifies device attestations. It holds no per-run state and is
// safe for concurrent use.
type Verifier struct {
	store truststore.Store
	log   logrus.FieldLogger
}

// NewVerifier creates a new attestation verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.TrustStore == nil {
		return nil, ErrMissingTrustStore
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Verifier{store: cfg.TrustStore, log: log}, nil
}

// run holds the state of a single verification.
type run struct {
	req     *Request
	log     logrus.FieldLogger
	verdict Verdict

	elements *elements.Elements
	dac      *cert.Certificate
	pai      *cert.Certificate
	dacID    *cert.Identity
	paiID    *cert.Identity
	envelope *cms.SignedEnvelope
	cd       *declaration.Declaration
}

// Verify runs every verification stage and returns the verdict. Content
// failures are reported as problems; the error is only non-nil for a nil
// request.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	if req == nil {
		return nil, ErrMissingRequest
	}

	start := time.Now()
	r := &run{req: req, log: v.log}

	r.decodeElements()
	r.parseCertificates()
	r.parseEnvelope()
	r.decodeDeclaration()
	r.validateDeclaration()
	r.verifyDeclarationSignature(ctx, v.store)
	r.verifyAttestationSignature()

	fields := logrus.Fields{
		"problems": len(r.verdict.Problems),
		"duration": time.Since(start),
	}
	if r.dacID != nil {
		fields["dac"] = r.dacID.String()
	}
	if r.verdict.Passed() {
		v.log.WithFields(fields).Info("Attestation accepted")
	} else {
		v.log.WithFields(fields).Info("Attestation rejected")
	}
	return &r.verdict, nil
}

func (r *run) stageLog(stage Stage) logrus.FieldLogger {
	return r.log.WithField("stage", stage)
}

func (r *run) decodeElements() {
	log := r.stageLog(StageElements)
	raw := r.req.AttestationElements

	if len(raw) > elements.MaxSize {
		r.verdict.add(StageElements, CodeElementsTooLarge, "attestation elements are %d bytes, limit %d", len(raw), elements.MaxSize)
	}

	el, err := elements.Parse(raw)
	if err != nil {
		code := CodeMalformedElements
		if errors.Is(err, tlv.ErrMalformed) {
			code = CodeMalformedTLV
		}
		r.verdict.add(StageElements, code, "%v", err)
		log.WithError(err).Debug("Attestation elements not decoded")
		return
	}
	r.elements = el

	if len(el.Nonce) != elements.NonceSize {
		r.verdict.add(StageElements, CodeNonceLength, "attestation nonce is %d bytes, want %d", len(el.Nonce), elements.NonceSize)
	} else if r.req.ExpectedNonce != nil && !bytes.Equal(el.Nonce, r.req.ExpectedNonce) {
		r.verdict.add(StageElements, CodeNonceMismatch, "attestation nonce does not match the issued nonce")
	}
	log.WithField("size", len(raw)).Debug("Attestation elements decoded")
}

func (r *run) parseCertificates() {
	r.dac, r.dacID = r.parseCertificate("DAC", r.req.DAC)
	r.pai, r.paiID = r.parseCertificate("PAI", r.req.PAI)
}

func (r *run) parseCertificate(name string, der []byte) (*cert.Certificate, *cert.Identity) {
	log := r.stageLog(StageCertificates).WithField("certificate", name)

	if len(der) > cert.MaxDERSize {
		r.verdict.add(StageCertificates, CodeCertificateTooLarge, "%s is %d bytes, limit %d", name, len(der), cert.MaxDERSize)
	}

	c, err := cert.Parse(der)
	if err != nil {
		r.verdict.add(StageCertificates, CodeMalformedCertificate, "%s: %v", name, err)
		log.WithError(err).Debug("Certificate not parsed")
		return nil, nil
	}

	id, err := cert.ExtractVendorProductIDs(c)
	if err != nil {
		code := CodeInvalidID
		if errors.Is(err, cert.ErrVendorIDMissing) {
			code = CodeVendorIDMissing
		}
		r.verdict.add(StageCertificates, code, "%s: %v", name, err)
		log.WithError(err).Debug("Certificate identity not extracted")
		return c, nil
	}

	log.WithField("identity", id.String()).Debug("Certificate parsed")
	return c, &id
}

func (r *run) parseEnvelope() {
	if r.elements == nil {
		return
	}
	log := r.stageLog(StageEnvelope)

	env, err := cms.Parse(r.elements.CertificationDeclaration)
	if err != nil {
		r.verdict.add(StageEnvelope, CodeMalformedEnvelope, "%v", err)
		log.WithError(err).Debug("Envelope not parsed")
		return
	}
	r.envelope = env
	log.WithField("signer", signerField(env)).Debug("Envelope parsed")
}

func (r *run) decodeDeclaration() {
	if r.envelope == nil {
		return
	}

	cd, err := declaration.Parse(r.envelope.Content)
	if err != nil {
		r.verdict.add(StageDeclaration, CodeMalformedDeclaration, "%v", err)
		r.stageLog(StageDeclaration).WithError(err).Debug("Declaration not decoded")
		return
	}
	r.cd = cd
}

func (r *run) validateDeclaration() {
	if r.cd == nil {
		return
	}

	violations := declaration.Validate(r.cd, declaration.Input{
		BasicVendorID:  r.req.BasicInformation.VendorID,
		BasicProductID: r.req.BasicInformation.ProductID,
		DAC:            r.dacID,
		PAI:            r.paiID,
		PAICertificate: r.pai,
	}, r.req.Validation)

	for _, vi := range violations {
		r.verdict.Problems = append(r.verdict.Problems, Problem{
			Stage:   StageDeclaration,
			Code:    CodeDeclarationRule,
			Rule:    vi.Rule,
			Message: vi.Message,
		})
	}
	r.stageLog(StageDeclaration).WithFields(logrus.Fields{
		"certificate_id": r.cd.CertificateID,
		"violations":     len(violations),
		"ci":             r.req.Validation.CI,
	}).Debug("Declaration validated")
}

func (r *run) verifyDeclarationSignature(ctx context.Context, store truststore.Store) {
	if r.envelope == nil {
		return
	}
	log := r.stageLog(StageDeclarationSignature).WithField("signer", signerField(r.envelope))

	err := signature.VerifyDeclaration(ctx, store, r.envelope)
	if err != nil {
		r.verdict.add(StageDeclarationSignature, signatureCode(err), "%v", err)
		log.WithError(err).Debug("Declaration signature rejected")
		return
	}
	log.Debug("Declaration signature verified")
}

func (r *run) verifyAttestationSignature() {
	if r.dac == nil {
		return
	}
	log := r.stageLog(StageAttestationSignature)

	if n := len(r.req.AttestationChallenge); n != ChallengeSize {
		r.verdict.add(StageAttestationSignature, CodeChallengeLength, "attestation challenge is %d bytes, want %d", n, ChallengeSize)
		return
	}

	err := signature.VerifyAttestation(r.dac.PublicKey, r.req.AttestationElements, r.req.AttestationChallenge, r.req.AttestationSignature)
	if err != nil {
		r.verdict.add(StageAttestationSignature, signatureCode(err), "%v", err)
		log.WithError(err).Debug("Attestation signature rejected")
		return
	}
	log.Debug("Attestation signature verified")
}

// signatureCode maps a signature verification error to a problem code.
// Lookup failures other than a missing key mean the trust store could not
// answer.
func signatureCode(err error) Code {
	switch {
	case errors.Is(err, signature.ErrKeyNotFound):
		return CodeKeyNotFound
	case errors.Is(err, signature.ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, signature.ErrMalformedSignature):
		return CodeMalformedSignature
	case errors.Is(err, signature.ErrUnsupportedKey):
		return CodeUnsupportedKey
	default:
		return CodeTrustStoreUnavailable
	}
}

func signerField(env *cms.SignedEnvelope) string {
	return fmt.Sprintf("%X", env.Signer().SubjectKeyID)
}
