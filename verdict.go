package attestation

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kacy/dac-attestation/declaration"
)

// Stage identifies the verification stage that reported a problem.
type Stage string

// Verification stages, in execution order.
const (
	StageElements             Stage = "elements"
	StageCertificates         Stage = "certificates"
	StageEnvelope             Stage = "envelope"
	StageDeclaration          Stage = "declaration"
	StageDeclarationSignature Stage = "cd-signature"
	StageAttestationSignature Stage = "attestation-signature"
)

// Code classifies a problem.
type Code string

// Problem codes.
const (
	CodeElementsTooLarge      Code = "elements-too-large"
	CodeMalformedTLV          Code = "malformed-tlv"
	CodeMalformedElements     Code = "malformed-elements"
	CodeNonceLength           Code = "nonce-length"
	CodeNonceMismatch         Code = "nonce-mismatch"
	CodeCertificateTooLarge   Code = "certificate-too-large"
	CodeMalformedCertificate  Code = "malformed-certificate"
	CodeVendorIDMissing       Code = "vendor-id-missing"
	CodeInvalidID             Code = "invalid-id"
	CodeMalformedEnvelope     Code = "malformed-envelope"
	CodeMalformedDeclaration  Code = "malformed-declaration"
	CodeDeclarationRule       Code = "declaration-rule"
	CodeKeyNotFound           Code = "key-not-found"
	CodeTrustStoreUnavailable Code = "trust-store-unavailable"
	CodeSignatureInvalid      Code = "signature-invalid"
	CodeMalformedSignature    Code = "malformed-signature"
	CodeUnsupportedKey        Code = "unsupported-key"
	CodeChallengeLength       Code = "challenge-length"
)

// Problem is a single verification failure.
type Problem struct {
	Stage Stage `json:"stage"`
	Code  Code  `json:"code"`

	// Rule is set for CodeDeclarationRule problems.
	Rule declaration.Rule `json:"rule,omitempty"`

	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Rule != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", p.Stage, p.Code, p.Rule, p.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", p.Stage, p.Code, p.Message)
}

// Verdict is the outcome of a verification run. Problems are in the order
// they were found; an empty list means the attestation is accepted.
type Verdict struct {
	Problems []Problem
}

// Passed reports whether no problem was found.
func (v *Verdict) Passed() bool {
	return len(v.Problems) == 0
}

// Has reports whether any problem carries the code.
func (v *Verdict) Has(code Code) bool {
	return slices.ContainsFunc(v.Problems, func(p Problem) bool { return p.Code == code })
}

// Rules returns the declaration rules that were violated, in order.
func (v *Verdict) Rules() []declaration.Rule {
	var rules []declaration.Rule
	for _, p := range v.Problems {
		if p.Rule != "" {
			rules = append(rules, p.Rule)
		}
	}
	return rules
}

func (v *Verdict) add(stage Stage, code Code, format string, args ...any) {
	v.Problems = append(v.Problems, Problem{
		Stage:   stage,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// Report is a serializable record of a verdict.
type Report struct {
	ID        string    `json:"id"`
	CheckedAt time.Time `json:"checked_at"`
	Passed    bool      `json:"passed"`
	Problems  []Problem `json:"problems"`
}

// Report snapshots the verdict under a fresh report ID.
func (v *Verdict) Report(at time.Time) *Report {
	problems := v.Problems
	if problems == nil {
		problems = []Problem{}
	}
	return &Report{
		ID:        uuid.NewString(),
		CheckedAt: at.UTC(),
		Passed:    v.Passed(),
		Problems:  problems,
	}
}

// JSON encodes the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// CBOR encodes the report as CBOR with RFC 3339 timestamps.
func (r *Report) CBOR() ([]byte, error) {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339}.EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(r)
}

// ParseReport decodes a report produced by JSON or CBOR.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if json.Valid(data) {
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	}
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report is neither JSON nor CBOR: %w", err)
	}
	return &r, nil
}
