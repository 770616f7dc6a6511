package declaration

import (
	"bytes"
	"fmt"
	"math"
	"slices"

	"github.com/kacy/dac-attestation/cert"
)

// Rule names a validation rule. Each Violation carries the rule it broke.
type Rule string

// Validation rules.
const (
	RuleFormatVersion       Rule = "format-version"
	RuleVendorIDMismatch    Rule = "vendor-id-mismatch"
	RuleVendorIDRange       Rule = "vendor-id-range"
	RuleProductIDNotListed  Rule = "product-id-not-listed"
	RuleDeviceTypeRange     Rule = "device-type-range"
	RuleCertificateIDLength Rule = "certificate-id-length"
	RuleSecurityLevel       Rule = "security-level"
	RuleSecurityInformation Rule = "security-information"
	RuleVersionNumberRange  Rule = "version-number-range"
	RuleCertificationType   Rule = "certification-type"
	RuleOriginPresence      Rule = "origin-presence"
	RuleDACVendorID         Rule = "dac-vendor-id"
	RulePAIVendorID         Rule = "pai-vendor-id"
	RuleDACProductID        Rule = "dac-product-id"
	RulePAIProductID        Rule = "pai-product-id"
	RuleAuthorizedPAA       Rule = "authorized-paa"
	RulePAIAuthorityKeyID   Rule = "pai-authority-key-id"
)

// Consistency reports whether the rule cross-checks the declaration against
// the DAC or PAI identity.
func (r Rule) Consistency() bool {
	switch r {
	case RuleDACVendorID, RulePAIVendorID, RuleDACProductID, RulePAIProductID:
		return true
	}
	return false
}

// ProductID reports whether the rule concerns product identity.
func (r Rule) ProductID() bool {
	switch r {
	case RuleProductIDNotListed, RuleDACProductID, RulePAIProductID:
		return true
	}
	return false
}

const (
	certificateIDLength = 19
	maxVendorID         = 0xFFEF
)

// Violation is a broken rule with a human readable description.
type Violation struct {
	Rule    Rule
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// ValidationContext selects the range policy. The zero value is the strict
// production policy.
type ValidationContext struct {
	// CI accepts certification type 0 and skips the vendor ID range check,
	// as used by test declarations in continuous integration.
	CI bool
}

// Input is the device identity a declaration is checked against.
type Input struct {
	// BasicVendorID and BasicProductID come from the device's basic
	// information.
	BasicVendorID  uint16
	BasicProductID uint16

	// DAC and PAI are nil when their identity could not be extracted. The
	// cross-certificate rules for a nil identity are skipped.
	DAC *cert.Identity
	PAI *cert.Identity

	// PAICertificate is checked against the authorized PAA list. Nil skips
	// that check.
	PAICertificate *cert.Certificate
}

type violations []Violation

func (v *violations) add(rule Rule, format string, args ...any) {
	*v = append(*v, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every rule and returns all violations in rule order. An
// empty result means the declaration is consistent with the input.
func Validate(cd *Declaration, in Input, ctx ValidationContext) []Violation {
	var v violations

	if cd.FormatVersion != 1 {
		v.add(RuleFormatVersion, "format version is %s, want 1", cd.number(tagFormatVersion, cd.FormatVersion))
	}
	vendorID := cd.hexID(tagVendorID, cd.VendorID)
	if cd.VendorID != uint64(in.BasicVendorID) {
		v.add(RuleVendorIDMismatch, "vendor ID %s does not match basic information vendor ID 0x%04X", vendorID, in.BasicVendorID)
	}
	if !ctx.CI && (cd.VendorID < 1 || cd.VendorID > maxVendorID) {
		v.add(RuleVendorIDRange, "vendor ID %s outside [0x0001, 0x%04X]", vendorID, maxVendorID)
	}
	if !slices.Contains(cd.ProductIDs, uint64(in.BasicProductID)) {
		v.add(RuleProductIDNotListed, "basic information product ID 0x%04X not in product ID array", in.BasicProductID)
	}
	if cd.DeviceTypeID > math.MaxInt32 {
		v.add(RuleDeviceTypeRange, "device type ID %s outside [0, %d]", cd.number(tagDeviceTypeID, cd.DeviceTypeID), math.MaxInt32)
	}
	if len(cd.CertificateID) != certificateIDLength {
		v.add(RuleCertificateIDLength, "certificate ID %q has length %d, want %d", cd.CertificateID, len(cd.CertificateID), certificateIDLength)
	}
	if cd.SecurityLevel != 0 {
		v.add(RuleSecurityLevel, "security level is %s, want 0", cd.number(tagSecurityLevel, cd.SecurityLevel))
	}
	if cd.SecurityInformation != 0 {
		v.add(RuleSecurityInformation, "security information is %s, want 0", cd.number(tagSecurityInformation, cd.SecurityInformation))
	}
	if cd.VersionNumber > math.MaxUint16 {
		v.add(RuleVersionNumberRange, "version number %s outside [0, %d]", cd.number(tagVersionNumber, cd.VersionNumber), math.MaxUint16)
	}
	if !validCertificationType(cd.CertificationType, ctx) {
		v.add(RuleCertificationType, "certification type %s not permitted (ci=%t)", cd.number(tagCertificationType, cd.CertificationType), ctx.CI)
	}

	hasOriginVID := cd.DACOriginVendorID != nil
	hasOriginPID := cd.DACOriginProductID != nil
	switch {
	case hasOriginVID != hasOriginPID:
		v.add(RuleOriginPresence, "DAC origin vendor ID present=%t but DAC origin product ID present=%t", hasOriginVID, hasOriginPID)
	case hasOriginVID:
		origin := *cd.DACOriginVendorID
		v.checkChain(in, origin, cd.hexID(tagDACOriginVendorID, origin), "DAC origin vendor ID", func(pid uint64) bool {
			return pid == *cd.DACOriginProductID
		}, "DAC origin product ID")
	default:
		v.checkChain(in, cd.VendorID, vendorID, "declaration vendor ID", func(pid uint64) bool {
			return slices.Contains(cd.ProductIDs, pid)
		}, "product ID array")
	}

	if cd.AuthorizedPAAs != nil && in.PAICertificate != nil {
		akid, err := in.PAICertificate.AuthorityKeyID()
		switch {
		case err != nil:
			v.add(RulePAIAuthorityKeyID, "PAI must carry exactly one authority key identifier: %v", err)
		case !slices.ContainsFunc(cd.AuthorizedPAAs, func(paa []byte) bool { return bytes.Equal(paa, akid) }):
			v.add(RuleAuthorizedPAA, "PAI authority key identifier %X not in authorized PAA list", akid)
		}
	}
	return v
}

// checkChain compares the DAC and PAI identities against the expected vendor
// and the product predicate. A PAI without a product ID is not checked for it.
func (v *violations) checkChain(in Input, vendorID uint64, vendorText, vendorSource string, productOK func(uint64) bool, productSource string) {
	if in.DAC != nil {
		if uint64(in.DAC.VendorID) != vendorID {
			v.add(RuleDACVendorID, "DAC vendor ID 0x%04X does not match %s %s", in.DAC.VendorID, vendorSource, vendorText)
		}
		switch {
		case !in.DAC.HasProductID:
			v.add(RuleDACProductID, "DAC carries no product ID to match against %s", productSource)
		case !productOK(uint64(in.DAC.ProductID)):
			v.add(RuleDACProductID, "DAC product ID 0x%04X does not match %s", in.DAC.ProductID, productSource)
		}
	}
	if in.PAI != nil {
		if uint64(in.PAI.VendorID) != vendorID {
			v.add(RulePAIVendorID, "PAI vendor ID 0x%04X does not match %s %s", in.PAI.VendorID, vendorSource, vendorText)
		}
		if in.PAI.HasProductID && !productOK(uint64(in.PAI.ProductID)) {
			v.add(RulePAIProductID, "PAI product ID 0x%04X does not match %s", in.PAI.ProductID, productSource)
		}
	}
}

func validCertificationType(t uint64, ctx ValidationContext) bool {
	switch t {
	case 1, 2:
		return true
	case 0:
		return ctx.CI
	}
	return false
}
