// Package attestation verifies Matter device attestation.
//
// Given a device's attestation certificate (DAC), the product attestation
// intermediate (PAI) that issued it, the TLV encoded attestation elements
// and the device's signature over them, the verifier decides whether the
// device is a certified unit and whether its vendor and product identity is
// consistent across the certificates, the signed Certification Declaration
// and the device's basic information.
//
// # Verification stages
//
// Stages run in order: decode the attestation elements, parse the DAC and
// PAI, parse the CMS envelope around the Certification Declaration, decode
// and validate the declaration, then verify the declaration signature
// against the trust store and the attestation signature against the DAC
// key. A stage that cannot decode its input skips the stages that depend
// on it; independent stages still run. Every failure is reported as a
// Problem in the returned Verdict.
//
// # Basic Usage
//
//	anchors, err := truststore.LoadDir("/etc/attest/cd-anchors", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	verifier, err := attestation.NewVerifier(attestation.Config{
//	    TrustStore: anchors,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	verdict, err := verifier.Verify(ctx, &attestation.Request{
//	    DAC:                  dacDER,
//	    PAI:                  paiDER,
//	    AttestationElements:  elementsTLV,
//	    AttestationSignature: signature,
//	    AttestationChallenge: sessionChallenge,
//	    BasicInformation:     attestation.BasicInformation{VendorID: 0x130A, ProductID: 0x8000},
//	})
//	if err == nil && verdict.Passed() {
//	    // accept the device
//	}
//
// # Subpackages
//
//   - tlv: Matter TLV decoding and encoding
//   - cert: DAC/PAI field extraction
//   - cms: Certification Declaration envelope parsing
//   - declaration: Certification Declaration decoding and validation
//   - elements: attestation elements decoding
//   - signature: declaration and attestation signature verification
//   - truststore: declaration signing keys from files or Cloud Storage
//   - challenge: attestation nonce issuance
//   - redis: Redis-backed trust store and nonce store
package attestation
