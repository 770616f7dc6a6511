package cms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	testContent = []byte{0x15, 0x24, 0x00, 0x01, 0x18}
	testSKID    = []byte{0x62, 0xfa, 0x82, 0x33, 0x59, 0xac, 0xfa, 0xa9, 0x96, 0x3e, 0x1c, 0xfa, 0x14, 0x0a, 0xdd, 0xf5, 0x04, 0xf3, 0x71, 0x60}
)

func signedEnvelope(t *testing.T) (*SignedEnvelope, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	env, err := Sign(testContent, testSKID, key)
	require.NoError(t, err)
	return env, key
}

func marshal(t *testing.T, env *SignedEnvelope) []byte {
	t.Helper()
	der, err := Marshal(env)
	require.NoError(t, err)
	return der
}

func TestSignAndParse(t *testing.T) {
	env, key := signedEnvelope(t)

	parsed, err := Parse(marshal(t, env))
	require.NoError(t, err)
	assert.Equal(t, env, parsed)

	signer := parsed.Signer()
	assert.Equal(t, testSKID, signer.SubjectKeyID)
	assert.Equal(t, testContent, parsed.Content)

	digest := sha256.Sum256(parsed.Content)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], signer.Signature))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *SignedEnvelope)
	}{
		{"content type is data", func(env *SignedEnvelope) { env.ContentType = OIDData }},
		{"signed data version 1", func(env *SignedEnvelope) { env.Version = 1 }},
		{"no digest algorithms", func(env *SignedEnvelope) { env.DigestAlgorithms = nil }},
		{"two digest algorithms", func(env *SignedEnvelope) {
			env.DigestAlgorithms = append(env.DigestAlgorithms, OIDSHA256)
		}},
		{"sha1 digest", func(env *SignedEnvelope) {
			env.DigestAlgorithms = []asn1.ObjectIdentifier{{1, 3, 14, 3, 2, 26}}
		}},
		{"encapsulated signed data", func(env *SignedEnvelope) { env.EncapsulatedContentType = OIDSignedData }},
		{"no signers", func(env *SignedEnvelope) { env.SignerInfos = nil }},
		{"two signers", func(env *SignedEnvelope) {
			env.SignerInfos = append(env.SignerInfos, env.SignerInfos[0])
		}},
		{"signer version 1", func(env *SignedEnvelope) { env.SignerInfos[0].Version = 1 }},
		{"signer digest sha384", func(env *SignedEnvelope) {
			env.SignerInfos[0].DigestAlgorithm = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
		}},
		{"ecdsa with sha384", func(env *SignedEnvelope) {
			env.SignerInfos[0].SignatureAlgorithm = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := signedEnvelope(t)
			tt.mutate(env)
			_, err := Parse(marshal(t, env))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_RejectsEncodings(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"not a sequence", []byte{0x04, 0x01, 0x00}},
		{"absent content", rawEnvelope(t, rawOptions{omitContent: true})},
		{"issuer and serial signer", rawEnvelope(t, rawOptions{issuerSerial: true})},
		{"signed attributes", rawEnvelope(t, rawOptions{signedAttrs: true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	t.Run("trailing bytes", func(t *testing.T) {
		env, _ := signedEnvelope(t)
		_, err := Parse(append(marshal(t, env), 0x00))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestParse_AcceptsCertificatesAndParameters(t *testing.T) {
	der := rawEnvelope(t, rawOptions{certificates: true, nullParams: true})
	env, err := Parse(der)
	require.NoError(t, err)
	assert.Equal(t, testContent, env.Content)
	assert.Equal(t, testSKID, env.Signer().SubjectKeyID)
}

type rawOptions struct {
	omitContent  bool
	issuerSerial bool
	signedAttrs  bool
	certificates bool
	nullParams   bool
}

// rawEnvelope builds envelopes with shapes Marshal never produces.
func rawEnvelope(t testing.TB, opts rawOptions) []byte {
	t.Helper()
	algorithm := func(b *cryptobyte.Builder, oid asn1.ObjectIdentifier) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(alg *cryptobyte.Builder) {
			alg.AddASN1ObjectIdentifier(oid)
			if opts.nullParams {
				alg.AddASN1NULL()
			}
		})
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(ci *cryptobyte.Builder) {
		ci.AddASN1ObjectIdentifier(OIDSignedData)
		ci.AddASN1(tagExplicitContent, func(explicit *cryptobyte.Builder) {
			explicit.AddASN1(cryptobyte_asn1.SEQUENCE, func(sd *cryptobyte.Builder) {
				sd.AddASN1Int64(3)
				sd.AddASN1(cryptobyte_asn1.SET, func(set *cryptobyte.Builder) {
					algorithm(set, OIDSHA256)
				})
				sd.AddASN1(cryptobyte_asn1.SEQUENCE, func(encap *cryptobyte.Builder) {
					encap.AddASN1ObjectIdentifier(OIDData)
					if !opts.omitContent {
						encap.AddASN1(tagExplicitContent, func(c *cryptobyte.Builder) {
							c.AddASN1OctetString(testContent)
						})
					}
				})
				if opts.certificates {
					sd.AddASN1(tagCertificates, func(certs *cryptobyte.Builder) {
						certs.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
					})
				}
				sd.AddASN1(cryptobyte_asn1.SET, func(set *cryptobyte.Builder) {
					set.AddASN1(cryptobyte_asn1.SEQUENCE, func(si *cryptobyte.Builder) {
						si.AddASN1Int64(3)
						if opts.issuerSerial {
							si.AddASN1(cryptobyte_asn1.SEQUENCE, func(ias *cryptobyte.Builder) {
								ias.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
								ias.AddASN1Int64(1)
							})
						} else {
							si.AddASN1(tagSubjectKeyID, func(k *cryptobyte.Builder) {
								k.AddBytes(testSKID)
							})
						}
						algorithm(si, OIDSHA256)
						if opts.signedAttrs {
							si.AddASN1(tagSignedAttributes, func(attrs *cryptobyte.Builder) {
								attrs.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
							})
						}
						algorithm(si, OIDECDSAWithSHA256)
						si.AddASN1OctetString([]byte{0x30, 0x00})
					})
				})
			})
		})
	})
	der, err := b.Bytes()
	require.NoError(t, err)
	return der
}

func FuzzParse(f *testing.F) {
	f.Add(rawEnvelope(f, rawOptions{}))
	f.Add(rawEnvelope(f, rawOptions{certificates: true, nullParams: true}))

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := Parse(data)
		if err != nil {
			return
		}
		if len(env.SignerInfos) != 1 || !env.DigestAlgorithms[0].Equal(OIDSHA256) {
			t.Fatalf("accepted envelope violates profile: %+v", env)
		}
	})
}
