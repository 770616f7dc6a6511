package attestation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/dac-attestation/declaration"
)

func sampleVerdict() *Verdict {
	v := &Verdict{}
	v.add(StageElements, CodeNonceLength, "attestation nonce is %d bytes, want %d", 33, 32)
	v.Problems = append(v.Problems, Problem{
		Stage:   StageDeclaration,
		Code:    CodeDeclarationRule,
		Rule:    declaration.RuleDACProductID,
		Message: "DAC product ID 0x8000 does not match product ID array",
	})
	return v
}

func TestVerdict(t *testing.T) {
	empty := &Verdict{}
	assert.True(t, empty.Passed())
	assert.False(t, empty.Has(CodeNonceLength))
	assert.Empty(t, empty.Rules())

	v := sampleVerdict()
	assert.False(t, v.Passed())
	assert.True(t, v.Has(CodeNonceLength))
	assert.True(t, v.Has(CodeDeclarationRule))
	assert.False(t, v.Has(CodeKeyNotFound))
	assert.Equal(t, []declaration.Rule{declaration.RuleDACProductID}, v.Rules())

	assert.Equal(t, "[elements] nonce-length: attestation nonce is 33 bytes, want 32", v.Problems[0].String())
	assert.Equal(t, "[declaration] declaration-rule (dac-product-id): DAC product ID 0x8000 does not match product ID array", v.Problems[1].String())
}

func TestReport_Encodings(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	report := sampleVerdict().Report(at)

	_, err := uuid.Parse(report.ID)
	require.NoError(t, err)
	assert.False(t, report.Passed)

	tests := []struct {
		name   string
		encode func() ([]byte, error)
	}{
		{"json", report.JSON},
		{"cbor", report.CBOR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.encode()
			require.NoError(t, err)

			got, err := ParseReport(data)
			require.NoError(t, err)
			assert.Equal(t, report.ID, got.ID)
			assert.True(t, at.Equal(got.CheckedAt))
			assert.Equal(t, report.Passed, got.Passed)
			assert.Equal(t, report.Problems, got.Problems)
		})
	}
}

func TestReport_PassedHasEmptyProblemList(t *testing.T) {
	report := (&Verdict{}).Report(time.Now())
	data, err := report.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"problems": []`)
	assert.Contains(t, string(data), `"passed": true`)
}

func TestReport_IDsAreUnique(t *testing.T) {
	v := &Verdict{}
	assert.NotEqual(t, v.Report(time.Now()).ID, v.Report(time.Now()).ID)
}

func TestParseReport_Garbage(t *testing.T) {
	_, err := ParseReport([]byte{0xff, 0xff})
	assert.Error(t, err)
}
