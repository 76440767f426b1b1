package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contracts-cli/internal/model"
)

func allConfidence(c model.Confidence) model.ExtractedFields {
	f := model.EmptyFields()
	f.PartyIdentification.Confidence = c
	f.AccountInformation.Confidence = c
	f.FinancialDetails.Confidence = c
	f.PaymentStructure.Confidence = c
	f.RevenueClassification.Confidence = c
	f.ServiceLevelAgreements.Confidence = c
	return f
}

func TestDefaultWeights_Valid(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	require.NoError(t, ValidateWeights(w))
	assert.InDelta(t, 100.0, w.Sum(), 1e-9)
	assert.NotContains(t, w, model.SectionRevenueClassification)
}

func TestValidateWeights_Errors(t *testing.T) {
	t.Parallel()

	err := ValidateWeights(Weights{model.SectionFinancialDetails: -5, "bogus": 105})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown section")
	assert.Contains(t, err.Error(), "must be >= 0")

	err = ValidateWeights(Weights{model.SectionFinancialDetails: 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 100")
}

func TestScore_AllOnesIsHundred(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	assert.InDelta(t, 100.0, p.Score(allConfidence(model.Conf(1))), 1e-9)
}

func TestScore_AllZeroIsZero(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	assert.Zero(t, p.Score(model.EmptyFields()))
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	f := allConfidence(model.Conf(0.333))
	first := p.Score(f)
	for range 10 {
		assert.Equal(t, first, p.Score(f))
	}
	assert.InDelta(t, 33.3, first, 1e-9)
}

func TestScore_PartiesAndValueOnly(t *testing.T) {
	t.Parallel()

	f := model.EmptyFields()
	f.PartyIdentification.Confidence = model.Conf(1)
	f.FinancialDetails.Confidence = model.Conf(1)

	assert.InDelta(t, 55.0, NewPolicy(nil).Score(f), 1e-9)
}

func TestScore_LenientConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		conf model.Confidence
		want float64
	}{
		{"numeric string", model.Confidence{Raw: "0.5"}, 50},
		{"above one clamps", model.Confidence{Raw: 4.0}, 100},
		{"negative clamps", model.Confidence{Raw: -1.0}, 0},
		{"garbage is zero", model.Confidence{Raw: "very high"}, 0},
		{"missing is zero", model.Confidence{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewPolicy(nil).Score(allConfidence(tt.conf))
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		})
	}
}

func TestScore_RevenueClassificationIgnored(t *testing.T) {
	t.Parallel()

	f := model.EmptyFields()
	f.RevenueClassification.Confidence = model.Conf(1)
	assert.Zero(t, NewPolicy(nil).Score(f))
}

func TestScore_RoundsToTwoDecimals(t *testing.T) {
	t.Parallel()

	f := model.EmptyFields()
	f.AccountInformation.Confidence = model.Conf(0.12345)
	assert.Equal(t, 1.23, NewPolicy(nil).Score(f))
}

func TestBreakdown(t *testing.T) {
	t.Parallel()

	f := model.EmptyFields()
	f.PaymentStructure.Confidence = model.Confidence{Raw: "n/a"}
	f.FinancialDetails.Confidence = model.Conf(0.5)

	parts := NewPolicy(nil).Breakdown(f)
	require.Len(t, parts, 5)
	assert.Equal(t, model.SectionPartyIdentification, parts[0].Section)

	byName := make(map[string]Contribution)
	for _, c := range parts {
		byName[c.Section] = c
	}
	assert.InDelta(t, 15.0, byName[model.SectionFinancialDetails].Points, 1e-9)
	assert.False(t, byName[model.SectionPaymentStructure].Parsed)
	assert.Zero(t, byName[model.SectionPaymentStructure].Points)
}
