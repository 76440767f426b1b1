package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Section names, as used in JSON payloads and the score weight table.
const (
	SectionPartyIdentification    = "party_identification"
	SectionAccountInformation     = "account_information"
	SectionFinancialDetails       = "financial_details"
	SectionPaymentStructure       = "payment_structure"
	SectionRevenueClassification  = "revenue_classification"
	SectionServiceLevelAgreements = "service_level_agreements"
)

// SectionNames lists the fixed section set in display order.
func SectionNames() []string {
	return []string{
		SectionPartyIdentification,
		SectionAccountInformation,
		SectionFinancialDetails,
		SectionPaymentStructure,
		SectionRevenueClassification,
		SectionServiceLevelAgreements,
	}
}

// Confidence is a section's extraction confidence exactly as the engine
// reported it: usually a number, sometimes a numeric string, occasionally
// garbage. Interpretation is left to scoring.
type Confidence struct {
	Raw any
}

// Conf wraps a numeric confidence.
func Conf(v float64) Confidence {
	return Confidence{Raw: v}
}

// MarshalJSON emits the raw value, or 0 when nothing was reported.
func (c Confidence) MarshalJSON() ([]byte, error) {
	if c.Raw == nil {
		return []byte("0"), nil
	}
	return json.Marshal(c.Raw)
}

// UnmarshalJSON keeps whatever JSON value was supplied.
func (c *Confidence) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	c.Raw = v
	return nil
}

// Float parses the confidence and clamps it to [0, 1]. ok is false when the
// raw value is missing or not numeric.
func (c Confidence) Float() (v float64, ok bool) {
	switch n := c.Raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return min(max(v, 0), 1), true
}

// PartyIdentification names the contracting parties.
type PartyIdentification struct {
	Parties    []string   `json:"parties"`
	Customer   string     `json:"customer,omitempty"`
	Vendor     string     `json:"vendor,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// AccountInformation holds billing account details.
type AccountInformation struct {
	AccountNumber  string     `json:"account_number,omitempty"`
	BillingContact string     `json:"billing_contact,omitempty"`
	BillingAddress string     `json:"billing_address,omitempty"`
	Confidence     Confidence `json:"confidence"`
}

// FinancialDetails holds contract value information.
type FinancialDetails struct {
	TotalContractValue string     `json:"total_contract_value,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	TaxInformation     string     `json:"tax_information,omitempty"`
	Confidence         Confidence `json:"confidence"`
}

// PaymentStructure describes how and when payment is due.
type PaymentStructure struct {
	PaymentTerms    string     `json:"payment_terms,omitempty"`
	PaymentSchedule string     `json:"payment_schedule,omitempty"`
	PaymentMethod   string     `json:"payment_method,omitempty"`
	Confidence      Confidence `json:"confidence"`
}

// RevenueClassification splits recurring from one-time revenue.
type RevenueClassification struct {
	RecurringRevenue string     `json:"recurring_revenue,omitempty"`
	OneTimeFees      string     `json:"one_time_fees,omitempty"`
	BillingFrequency string     `json:"billing_frequency,omitempty"`
	Confidence       Confidence `json:"confidence"`
}

// ServiceLevelAgreements holds SLA terms.
type ServiceLevelAgreements struct {
	PerformanceMetrics string     `json:"performance_metrics,omitempty"`
	Penalties          string     `json:"penalties,omitempty"`
	SupportTerms       string     `json:"support_terms,omitempty"`
	Confidence         Confidence `json:"confidence"`
}

// ExtractedFields is the structured result of field extraction. Every section
// is always present; a section with nothing found carries confidence 0.
type ExtractedFields struct {
	PartyIdentification    PartyIdentification    `json:"party_identification"`
	AccountInformation     AccountInformation     `json:"account_information"`
	FinancialDetails       FinancialDetails       `json:"financial_details"`
	PaymentStructure       PaymentStructure       `json:"payment_structure"`
	RevenueClassification  RevenueClassification  `json:"revenue_classification"`
	ServiceLevelAgreements ServiceLevelAgreements `json:"service_level_agreements"`
}

// EmptyFields returns fields with every section at zero confidence.
func EmptyFields() ExtractedFields {
	return ExtractedFields{
		PartyIdentification:    PartyIdentification{Parties: []string{}, Confidence: Conf(0)},
		AccountInformation:     AccountInformation{Confidence: Conf(0)},
		FinancialDetails:       FinancialDetails{Confidence: Conf(0)},
		PaymentStructure:       PaymentStructure{Confidence: Conf(0)},
		RevenueClassification:  RevenueClassification{Confidence: Conf(0)},
		ServiceLevelAgreements: ServiceLevelAgreements{Confidence: Conf(0)},
	}
}

// Confidences maps each section name to its reported confidence.
func (f ExtractedFields) Confidences() map[string]Confidence {
	return map[string]Confidence{
		SectionPartyIdentification:    f.PartyIdentification.Confidence,
		SectionAccountInformation:     f.AccountInformation.Confidence,
		SectionFinancialDetails:       f.FinancialDetails.Confidence,
		SectionPaymentStructure:       f.PaymentStructure.Confidence,
		SectionRevenueClassification:  f.RevenueClassification.Confidence,
		SectionServiceLevelAgreements: f.ServiceLevelAgreements.Confidence,
	}
}
