package extract

import (
	"context"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/contracts-cli/internal/model"
)

// Rule keys. Each names one pattern; the first capture group is the value.
const (
	RuleParties            = "parties"
	RuleTotalContractValue = "total_contract_value"
	RuleCurrency           = "currency"
	RuleAccountNumber      = "account_number"
	RulePaymentTerms       = "payment_terms"
	RuleBillingFrequency   = "billing_frequency"
	RuleRecurringRevenue   = "recurring_revenue"
	RuleOneTimeFees        = "one_time_fees"
	RulePerformanceMetrics = "performance_metrics"
	RulePenalties          = "penalties"
	RuleSupportTerms       = "support_terms"
)

// RuleSet maps rule keys to regular expressions.
type RuleSet struct {
	Patterns map[string]string `yaml:"patterns"`
}

// DefaultRuleSet returns the built-in patterns.
func DefaultRuleSet() RuleSet {
	return RuleSet{Patterns: map[string]string{
		RuleParties:            `(?is)(?:between|among)\s+(.*?)\s+(?:and|&)\s+(.*?)(?:\n|\r|,)`,
		RuleTotalContractValue: `(?i)total\s+contract\s+value\s*[:\-]?\s*\$?([\d,]+\.?\d*)`,
		RuleCurrency:           `\b(USD|EUR|GBP|CAD|AUD|JPY)\b`,
		RuleAccountNumber:      `(?i)account\s+(?:number|no\.?|#)\s*[:\-]?\s*([A-Z0-9\-]*\d[A-Z0-9\-]{2,})`,
		RulePaymentTerms:       `(?i)\b(net\s*\d{1,3}|due\s+(?:upon|on)\s+receipt)\b`,
		RuleBillingFrequency:   `(?i)\bbilled\s+(monthly|quarterly|annually|yearly|weekly)\b`,
		RuleRecurringRevenue:   `(?i)\b((?:recurring|subscription)\s+fees?[^.\n]*)`,
		RuleOneTimeFees:        `(?i)\b((?:one[\s-]time|setup|implementation)\s+fees?[^.\n]*)`,
		RulePerformanceMetrics: `(?i)(\d{2,3}(?:\.\d+)?\s*%\s*(?:uptime|availability)|(?:uptime|availability)\s+(?:of\s+)?\d{2,3}(?:\.\d+)?\s*%)`,
		RulePenalties:          `(?i)\b(service\s+credits?[^.\n]*)`,
		RuleSupportTerms:       `(?i)\b((?:24\s*/\s*7|business[\s-]hours)\s+support[^.\n]*)`,
	}}
}

// LoadRuleSet reads a YAML rule file and overlays it on the defaults. Keys
// not present in the file keep their built-in pattern.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, eris.Wrapf(err, "extract: read rules file %s", path)
	}
	var override RuleSet
	if err := yaml.Unmarshal(data, &override); err != nil {
		return RuleSet{}, eris.Wrapf(err, "extract: parse rules file %s", path)
	}

	rs := DefaultRuleSet()
	for k, v := range override.Patterns {
		if _, ok := rs.Patterns[k]; !ok {
			return RuleSet{}, eris.Errorf("extract: unknown rule %q in %s", k, path)
		}
		if strings.TrimSpace(v) != "" {
			rs.Patterns[k] = v
		}
	}
	return rs, nil
}

// RuleBased extracts fields with regular expressions. A section scores
// confidence 1.0 when its anchor rule matches and 0.0 otherwise.
type RuleBased struct {
	re map[string]*regexp.Regexp
}

// NewRuleBased compiles every pattern in rs.
func NewRuleBased(rs RuleSet) (*RuleBased, error) {
	keys := make([]string, 0, len(rs.Patterns))
	for k := range rs.Patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rb := &RuleBased{re: make(map[string]*regexp.Regexp, len(keys))}
	for _, k := range keys {
		re, err := regexp.Compile(rs.Patterns[k])
		if err != nil {
			return nil, eris.Wrapf(err, "extract: compile rule %s", k)
		}
		rb.re[k] = re
	}
	return rb, nil
}

// Name implements Engine.
func (r *RuleBased) Name() string { return StrategyRules }

// Extract implements Engine.
func (r *RuleBased) Extract(ctx context.Context, text string) (*model.ExtractedFields, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Engine: r.Name(), Reason: "cancelled", Err: err}
	}

	f := model.EmptyFields()

	f.PartyIdentification.Parties = r.parties(text)
	if len(f.PartyIdentification.Parties) > 0 {
		f.PartyIdentification.Confidence = model.Conf(1)
	}

	fd := &f.FinancialDetails
	if v, ok := r.first(RuleTotalContractValue, text); ok {
		fd.TotalContractValue = v
		fd.Confidence = model.Conf(1)
	}
	if v, ok := r.first(RuleCurrency, text); ok {
		fd.Currency = strings.ToUpper(v)
	} else if fd.TotalContractValue != "" && strings.Contains(text, "$") {
		fd.Currency = "USD"
	}

	if v, ok := r.first(RuleAccountNumber, text); ok {
		f.AccountInformation.AccountNumber = v
		f.AccountInformation.Confidence = model.Conf(1)
	}

	if v, ok := r.first(RulePaymentTerms, text); ok {
		f.PaymentStructure.PaymentTerms = normalizeSpace(v)
		f.PaymentStructure.Confidence = model.Conf(1)
	}

	rc := &f.RevenueClassification
	rc.BillingFrequency, _ = r.first(RuleBillingFrequency, text)
	rc.BillingFrequency = strings.ToLower(rc.BillingFrequency)
	rc.RecurringRevenue, _ = r.first(RuleRecurringRevenue, text)
	rc.OneTimeFees, _ = r.first(RuleOneTimeFees, text)
	if rc.BillingFrequency != "" || rc.RecurringRevenue != "" || rc.OneTimeFees != "" {
		rc.Confidence = model.Conf(1)
	}

	sla := &f.ServiceLevelAgreements
	if v, ok := r.first(RulePerformanceMetrics, text); ok {
		sla.PerformanceMetrics = normalizeSpace(v)
		sla.Confidence = model.Conf(1)
	}
	sla.Penalties, _ = r.first(RulePenalties, text)
	sla.SupportTerms, _ = r.first(RuleSupportTerms, text)

	return &f, nil
}

// parties returns every captured party name in document order, de-duplicated.
func (r *RuleBased) parties(text string) []string {
	re, ok := r.re[RuleParties]
	if !ok {
		return []string{}
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			name := normalizeSpace(g)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (r *RuleBased) first(key, text string) (string, bool) {
	re, ok := r.re[key]
	if !ok {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	return v, v != ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
