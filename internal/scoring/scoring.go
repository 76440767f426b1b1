// Package scoring turns per-section extraction confidences into a single
// 0-100 completeness score.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/model"
)

// Weights maps a section name to its share of the 100-point score. Sections
// without an entry contribute nothing.
type Weights map[string]float64

// DefaultWeights returns the fixed weight table. Weights sum to 100;
// revenue_classification is intentionally unweighted.
func DefaultWeights() Weights {
	return Weights{
		model.SectionPartyIdentification:    25,
		model.SectionFinancialDetails:       30,
		model.SectionPaymentStructure:       20,
		model.SectionServiceLevelAgreements: 15,
		model.SectionAccountInformation:     10,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

// ValidateWeights checks that weights are non-negative, name known sections
// and sum to 100.
func ValidateWeights(w Weights) error {
	var errs []string

	known := make(map[string]bool)
	for _, name := range model.SectionNames() {
		known[name] = true
	}

	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("unknown section %q", name))
		}
		if w[name] < 0 {
			errs = append(errs, fmt.Sprintf("%s weight must be >= 0", name))
		}
	}

	if sum := w.Sum(); math.Abs(sum-100) > 1e-9 {
		errs = append(errs, fmt.Sprintf("weights should sum to 100, got %.1f", sum))
	}

	if len(errs) > 0 {
		return eris.Errorf("scoring: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Policy computes completeness scores. It is pure and safe for concurrent use.
type Policy struct {
	weights Weights
}

// NewPolicy returns a Policy over the given weights. A nil map uses
// DefaultWeights.
func NewPolicy(w Weights) *Policy {
	if w == nil {
		w = DefaultWeights()
	}
	return &Policy{weights: w}
}

// Contribution is one section's share of the score.
type Contribution struct {
	Section    string  `json:"section"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Parsed     bool    `json:"parsed"`
	Points     float64 `json:"points"`
}

// Score returns the weighted sum of clamped section confidences, rounded to
// two decimals. Unparsable confidences count as zero. It never fails.
func (p *Policy) Score(fields model.ExtractedFields) float64 {
	var total float64
	for _, c := range p.Breakdown(fields) {
		total += c.Points
	}
	return round2(total)
}

// Breakdown returns the per-section contributions in display order.
func (p *Policy) Breakdown(fields model.ExtractedFields) []Contribution {
	confs := fields.Confidences()
	out := make([]Contribution, 0, len(p.weights))
	for _, name := range model.SectionNames() {
		w, ok := p.weights[name]
		if !ok {
			continue
		}
		v, parsed := confs[name].Float()
		out = append(out, Contribution{
			Section:    name,
			Weight:     w,
			Confidence: v,
			Parsed:     parsed,
			Points:     v * w,
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
