package workers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict codes emitted by the reviewer.
const (
	VerdictApprove        = "APPROVE"
	VerdictRequestChanges = "REQUEST_CHANGES"
)

// Verdict is the structured outcome of one review cycle, decoded from the
// trailing JSON object of the reviewer's output.
type Verdict struct {
	Verdict        string `json:"verdict"`
	MustFixCount   int    `json:"must_fix_count"`
	ShouldFixCount int    `json:"should_fix_count"`
	NitpickCount   int    `json:"nitpick_count"`
	Summary        string `json:"summary"`
}

// ParseVerdict decodes and validates one verdict document. The verdict code
// is normalised to upper case before validation.
func ParseVerdict(raw []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	v.Verdict = strings.ToUpper(strings.TrimSpace(v.Verdict))
	switch v.Verdict {
	case VerdictApprove, VerdictRequestChanges:
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
}

// FallbackVerdict scans free text for a literal verdict token when no JSON
// verdict could be recovered. REQUEST_CHANGES anywhere wins over APPROVE, so
// a review that says both still forces a fix cycle.
func FallbackVerdict(texts ...string) (*Verdict, bool) {
	sawApprove := false
	for _, t := range texts {
		upper := strings.ToUpper(t)
		if strings.Contains(upper, VerdictRequestChanges) {
			return &Verdict{Verdict: VerdictRequestChanges, Summary: "verdict recovered from review text"}, true
		}
		if strings.Contains(upper, VerdictApprove) {
			sawApprove = true
		}
	}
	if sawApprove {
		return &Verdict{Verdict: VerdictApprove, Summary: "verdict recovered from review text"}, true
	}
	return nil, false
}
