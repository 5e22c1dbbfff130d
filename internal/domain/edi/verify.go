package edi

import (
	"fmt"

	"github.com/ehr/claimsedi/internal/platform/x12"
)

// DocumentReport summarizes a serialized 837D interchange after it has been
// parsed back from its wire form.
type DocumentReport struct {
	Segments       int      `json:"segments"`
	ClaimNumber    string   `json:"claim_number"`
	TotalCharge    string   `json:"total_charge"`
	PlaceOfService string   `json:"place_of_service"`
	Frequency      string   `json:"claim_frequency"`
	ServiceLines   int      `json:"service_lines"`
	SECount        string   `json:"se_count"`
	CountModes     []string `json:"count_modes"`
}

// Satisfies reports whether the SE count matches mode.
func (r *DocumentReport) Satisfies(mode x12.CountMode) bool {
	for _, m := range r.CountModes {
		if m == mode.String() {
			return true
		}
	}
	return false
}

// CheckDocument re-parses raw and checks the envelope control numbers pair up,
// the claim loop is present and the SE count matches at least one counting
// mode. Every mode the count satisfies is listed in the report.
func CheckDocument(raw []byte) (*DocumentReport, error) {
	doc, err := x12.Parse(raw)
	if err != nil {
		return nil, err
	}

	pairs := []struct {
		header, trailer string
		hPos, tPos      int
	}{
		{"ISA", "IEA", 13, 2},
		{"GS", "GE", 6, 2},
		{"ST", "SE", 2, 2},
	}
	for _, p := range pairs {
		h, t := doc.Get(p.header), doc.Get(p.trailer)
		if h == nil || t == nil {
			return nil, fmt.Errorf("837d: missing %s/%s envelope", p.header, p.trailer)
		}
		if h.Element(p.hPos) != t.Element(p.tPos) {
			return nil, fmt.Errorf("837d: %s control number %q does not match %s %q",
				p.header, h.Element(p.hPos), p.trailer, t.Element(p.tPos))
		}
	}
	if st := doc.Get("ST"); st.Element(1) != "837" {
		return nil, fmt.Errorf("837d: transaction set %q is not 837", st.Element(1))
	}

	clm := doc.Get("CLM")
	if clm == nil {
		return nil, fmt.Errorf("837d: no CLM segment")
	}

	report := &DocumentReport{
		Segments:       doc.Len(),
		ClaimNumber:    clm.Element(1),
		TotalCharge:    clm.Element(2),
		PlaceOfService: clm.Component(5, 1, doc.Delimiters),
		Frequency:      clm.Component(5, 3, doc.Delimiters),
		ServiceLines:   len(doc.All("SV3")),
		SECount:        doc.Get("SE").Element(1),
	}
	if report.PlaceOfService == "" || report.Frequency == "" {
		return nil, fmt.Errorf("837d: CLM05 %q lacks facility code or frequency", clm.Element(5))
	}
	if report.ServiceLines != len(doc.All("LX")) {
		return nil, fmt.Errorf("837d: %d LX segments for %d service lines", len(doc.All("LX")), report.ServiceLines)
	}

	for _, mode := range []x12.CountMode{x12.CountLegacy, x12.CountStandard} {
		if x12.VerifySegmentCounts(doc, mode) == nil {
			report.CountModes = append(report.CountModes, mode.String())
		}
	}
	if len(report.CountModes) == 0 {
		return nil, fmt.Errorf("837d: SE count %s matches neither legacy nor standard counting", report.SECount)
	}
	return report, nil
}
