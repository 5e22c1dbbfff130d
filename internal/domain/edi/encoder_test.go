package edi

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/platform/x12"
)

var testNow = time.Date(2024, 3, 15, 9, 30, 45, 0, time.UTC)

func strPtr(s string) *string { return &s }

func testGraph() *claim.Graph {
	claimID := uuid.New()
	return &claim.Graph{
		Claim: &claim.Claim{
			ID:                claimID,
			ClaimNumber:       "CLM-2024-0001",
			ServiceDateFrom:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ServiceDateTo:     time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			TotalChargeAmount: decimal.RequireFromString("285.5"),
			Procedures: []*claim.Procedure{
				{
					ClaimID:       claimID,
					LineNumber:    2,
					ProcedureCode: "D2391",
					Description:   "Resin composite, one surface",
					ServiceDate:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
					ToothNumber:   strPtr("14"),
					Surface:       strPtr("O"),
					ChargeAmount:  decimal.RequireFromString("185.50"),
				},
				{
					ClaimID:       claimID,
					LineNumber:    1,
					ProcedureCode: "D0120",
					Description:   "Periodic oral evaluation",
					ServiceDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
					ChargeAmount:  decimal.RequireFromString("100"),
				},
			},
		},
		Patient: &claim.Patient{
			FirstName:   "Jane",
			LastName:    "Doe",
			DateOfBirth: time.Date(1985, 6, 20, 0, 0, 0, 0, time.UTC),
			Gender:      "female",
			Address: claim.Address{
				Line1:      "12 Main St",
				City:       "Springfield",
				State:      "IL",
				PostalCode: "62701",
			},
		},
		Provider: &claim.Provider{
			NPI:              "1234567893",
			FirstName:        "Alan",
			LastName:         "Smile",
			OrganizationName: "Bright Smiles Dental",
			TaxID:            "12-3456789",
			LicenseNumber:    "DDS-889",
			Address: claim.Address{
				Line1:      "500 Oak Ave",
				Line2:      "Suite 2",
				City:       "Springfield",
				State:      "IL",
				PostalCode: "627019999",
			},
		},
		Insurance: &claim.PatientInsurance{
			MemberID:         "MBR0001",
			GroupNumber:      "GRP77",
			RelationshipCode: "18",
		},
		Plan: &claim.InsurancePlan{
			ID:                uuid.New(),
			PayerID:           "DELTA01",
			PayerName:         "Delta Dental",
			EdiEnabled:        true,
			SubmissionTypeTag: "SFTP",
		},
	}
}

func testEncoder(mode x12.CountMode) *Encoder {
	return NewEncoder(EncoderConfig{
		SubmitterID:      "SUBMIT01",
		SubmitterName:    "Bright Smiles Billing",
		SubmitterContact: "Pat Biller",
		SubmitterPhone:   "(555) 123-4567",
		UsageIndicator:   "T",
		CountMode:        mode,
	})
}

var testControlNumbers = ControlNumbers{Interchange: 42, Group: 7, Transaction: 9001}

func segmentLines(t *testing.T, doc string) []string {
	t.Helper()
	if !strings.HasSuffix(doc, "~\n") {
		t.Fatalf("document does not end with segment terminator: %q", doc[max(0, len(doc)-10):])
	}
	return strings.Split(strings.TrimSuffix(doc, "~\n"), "~\n")
}

func TestEncode_Envelope(t *testing.T) {
	doc, err := testEncoder(x12.CountLegacy).Encode(testGraph(), testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := segmentLines(t, doc)

	isa := lines[0]
	if len(isa) != 105 {
		t.Errorf("expected ISA length 105, got %d: %q", len(isa), isa)
	}
	wantISA := "ISA*00*          *00*          *ZZ*SUBMIT01       *ZZ*DELTA01        *240315*0930*^*00501*000000042*0*T*>"
	if isa != wantISA {
		t.Errorf("ISA mismatch\n got: %q\nwant: %q", isa, wantISA)
	}

	if lines[1] != "GS*HC*SUBMIT01*DELTA01*20240315*0930*7*X*005010X224A2" {
		t.Errorf("unexpected GS: %q", lines[1])
	}
	if lines[2] != "ST*837*9001*005010X224A2" {
		t.Errorf("unexpected ST: %q", lines[2])
	}
	if lines[3] != "BHT*0019*00*CLM-2024-0001*20240315*0930*CH" {
		t.Errorf("unexpected BHT: %q", lines[3])
	}

	n := len(lines)
	if lines[n-2] != "GE*1*7" {
		t.Errorf("unexpected GE: %q", lines[n-2])
	}
	if lines[n-1] != "IEA*1*000000042" {
		t.Errorf("unexpected IEA: %q", lines[n-1])
	}
}

func TestEncode_ReceiverOverride(t *testing.T) {
	enc := NewEncoder(EncoderConfig{SubmitterID: "SUBMIT01", ReceiverID: "CLEARHOUSE"})
	parsed, err := enc.Document(testGraph(), testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := parsed.Get("GS").Element(3); got != "CLEARHOUSE" {
		t.Errorf("expected GS03 CLEARHOUSE, got %q", got)
	}
	if got := parsed.Get("ISA").Element(15); got != "P" {
		t.Errorf("expected default usage indicator P, got %q", got)
	}
	// The payer loop still names the payer id.
	for _, nm1 := range parsed.All("NM1") {
		if nm1.Element(1) == "PR" && nm1.Element(9) != "DELTA01" {
			t.Errorf("expected payer NM109 DELTA01, got %q", nm1.Element(9))
		}
	}
}

func TestEncode_SegmentCountModes(t *testing.T) {
	tests := []struct {
		mode x12.CountMode
		want string
	}{
		{x12.CountLegacy, "26"},
		{x12.CountStandard, "24"},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			g := testGraph()
			g.Claim.Procedures = g.Claim.Procedures[1:]
			doc, err := testEncoder(tt.mode).Document(g, testControlNumbers, testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			se := doc.Get("SE")
			if se == nil {
				t.Fatal("missing SE segment")
			}
			if se.Element(1) != tt.want {
				t.Errorf("expected SE01 %s, got %s", tt.want, se.Element(1))
			}
			if se.Element(2) != "9001" {
				t.Errorf("expected SE02 to repeat ST02, got %s", se.Element(2))
			}
			if err := x12.VerifySegmentCounts(doc, tt.mode); err != nil {
				t.Errorf("segment count verification failed: %v", err)
			}
		})
	}
}

func TestEncode_ServiceLinesOrderedByLineNumber(t *testing.T) {
	doc, err := testEncoder(x12.CountLegacy).Document(testGraph(), testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lx := doc.All("LX")
	if len(lx) != 2 || lx[0].Element(1) != "1" || lx[1].Element(1) != "2" {
		t.Fatalf("unexpected LX segments: %+v", lx)
	}

	sv3 := doc.All("SV3")
	if len(sv3) != 2 {
		t.Fatalf("expected 2 SV3 segments, got %d", len(sv3))
	}
	if got := sv3[0].Encode(x12.DefaultDelimiters); got != "SV3*AD:D0120*100.00****1" {
		t.Errorf("unexpected first SV3: %q", got)
	}
	if got := sv3[1].Encode(x12.DefaultDelimiters); got != "SV3*AD:D2391*185.50****1*14" {
		t.Errorf("unexpected second SV3: %q", got)
	}
}

func TestEncode_ClaimTotalIsStoredAmount(t *testing.T) {
	g := testGraph()
	g.Claim.ClaimNumber = "CLM-20260216-TEST001"
	g.Claim.TotalChargeAmount = decimal.RequireFromString("300")
	g.Claim.Procedures[0].ChargeAmount = decimal.RequireFromString("185.00")
	g.Claim.Procedures[1].ChargeAmount = decimal.RequireFromString("75.00")

	out, err := testEncoder(x12.CountLegacy).Encode(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(out, "CLM*CLM-20260216-TEST001*300.00*") {
		t.Errorf("expected CLM02 to carry the stored total 300.00, got:\n%s", out)
	}
	if strings.Contains(out, "*260.00*") {
		t.Error("CLM02 must not be the sum of the service lines")
	}

	ordered := []string{"LX*1~", "SV3*AD:D0120*75.00****1~", "LX*2~", "SV3*AD:D2391*185.00****1*14~"}
	last := -1
	for _, seg := range ordered {
		i := strings.Index(out, seg)
		if i < 0 {
			t.Fatalf("expected document to contain %q", seg)
		}
		if i < last {
			t.Errorf("expected %q after the previous service segment", seg)
		}
		last = i
	}
}

func TestEncode_ClaimAndProviderSegments(t *testing.T) {
	out, err := testEncoder(x12.CountLegacy).Encode(testGraph(), testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"NM1*41*2*BRIGHT SMILES BILLING*****46*SUBMIT01~",
		"PER*IC*PAT BILLER*TE*5551234567~",
		"NM1*40*2*DELTA DENTAL*****46*DELTA01~",
		"HL*1**20*1~",
		"NM1*85*2*BRIGHT SMILES DENTAL*****XX*1234567893~",
		"N3*500 OAK AVE*SUITE 2~",
		"N4*SPRINGFIELD*IL*627019999~",
		"REF*EI*123456789~",
		"HL*2*1*22*0~",
		"SBR*P*18*GRP77******CI~",
		"NM1*IL*1*DOE*JANE****MI*MBR0001~",
		"DMG*D8*19850620*F~",
		"NM1*PR*2*DELTA DENTAL*****PI*DELTA01~",
		"CLM*CLM-2024-0001*285.50***11>B>1*Y*A*Y*Y~",
		"DTP*472*RD8*20240301-20240302~",
		"NM1*82*1*SMILE*ALAN****XX*1234567893~",
	}
	for _, seg := range want {
		if !strings.Contains(out, seg) {
			t.Errorf("expected document to contain %q", seg)
		}
	}
}

func TestEncode_OmitsTaxIDReference(t *testing.T) {
	g := testGraph()
	g.Provider.TaxID = ""
	doc, err := testEncoder(x12.CountLegacy).Document(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Get("REF") != nil {
		t.Error("expected no REF segment without a tax id")
	}
	if err := x12.VerifySegmentCounts(doc, x12.CountLegacy); err != nil {
		t.Error(err)
	}
}

func TestEncode_IndividualBillingProvider(t *testing.T) {
	g := testGraph()
	g.Provider.OrganizationName = ""
	doc, err := testEncoder(x12.CountLegacy).Document(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, nm1 := range doc.All("NM1") {
		if nm1.Element(1) == "85" {
			if nm1.Element(2) != "1" || nm1.Element(3) != "SMILE" || nm1.Element(4) != "ALAN" {
				t.Errorf("unexpected individual billing NM1: %+v", nm1.Elements)
			}
		}
	}
}

func TestEncode_DependentUsesSubscriberDemographics(t *testing.T) {
	g := testGraph()
	dob := time.Date(1960, 1, 2, 0, 0, 0, 0, time.UTC)
	g.Insurance.RelationshipCode = "19"
	g.Insurance.SubscriberFirstName = "John"
	g.Insurance.SubscriberLastName = "Doe"
	g.Insurance.SubscriberDOB = &dob
	g.Insurance.SubscriberGender = "M"

	doc, err := testEncoder(x12.CountLegacy).Document(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := doc.Get("SBR").Element(2); got != "19" {
		t.Errorf("expected SBR02 19, got %q", got)
	}
	for _, nm1 := range doc.All("NM1") {
		if nm1.Element(1) == "IL" && (nm1.Element(3) != "DOE" || nm1.Element(4) != "JOHN") {
			t.Errorf("expected subscriber name DOE JOHN, got %+v", nm1.Elements)
		}
	}
	dmg := doc.Get("DMG")
	if dmg.Element(2) != "19600102" || dmg.Element(3) != "M" {
		t.Errorf("expected subscriber DMG, got %+v", dmg.Elements)
	}
}

func TestEncode_CleansDelimitersFromText(t *testing.T) {
	g := testGraph()
	g.Patient.LastName = "O*Brien~"
	g.Claim.ClaimNumber = "CLM>1"

	out, err := testEncoder(x12.CountLegacy).Encode(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "NM1*IL*1*O BRIEN*JANE") {
		t.Error("expected delimiters in patient name to be replaced")
	}
	if !strings.Contains(out, "CLM*CLM 1*") {
		t.Error("expected composite separator in claim number to be replaced")
	}

	doc, err := x12.Parse([]byte(out))
	if err != nil {
		t.Fatalf("encoded document does not parse: %v", err)
	}
	if doc.String() != out {
		t.Error("parsed document does not serialize identically")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	enc := testEncoder(x12.CountStandard)
	g := testGraph()
	a, err := enc.Encode(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encode(g, testControlNumbers, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected identical output for identical inputs")
	}
}

func TestEncode_MissingEntities(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *claim.Graph)
		want   string
	}{
		{"provider", func(g *claim.Graph) { g.Provider = nil }, "claim has no associated provider"},
		{"patient", func(g *claim.Graph) { g.Patient = nil }, "claim has no associated patient"},
		{"insurance", func(g *claim.Graph) { g.Insurance = nil }, "claim has no associated patient insurance"},
		{"plan", func(g *claim.Graph) { g.Plan = nil }, "claim has no associated insurance plan"},
		{"provider reported first", func(g *claim.Graph) { g.Provider, g.Plan = nil, nil }, "claim has no associated provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGraph()
			tt.mutate(g)
			_, err := testEncoder(x12.CountLegacy).Encode(g, testControlNumbers, testNow)
			if err == nil {
				t.Fatal("expected error")
			}
			var dep *MissingDependencyError
			if !errors.As(err, &dep) {
				t.Fatalf("expected MissingDependencyError, got %T", err)
			}
			if err.Error() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, err.Error())
			}
			if ErrorKind(err) != FailureConfiguration {
				t.Errorf("expected configuration kind, got %s", ErrorKind(err))
			}
		})
	}
}

func TestEncode_NilClaim(t *testing.T) {
	_, err := testEncoder(x12.CountLegacy).Encode(&claim.Graph{}, testControlNumbers, testNow)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGenderCode(t *testing.T) {
	tests := map[string]string{
		"M": "M", "male": "M", " Female ": "F", "f": "F", "": "U", "other": "U",
	}
	for in, want := range tests {
		if got := genderCode(in); got != want {
			t.Errorf("genderCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		claimNumber string
		want        string
	}{
		{"CLM-1", "837D_CLM-1_20240315_093045.x12"},
		{"A/B C", "837D_A-B_C_20240315_093045.x12"},
	}
	for _, tt := range tests {
		if got := FileName(tt.claimNumber, testNow); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.claimNumber, got, tt.want)
		}
	}
}
