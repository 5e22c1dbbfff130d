package edi

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestBuildPayload_Fields(t *testing.T) {
	p, err := BuildPayload(testGraph())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.ClaimNumber != "CLM-2024-0001" {
		t.Errorf("unexpected claim number %q", p.ClaimNumber)
	}
	if p.ServiceDateFrom != "2024-03-01" || p.ServiceDateTo != "2024-03-02" {
		t.Errorf("unexpected service dates %s..%s", p.ServiceDateFrom, p.ServiceDateTo)
	}
	if p.PlaceOfService != "11" {
		t.Errorf("expected default place of service 11, got %q", p.PlaceOfService)
	}
	if p.Patient.Gender != "F" || p.Patient.DateOfBirth != "1985-06-20" {
		t.Errorf("unexpected patient: %+v", p.Patient)
	}
	if p.Subscriber.Relationship != "18" || p.Subscriber.LastName != "Doe" || p.Subscriber.MemberID != "MBR0001" {
		t.Errorf("unexpected subscriber: %+v", p.Subscriber)
	}
	if p.Provider.Name != "Bright Smiles Dental" || p.Provider.TaxID != "12-3456789" {
		t.Errorf("unexpected provider: %+v", p.Provider)
	}
	if p.Payer.PayerID != "DELTA01" || p.Payer.PayerName != "Delta Dental" {
		t.Errorf("unexpected payer: %+v", p.Payer)
	}

	if len(p.Procedures) != 2 {
		t.Fatalf("expected 2 procedures, got %d", len(p.Procedures))
	}
	first, second := p.Procedures[0], p.Procedures[1]
	if first.ProcedureCode != "D0120" || first.LineNumber != 1 || first.ToothNumber != "" {
		t.Errorf("unexpected first procedure: %+v", first)
	}
	if second.ProcedureCode != "D2391" || second.LineNumber != 2 || second.ToothNumber != "14" || second.Surface != "O" {
		t.Errorf("unexpected second procedure: %+v", second)
	}
}

func TestBuildPayload_DependentSubscriber(t *testing.T) {
	g := testGraph()
	dob := time.Date(1960, 1, 2, 0, 0, 0, 0, time.UTC)
	g.Insurance.RelationshipCode = "01"
	g.Insurance.SubscriberFirstName = "John"
	g.Insurance.SubscriberLastName = "Roe"
	g.Insurance.SubscriberDOB = &dob

	p, err := BuildPayload(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Subscriber.FirstName != "John" || p.Subscriber.LastName != "Roe" || p.Subscriber.DateOfBirth != "1960-01-02" {
		t.Errorf("expected subscriber demographics, got %+v", p.Subscriber)
	}
	if p.Patient.LastName != "Doe" {
		t.Errorf("patient should keep own name, got %q", p.Patient.LastName)
	}
}

func TestBuildPayload_MissingEntity(t *testing.T) {
	g := testGraph()
	g.Patient = nil
	_, err := BuildPayload(g)
	if err == nil || err.Error() != "claim has no associated patient" {
		t.Fatalf("expected missing patient error, got %v", err)
	}
}

func TestBuildPayload_JSONShape(t *testing.T) {
	p, err := BuildPayload(testGraph())
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	body := string(b)

	for _, want := range []string{
		`"claimNumber":"CLM-2024-0001"`,
		`"totalCharge":285.50`,
		`"chargeAmount":100.00`,
		`"payerId":"DELTA01"`,
		`"memberId":"MBR0001"`,
		`"toothNumber":"14"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected payload JSON to contain %s, got %s", want, body)
		}
	}
}

func TestAmount_UnmarshalJSON(t *testing.T) {
	var a Amount
	if err := json.Unmarshal([]byte(`12.5`), &a); err != nil {
		t.Fatal(err)
	}
	if !decimal.Decimal(a).Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("unexpected amount %s", decimal.Decimal(a))
	}
	if err := json.Unmarshal([]byte(`"abc"`), &a); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}
