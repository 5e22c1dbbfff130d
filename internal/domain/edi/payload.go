package edi

import (
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsedi/internal/domain/claim"
)

// Amount is a currency value that marshals as a JSON number with exactly two
// decimal places.
type Amount decimal.Decimal

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = Amount(d)
	return nil
}

// ClaimPayload is the request body posted to a payer's REST endpoint.
type ClaimPayload struct {
	ClaimNumber     string             `json:"claimNumber"`
	ServiceDateFrom string             `json:"serviceDateFrom"`
	ServiceDateTo   string             `json:"serviceDateTo"`
	TotalCharge     Amount             `json:"totalCharge"`
	PlaceOfService  string             `json:"placeOfService"`
	Patient         PersonPayload      `json:"patient"`
	Subscriber      SubscriberPayload  `json:"subscriber"`
	Provider        ProviderPayload    `json:"provider"`
	Payer           PayerPayload       `json:"payer"`
	Procedures      []ProcedurePayload `json:"procedures"`
}

type AddressPayload struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

type PersonPayload struct {
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	DateOfBirth string         `json:"dateOfBirth"`
	Gender      string         `json:"gender"`
	Address     AddressPayload `json:"address"`
}

type SubscriberPayload struct {
	MemberID     string `json:"memberId"`
	GroupNumber  string `json:"groupNumber,omitempty"`
	Relationship string `json:"relationship"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	DateOfBirth  string `json:"dateOfBirth,omitempty"`
}

type ProviderPayload struct {
	NPI           string         `json:"npi"`
	Name          string         `json:"name"`
	FirstName     string         `json:"firstName,omitempty"`
	LastName      string         `json:"lastName,omitempty"`
	LicenseNumber string         `json:"licenseNumber,omitempty"`
	TaxID         string         `json:"taxId,omitempty"`
	Address       AddressPayload `json:"address"`
}

type PayerPayload struct {
	PayerID   string `json:"payerId"`
	PayerName string `json:"payerName"`
}

type ProcedurePayload struct {
	LineNumber    int    `json:"lineNumber"`
	ProcedureCode string `json:"procedureCode"`
	Description   string `json:"description,omitempty"`
	ServiceDate   string `json:"serviceDate"`
	ToothNumber   string `json:"toothNumber,omitempty"`
	Surface       string `json:"surface,omitempty"`
	ChargeAmount  Amount `json:"chargeAmount"`
}

// APIResponse is the payer's reply to a claim submission.
type APIResponse struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message,omitempty"`
	TrackingID       string   `json:"trackingId,omitempty"`
	EdiControlNumber string   `json:"ediControlNumber,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

const isoDate = "2006-01-02"

func addressPayload(a claim.Address) AddressPayload {
	return AddressPayload{Line1: a.Line1, Line2: a.Line2, City: a.City, State: a.State, PostalCode: a.PostalCode}
}

// BuildPayload maps a claim graph to the REST request body. It fails with
// the same missing-entity errors as the encoder.
func BuildPayload(g *claim.Graph) (*ClaimPayload, error) {
	if err := requireGraph(g); err != nil {
		return nil, err
	}
	c, pat, prov, ins, plan := g.Claim, g.Patient, g.Provider, g.Insurance, g.Plan

	pos := c.PlaceOfService
	if pos == "" {
		pos = defaultPlaceOfService
	}

	sub := SubscriberPayload{
		MemberID:     ins.MemberID,
		GroupNumber:  ins.GroupNumber,
		Relationship: ins.RelationshipCode,
		FirstName:    pat.FirstName,
		LastName:     pat.LastName,
		DateOfBirth:  pat.DateOfBirth.Format(isoDate),
	}
	if sub.Relationship == "" {
		sub.Relationship = claim.RelationshipSelf
	}
	if !ins.IsSelf() && ins.SubscriberLastName != "" {
		sub.FirstName, sub.LastName, sub.DateOfBirth = ins.SubscriberFirstName, ins.SubscriberLastName, ""
		if ins.SubscriberDOB != nil {
			sub.DateOfBirth = ins.SubscriberDOB.Format(isoDate)
		}
	}

	p := &ClaimPayload{
		ClaimNumber:     c.ClaimNumber,
		ServiceDateFrom: c.ServiceDateFrom.Format(isoDate),
		ServiceDateTo:   c.ServiceDateTo.Format(isoDate),
		TotalCharge:     Amount(c.TotalChargeAmount),
		PlaceOfService:  pos,
		Patient: PersonPayload{
			FirstName:   pat.FirstName,
			LastName:    pat.LastName,
			DateOfBirth: pat.DateOfBirth.Format(isoDate),
			Gender:      genderCode(pat.Gender),
			Address:     addressPayload(pat.Address),
		},
		Subscriber: sub,
		Provider: ProviderPayload{
			NPI:           prov.NPI,
			Name:          prov.BillingName(),
			FirstName:     prov.FirstName,
			LastName:      prov.LastName,
			LicenseNumber: prov.LicenseNumber,
			TaxID:         prov.TaxID,
			Address:       addressPayload(prov.Address),
		},
		Payer:      PayerPayload{PayerID: plan.PayerID, PayerName: plan.PayerName},
		Procedures: make([]ProcedurePayload, 0, len(c.Procedures)),
	}

	for i, proc := range orderedProcedures(c.Procedures) {
		line := ProcedurePayload{
			LineNumber:    i + 1,
			ProcedureCode: proc.ProcedureCode,
			Description:   proc.Description,
			ServiceDate:   proc.ServiceDate.Format(isoDate),
			ChargeAmount:  Amount(proc.ChargeAmount),
		}
		if proc.ToothNumber != nil {
			line.ToothNumber = *proc.ToothNumber
		}
		if proc.Surface != nil {
			line.Surface = *proc.Surface
		}
		p.Procedures = append(p.Procedures, line)
	}
	return p, nil
}
