package edi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/platform/x12"
)

// ImplementationGuide is the 837 dental implementation convention reference
// carried in GS08 and ST03.
const ImplementationGuide = "005010X224A2"

// defaultPlaceOfService is office (11).
const defaultPlaceOfService = "11"

// EncoderConfig holds the submitter identity and envelope options that do
// not come from the claim.
type EncoderConfig struct {
	SubmitterID      string
	SubmitterName    string
	SubmitterContact string
	SubmitterPhone   string
	// ReceiverID overrides the payer id as the interchange receiver.
	ReceiverID     string
	UsageIndicator string // "T" test or "P" production
	CountMode      x12.CountMode
}

// Encoder serializes claim graphs into 837D interchanges. It holds no
// mutable state and is safe for concurrent use.
type Encoder struct {
	cfg EncoderConfig
	d   x12.Delimiters
}

func NewEncoder(cfg EncoderConfig) *Encoder {
	if cfg.UsageIndicator == "" {
		cfg.UsageIndicator = "P"
	}
	return &Encoder{cfg: cfg, d: x12.DefaultDelimiters}
}

// requireGraph checks that g resolves every entity encoding needs.
func requireGraph(g *claim.Graph) error {
	switch {
	case g == nil || g.Claim == nil:
		return &ConfigurationError{Reason: "claim is required"}
	case g.Provider == nil:
		return &MissingDependencyError{Entity: "provider"}
	case g.Patient == nil:
		return &MissingDependencyError{Entity: "patient"}
	case g.Insurance == nil:
		return &MissingDependencyError{Entity: "patient insurance"}
	case g.Plan == nil:
		return &MissingDependencyError{Entity: "insurance plan"}
	}
	return nil
}

// Encode returns the 837D document for g. Control numbers and the clock are
// inputs so the output is fully determined by the arguments.
func (e *Encoder) Encode(g *claim.Graph, cn ControlNumbers, now time.Time) (string, error) {
	doc, err := e.Document(g, cn, now)
	if err != nil {
		return "", err
	}
	return doc.String(), nil
}

// Document builds the segment list for g without serializing it.
func (e *Encoder) Document(g *claim.Graph, cn ControlNumbers, now time.Time) (*x12.Document, error) {
	if err := requireGraph(g); err != nil {
		return nil, err
	}

	c, pat, prov, ins, plan := g.Claim, g.Patient, g.Provider, g.Insurance, g.Plan
	doc := x12.NewDocument(e.d)

	sender := e.cfg.SubmitterID
	receiver := e.cfg.ReceiverID
	if receiver == "" {
		receiver = plan.PayerID
	}
	group := strconv.FormatInt(cn.Group, 10)
	txn := strconv.FormatInt(cn.Transaction, 10)

	// Envelope
	doc.Add("ISA",
		"00", x12.PadRight("", 10),
		"00", x12.PadRight("", 10),
		"ZZ", x12.PadRight(sender, 15),
		"ZZ", x12.PadRight(receiver, 15),
		now.Format("060102"), now.Format("1504"),
		string(e.d.Repetition), "00501", cn.ISA13(),
		"0", e.cfg.UsageIndicator, string(e.d.Composite))
	doc.Add("GS", "HC", sender, receiver, now.Format("20060102"), now.Format("1504"), group, "X", ImplementationGuide)
	doc.Add("ST", "837", txn, ImplementationGuide)
	doc.Add("BHT", "0019", "00", e.text(c.ClaimNumber), now.Format("20060102"), now.Format("1504"), "CH")

	// Submitter and receiver
	doc.Add("NM1", "41", "2", e.name(e.cfg.SubmitterName), "", "", "", "", "46", sender)
	doc.Add("PER", "IC", e.name(e.cfg.SubmitterContact), "TE", digits(e.cfg.SubmitterPhone))
	doc.Add("NM1", "40", "2", e.name(plan.PayerName), "", "", "", "", "46", receiver)

	// Billing provider
	doc.Add("HL", "1", "", "20", "1")
	e.addProviderName(doc, "85", prov)
	e.addAddress(doc, prov.Address)
	if prov.TaxID != "" {
		doc.Add("REF", "EI", digits(prov.TaxID))
	}

	// Subscriber
	relationship := ins.RelationshipCode
	if relationship == "" {
		relationship = claim.RelationshipSelf
	}
	doc.Add("HL", "2", "1", "22", "0")
	doc.Add("SBR", "P", relationship, e.text(ins.GroupNumber), "", "", "", "", "", "CI")
	first, last, middle := pat.FirstName, pat.LastName, pat.MiddleName
	dob, gender := pat.DateOfBirth, pat.Gender
	if !ins.IsSelf() && ins.SubscriberLastName != "" {
		first, last, middle = ins.SubscriberFirstName, ins.SubscriberLastName, ""
		if ins.SubscriberDOB != nil {
			dob = *ins.SubscriberDOB
		}
		if ins.SubscriberGender != "" {
			gender = ins.SubscriberGender
		}
	}
	doc.Add("NM1", "IL", "1", e.name(last), e.name(first), e.name(middle), "", "", "MI", e.text(ins.MemberID))
	e.addAddress(doc, pat.Address)
	doc.Add("DMG", "D8", dob.Format("20060102"), genderCode(gender))

	// Payer
	doc.Add("NM1", "PR", "2", e.name(plan.PayerName), "", "", "", "", "PI", e.text(plan.PayerID))

	// Claim
	pos := c.PlaceOfService
	if pos == "" {
		pos = defaultPlaceOfService
	}
	doc.Add("CLM", e.text(c.ClaimNumber), c.TotalChargeAmount.StringFixed(2), "", "",
		pos+string(e.d.Composite)+"B"+string(e.d.Composite)+"1", "Y", "A", "Y", "Y")
	doc.Add("DTP", "472", "RD8", c.ServiceDateFrom.Format("20060102")+"-"+c.ServiceDateTo.Format("20060102"))

	// Rendering provider
	e.addProviderName(doc, "82", prov)

	// Service lines
	for i, p := range orderedProcedures(c.Procedures) {
		doc.Add("LX", strconv.Itoa(i+1))
		tooth := ""
		if p.ToothNumber != nil {
			tooth = e.text(*p.ToothNumber)
		}
		doc.Add("SV3", "AD:"+e.text(p.ProcedureCode), p.ChargeAmount.StringFixed(2), "", "", "", "1", tooth)
		doc.Add("DTP", "472", "D8", p.ServiceDate.Format("20060102"))
	}

	// Trailers
	doc.Add("SE", strconv.Itoa(x12.TransactionSegmentCount(doc.Segments, e.cfg.CountMode)), txn)
	doc.Add("GE", "1", group)
	doc.Add("IEA", "1", cn.ISA13())

	return doc, nil
}

// addProviderName writes NM1 for a provider loop. Organizations are entity
// type 2; individuals are type 1 with last and first name.
func (e *Encoder) addProviderName(doc *x12.Document, qualifier string, p *claim.Provider) {
	if (qualifier == "85" && p.OrganizationName != "") || p.LastName == "" {
		doc.Add("NM1", qualifier, "2", e.name(p.BillingName()), "", "", "", "", "XX", e.text(p.NPI))
		return
	}
	doc.Add("NM1", qualifier, "1", e.name(p.LastName), e.name(p.FirstName), "", "", "", "XX", e.text(p.NPI))
}

func (e *Encoder) addAddress(doc *x12.Document, a claim.Address) {
	doc.Add("N3", e.name(a.Line1), e.name(a.Line2))
	doc.Add("N4", e.name(a.City), e.name(a.State), e.text(a.PostalCode))
}

func (e *Encoder) text(s string) string { return x12.Clean(s, e.d) }

func (e *Encoder) name(s string) string { return strings.ToUpper(x12.Clean(s, e.d)) }

// orderedProcedures returns procedures sorted by line number; the input
// order breaks ties.
func orderedProcedures(procs []*claim.Procedure) []*claim.Procedure {
	out := make([]*claim.Procedure, 0, len(procs))
	for _, p := range procs {
		if p != nil {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out
}

func genderCode(g string) string {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	default:
		return "U"
	}
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FileName is the SFTP file name for a claim submitted at t.
func FileName(claimNumber string, t time.Time) string {
	safe := strings.NewReplacer("/", "-", "\\", "-", " ", "_").Replace(claimNumber)
	return fmt.Sprintf("837D_%s_%s.x12", safe, t.Format("20060102_150405"))
}
