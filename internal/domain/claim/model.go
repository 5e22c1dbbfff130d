package claim

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Claim maps to the dental_claims table.
type Claim struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	ClaimNumber        string          `db:"claim_number" json:"claim_number"`
	PatientID          uuid.UUID       `db:"patient_id" json:"patient_id"`
	ProviderID         *uuid.UUID      `db:"provider_id" json:"provider_id,omitempty"`
	PatientInsuranceID *uuid.UUID      `db:"patient_insurance_id" json:"patient_insurance_id,omitempty"`
	ServiceDateFrom    time.Time       `db:"service_date_from" json:"service_date_from"`
	ServiceDateTo      time.Time       `db:"service_date_to" json:"service_date_to"`
	TotalChargeAmount  decimal.Decimal `db:"total_charge_amount" json:"total_charge_amount"`
	PlaceOfService     string          `db:"place_of_service" json:"place_of_service"`
	Status             string          `db:"status" json:"status"`
	Procedures         []*Procedure    `db:"-" json:"procedures"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Procedure maps to the dental_claim_procedures table. One row per claim line.
type Procedure struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ClaimID       uuid.UUID       `db:"claim_id" json:"claim_id"`
	LineNumber    int             `db:"line_number" json:"line_number"`
	ProcedureCode string          `db:"procedure_code" json:"procedure_code"`
	Description   string          `db:"description" json:"description"`
	ServiceDate   time.Time       `db:"service_date" json:"service_date"`
	ToothNumber   *string         `db:"tooth_number" json:"tooth_number,omitempty"`
	Surface       *string         `db:"surface" json:"surface,omitempty"`
	ChargeAmount  decimal.Decimal `db:"charge_amount" json:"charge_amount"`
}

// Address is the street address block shared by patients and providers.
type Address struct {
	Line1      string `db:"address_line1" json:"line1"`
	Line2      string `db:"address_line2" json:"line2,omitempty"`
	City       string `db:"city" json:"city"`
	State      string `db:"state" json:"state"`
	PostalCode string `db:"postal_code" json:"postal_code"`
}

// Patient maps to the patients table.
type Patient struct {
	ID          uuid.UUID `db:"id" json:"id"`
	FirstName   string    `db:"first_name" json:"first_name"`
	LastName    string    `db:"last_name" json:"last_name"`
	MiddleName  string    `db:"middle_name" json:"middle_name,omitempty"`
	DateOfBirth time.Time `db:"date_of_birth" json:"date_of_birth"`
	Gender      string    `db:"gender" json:"gender"`
	Phone       string    `db:"phone" json:"phone,omitempty"`
	Address     Address   `json:"address"`
}

// Provider maps to the providers table.
type Provider struct {
	ID               uuid.UUID `db:"id" json:"id"`
	NPI              string    `db:"npi" json:"npi"`
	FirstName        string    `db:"first_name" json:"first_name"`
	LastName         string    `db:"last_name" json:"last_name"`
	OrganizationName string    `db:"organization_name" json:"organization_name,omitempty"`
	LicenseNumber    string    `db:"license_number" json:"license_number,omitempty"`
	TaxID            string    `db:"tax_id" json:"tax_id,omitempty"`
	TaxonomyCode     string    `db:"taxonomy_code" json:"taxonomy_code,omitempty"`
	Phone            string    `db:"phone" json:"phone,omitempty"`
	Address          Address   `json:"address"`
}

// BillingName is the organization name when set, otherwise "First Last".
func (p *Provider) BillingName() string {
	if p.OrganizationName != "" {
		return p.OrganizationName
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// PatientInsurance maps to the patient_insurances table. It links a patient
// to an insurance plan and carries the subscriber data for that policy.
type PatientInsurance struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	InsurancePlanID     *uuid.UUID `db:"insurance_plan_id" json:"insurance_plan_id,omitempty"`
	MemberID            string     `db:"member_id" json:"member_id"`
	GroupNumber         string     `db:"group_number" json:"group_number,omitempty"`
	RelationshipCode    string     `db:"relationship_code" json:"relationship_code"`
	SubscriberFirstName string     `db:"subscriber_first_name" json:"subscriber_first_name,omitempty"`
	SubscriberLastName  string     `db:"subscriber_last_name" json:"subscriber_last_name,omitempty"`
	SubscriberDOB       *time.Time `db:"subscriber_dob" json:"subscriber_dob,omitempty"`
	SubscriberGender    string     `db:"subscriber_gender" json:"subscriber_gender,omitempty"`
}

// IsSelf reports whether the patient is the subscriber (X12 relationship 18).
func (pi *PatientInsurance) IsSelf() bool {
	return pi.RelationshipCode == "" || pi.RelationshipCode == RelationshipSelf
}

// RelationshipSelf is the X12 individual relationship code for "self".
const RelationshipSelf = "18"

// InsurancePlan maps to the insurance_plans table: the payer and its EDI
// delivery configuration. Credential columns hold SecretCipher blobs.
type InsurancePlan struct {
	ID                      uuid.UUID `db:"id" json:"id"`
	PayerID                 string    `db:"payer_id" json:"payer_id"`
	PayerName               string    `db:"payer_name" json:"payer_name"`
	EdiEnabled              bool      `db:"edi_enabled" json:"edi_enabled"`
	SubmissionTypeTag       string    `db:"edi_submission_type" json:"edi_submission_type"`
	SftpHost                string    `db:"sftp_host" json:"sftp_host,omitempty"`
	SftpPort                int       `db:"sftp_port" json:"sftp_port,omitempty"`
	SftpUsername            string    `db:"sftp_username" json:"sftp_username,omitempty"`
	SftpRemotePath          string    `db:"sftp_remote_path" json:"sftp_remote_path,omitempty"`
	SftpUsePrivateKey       bool      `db:"sftp_use_private_key" json:"sftp_use_private_key"`
	SftpPasswordEncrypted   string    `db:"sftp_password_encrypted" json:"sftp_password_encrypted,omitempty"`
	SftpPrivateKeyEncrypted string    `db:"sftp_private_key_encrypted" json:"sftp_private_key_encrypted,omitempty"`
	SftpHostKeyFingerprint  string    `db:"sftp_host_key_fingerprint" json:"sftp_host_key_fingerprint,omitempty"`
	APIEndpoint             string    `db:"api_endpoint" json:"api_endpoint,omitempty"`
	APIAuthType             string    `db:"api_auth_type" json:"api_auth_type,omitempty"`
	APIKeyEncrypted         string    `db:"api_key_encrypted" json:"api_key_encrypted,omitempty"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// SubmissionType parses the stored submission-type tag.
func (p *InsurancePlan) SubmissionType() SubmissionType {
	return ParseSubmissionType(p.SubmissionTypeTag)
}

// AuthType parses the stored API auth-type tag.
func (p *InsurancePlan) AuthType() AuthType {
	return ParseAuthType(p.APIAuthType)
}

// Redacted returns a copy with every credential blob blanked, safe to return
// from list endpoints.
func (p *InsurancePlan) Redacted() *InsurancePlan {
	cp := *p
	cp.SftpPasswordEncrypted = ""
	cp.SftpPrivateKeyEncrypted = ""
	cp.APIKeyEncrypted = ""
	return &cp
}

// Graph is a claim with every entity needed to encode and deliver it.
// Provider, Patient, Insurance and Plan are nil when the claim does not
// resolve them.
type Graph struct {
	Claim     *Claim
	Patient   *Patient
	Provider  *Provider
	Insurance *PatientInsurance
	Plan      *InsurancePlan
}

// SubmissionType selects the delivery channel(s) for a payer.
type SubmissionType int

const (
	SubmissionUnknown SubmissionType = iota
	SubmissionSFTP
	SubmissionAPI
	SubmissionBoth
)

// ParseSubmissionType maps a stored tag to a SubmissionType, ignoring case
// and surrounding whitespace. Anything unrecognized is SubmissionUnknown.
func ParseSubmissionType(tag string) SubmissionType {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "SFTP":
		return SubmissionSFTP
	case "API":
		return SubmissionAPI
	case "BOTH":
		return SubmissionBoth
	default:
		return SubmissionUnknown
	}
}

func (t SubmissionType) String() string {
	switch t {
	case SubmissionSFTP:
		return "SFTP"
	case SubmissionAPI:
		return "API"
	case SubmissionBoth:
		return "BOTH"
	default:
		return "UNKNOWN"
	}
}

// AuthType selects how the API key is presented to a payer's REST endpoint.
type AuthType int

const (
	AuthBearer AuthType = iota
	AuthAPIKey
)

// ParseAuthType maps a stored auth-type tag. "APIKey" (any case, with or
// without separators) selects the X-API-Key header; everything else is Bearer.
func ParseAuthType(tag string) AuthType {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(tag))
	switch norm {
	case "apikey", "xapikey":
		return AuthAPIKey
	default:
		return AuthBearer
	}
}

func (a AuthType) String() string {
	if a == AuthAPIKey {
		return "APIKey"
	}
	return "Bearer"
}
