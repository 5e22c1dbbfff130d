package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsedi/internal/platform/db"
)

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// =========== Graph Provider ===========

type graphRepoPG struct{ pool *pgxpool.Pool }

func NewGraphRepoPG(pool *pgxpool.Pool) GraphProvider { return &graphRepoPG{pool: pool} }

const claimCols = `id, claim_number, patient_id, provider_id, patient_insurance_id,
	service_date_from, service_date_to, total_charge_amount::text,
	COALESCE(place_of_service, ''), status, created_at, updated_at`

const procedureCols = `id, claim_id, line_number, procedure_code, COALESCE(description, ''),
	service_date, tooth_number, surface, charge_amount::text`

const patientCols = `id, first_name, last_name, COALESCE(middle_name, ''), date_of_birth,
	COALESCE(gender, ''), COALESCE(phone, ''),
	COALESCE(address_line1, ''), COALESCE(address_line2, ''), COALESCE(city, ''),
	COALESCE(state, ''), COALESCE(postal_code, '')`

const providerCols = `id, npi, COALESCE(first_name, ''), COALESCE(last_name, ''),
	COALESCE(organization_name, ''), COALESCE(license_number, ''), COALESCE(tax_id, ''),
	COALESCE(taxonomy_code, ''), COALESCE(phone, ''),
	COALESCE(address_line1, ''), COALESCE(address_line2, ''), COALESCE(city, ''),
	COALESCE(state, ''), COALESCE(postal_code, '')`

const insuranceCols = `id, patient_id, insurance_plan_id, member_id, COALESCE(group_number, ''),
	COALESCE(relationship_code, '18'), COALESCE(subscriber_first_name, ''),
	COALESCE(subscriber_last_name, ''), subscriber_dob, COALESCE(subscriber_gender, '')`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var total string
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PatientID, &c.ProviderID, &c.PatientInsuranceID,
		&c.ServiceDateFrom, &c.ServiceDateTo, &total,
		&c.PlaceOfService, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.TotalChargeAmount, err = parseMoney(total); err != nil {
		return nil, fmt.Errorf("claim %s total_charge_amount: %w", c.ClaimNumber, err)
	}
	return &c, nil
}

func scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	var charge string
	err := row.Scan(&p.ID, &p.ClaimID, &p.LineNumber, &p.ProcedureCode, &p.Description,
		&p.ServiceDate, &p.ToothNumber, &p.Surface, &charge)
	if err != nil {
		return nil, err
	}
	if p.ChargeAmount, err = parseMoney(charge); err != nil {
		return nil, fmt.Errorf("procedure line %d charge_amount: %w", p.LineNumber, err)
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.MiddleName, &p.DateOfBirth,
		&p.Gender, &p.Phone,
		&p.Address.Line1, &p.Address.Line2, &p.Address.City,
		&p.Address.State, &p.Address.PostalCode)
	return &p, err
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName,
		&p.OrganizationName, &p.LicenseNumber, &p.TaxID,
		&p.TaxonomyCode, &p.Phone,
		&p.Address.Line1, &p.Address.Line2, &p.Address.City,
		&p.Address.State, &p.Address.PostalCode)
	return &p, err
}

func scanInsurance(row pgx.Row) (*PatientInsurance, error) {
	var pi PatientInsurance
	err := row.Scan(&pi.ID, &pi.PatientID, &pi.InsurancePlanID, &pi.MemberID, &pi.GroupNumber,
		&pi.RelationshipCode, &pi.SubscriberFirstName,
		&pi.SubscriberLastName, &pi.SubscriberDOB, &pi.SubscriberGender)
	return &pi, err
}

// LoadGraph reads the claim, its procedure lines in line order, and every
// entity the claim references. A dangling or null reference leaves the
// corresponding Graph field nil.
func (r *graphRepoPG) LoadGraph(ctx context.Context, claimID uuid.UUID) (*Graph, error) {
	q := db.Conn(ctx, r.pool)

	c, err := scanClaim(q.QueryRow(ctx, `SELECT `+claimCols+` FROM dental_claims WHERE id = $1`, claimID))
	if err != nil {
		return nil, notFound(err, "claim", claimID)
	}

	rows, err := q.Query(ctx, `SELECT `+procedureCols+` FROM dental_claim_procedures
		WHERE claim_id = $1 ORDER BY line_number`, claimID)
	if err != nil {
		return nil, fmt.Errorf("query procedures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		c.Procedures = append(c.Procedures, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	g := &Graph{Claim: c}

	patient, err := scanPatient(q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, c.PatientID))
	switch {
	case err == nil:
		g.Patient = patient
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load patient: %w", err)
	}

	if c.ProviderID != nil {
		provider, err := scanProvider(q.QueryRow(ctx, `SELECT `+providerCols+` FROM providers WHERE id = $1`, *c.ProviderID))
		switch {
		case err == nil:
			g.Provider = provider
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load provider: %w", err)
		}
	}

	if c.PatientInsuranceID != nil {
		ins, err := scanInsurance(q.QueryRow(ctx, `SELECT `+insuranceCols+` FROM patient_insurances WHERE id = $1`, *c.PatientInsuranceID))
		switch {
		case err == nil:
			g.Insurance = ins
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load patient insurance: %w", err)
		}
	}

	if g.Insurance != nil && g.Insurance.InsurancePlanID != nil {
		plan, err := scanPlan(q.QueryRow(ctx, `SELECT `+planCols+` FROM insurance_plans WHERE id = $1`, *g.Insurance.InsurancePlanID))
		switch {
		case err == nil:
			g.Plan = plan
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load insurance plan: %w", err)
		}
	}

	return g, nil
}

// =========== Payer Repository ===========

type payerRepoPG struct{ pool *pgxpool.Pool }

func NewPayerRepoPG(pool *pgxpool.Pool) PayerRepository { return &payerRepoPG{pool: pool} }

const planCols = `id, payer_id, payer_name, edi_enabled, COALESCE(edi_submission_type, ''),
	COALESCE(sftp_host, ''), COALESCE(sftp_port, 0), COALESCE(sftp_username, ''),
	COALESCE(sftp_remote_path, ''), sftp_use_private_key,
	COALESCE(sftp_password_encrypted, ''), COALESCE(sftp_private_key_encrypted, ''),
	COALESCE(sftp_host_key_fingerprint, ''),
	COALESCE(api_endpoint, ''), COALESCE(api_auth_type, ''), COALESCE(api_key_encrypted, ''),
	created_at, updated_at`

func scanPlan(row pgx.Row) (*InsurancePlan, error) {
	var p InsurancePlan
	err := row.Scan(&p.ID, &p.PayerID, &p.PayerName, &p.EdiEnabled, &p.SubmissionTypeTag,
		&p.SftpHost, &p.SftpPort, &p.SftpUsername,
		&p.SftpRemotePath, &p.SftpUsePrivateKey,
		&p.SftpPasswordEncrypted, &p.SftpPrivateKeyEncrypted,
		&p.SftpHostKeyFingerprint,
		&p.APIEndpoint, &p.APIAuthType, &p.APIKeyEncrypted,
		&p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *payerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsurancePlan, error) {
	p, err := scanPlan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+planCols+` FROM insurance_plans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "insurance plan", id)
	}
	return p, nil
}

func (r *payerRepoPG) List(ctx context.Context, ediOnly bool, limit, offset int) ([]*InsurancePlan, int, error) {
	q := db.Conn(ctx, r.pool)
	where := ""
	if ediOnly {
		where = " WHERE edi_enabled"
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM insurance_plans`+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `SELECT `+planCols+` FROM insurance_plans`+where+`
		ORDER BY payer_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*InsurancePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
