package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire format for calendar dates on a CaseRecord.
const DateLayout = "2006-01-02"

// Role is a party's position in the case.
type Role string

const (
	RolePlaintiff Role = "plaintiff"
	RoleDefendant Role = "defendant"
	RoleWitness   Role = "witness"
	RoleOther     Role = "other"
)

// Occupant is a non-driver associated with a party's vehicle.
type Occupant struct {
	FullName      string `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	VehicleNumber int    `json:"vehicle_number,omitempty" yaml:"vehicle_number,omitempty"`
	Role          string `json:"role,omitempty" yaml:"role,omitempty"`
	Injuries      string `json:"injuries,omitempty" yaml:"injuries,omitempty"`
}

// Party is one person involved in the accident.
type Party struct {
	Role                  Extracted[Role]   `json:"role" yaml:"role"`
	FullName              Extracted[string] `json:"full_name" yaml:"full_name"`
	VehicleColor          Extracted[string] `json:"vehicle_color" yaml:"vehicle_color"`
	InsuranceCompany      Extracted[string] `json:"insurance_company" yaml:"insurance_company"`
	InsurancePolicyNumber Extracted[string] `json:"insurance_policy_number" yaml:"insurance_policy_number"`
	Injuries              Extracted[string] `json:"injuries" yaml:"injuries"`

	Address        string     `json:"address,omitempty" yaml:"address,omitempty"`
	DateOfBirth    string     `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	Phone          string     `json:"phone,omitempty" yaml:"phone,omitempty"`
	DriverLicense  string     `json:"driver_license,omitempty" yaml:"driver_license,omitempty"`
	VehicleYear    string     `json:"vehicle_year,omitempty" yaml:"vehicle_year,omitempty"`
	VehicleMake    string     `json:"vehicle_make,omitempty" yaml:"vehicle_make,omitempty"`
	VehicleModel   string     `json:"vehicle_model,omitempty" yaml:"vehicle_model,omitempty"`
	CitationIssued string     `json:"citation_issued,omitempty" yaml:"citation_issued,omitempty"`
	VehicleNumber  int        `json:"vehicle_number,omitempty" yaml:"vehicle_number,omitempty"`
	Occupants      []Occupant `json:"occupants,omitempty" yaml:"occupants,omitempty"`
}

// Name returns the party's full name, or "Unknown" when it was not found.
func (p *Party) Name() string {
	if n := strings.TrimSpace(p.FullName.Value); n != "" {
		return n
	}
	return "Unknown"
}

// Vehicle returns "Year Make Model" with missing parts dropped.
func (p *Party) Vehicle() string {
	var parts []string
	for _, s := range []string{p.VehicleYear, p.VehicleMake, p.VehicleModel} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ExtractionMetadata describes the source report and extraction quality.
type ExtractionMetadata struct {
	FormType            string   `json:"form_type,omitempty" yaml:"form_type,omitempty"`
	TotalPages          int      `json:"total_pages,omitempty" yaml:"total_pages,omitempty"`
	FieldsExtracted     int      `json:"fields_extracted,omitempty" yaml:"fields_extracted,omitempty"`
	FieldsInferred      int      `json:"fields_inferred,omitempty" yaml:"fields_inferred,omitempty"`
	FieldsNotFound      int      `json:"fields_not_found,omitempty" yaml:"fields_not_found,omitempty"`
	LowConfidenceFields []string `json:"low_confidence_fields,omitempty" yaml:"low_confidence_fields,omitempty"`
	IsAmended           bool     `json:"is_amended,omitempty" yaml:"is_amended,omitempty"`
	FilingInfo          string   `json:"filing_info,omitempty" yaml:"filing_info,omitempty"`
}

// CaseRecord is the verified case payload approved by a reviewer.
type CaseRecord struct {
	ReportNumber          string             `json:"report_number,omitempty" yaml:"report_number,omitempty"`
	AccidentDate          string             `json:"accident_date,omitempty" yaml:"accident_date,omitempty"`
	AccidentTime          string             `json:"accident_time,omitempty" yaml:"accident_time,omitempty"`
	AccidentLocation      string             `json:"accident_location,omitempty" yaml:"accident_location,omitempty"`
	AccidentDescription   string             `json:"accident_description,omitempty" yaml:"accident_description,omitempty"`
	WeatherConditions     string             `json:"weather_conditions,omitempty" yaml:"weather_conditions,omitempty"`
	RoadConditions        string             `json:"road_conditions,omitempty" yaml:"road_conditions,omitempty"`
	NumberOfVehicles      int                `json:"number_of_vehicles,omitempty" yaml:"number_of_vehicles,omitempty"`
	ReportingOfficerName  string             `json:"reporting_officer_name,omitempty" yaml:"reporting_officer_name,omitempty"`
	ReportingOfficerBadge string             `json:"reporting_officer_badge,omitempty" yaml:"reporting_officer_badge,omitempty"`
	Parties               []Party            `json:"parties" yaml:"parties"`
	Metadata              ExtractionMetadata `json:"extraction_metadata" yaml:"extraction_metadata"`
}

// FirstParty returns the first party with the given role, or nil.
func (c *CaseRecord) FirstParty(role Role) *Party {
	for i := range c.Parties {
		if c.Parties[i].Role.Value == role {
			return &c.Parties[i]
		}
	}
	return nil
}

// AccidentDay parses AccidentDate as a UTC calendar day.
func (c *CaseRecord) AccidentDay() (time.Time, error) {
	if strings.TrimSpace(c.AccidentDate) == "" {
		return time.Time{}, eris.New("case: accident date is required")
	}
	d, err := time.Parse(DateLayout, strings.TrimSpace(c.AccidentDate))
	if err != nil {
		return time.Time{}, eris.Wrap(err, fmt.Sprintf("case: parse accident date %q", c.AccidentDate))
	}
	return d, nil
}

// ReportingOfficer returns "Name (Badge #N)" with missing parts dropped.
func (c *CaseRecord) ReportingOfficer() string {
	s := strings.TrimSpace(c.ReportingOfficerName)
	if b := strings.TrimSpace(c.ReportingOfficerBadge); b != "" {
		s = strings.TrimSpace(s + " (Badge #" + b + ")")
	}
	return s
}

// FlaggedFields counts extracted party values whose provenance asks for a
// second look. Advisory: it is logged, never acted on.
func (c *CaseRecord) FlaggedFields() int {
	n := 0
	for i := range c.Parties {
		p := &c.Parties[i]
		for _, pv := range []Provenance{
			p.Role.Provenance, p.FullName.Provenance, p.VehicleColor.Provenance,
			p.InsuranceCompany.Provenance, p.InsurancePolicyNumber.Provenance, p.Injuries.Provenance,
		} {
			if pv.NeedsReview() {
				n++
			}
		}
	}
	return n
}

// Validate checks the invariants the pipeline needs before touching the CRM:
// a parseable accident date and at least one plaintiff.
func (c *CaseRecord) Validate() error {
	if _, err := c.AccidentDay(); err != nil {
		return &RecordError{Err: err}
	}
	if c.FirstParty(RolePlaintiff) == nil {
		return &RecordError{Err: eris.New("case: at least one plaintiff is required")}
	}
	return nil
}

// RecordError reports a CaseRecord that cannot be submitted.
type RecordError struct {
	Err error
}

func (e *RecordError) Error() string { return e.Err.Error() }

func (e *RecordError) Unwrap() error { return e.Err }

// FailureReason implements Reasoner.
func (e *RecordError) FailureReason() FailureReason { return ReasonInvalidRecord }
