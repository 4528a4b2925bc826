package pipeline

import (
	"strings"
	"time"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/model"
)

// FieldValues maps a case record onto matter custom fields. Empty values are
// left out so a re-run never blanks a field the CRM already holds.
func FieldValues(c *model.CaseRecord, statute time.Time) []clio.FieldValue {
	var out []clio.FieldValue
	add := func(name, value string) {
		if v := strings.TrimSpace(value); v != "" {
			out = append(out, clio.FieldValue{Name: name, Value: v})
		}
	}

	add(clio.FieldAccidentDate, c.AccidentDate)
	add(clio.FieldAccidentLocation, c.AccidentLocation)
	add(clio.FieldAccidentDescription, c.AccidentDescription)
	add(clio.FieldPoliceReportNumber, c.ReportNumber)
	add(clio.FieldWeatherConditions, c.WeatherConditions)
	add(clio.FieldReportingOfficer, c.ReportingOfficer())

	if p := c.FirstParty(model.RolePlaintiff); p != nil {
		add(clio.FieldPlaintiffName, p.FullName.Value)
		add(clio.FieldPlaintiffAddress, p.Address)
		add(clio.FieldPlaintiffDOB, p.DateOfBirth)
		add(clio.FieldPlaintiffPhone, p.Phone)
		add(clio.FieldPlaintiffVehicle, p.Vehicle())
		add(clio.FieldInjuriesReported, p.Injuries.Value)
	}
	if d := c.FirstParty(model.RoleDefendant); d != nil {
		add(clio.FieldDefendantName, d.FullName.Value)
		add(clio.FieldDefendantAddress, d.Address)
		add(clio.FieldDefendantInsurance, d.InsuranceCompany.Value)
		add(clio.FieldDefendantPolicy, d.InsurancePolicyNumber.Value)
		add(clio.FieldDefendantVehicle, d.Vehicle())
	}

	if !statute.IsZero() {
		add(clio.FieldStatuteDate, statute.Format(model.DateLayout))
	}
	return out
}

func partyName(p *model.Party, fallback string) string {
	if p == nil || strings.TrimSpace(p.FullName.Value) == "" {
		return fallback
	}
	return strings.TrimSpace(p.FullName.Value)
}
