package clio

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Matter custom field names the intake pipeline writes.
const (
	FieldAccidentDate        = "Accident Date"
	FieldAccidentLocation    = "Accident Location"
	FieldAccidentDescription = "Accident Description"
	FieldPoliceReportNumber  = "Police Report Number"
	FieldWeatherConditions   = "Weather Conditions"
	FieldReportingOfficer    = "Reporting Officer"
	FieldPlaintiffName       = "Plaintiff Name"
	FieldPlaintiffAddress    = "Plaintiff Address"
	FieldPlaintiffDOB        = "Plaintiff DOB"
	FieldPlaintiffPhone      = "Plaintiff Phone"
	FieldPlaintiffVehicle    = "Plaintiff Vehicle"
	FieldInjuriesReported    = "Injuries Reported"
	FieldDefendantName       = "Defendant Name"
	FieldDefendantAddress    = "Defendant Address"
	FieldDefendantInsurance  = "Defendant Insurance"
	FieldDefendantPolicy     = "Defendant Policy Number"
	FieldDefendantVehicle    = "Defendant Vehicle"
	FieldStatuteDate         = "Statute of Limitations Date"
)

// KnownFields is the fixed set of names that must exist on the CRM.
var KnownFields = []string{
	FieldAccidentDate,
	FieldAccidentLocation,
	FieldAccidentDescription,
	FieldPoliceReportNumber,
	FieldWeatherConditions,
	FieldReportingOfficer,
	FieldPlaintiffName,
	FieldPlaintiffAddress,
	FieldPlaintiffDOB,
	FieldPlaintiffPhone,
	FieldPlaintiffVehicle,
	FieldInjuriesReported,
	FieldDefendantName,
	FieldDefendantAddress,
	FieldDefendantInsurance,
	FieldDefendantPolicy,
	FieldDefendantVehicle,
	FieldStatuteDate,
}

const fieldMapKey = "matter_custom_fields"

// FieldLister lists the matter custom field definitions.
type FieldLister interface {
	ListCustomFields(ctx context.Context) ([]CustomField, error)
}

// FieldDirectory maps custom field names to CRM identifiers. The map is
// built from one listing call and kept until Invalidate.
type FieldDirectory struct {
	lister FieldLister
	names  []string
	cache  *gocache.Cache
	group  singleflight.Group
}

// NewFieldDirectory creates a directory that requires every name in names to
// exist. A zero ttl keeps the map until Invalidate.
func NewFieldDirectory(lister FieldLister, names []string, ttl time.Duration) *FieldDirectory {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	if len(names) == 0 {
		names = KnownFields
	}
	return &FieldDirectory{
		lister: lister,
		names:  names,
		cache:  gocache.New(ttl, 10*time.Minute),
	}
}

// Resolve returns the identifier for name.
func (d *FieldDirectory) Resolve(ctx context.Context, name string) (int64, error) {
	ids, err := d.ResolveAll(ctx, []string{name})
	if err != nil {
		return 0, err
	}
	return ids[name], nil
}

// ResolveAll returns identifiers for every name, building the map on first use.
func (d *FieldDirectory) ResolveAll(ctx context.Context, names []string) (map[string]int64, error) {
	m, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(names))
	var missing []string
	for _, n := range names {
		id, ok := m[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out[n] = id
	}
	if len(missing) > 0 {
		return nil, &UnknownFieldError{Names: missing}
	}
	return out, nil
}

// Invalidate drops the cached map; the next Resolve rebuilds it.
func (d *FieldDirectory) Invalidate() {
	d.cache.Delete(fieldMapKey)
	zap.L().Info("clio: field directory invalidated")
}

func (d *FieldDirectory) load(ctx context.Context) (map[string]int64, error) {
	if v, ok := d.cache.Get(fieldMapKey); ok {
		return v.(map[string]int64), nil
	}

	v, err, _ := d.group.Do(fieldMapKey, func() (any, error) {
		if v, ok := d.cache.Get(fieldMapKey); ok {
			return v, nil
		}
		return d.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]int64), nil
}

func (d *FieldDirectory) build(ctx context.Context) (map[string]int64, error) {
	fields, err := d.lister.ListCustomFields(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "clio: build field directory")
	}

	all := make(map[string]int64, len(fields))
	for _, f := range fields {
		all[f.Name] = f.ID
	}

	m := make(map[string]int64, len(d.names))
	var missing []string
	for _, n := range d.names {
		id, ok := all[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		m[n] = id
	}
	if len(missing) > 0 {
		return nil, &UnknownFieldError{Names: missing}
	}

	d.cache.Set(fieldMapKey, m, gocache.DefaultExpiration)
	zap.L().Info("clio: field directory built", zap.Int("fields", len(m)))
	return m, nil
}
