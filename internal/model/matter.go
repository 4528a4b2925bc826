package model

// MatterRef identifies the CRM matter a run targets.
type MatterRef struct {
	MatterID int64 `json:"matter_id" yaml:"matter_id"`
	// AttorneyID is the responsible attorney's user id. Zero means resolve it
	// from the authenticated user.
	AttorneyID int64 `json:"attorney_id,omitempty" yaml:"attorney_id,omitempty"`
	// CalendarID is the attorney's calendar. Zero means use the authenticated
	// user's default calendar.
	CalendarID  int64  `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`
	ClientEmail string `json:"client_email" yaml:"client_email"`
}

// DocumentRef points at a generated document on a matter.
type DocumentRef struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	VersionID int64  `json:"version_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}
