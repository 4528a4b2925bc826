package clio

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is a CRM identifier that may arrive as a JSON number or string.
type ID string

// UnmarshalJSON accepts both 123 and "123".
func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric ids bare and everything else quoted.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Ref is a nested {"id": N} reference.
type Ref struct {
	ID int64 `json:"id"`
}

// User is the authenticated CRM user.
type User struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	DefaultCalendarID int64  `json:"default_calendar_id"`
}

// MatterStage is a named stage of a practice area's workflow.
type MatterStage struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PracticeArea *Ref   `json:"practice_area,omitempty"`
}

// CustomField is a matter custom field definition.
type CustomField struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	FieldType  string `json:"field_type,omitempty"`
	ParentType string `json:"parent_type,omitempty"`
}

// CustomFieldValue is a value of a custom field on a matter.
type CustomFieldValue struct {
	ID          ID   `json:"id,omitempty"`
	Value       any  `json:"value"`
	CustomField *Ref `json:"custom_field,omitempty"`
}

// Matter is the subset of a matter the pipeline reads.
type Matter struct {
	ID                int64              `json:"id"`
	Etag              string             `json:"etag"`
	DisplayNumber     string             `json:"display_number,omitempty"`
	MatterStage       *MatterStage       `json:"matter_stage,omitempty"`
	PracticeArea      *Ref               `json:"practice_area,omitempty"`
	CustomFieldValues []CustomFieldValue `json:"custom_field_values,omitempty"`
}

// StageID returns the current stage id, or 0 when the matter has none.
func (m *Matter) StageID() int64 {
	if m.MatterStage == nil {
		return 0
	}
	return m.MatterStage.ID
}

// FieldValue is a named custom field value to write.
type FieldValue struct {
	Name  string
	Value string
}

// DocumentVersion is a stored revision of a document.
type DocumentVersion struct {
	ID            int64 `json:"id"`
	FullyUploaded bool  `json:"fully_uploaded"`
}

// Document is a document attached to a matter.
type Document struct {
	ID                    int64            `json:"id"`
	Name                  string           `json:"name"`
	CreatedAt             time.Time        `json:"created_at"`
	LatestDocumentVersion *DocumentVersion `json:"latest_document_version,omitempty"`
}

// Uploaded reports whether the latest version's bytes are available.
func (d *Document) Uploaded() bool {
	return d.LatestDocumentVersion != nil && d.LatestDocumentVersion.FullyUploaded
}

// CalendarEntry is an entry on a user's calendar.
type CalendarEntry struct {
	ID            int64      `json:"id"`
	Summary       string     `json:"summary"`
	Description   string     `json:"description,omitempty"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         time.Time  `json:"end_at"`
	AllDay        bool       `json:"all_day"`
	Matter        *Ref       `json:"matter,omitempty"`
	CalendarOwner *Ref       `json:"calendar_owner,omitempty"`
	Reminders     []Reminder `json:"reminders,omitempty"`
}

// Reminder alerts the calendar owner ahead of an entry.
type Reminder struct {
	DurationValue int    `json:"duration_value"`
	DurationUnit  string `json:"duration_unit"`
}

// CalendarEntryRequest creates an all-day or timed calendar entry on a matter.
type CalendarEntryRequest struct {
	Summary     string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	AllDay      bool
	MatterID    int64
	CalendarID  int64
	AttendeeIDs []int64
	// ReminderDays adds a reminder that many days before the entry. Zero
	// adds none.
	ReminderDays int
}

type envelope[T any] struct {
	Data T `json:"data"`
	Meta struct {
		Paging struct {
			Next string `json:"next"`
		} `json:"paging"`
	} `json:"meta"`
}
