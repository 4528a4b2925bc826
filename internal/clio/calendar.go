package clio

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const calendarEntryFields = "id,summary,description,start_at,end_at,all_day,matter{id},calendar_owner{id},reminders{duration_value,duration_unit}"

// ListCalendarEntries lists calendar entries linked to a matter.
func (c *Gateway) ListCalendarEntries(ctx context.Context, matterID int64) ([]CalendarEntry, error) {
	q := url.Values{
		"matter_id": {strconv.FormatInt(matterID, 10)},
		"fields":    {calendarEntryFields},
	}
	return listAll[CalendarEntry](ctx, c, "list calendar entries", apiPrefix+"/calendar_entries.json", q)
}

type attendee struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type calendarEntryBody struct {
	Summary       string     `json:"summary"`
	Description   string     `json:"description,omitempty"`
	StartAt       string     `json:"start_at"`
	EndAt         string     `json:"end_at"`
	AllDay        bool       `json:"all_day"`
	Matter        Ref        `json:"matter"`
	CalendarOwner *Ref       `json:"calendar_owner,omitempty"`
	Attendees     []attendee `json:"attendees,omitempty"`
	Reminders     []Reminder `json:"reminders,omitempty"`
}

// CreateCalendarEntry creates an entry on the given calendar, linked to the matter.
func (c *Gateway) CreateCalendarEntry(ctx context.Context, req CalendarEntryRequest) (*CalendarEntry, error) {
	b := calendarEntryBody{
		Summary:     req.Summary,
		Description: req.Description,
		StartAt:     req.StartAt.UTC().Format(time.RFC3339),
		EndAt:       req.EndAt.UTC().Format(time.RFC3339),
		AllDay:      req.AllDay,
		Matter:      Ref{ID: req.MatterID},
	}
	if req.CalendarID > 0 {
		b.CalendarOwner = &Ref{ID: req.CalendarID}
	}
	if req.ReminderDays > 0 {
		b.Reminders = []Reminder{{DurationValue: req.ReminderDays, DurationUnit: "days"}}
	}
	for _, id := range req.AttendeeIDs {
		b.Attendees = append(b.Attendees, attendee{ID: id, Type: "User"})
	}

	var env envelope[CalendarEntry]
	q := url.Values{"fields": {calendarEntryFields}}
	body := map[string]any{"data": b}
	if err := c.sendJSON(ctx, "create calendar entry", http.MethodPost, apiPrefix+"/calendar_entries.json", q, "", body, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}
