package clio

import (
	"context"
	"net/url"
)

// WhoAmI returns the user the access token belongs to.
func (c *Gateway) WhoAmI(ctx context.Context) (*User, error) {
	var env envelope[User]
	q := url.Values{"fields": {"id,name,email,default_calendar_id"}}
	if err := c.getJSON(ctx, "who am i", apiPrefix+"/users/who_am_i.json", q, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// ListCustomFields lists custom field definitions for matters.
func (c *Gateway) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	q := url.Values{
		"parent_type": {"Matter"},
		"fields":      {"id,name,field_type,parent_type"},
	}
	return listAll[CustomField](ctx, c, "list custom fields", apiPrefix+"/custom_fields.json", q)
}
