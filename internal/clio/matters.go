package clio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/model"
)

const matterFields = "id,etag,display_number,matter_stage{id,name},practice_area{id},custom_field_values{id,value,custom_field}"

// FieldUpdate reports the effect of UpdateMatterFields.
type FieldUpdate struct {
	Matter *Matter
	// Changed counts the values that differed from the matter's current values.
	Changed int
	// Patched is false when every value already matched and no request was sent.
	Patched bool
}

// GetMatter reads a matter with its etag, stage and custom field values.
func (c *Gateway) GetMatter(ctx context.Context, matterID int64) (*Matter, error) {
	var env envelope[Matter]
	q := url.Values{"fields": {matterFields}}
	if err := c.getJSON(ctx, "get matter", matterPath(matterID), q, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// UpdateMatterFields writes named custom field values in one PATCH. Names are
// resolved through the field directory and existing value ids are reused, so
// writing the same values twice leaves the matter unchanged. Values equal to
// what the matter already holds are not sent; when nothing differs no request
// is made.
//
// A stale etag re-reads the matter and retries once. A rejection naming an
// unknown custom field rebuilds the directory and retries once.
func (c *Gateway) UpdateMatterFields(ctx context.Context, matterID int64, values []FieldValue) (*FieldUpdate, error) {
	if len(values) == 0 {
		m, err := c.GetMatter(ctx, matterID)
		if err != nil {
			return nil, err
		}
		return &FieldUpdate{Matter: m}, nil
	}

	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.Name)
	}

	staleRetried, fieldsRetried := false, false
	for {
		upd, err := c.patchFields(ctx, matterID, names, values)
		switch {
		case err == nil:
			return upd, nil
		case isStatus(err, http.StatusPreconditionFailed) && !staleRetried:
			staleRetried = true
			zap.L().Info("clio: matter etag stale, re-reading", zap.Int64("matter_id", matterID))
		case isUnknownField(err) && !fieldsRetried:
			fieldsRetried = true
			zap.L().Warn("clio: custom field rejected, rebuilding field directory", zap.Int64("matter_id", matterID))
			c.fields.Invalidate()
		default:
			return nil, err
		}
	}
}

func (c *Gateway) patchFields(ctx context.Context, matterID int64, names []string, values []FieldValue) (*FieldUpdate, error) {
	ids, err := c.fields.ResolveAll(ctx, names)
	if err != nil {
		return nil, err
	}

	m, err := c.GetMatter(ctx, matterID)
	if err != nil {
		return nil, err
	}

	existing := make(map[int64]CustomFieldValue, len(m.CustomFieldValues))
	for _, v := range m.CustomFieldValues {
		if v.CustomField != nil {
			existing[v.CustomField.ID] = v
		}
	}

	var changes []CustomFieldValue
	for _, v := range values {
		fieldID := ids[v.Name]
		cur, ok := existing[fieldID]
		if ok && valueString(cur.Value) == v.Value {
			continue
		}
		cfv := CustomFieldValue{Value: v.Value, CustomField: &Ref{ID: fieldID}}
		if ok {
			cfv.ID = cur.ID
		}
		changes = append(changes, cfv)
	}
	if len(changes) == 0 {
		return &FieldUpdate{Matter: m}, nil
	}

	body := map[string]any{"data": map[string]any{"custom_field_values": changes}}
	var env envelope[Matter]
	q := url.Values{"fields": {matterFields}}
	if err := c.sendJSON(ctx, "update matter fields", http.MethodPatch, matterPath(matterID), q, m.Etag, body, &env); err != nil {
		return nil, err
	}
	return &FieldUpdate{Matter: &env.Data, Changed: len(changes), Patched: true}, nil
}

// ListMatterStages lists stages, optionally restricted to a practice area.
func (c *Gateway) ListMatterStages(ctx context.Context, practiceAreaID int64) ([]MatterStage, error) {
	q := url.Values{"fields": {"id,name,practice_area{id}"}}
	if practiceAreaID > 0 {
		q.Set("practice_area_id", strconv.FormatInt(practiceAreaID, 10))
	}
	return listAll[MatterStage](ctx, c, "list matter stages", apiPrefix+"/matter_stages.json", q)
}

// UpdateMatterStage moves the matter to stageID. A matter already in that
// stage is returned unchanged. A stale etag re-reads the matter and retries once.
func (c *Gateway) UpdateMatterStage(ctx context.Context, matterID, stageID int64) (*Matter, error) {
	if stageID <= 0 {
		return nil, &Error{Reason: model.ReasonConfigurationDefect, Op: "update matter stage", Err: eris.New("stage id is required")}
	}
	for staleRetried := false; ; staleRetried = true {
		m, err := c.GetMatter(ctx, matterID)
		if err != nil {
			return nil, err
		}
		if m.StageID() == stageID {
			return m, nil
		}

		body := map[string]any{"data": map[string]any{"matter_stage": Ref{ID: stageID}}}
		var env envelope[Matter]
		q := url.Values{"fields": {matterFields}}
		err = c.sendJSON(ctx, "update matter stage", http.MethodPatch, matterPath(matterID), q, m.Etag, body, &env)
		if err == nil {
			return &env.Data, nil
		}
		if !isStatus(err, http.StatusPreconditionFailed) || staleRetried {
			return nil, err
		}
		zap.L().Info("clio: matter etag stale, re-reading", zap.Int64("matter_id", matterID))
	}
}

func matterPath(id int64) string {
	return fmt.Sprintf("%s/matters/%d.json", apiPrefix, id)
}

// valueString renders a custom field value the way it is written.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
