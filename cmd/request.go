package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/pipeline"
)

// approveRequest is the body of POST /api/approve and the envelope form of a
// case file. MatterRef fields sit at the top level next to the extraction.
type approveRequest struct {
	RunID           string           `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Extraction      model.CaseRecord `json:"extraction" yaml:"extraction"`
	model.MatterRef `yaml:",inline"`
	DocumentsAfter  time.Time `json:"documents_after,omitempty" yaml:"documents_after,omitempty"`
}

func (a approveRequest) pipelineRequest() pipeline.Request {
	return pipeline.Request{
		RunID:          a.RunID,
		Case:           a.Extraction,
		Matter:         a.MatterRef,
		DocumentsAfter: a.DocumentsAfter,
	}
}

// loadCaseFile reads a YAML or JSON case file. The file holds either a bare
// case record or an approve envelope with an "extraction" key.
func loadCaseFile(path string) (approveRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return approveRequest{}, eris.Wrapf(err, "read case file %s", path)
	}
	return parseCase(data)
}

func parseCase(data []byte) (approveRequest, error) {
	var envelope struct {
		Extraction *yaml.Node `yaml:"extraction"`
	}
	if err := yaml.Unmarshal(data, &envelope); err != nil {
		return approveRequest{}, eris.Wrap(err, "parse case file")
	}

	var req approveRequest
	if envelope.Extraction != nil {
		if err := yaml.Unmarshal(data, &req); err != nil {
			return approveRequest{}, eris.Wrap(err, "parse case file")
		}
		return req, nil
	}
	if err := yaml.Unmarshal(data, &req.Extraction); err != nil {
		return approveRequest{}, eris.Wrap(err, "parse case file")
	}
	return req, nil
}
