package model

// Confidence is the reviewer-facing certainty of an extracted value.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Source describes where an extracted value came from on the report.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceInferred Source = "inferred"
	SourceNotFound Source = "not_found"
)

// Provenance is advisory metadata attached to an extracted field. It is
// consumed by the review surface; the pipeline never branches on it.
type Provenance struct {
	Confidence Confidence `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Source     Source     `json:"source,omitempty" yaml:"source,omitempty"`
	Note       string     `json:"note,omitempty" yaml:"note,omitempty"`
}

// NeedsReview reports whether the reviewer should look at the field.
func (p Provenance) NeedsReview() bool {
	return p.Confidence == ConfidenceLow || p.Confidence == ConfidenceMedium || p.Source == SourceInferred
}

// Extracted is a single extracted value carrying its provenance.
type Extracted[T any] struct {
	Value      T `json:"value" yaml:"value"`
	Provenance `yaml:",inline"`
}
