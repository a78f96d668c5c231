// Package analyzer talks to the language-model service that writes analysis
// payloads.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

type Request struct {
	Step    models.Step
	Funnel  *models.Funnel
	Dataset *models.Dataset
	// Previous is the record this step builds on; nil for key insights.
	Previous *models.AnalysisRecord
	// Strategy is set for the complete report only.
	Strategy models.Strategy
}

type Result struct {
	Output     json.RawMessage
	Model      string
	TokenCount *int64
	Cost       *float64
}

type Analyzer interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ResponseError is returned for any failed call. Completed reports whether
// the service produced a response at all; false means a timeout,
// cancellation or transport failure.
type ResponseError struct {
	Completed  bool
	StatusCode int
	// TokenCount is what the service reported spending, if anything.
	TokenCount *int64
	Err        error
}

func (e *ResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analyzer responded %d: %v", e.StatusCode, e.Err)
	}
	if !e.Completed {
		return fmt.Sprintf("analyzer call did not complete: %v", e.Err)
	}
	return fmt.Sprintf("analyzer: %v", e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// IsIncomplete reports whether err means no response was ever produced.
func IsIncomplete(err error) bool {
	if err == nil {
		return false
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return !re.Completed
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (r Request) validate() error {
	if !r.Step.Valid() {
		return fmt.Errorf("unknown step %d", int(r.Step))
	}
	if r.Funnel == nil || r.Dataset == nil {
		return errors.New("funnel and dataset are required")
	}
	if r.Step != models.StepKeyInsights && r.Previous == nil {
		return fmt.Errorf("%s needs the previous step's record", r.Step)
	}
	if r.Step == models.StepReport && !r.Strategy.Valid() {
		return fmt.Errorf("invalid strategy %q", r.Strategy)
	}
	return nil
}
