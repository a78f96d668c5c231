package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Step int

const (
	StepKeyInsights Step = 1
	StepStrategies  Step = 2
	StepReport      Step = 3
)

func (s Step) Valid() bool {
	return s >= StepKeyInsights && s <= StepReport
}

func (s Step) String() string {
	switch s {
	case StepKeyInsights:
		return "key_insights"
	case StepStrategies:
		return "strategy_options"
	case StepReport:
		return "complete_report"
	default:
		return fmt.Sprintf("step_%d", int(s))
	}
}

type Strategy string

const (
	StrategyStable     Strategy = "stable"
	StrategyAggressive Strategy = "aggressive"
)

func (s Strategy) Valid() bool {
	return s == StrategyStable || s == StrategyAggressive
}

type AnalysisRecord struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	FunnelID           string    `json:"funnel_id"`
	DatasetPeriodStart time.Time `json:"dataset_period_start"`
	Step               Step      `json:"step"`
	ParentID           string    `json:"parent_id,omitempty"`
	Output             Output    `json:"output"`
	SelectedStrategy   *Strategy `json:"selected_strategy,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// AnalysisFilter selects records for listing. Zero fields are ignored.
type AnalysisFilter struct {
	UserID      string
	FunnelID    string
	PeriodStart *time.Time
	Step        Step
	Limit       int
}

// Output holds exactly one step payload, selected by the record's step.
type Output struct {
	KeyInsights *KeyInsights
	Strategies  *StrategyOptions
	Report      *CompleteReport
}

type Insight struct {
	Title  string `json:"title" validate:"required"`
	Detail string `json:"detail" validate:"required"`
	Metric string `json:"metric,omitempty"`
	Impact string `json:"impact,omitempty" validate:"omitempty,oneof=low medium high"`
}

type KeyInsights struct {
	Summary    string    `json:"summary" validate:"required"`
	Insights   []Insight `json:"insights" validate:"required,min=1,dive"`
	Bottleneck string    `json:"bottleneck,omitempty"`
}

type StrategyOption struct {
	Name         string   `json:"name" validate:"required"`
	Summary      string   `json:"summary" validate:"required"`
	Actions      []string `json:"actions" validate:"required,min=1,dive,required"`
	ExpectedLift string   `json:"expected_lift,omitempty"`
	Risk         string   `json:"risk,omitempty"`
}

type StrategyOptions struct {
	Stable     StrategyOption `json:"stable" validate:"required"`
	Aggressive StrategyOption `json:"aggressive" validate:"required"`
}

type ReportSection struct {
	Heading string `json:"heading" validate:"required"`
	Body    string `json:"body" validate:"required"`
}

type CompleteReport struct {
	Title            string          `json:"title" validate:"required"`
	ExecutiveSummary string          `json:"executive_summary" validate:"required"`
	Sections         []ReportSection `json:"sections" validate:"required,min=1,dive"`
	NextSteps        []string        `json:"next_steps,omitempty"`
}

var ErrOutputMismatch = errors.New("output does not match step")

// Payload returns the populated step payload, or nil.
func (o Output) Payload() any {
	switch {
	case o.KeyInsights != nil:
		return o.KeyInsights
	case o.Strategies != nil:
		return o.Strategies
	case o.Report != nil:
		return o.Report
	}
	return nil
}

// Step reports which step the populated payload belongs to, or 0.
func (o Output) Step() Step {
	switch {
	case o.KeyInsights != nil:
		return StepKeyInsights
	case o.Strategies != nil:
		return StepStrategies
	case o.Report != nil:
		return StepReport
	}
	return 0
}

func (o Output) MarshalJSON() ([]byte, error) {
	p := o.Payload()
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// DecodeOutput unmarshals raw into the payload type for step.
func DecodeOutput(step Step, raw []byte) (Output, error) {
	var out Output
	var err error
	switch step {
	case StepKeyInsights:
		out.KeyInsights = &KeyInsights{}
		err = json.Unmarshal(raw, out.KeyInsights)
	case StepStrategies:
		out.Strategies = &StrategyOptions{}
		err = json.Unmarshal(raw, out.Strategies)
	case StepReport:
		out.Report = &CompleteReport{}
		err = json.Unmarshal(raw, out.Report)
	default:
		return Output{}, fmt.Errorf("%w: unknown step %d", ErrOutputMismatch, int(step))
	}
	if err != nil {
		return Output{}, fmt.Errorf("decode %s output: %w", step, err)
	}
	return out, nil
}
