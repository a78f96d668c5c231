package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

// Local builds payloads from the dataset alone, without calling out. It
// backs development mode and tests.
type Local struct{}

func (Local) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ResponseError{Err: err}
	}
	if err := req.validate(); err != nil {
		return nil, &ResponseError{Err: err}
	}

	worst, rate := bottleneck(req.Dataset.Metrics)
	var payload any
	switch req.Step {
	case models.StepKeyInsights:
		ki := models.KeyInsights{
			Summary:    fmt.Sprintf("%s converts worst at %s (%.1f%%).", req.Funnel.Name, worst, rate),
			Bottleneck: worst,
		}
		for _, m := range req.Dataset.Metrics {
			r := conversion(m)
			impact := "low"
			switch {
			case m.Node == worst:
				impact = "high"
			case r < 50:
				impact = "medium"
			}
			ki.Insights = append(ki.Insights, models.Insight{
				Title:  m.Node,
				Detail: fmt.Sprintf("%d of %d visitors converted.", m.Conversions, m.Visitors),
				Metric: fmt.Sprintf("%.1f%%", r),
				Impact: impact,
			})
		}
		if len(ki.Insights) == 0 {
			ki.Insights = []models.Insight{{Title: "No data", Detail: "The dataset has no node metrics."}}
		}
		payload = ki
	case models.StepStrategies:
		payload = models.StrategyOptions{
			Stable: models.StrategyOption{
				Name:         "Incremental fixes",
				Summary:      fmt.Sprintf("A/B test copy and layout at %s.", worst),
				Actions:      []string{"Audit the " + worst + " step", "Run one A/B test per week"},
				ExpectedLift: "5-10%",
				Risk:         "low",
			},
			Aggressive: models.StrategyOption{
				Name:         "Redesign the step",
				Summary:      fmt.Sprintf("Rebuild %s from scratch.", worst),
				Actions:      []string{"Prototype a new " + worst + " flow", "Ship behind a 50% rollout"},
				ExpectedLift: "20-40%",
				Risk:         "high",
			},
		}
	case models.StepReport:
		payload = models.CompleteReport{
			Title:            fmt.Sprintf("%s: %s plan", req.Funnel.Name, req.Strategy),
			ExecutiveSummary: fmt.Sprintf("Focus on %s, currently at %.1f%%.", worst, rate),
			Sections: []models.ReportSection{
				{Heading: "Diagnosis", Body: fmt.Sprintf("%s is the weakest step.", worst)},
				{Heading: "Plan", Body: fmt.Sprintf("Execute the %s strategy over the next period.", req.Strategy)},
			},
			NextSteps: []string{"Assign an owner", "Review results after one period"},
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ResponseError{Completed: true, Err: err}
	}
	tokens := int64(len(raw) / 4)
	return &Result{Output: raw, Model: "local", TokenCount: &tokens}, nil
}

func conversion(m models.NodeMetric) float64 {
	if m.Visitors == 0 {
		return 0
	}
	return float64(m.Conversions) * 100 / float64(m.Visitors)
}

func bottleneck(ms []models.NodeMetric) (string, float64) {
	if len(ms) == 0 {
		return "the funnel", 0
	}
	worst := ms[0]
	for _, m := range ms[1:] {
		if conversion(m) < conversion(worst) {
			worst = m
		}
	}
	return worst.Node, conversion(worst)
}
