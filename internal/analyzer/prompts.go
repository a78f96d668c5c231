package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

const systemPrompt = `You are a conversion-rate analyst. Answer with a single JSON object and nothing else.`

var funcs = template.FuncMap{
	"rate": func(conversions, visitors int64) string {
		if visitors == 0 {
			return "n/a"
		}
		return fmt.Sprintf("%.1f%%", float64(conversions)*100/float64(visitors))
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"date": func(t time.Time) string {
		return t.Format("2006-01-02")
	},
}

var prompts = map[models.Step]*template.Template{
	models.StepKeyInsights: template.Must(template.New("key_insights").Funcs(funcs).Parse(datasetBlock + `
List the key insights about where this funnel loses people.
Respond with:
{"summary": string, "bottleneck": string, "insights": [{"title": string, "detail": string, "metric": string, "impact": "low"|"medium"|"high"}]}
`)),
	models.StepStrategies: template.Must(template.New("strategy_options").Funcs(funcs).Parse(datasetBlock + `
Insights already found:
{{ json .Previous.Output }}

Propose two improvement strategies: a stable, low-risk one and an aggressive, high-upside one.
Respond with:
{"stable": {"name": string, "summary": string, "actions": [string], "expected_lift": string, "risk": string},
 "aggressive": {"name": string, "summary": string, "actions": [string], "expected_lift": string, "risk": string}}
`)),
	models.StepReport: template.Must(template.New("complete_report").Funcs(funcs).Parse(datasetBlock + `
Strategy options:
{{ json .Previous.Output }}

Write the complete report for the {{ .Strategy }} strategy.
Respond with:
{"title": string, "executive_summary": string, "sections": [{"heading": string, "body": string}], "next_steps": [string]}
`)),
}

const datasetBlock = `Funnel "{{ .Funnel.Name }}", period {{ date .Dataset.PeriodStart }} to {{ date .Dataset.PeriodEnd }}.
Node | visitors | conversions | conversion | revenue
{{- range .Dataset.Metrics }}
{{ .Node }} | {{ .Visitors }} | {{ .Conversions }} | {{ rate .Conversions .Visitors }} | {{ printf "%.2f" .Revenue }}
{{- end }}
`

func renderPrompt(req Request) (string, error) {
	tmpl, ok := prompts[req.Step]
	if !ok {
		return "", fmt.Errorf("no prompt for step %d", int(req.Step))
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, req); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", req.Step, err)
	}
	return sb.String(), nil
}
