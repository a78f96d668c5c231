package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

func testRequest(step models.Step) Request {
	req := Request{
		Step:   step,
		Funnel: &models.Funnel{ID: "f1", UserID: "u1", Name: "Checkout"},
		Dataset: &models.Dataset{
			FunnelID:    "f1",
			PeriodStart: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2026, time.April, 30, 0, 0, 0, 0, time.UTC),
			Metrics: []models.NodeMetric{
				{Node: "landing", Visitors: 1000, Conversions: 600},
				{Node: "cart", Visitors: 600, Conversions: 120, Revenue: 900.5},
				{Node: "payment", Visitors: 120, Conversions: 100, Revenue: 7000},
			},
		},
	}
	if step >= models.StepStrategies {
		ki := &models.KeyInsights{Summary: "cart leaks", Insights: []models.Insight{{Title: "cart", Detail: "20%"}}}
		req.Previous = &models.AnalysisRecord{ID: "a1", Step: models.StepKeyInsights, Output: models.Output{KeyInsights: ki}}
	}
	if step == models.StepReport {
		req.Previous = &models.AnalysisRecord{ID: "a2", Step: models.StepStrategies, Output: models.Output{Strategies: &models.StrategyOptions{}}}
		req.Strategy = models.StrategyAggressive
	}
	return req
}

func completion(content string, tokens int64) string {
	b, _ := json.Marshal(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int64{"total_tokens": tokens},
	})
	return string(b)
}

func TestGenerateSendsPromptAndParsesCompletion(t *testing.T) {
	t.Parallel()
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completion("```json\n{\"summary\":\"s\",\"insights\":[{\"title\":\"t\",\"detail\":\"d\"}]}\n```", 321))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "sk-test", Model: "test-model", Timeout: time.Second})
	res, err := c.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.NoError(t, err)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, `Funnel "Checkout"`)
	assert.Contains(t, got.Messages[1].Content, "cart | 600 | 120 | 20.0% | 900.50")

	require.NotNil(t, res.TokenCount)
	assert.EqualValues(t, 321, *res.TokenCount)
	out, err := DecodeOutput(models.StepKeyInsights, res.Output)
	require.NoError(t, err)
	assert.Equal(t, "s", out.KeyInsights.Summary)
}

func TestGenerateReportPromptNamesStrategy(t *testing.T) {
	t.Parallel()
	prompt, err := renderPrompt(testRequest(models.StepReport))
	require.NoError(t, err)
	assert.Contains(t, prompt, "aggressive strategy")
}

func TestGenerateServerErrorIsCompleted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"usage":{"total_tokens":12}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Timeout: time.Second, MaxRetries: 3, RetryInterval: time.Millisecond})
	_, err := c.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.Error(t, err)
	assert.False(t, IsIncomplete(err))

	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	require.NotNil(t, re.TokenCount)
	assert.EqualValues(t, 12, *re.TokenCount)
	assert.EqualValues(t, 1, calls.Load(), "4xx is not retried")
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, completion(`{"summary":"ok","insights":[{"title":"t","detail":"d"}]}`, 5))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 2, RetryInterval: time.Millisecond})
	_, err := c.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGenerateTimeoutIsIncomplete(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
}

func TestGenerateUnreachableIsIncomplete(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url, Timeout: time.Second})
	_, err := c.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
}

func TestGenerateRejectsBadRequestWithoutCalling(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{URL: "http://127.0.0.1:0"})
	req := testRequest(models.StepStrategies)
	req.Previous = nil
	_, err := c.Generate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
}

func TestDecodeOutputValidates(t *testing.T) {
	t.Parallel()
	_, err := DecodeOutput(models.StepKeyInsights, []byte(`{"summary":"s","insights":[]}`))
	assert.Error(t, err)

	_, err = DecodeOutput(models.StepStrategies, []byte(`{"stable":{"name":"a","summary":"b","actions":["x"]}}`))
	assert.Error(t, err, "aggressive option is required")

	_, err = DecodeOutput(models.StepKeyInsights, []byte(`{"summary":"s","insights":[{"title":"t","detail":"d","impact":"huge"}]}`))
	assert.Error(t, err)

	_, err = DecodeOutput(models.StepReport, []byte(`not json`))
	assert.Error(t, err)

	out, err := DecodeOutput(models.StepReport, []byte(`{"title":"t","executive_summary":"e","sections":[{"heading":"h","body":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, models.StepReport, out.Step())
}

func TestLocalProducesValidPayloads(t *testing.T) {
	t.Parallel()
	for _, step := range []models.Step{models.StepKeyInsights, models.StepStrategies, models.StepReport} {
		t.Run(step.String(), func(t *testing.T) {
			res, err := Local{}.Generate(context.Background(), testRequest(step))
			require.NoError(t, err)
			out, err := DecodeOutput(step, res.Output)
			require.NoError(t, err)
			assert.Equal(t, step, out.Step())
		})
	}

	res, err := Local{}.Generate(context.Background(), testRequest(models.StepKeyInsights))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(res.Output), `"bottleneck":"cart"`))
}

func TestIsIncomplete(t *testing.T) {
	t.Parallel()
	assert.False(t, IsIncomplete(nil))
	assert.True(t, IsIncomplete(context.DeadlineExceeded))
	assert.True(t, IsIncomplete(&ResponseError{}))
	assert.False(t, IsIncomplete(&ResponseError{Completed: true, StatusCode: 500}))
}
