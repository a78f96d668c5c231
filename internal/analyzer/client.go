package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/metrics"
)

const maxResponseBytes = 4 << 20

type Config struct {
	URL    string
	APIKey string
	Model  string
	// Timeout bounds one Generate call, retries included.
	Timeout time.Duration
	// MaxRetries applies to 429 and 5xx answers and transport errors.
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "analyzer").Logger()
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (r *chatResponse) tokens() *int64 {
	if r == nil || r.Usage == nil {
		return nil
	}
	n := r.Usage.TotalTokens
	return &n
}

func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, &ResponseError{Err: err}
	}
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, &ResponseError{Err: err}
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.4,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, &ResponseError{Err: err}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var resp *chatResponse
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = 0
	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		var err error
		resp, err = c.post(ctx, body)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx), func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("step", req.Step.String()).Msg("analyzer call failed, retrying")
	})
	c.metrics.AnalyzerCall(req.Step.String(), time.Since(start))
	if err != nil {
		var re *ResponseError
		if !errors.As(err, &re) {
			re = &ResponseError{Err: err}
		}
		return nil, re
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &ResponseError{Completed: true, TokenCount: resp.tokens(), Err: errors.New("empty completion")}
	}
	c.log.Debug().
		Str("step", req.Step.String()).
		Int("attempts", attempt).
		Dur("elapsed", time.Since(start)).
		Msg("analyzer call completed")
	return &Result{
		Output:     json.RawMessage(stripFence([]byte(resp.Choices[0].Message.Content))),
		Model:      resp.Model,
		TokenCount: resp.tokens(),
	}, nil
}

// post makes one attempt. Errors worth retrying are returned plain; all
// others are wrapped with backoff.Permanent.
func (c *Client) post(ctx context.Context, body []byte) (*chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&ResponseError{Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&ResponseError{Err: err})
		}
		return nil, &ResponseError{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, backoff.Permanent(&ResponseError{Err: fmt.Errorf("read response: %w", err)})
	}

	var resp chatResponse
	decodeErr := json.Unmarshal(raw, &resp)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		re := &ResponseError{
			Completed:  true,
			StatusCode: httpResp.StatusCode,
			Err:        errors.New(http.StatusText(httpResp.StatusCode)),
		}
		if decodeErr == nil {
			re.TokenCount = resp.tokens()
		}
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, re
		}
		return nil, backoff.Permanent(re)
	}
	if decodeErr != nil {
		return nil, backoff.Permanent(&ResponseError{Completed: true, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)})
	}
	return &resp, nil
}
