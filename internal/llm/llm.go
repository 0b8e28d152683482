package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/shortgrade/internal/llm/prompts"
	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/observability"
	"github.com/pavelanni/shortgrade/internal/quiz"
)

var (
	// ErrMissingAPIKey is returned before any network call when no API key is configured.
	ErrMissingAPIKey = errors.New("LLM API key is not configured")
	// ErrParse is returned when the model reply holds no decodable JSON object.
	ErrParse = errors.New("parse grading response")
)

// Config configures the grading client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens and Temperature are optional; zero omits them from the request.
	MaxTokens   int
	Temperature float32
}

// Client grades answers with an OpenAI-compatible chat completion API.
type Client struct {
	api    *openai.Client
	cfg    Config
	quiz   *quiz.Quiz
	tracer trace.Tracer
}

// New creates a new grading client for the given quiz.
func New(cfg Config, q *quiz.Quiz) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(config),
		cfg:    cfg,
		quiz:   q,
		tracer: otel.Tracer("github.com/pavelanni/shortgrade/internal/llm"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Grade asks the model which rubric signals the answer contains and derives
// the score from those signals. The model's own score is discarded.
func (c *Client) Grade(ctx context.Context, answer string) (*model.GradingResult, error) {
	ctx, span := c.tracer.Start(ctx, "llm.grade", trace.WithAttributes(
		attribute.String("model", c.cfg.Model),
	))
	defer span.End()

	if c.cfg.APIKey == "" {
		c.fail(span, "credentials", ErrMissingAPIKey)
		return nil, ErrMissingAPIKey
	}

	system, err := prompts.System()
	if err != nil {
		err = fmt.Errorf("build system prompt: %w", err)
		c.fail(span, "prompt", err)
		return nil, err
	}
	user, err := prompts.User(c.quiz, answer)
	if err != nil {
		err = fmt.Errorf("build user prompt: %w", err)
		c.fail(span, "prompt", err)
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil && hasOptionalParams(req) && isUnsupportedParam(err) {
		slog.Warn("LLM rejected optional parameter, retrying without it",
			"model", c.cfg.Model, "error", err)
		observability.GradingRetries().WithLabelValues(c.cfg.Model).Inc()
		span.AddEvent("compat_retry")
		req.MaxTokens = 0
		req.Temperature = 0
		resp, err = c.api.CreateChatCompletion(ctx, req)
	}
	observability.GradingDuration().WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		c.fail(span, "api", err)
		return nil, fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := errors.New("LLM returned no choices")
		c.fail(span, "api", err)
		return nil, err
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM response", "raw", raw)

	r, err := parseReply(raw)
	if err != nil {
		c.fail(span, "parse", err)
		return nil, err
	}

	return &model.GradingResult{
		Score:    c.quiz.Rules.Score(r.Detected),
		Reason:   r.Reason,
		Feedback: r.Feedback,
		Detected: r.Detected,
	}, nil
}

func (c *Client) fail(span trace.Span, reason string, err error) {
	observability.GradingFailures().WithLabelValues(c.cfg.Model, reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func hasOptionalParams(req openai.ChatCompletionRequest) bool {
	return req.MaxTokens > 0 || req.Temperature != 0
}

// isUnsupportedParam reports whether the API (or the client library's own
// model checks) refused one of the optional request parameters.
func isUnsupportedParam(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Param != nil {
		switch *apiErr.Param {
		case "max_tokens", "temperature":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"max_tokens", "maxtokens", "temperature", "unsupported", "not supported"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// reply is the part of the model's answer that is trusted.
type reply struct {
	Reason   string
	Feedback string
	Detected model.Detected
}

// parseReply decodes the model output. When the whole text is not JSON it
// falls back to the span between the first '{' and the last '}'.
func parseReply(raw string) (*reply, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in reply", ErrParse)
		}
		doc = nil
		if err := json.Unmarshal([]byte(raw[start:end+1]), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrParse)
	}

	r := &reply{
		Reason:   text(doc["reason"]),
		Feedback: text(doc["feedback"]),
	}
	if det, ok := doc["detected"].(map[string]any); ok {
		r.Detected = model.Detected{
			Evaporation: truthy(det["evaporation"]),
			HeatAbsorb:  truthy(det["heat_absorb"]),
		}
	}
	return r, nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}
