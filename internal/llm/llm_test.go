package llm

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pavelanni/shortgrade/internal/llm/prompts"
	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/observability"
	"github.com/pavelanni/shortgrade/internal/quiz"
)

const testModel = "gpt-4o-mini"

// fakeAPI is a minimal chat completions endpoint. Each call pops the next
// canned response; the decoded request bodies are recorded.
type fakeAPI struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  []map[string]any
}

type fakeResponse struct {
	status  int
	content string // assistant message content when status is 200
	body    string // raw body for error statuses
}

func ok(content string) fakeResponse {
	return fakeResponse{status: http.StatusOK, content: content}
}

func apiError(status int, message, param string) fakeResponse {
	e := map[string]any{"message": message, "type": "invalid_request_error"}
	if param != "" {
		e["param"] = param
		e["code"] = "unsupported_parameter"
	}
	b, _ := json.Marshal(map[string]any{"error": e})
	return fakeResponse{status: status, body: string(b)}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var resp fakeResponse
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		resp = apiError(http.StatusInternalServerError, "no canned response", "")
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.status != http.StatusOK {
		_, _ = io.WriteString(w, resp.body)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   testModel,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": resp.content},
			"finish_reason": "stop",
		}},
	})
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, cfg Config, responses ...fakeResponse) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responses: responses}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/v1"
	cfg.Model = testModel
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	return New(cfg, quiz.Default()), api
}

func TestGradeMissingAPIKey(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", Model: testModel}, quiz.Default())
	_, err := c.Grade(t.Context(), "증발")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if api.calls() != 0 {
		t.Errorf("expected no network call, got %d", api.calls())
	}
}

func TestGradePromptFailureIsRecorded(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	failures := testutil.ToFloat64(observability.GradingFailures().WithLabelValues(testModel, "prompt"))

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: testModel}, nil)
	_, err := c.Grade(t.Context(), "증발")
	if !errors.Is(err, prompts.ErrNoQuiz) {
		t.Fatalf("expected ErrNoQuiz, got %v", err)
	}
	if api.calls() != 0 {
		t.Errorf("expected no network call, got %d", api.calls())
	}
	if d := testutil.ToFloat64(observability.GradingFailures().WithLabelValues(testModel, "prompt")) - failures; d != 1 {
		t.Errorf("prompt failures grew by %v, want 1", d)
	}
}

func TestGradeRecomputesScore(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    model.Detected
		score   int
	}{
		{
			"both signals, model under-scores",
			`{"score": 3, "reason": "r", "feedback": "f", "detected": {"evaporation": true, "heat_absorb": true}}`,
			model.Detected{Evaporation: true, HeatAbsorb: true}, 7,
		},
		{
			"evaporation only, model over-scores",
			`{"score": 7, "reason": "r", "feedback": "f", "detected": {"evaporation": true, "heat_absorb": false}}`,
			model.Detected{Evaporation: true}, 2,
		},
		{
			"heat only",
			`{"score": 0, "detected": {"evaporation": false, "heat_absorb": true}}`,
			model.Detected{HeatAbsorb: true}, 2,
		},
		{
			"neither, model claims full marks",
			`{"score": 7, "reason": "r", "feedback": "f", "detected": {"evaporation": false, "heat_absorb": false}}`,
			model.Detected{}, 0,
		},
		{
			"no score field",
			`{"reason": "r", "feedback": "f", "detected": {"evaporation": true, "heat_absorb": true}}`,
			model.Detected{Evaporation: true, HeatAbsorb: true}, 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, Config{}, ok(tt.content))
			got, err := c.Grade(t.Context(), "답안")
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if got.Detected != tt.want {
				t.Errorf("Detected = %+v, want %+v", got.Detected, tt.want)
			}
			if got.Score != tt.score {
				t.Errorf("Score = %d, want %d", got.Score, tt.score)
			}
		})
	}
}

func TestGradeRequestShape(t *testing.T) {
	c, api := newTestClient(t, Config{MaxTokens: 400},
		ok(`{"score": 7, "reason": "근거", "feedback": "잘했어요", "detected": {"evaporation": true, "heat_absorb": true}}`))

	got, err := c.Grade(t.Context(), "물이 증발하면서 열을 흡수한다")
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if got.Reason != "근거" || got.Feedback != "잘했어요" {
		t.Errorf("reason/feedback not passed through: %+v", got)
	}

	req := api.requests[0]
	if req["model"] != testModel {
		t.Errorf("model = %v", req["model"])
	}
	if rf, _ := req["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", req["response_format"])
	}
	if req["max_tokens"] != float64(400) {
		t.Errorf("max_tokens = %v, want 400", req["max_tokens"])
	}
	if _, ok := req["temperature"]; ok {
		t.Error("temperature should be omitted when not configured")
	}

	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
	sys, _ := msgs[0].(map[string]any)
	user, _ := msgs[1].(map[string]any)
	if sys["role"] != "system" || user["role"] != "user" {
		t.Errorf("unexpected roles %v / %v", sys["role"], user["role"])
	}
	if content, _ := user["content"].(string); !strings.Contains(content, "물이 증발하면서 열을 흡수한다") {
		t.Error("user message should embed the student answer")
	}
}

func TestGradeCompatRetry(t *testing.T) {
	t.Run("max_tokens rejected", func(t *testing.T) {
		retries := testutil.ToFloat64(observability.GradingRetries().WithLabelValues(testModel))

		c, api := newTestClient(t, Config{MaxTokens: 400},
			apiError(http.StatusBadRequest, "Unsupported parameter: 'max_tokens' is not supported with this model.", "max_tokens"),
			ok(`{"detected": {"evaporation": true, "heat_absorb": false}}`),
		)
		got, err := c.Grade(t.Context(), "증발")
		if err != nil {
			t.Fatalf("Grade: %v", err)
		}
		if got.Score != 2 {
			t.Errorf("Score = %d, want 2", got.Score)
		}
		if api.calls() != 2 {
			t.Fatalf("expected 2 calls, got %d", api.calls())
		}
		if _, ok := api.requests[1]["max_tokens"]; ok {
			t.Error("retry should drop max_tokens")
		}
		if d := testutil.ToFloat64(observability.GradingRetries().WithLabelValues(testModel)) - retries; d != 1 {
			t.Errorf("expected retry counter +1, got %+v", d)
		}
	})

	t.Run("temperature rejected", func(t *testing.T) {
		c, api := newTestClient(t, Config{Temperature: 0.2},
			apiError(http.StatusBadRequest, "'temperature' does not support 0.2 with this model.", "temperature"),
			ok(`{"detected": {"evaporation": true, "heat_absorb": true}}`),
		)
		got, err := c.Grade(t.Context(), "증발, 열 흡수")
		if err != nil {
			t.Fatalf("Grade: %v", err)
		}
		if got.Score != 7 {
			t.Errorf("Score = %d, want 7", got.Score)
		}
		if _, ok := api.requests[0]["temperature"]; !ok {
			t.Error("first attempt should send temperature")
		}
		if _, ok := api.requests[1]["temperature"]; ok {
			t.Error("retry should drop temperature")
		}
	})

	t.Run("retry fails too", func(t *testing.T) {
		c, api := newTestClient(t, Config{MaxTokens: 400},
			apiError(http.StatusBadRequest, "Unsupported parameter: 'max_tokens'", "max_tokens"),
			apiError(http.StatusServiceUnavailable, "overloaded", ""),
		)
		_, err := c.Grade(t.Context(), "증발")
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrParse) || errors.Is(err, ErrMissingAPIKey) {
			t.Errorf("expected API error, got %v", err)
		}
		if api.calls() != 2 {
			t.Errorf("expected exactly 2 calls, got %d", api.calls())
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		c, api := newTestClient(t, Config{MaxTokens: 400},
			apiError(http.StatusInternalServerError, "internal error", ""),
		)
		if _, err := c.Grade(t.Context(), "증발"); err == nil {
			t.Fatal("expected error")
		}
		if api.calls() != 1 {
			t.Errorf("expected 1 call, got %d", api.calls())
		}
	})

	t.Run("nothing to drop", func(t *testing.T) {
		c, api := newTestClient(t, Config{},
			apiError(http.StatusBadRequest, "unsupported model", ""),
		)
		if _, err := c.Grade(t.Context(), "증발"); err == nil {
			t.Fatal("expected error")
		}
		if api.calls() != 1 {
			t.Errorf("expected 1 call, got %d", api.calls())
		}
	})
}

func TestGradeParseFailure(t *testing.T) {
	c, _ := newTestClient(t, Config{}, ok("I cannot grade this answer."))
	_, err := c.Grade(t.Context(), "증발")
	if !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     model.Detected
		reason   string
		feedback string
		wantErr  bool
	}{
		{
			name: "plain JSON",
			raw:  `{"reason": "r", "feedback": "f", "detected": {"evaporation": true, "heat_absorb": false}}`,
			want: model.Detected{Evaporation: true}, reason: "r", feedback: "f",
		},
		{
			name: "wrapped in prose",
			raw:  "채점 결과입니다:\n{\"reason\": \"r\", \"detected\": {\"evaporation\": true, \"heat_absorb\": true}}\n감사합니다.",
			want: model.Detected{Evaporation: true, HeatAbsorb: true}, reason: "r",
		},
		{
			name: "code fence",
			raw:  "```json\n{\"detected\": {\"evaporation\": false, \"heat_absorb\": true}}\n```",
			want: model.Detected{HeatAbsorb: true},
		},
		{
			name: "missing detected",
			raw:  `{"score": 7, "reason": "r"}`,
			want: model.Detected{}, reason: "r",
		},
		{
			name: "lenient signal values",
			raw:  `{"detected": {"evaporation": "TRUE", "heat_absorb": 1}}`,
			want: model.Detected{Evaporation: true, HeatAbsorb: true},
		},
		{
			name: "false-ish strings",
			raw:  `{"detected": {"evaporation": "false", "heat_absorb": "no"}}`,
			want: model.Detected{},
		},
		{
			name:     "non-string feedback",
			raw:      `{"feedback": 42, "detected": {}}`,
			feedback: "42",
		},
		{name: "no braces", raw: "no json here", wantErr: true},
		{name: "reversed braces", raw: "} oops {", wantErr: true},
		{name: "broken object", raw: "prefix {not: json} suffix", wantErr: true},
		{name: "null", raw: "null", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReply(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Errorf("expected ErrParse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReply: %v", err)
			}
			if got.Detected != tt.want {
				t.Errorf("Detected = %+v, want %+v", got.Detected, tt.want)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.Feedback != tt.feedback {
				t.Errorf("Feedback = %q, want %q", got.Feedback, tt.feedback)
			}
		})
	}
}

func TestIsUnsupportedParam(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("this model is not supported MaxTokens, please use MaxCompletionTokens"), true},
		{errors.New("Unsupported value: 'temperature' does not support 0.3"), true},
		{errors.New("connection refused"), false},
		{errors.New("rate limit exceeded"), false},
	}
	for _, tt := range tests {
		if got := isUnsupportedParam(tt.err); got != tt.want {
			t.Errorf("isUnsupportedParam(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
