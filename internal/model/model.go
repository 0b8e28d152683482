package model

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"time"
)

var studentIDRegex = regexp.MustCompile(`^[0-9]{5}$`)

// ValidStudentID reports whether s is a 5-digit student number such as "10130".
func ValidStudentID(s string) bool {
	return studentIDRegex.MatchString(s)
}

// Opinion is a student's reflection on the feedback. The zero value is absent,
// which is distinct from a present empty string.
type Opinion struct {
	value string
	set   bool
}

// NoOpinion returns an absent opinion. Writes carrying it leave the stored
// opinion untouched.
func NoOpinion() Opinion {
	return Opinion{}
}

// OpinionOf returns a present opinion, possibly empty.
func OpinionOf(s string) Opinion {
	return Opinion{value: s, set: true}
}

// Value returns the opinion text and whether it is present.
func (o Opinion) Value() (string, bool) {
	return o.value, o.set
}

// IsSet reports whether the opinion is present.
func (o Opinion) IsSet() bool {
	return o.set
}

// Submission is the stored record for one student.
type Submission struct {
	StudentID string
	Answer    string
	Feedback  string // serialized FeedbackPayload
	Opinion   Opinion
	UpdatedAt time.Time
}

// Detected holds the two rubric signals reported by the grader.
type Detected struct {
	Evaporation bool `json:"evaporation"`
	HeatAbsorb  bool `json:"heat_absorb"`
}

// GradingResult is the outcome of grading one answer. Score is always derived
// from Detected on the server.
type GradingResult struct {
	Score    int
	Reason   string
	Feedback string
	Detected Detected
}

// FeedbackPayload is the JSON document stored in a submission's feedback column.
type FeedbackPayload struct {
	Score    int      `json:"score"`
	Max      int      `json:"max"`
	Reason   string   `json:"reason"`
	Feedback string   `json:"feedback"`
	Detected Detected `json:"detected"`
}

// NewFeedbackPayload builds the stored payload for a grading result.
func NewFeedbackPayload(r GradingResult, maxScore int) FeedbackPayload {
	return FeedbackPayload{
		Score:    r.Score,
		Max:      maxScore,
		Reason:   r.Reason,
		Feedback: r.Feedback,
		Detected: r.Detected,
	}
}

// EncodeFeedback serializes the payload. Non-ASCII text is written verbatim.
func EncodeFeedback(p FeedbackPayload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// DecodeFeedback parses a stored feedback payload.
func DecodeFeedback(s string) (FeedbackPayload, error) {
	var p FeedbackPayload
	err := json.Unmarshal([]byte(s), &p)
	return p, err
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// ServerConfig holds runtime parameters of the HTTP surface set via CLI flags.
type ServerConfig struct {
	BasePath      string // URL prefix for sub-path deployments (e.g. "/quiz")
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
}
