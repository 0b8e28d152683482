// Package views renders the quiz page as templ components.
package views

import (
	"context"
	"strings"

	appI18n "github.com/pavelanni/shortgrade/internal/i18n"
	"github.com/pavelanni/shortgrade/internal/model"
)

// FlashKind selects the styling of a flash message.
type FlashKind string

const (
	FlashError   FlashKind = "error"
	FlashWarning FlashKind = "warning"
	FlashSuccess FlashKind = "success"
)

// Flash is a one-off message shown above the page content.
type Flash struct {
	Kind FlashKind
	Text string
}

// Result is the graded answer as shown to the student.
type Result struct {
	Score       int
	Max         int
	Reason      string
	Feedback    string
	Evaporation bool
	HeatAbsorb  bool
}

// PageView holds everything the quiz page renders.
type PageView struct {
	Title       string
	Question    string
	StudentID   string
	Answer      string
	SchemaError string
	Flashes     []Flash
	Result      *Result
	// RememberedID hides the manual ID field of the opinion form.
	RememberedID string
	ShowOpinion  bool
}

func schemaFlashes(ctx context.Context, msg string) []Flash {
	return []Flash{{
		Kind: FlashError,
		Text: appI18n.Td(ctx, "SchemaInitFailed", map[string]any{"Error": msg}),
	}}
}

// splitParagraphs splits text on blank lines, then each paragraph into lines.
func splitParagraphs(s string) [][]string {
	var out [][]string
	for _, para := range strings.Split(strings.TrimSpace(s), "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		out = append(out, strings.Split(para, "\n"))
	}
	return out
}

func actionPath(ctx context.Context, path string) string {
	return model.BasePathFromContext(ctx) + path
}

func csrfToken(ctx context.Context) string {
	return model.CSRFTokenFromContext(ctx)
}

func check(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}
