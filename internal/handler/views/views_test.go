package views

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/shortgrade/internal/i18n"
	"github.com/pavelanni/shortgrade/internal/model"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func render(t *testing.T, v PageView) string {
	t.Helper()
	ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer("en"))
	ctx = model.ContextWithBasePath(ctx, "/quiz")
	ctx = model.ContextWithCSRFToken(ctx, `tok"en`)

	var b strings.Builder
	require.NoError(t, Page(v).Render(ctx, &b))
	return b.String()
}

func TestPageForms(t *testing.T) {
	body := render(t, PageView{
		Title:       "Water pouch",
		Question:    "Why?",
		StudentID:   "10130",
		Answer:      "<b>steam</b>",
		ShowOpinion: true,
	})

	assert.True(t, strings.HasPrefix(body, `<!doctype html><html lang="en">`))
	assert.Contains(t, body, `<title>Water pouch</title>`)
	assert.Contains(t, body, `action="/quiz/submit"`)
	assert.Contains(t, body, `action="/quiz/opinion"`)
	assert.Equal(t, 2, strings.Count(body, `name="csrf_token" value="tok&#34;en"`))
	assert.Contains(t, body, `value="10130"`)
	assert.Contains(t, body, "&lt;b&gt;steam&lt;/b&gt;</textarea>")
	assert.Contains(t, body, `name="student_id" inputmode="numeric" maxlength="5" placeholder="10130"></label>`,
		"manual ID field without a remembered ID")
	assert.True(t, strings.HasSuffix(body, "</main></body></html>"))
}

func TestPageHidesOptionalParts(t *testing.T) {
	body := render(t, PageView{Title: "t", Question: "q", RememberedID: "10130", ShowOpinion: true})
	assert.Equal(t, 1, strings.Count(body, `name="student_id"`), "remembered ID hides the opinion ID field")
	assert.NotContains(t, body, `class="result"`)

	body = render(t, PageView{Title: "t", Question: "q"})
	assert.NotContains(t, body, `class="opinion"`)
}

func TestParagraphs(t *testing.T) {
	body := render(t, PageView{Title: "t", Question: "first line\nsecond <line>\n\n\n\nnext paragraph\n"})
	assert.Contains(t, body, `<section class="question"><h2>`)
	assert.Contains(t, body, "<p>first line<br>second &lt;line&gt;</p><p>next paragraph</p></section>")
}

func TestFlashesAndResult(t *testing.T) {
	body := render(t, PageView{
		Title:       "t",
		Question:    "q",
		SchemaError: "access denied",
		Flashes: []Flash{
			{Kind: FlashSuccess, Text: "saved"},
			{Kind: FlashWarning, Text: "careful"},
			{Kind: "unknown", Text: "oops"},
		},
		Result: &Result{Score: 7, Max: 7, Feedback: "Good & complete", Evaporation: true},
	})

	assert.Contains(t, body, `<div class="flash flash-error" role="status">[DB] Table initialization failed: access denied</div>`)
	assert.Contains(t, body, `<div class="flash flash-success" role="status">saved</div>`)
	assert.Contains(t, body, `<div class="flash flash-warning" role="status">careful</div>`)
	assert.Contains(t, body, `<div class="flash flash-error" role="status">oops</div>`)
	assert.Contains(t, body, "<p>Good &amp; complete</p>")
	assert.Contains(t, body, ": ✅</li>")
	assert.Contains(t, body, ": ❌</li>")
	assert.NotContains(t, body, "Grading rationale", "no reason heading without a reason")
}

func TestSplitParagraphs(t *testing.T) {
	assert.Nil(t, splitParagraphs("  \n\n "))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, splitParagraphs("a\nb\n\nc"))
}
