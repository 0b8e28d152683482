package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/shortgrade/internal/quiz"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const maxAnswerRunes = 10000

// ErrNoQuiz is returned by User when no quiz is given.
var ErrNoQuiz = errors.New("no quiz to grade against")

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce     sync.Once
	loadErr      error
	systemPrompt string
	userTemplate *template.Template
)

// UserData holds template data for the grading request.
type UserData struct {
	QuestionText string
	Answer       string
	RulesJSON    string
	Examples     []string
	Note         string
}

func load() error {
	loadOnce.Do(func() {
		sys, err := templateFS.ReadFile("templates/system.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("read system prompt: %w", err)
			return
		}
		systemPrompt = strings.TrimSpace(string(sys))

		user, err := templateFS.ReadFile("templates/user.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("read user prompt: %w", err)
			return
		}
		userTemplate, err = template.New("user").Parse(string(user))
		if err != nil {
			loadErr = errors.New("failed to parse user prompt template: " + err.Error())
		}
	})
	return loadErr
}

// System returns the grader's system instruction.
func System() (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	return systemPrompt, nil
}

// User builds the user message embedding question, answer, rubric, examples
// and output format.
func User(q *quiz.Quiz, answer string) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	if q == nil {
		return "", ErrNoQuiz
	}
	data := UserData{
		QuestionText: q.Question,
		Answer:       sanitizeAnswer(answer),
		RulesJSON:    q.Rules.JSON(),
		Examples:     q.Examples,
		Note:         q.Note,
	}
	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
