// Package quiz holds the question, its rubric and the score derivation rule.
package quiz

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/shortgrade/internal/model"
)

//go:embed questions/*.json
var questionsFS embed.FS

const defaultQuestionFile = "questions/waterskin_ko.json"

// Phrases lists acceptable phrasings for each rubric signal.
type Phrases struct {
	Evaporation []string `json:"evaporation" validate:"min=1,dive,required"`
	HeatAbsorb  []string `json:"heat_absorb" validate:"min=1,dive,required"`
}

// Rules is the scoring rubric sent to the grader and applied on the server.
type Rules struct {
	MaxScore     int     `json:"max_score" validate:"gtfield=PartialScore"`
	PartialScore int     `json:"partial_score" validate:"gte=0"`
	MustInclude  Phrases `json:"must_include"`
}

// Quiz is a single short-answer question with its rubric.
type Quiz struct {
	Title    string   `json:"title" validate:"required"`
	Question string   `json:"question" validate:"required"`
	Rules    Rules    `json:"rules"`
	Examples []string `json:"examples"`
	Note     string   `json:"note"`
}

// Score derives the score from the two rubric signals. The grader's own
// numeric score is never consulted.
func (r Rules) Score(d model.Detected) int {
	switch {
	case d.Evaporation && d.HeatAbsorb:
		return r.MaxScore
	case d.Evaporation || d.HeatAbsorb:
		return r.PartialScore
	default:
		return 0
	}
}

// JSON renders the rules the way they are shown to the grader.
func (r Rules) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		// Rules only holds ints and strings.
		panic(err)
	}
	return string(b)
}

// Default returns the embedded waterskin question.
func Default() *Quiz {
	data, err := questionsFS.ReadFile(defaultQuestionFile)
	if err != nil {
		panic(fmt.Sprintf("read embedded quiz: %v", err))
	}
	q, err := parse(data)
	if err != nil {
		panic(fmt.Sprintf("parse embedded quiz: %v", err))
	}
	return q
}

// Load reads a quiz from a JSON file. An empty path returns Default().
func Load(path string) (*Quiz, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	q, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return q, nil
}

var validate = validator.New()

func parse(data []byte) (*Quiz, error) {
	var q Quiz
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	if err := validate.Struct(q); err != nil {
		return nil, fmt.Errorf("invalid quiz: %w", err)
	}
	return &q, nil
}
