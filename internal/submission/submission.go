// Package submission implements the request flow of one quiz page: validate,
// grade, store, and later attach the student's opinion.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/observability"
	"github.com/pavelanni/shortgrade/internal/quiz"
)

var (
	ErrInvalidStudentID = errors.New("student ID must be 5 digits")
	ErrBlankAnswer      = errors.New("answer is blank")
	ErrBlankOpinion     = errors.New("opinion is blank")
	ErrGrading          = errors.New("grading failed")
	ErrStorage          = errors.New("storage failed")
)

// Grader grades a single answer.
type Grader interface {
	Grade(ctx context.Context, answer string) (*model.GradingResult, error)
}

// Repository persists submissions.
type Repository interface {
	Upsert(ctx context.Context, studentID, answer, feedback string, opinion model.Opinion) error
	UpdateOpinion(ctx context.Context, studentID, opinion string) (bool, error)
}

// Stage is the position of a page view in the submission flow.
type Stage string

const (
	StageAwaitingSubmission Stage = "awaiting_submission"
	StageGrading            Stage = "grading"
	StageGradedAndSaved     Stage = "graded_saved"
	StageAwaitingOpinion    Stage = "awaiting_opinion"
	StageOpinionSaved       Stage = "opinion_saved"
)

// Outcome is what a grading request produced. It is returned even when the
// result could not be stored, so the caller can still show it.
type Outcome struct {
	StudentID string
	Answer    string
	Result    model.GradingResult
	Payload   model.FeedbackPayload
	MaxScore  int
	Saved     bool
}

// Service runs the submission flow.
type Service struct {
	grader Grader
	repo   Repository
	quiz   *quiz.Quiz
}

// New creates a new Service.
func New(g Grader, r Repository, q *quiz.Quiz) *Service {
	return &Service{grader: g, repo: r, quiz: q}
}

// Quiz returns the question being served.
func (s *Service) Quiz() *quiz.Quiz {
	return s.quiz
}

// Submit validates and grades an answer, then stores it with the opinion
// left absent so a previously saved opinion survives a resubmission.
func (s *Service) Submit(ctx context.Context, studentID, answer string) (*Outcome, error) {
	studentID = strings.TrimSpace(studentID)
	answer = strings.TrimSpace(answer)

	if !model.ValidStudentID(studentID) {
		observability.Submissions().WithLabelValues("invalid").Inc()
		return nil, ErrInvalidStudentID
	}
	if answer == "" {
		observability.Submissions().WithLabelValues("invalid").Inc()
		return nil, ErrBlankAnswer
	}

	slog.Debug("submission stage", "student_id", studentID, "stage", StageGrading)
	result, err := s.grader.Grade(ctx, answer)
	if err != nil {
		slog.Error("grading failed", "student_id", studentID, "error", err)
		observability.Submissions().WithLabelValues("grading_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGrading, err)
	}

	out := &Outcome{
		StudentID: studentID,
		Answer:    answer,
		Result:    *result,
		Payload:   model.NewFeedbackPayload(*result, s.quiz.Rules.MaxScore),
		MaxScore:  s.quiz.Rules.MaxScore,
	}

	feedback, err := model.EncodeFeedback(out.Payload)
	if err != nil {
		observability.Submissions().WithLabelValues("storage_error").Inc()
		return out, fmt.Errorf("%w: encode feedback: %w", ErrStorage, err)
	}
	if err := s.repo.Upsert(ctx, studentID, answer, feedback, model.NoOpinion()); err != nil {
		slog.Error("saving submission failed", "student_id", studentID, "error", err)
		observability.Submissions().WithLabelValues("storage_error").Inc()
		return out, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	out.Saved = true
	observability.Submissions().WithLabelValues("saved").Inc()
	slog.Info("submission graded", "student_id", studentID, "score", out.Result.Score,
		"evaporation", out.Result.Detected.Evaporation, "heat_absorb", out.Result.Detected.HeatAbsorb)
	return out, nil
}

// SubmitOpinion stores the student's opinion. An ID with no stored
// submission is accepted and changes nothing.
func (s *Service) SubmitOpinion(ctx context.Context, studentID, opinion string) error {
	studentID = strings.TrimSpace(studentID)
	opinion = strings.TrimSpace(opinion)

	if opinion == "" {
		observability.Opinions().WithLabelValues("invalid").Inc()
		return ErrBlankOpinion
	}
	if !model.ValidStudentID(studentID) {
		observability.Opinions().WithLabelValues("invalid").Inc()
		return ErrInvalidStudentID
	}

	matched, err := s.repo.UpdateOpinion(ctx, studentID, opinion)
	if err != nil {
		slog.Error("saving opinion failed", "student_id", studentID, "error", err)
		observability.Opinions().WithLabelValues("storage_error").Inc()
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !matched {
		slog.Warn("opinion for unknown student ID ignored", "student_id", studentID)
		observability.Opinions().WithLabelValues("no_match").Inc()
		return nil
	}
	observability.Opinions().WithLabelValues("saved").Inc()
	return nil
}

// StageAfterSubmit maps the result of Submit to the stage the page shows.
func StageAfterSubmit(out *Outcome, err error) Stage {
	if err == nil && out != nil && out.Saved {
		return StageGradedAndSaved
	}
	// A graded but unsaved result is still displayed. The flow stops there and
	// the opinion form is not offered.
	return StageAwaitingSubmission
}

// StageAfterOpinion maps the result of SubmitOpinion to the stage the page shows.
func StageAfterOpinion(err error) Stage {
	if err == nil {
		return StageOpinionSaved
	}
	return StageAwaitingOpinion
}
