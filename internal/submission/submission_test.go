package submission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/quiz"
)

type fakeGrader struct {
	result *model.GradingResult
	err    error
	calls  []string
}

func (g *fakeGrader) Grade(_ context.Context, answer string) (*model.GradingResult, error) {
	g.calls = append(g.calls, answer)
	if g.err != nil {
		return nil, g.err
	}
	r := *g.result
	return &r, nil
}

type record struct {
	answer, feedback string
	opinion          model.Opinion
}

// memRepo mimics the store's upsert semantics in memory.
type memRepo struct {
	mu         sync.Mutex
	rows       map[string]record
	upsertErr  error
	opinionErr error
	upserts    int
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]record)}
}

func (r *memRepo) Upsert(_ context.Context, id, answer, feedback string, opinion model.Opinion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserts++
	rec := r.rows[id]
	rec.answer, rec.feedback = answer, feedback
	if opinion.IsSet() {
		rec.opinion = opinion
	}
	r.rows[id] = rec
	return nil
}

func (r *memRepo) UpdateOpinion(_ context.Context, id, opinion string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opinionErr != nil {
		return false, r.opinionErr
	}
	rec, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	rec.opinion = model.OpinionOf(opinion)
	r.rows[id] = rec
	return true, nil
}

func evaporationOnly() *model.GradingResult {
	return &model.GradingResult{
		Score:    2,
		Reason:   "증발만 언급",
		Feedback: "열 흡수도 함께 써 보세요.",
		Detected: model.Detected{Evaporation: true},
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		answer  string
		wantErr error
	}{
		{"short id", "1013", "증발", ErrInvalidStudentID},
		{"letters", "abcde", "증발", ErrInvalidStudentID},
		{"empty id", "", "증발", ErrInvalidStudentID},
		{"blank answer", "10130", "", ErrBlankAnswer},
		{"whitespace answer", "10130", " \n\t ", ErrBlankAnswer},
		{"bad id wins over blank answer", "x", "", ErrInvalidStudentID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGrader{result: evaporationOnly()}
			repo := newMemRepo()
			svc := New(g, repo, quiz.Default())

			out, err := svc.Submit(context.Background(), tt.id, tt.answer)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, out)
			assert.Empty(t, g.calls, "no grading call on invalid input")
			assert.Zero(t, repo.upserts, "no write on invalid input")
			assert.Equal(t, StageAwaitingSubmission, StageAfterSubmit(out, err))
		})
	}
}

func TestSubmitGradingFailure(t *testing.T) {
	g := &fakeGrader{err: errors.New("service unavailable")}
	repo := newMemRepo()
	svc := New(g, repo, quiz.Default())

	out, err := svc.Submit(context.Background(), "10130", "증발")
	require.ErrorIs(t, err, ErrGrading)
	assert.ErrorContains(t, err, "service unavailable")
	assert.Nil(t, out)
	assert.Zero(t, repo.upserts)
	assert.Equal(t, StageAwaitingSubmission, StageAfterSubmit(out, err))
}

func TestSubmitStorageFailure(t *testing.T) {
	g := &fakeGrader{result: evaporationOnly()}
	repo := newMemRepo()
	repo.upsertErr = errors.New("connection refused")
	svc := New(g, repo, quiz.Default())

	out, err := svc.Submit(context.Background(), "10130", "증발")
	require.ErrorIs(t, err, ErrStorage)
	require.NotNil(t, out, "graded result is still returned for display")
	assert.False(t, out.Saved)
	assert.Equal(t, 2, out.Result.Score)
	assert.Equal(t, StageAwaitingSubmission, StageAfterSubmit(out, err), "the flow stops after a storage failure")
}

func TestSubmitTrimsAndStores(t *testing.T) {
	g := &fakeGrader{result: evaporationOnly()}
	repo := newMemRepo()
	svc := New(g, repo, quiz.Default())

	out, err := svc.Submit(context.Background(), " 10130 ", "  물이 증발한다.  ")
	require.NoError(t, err)
	require.True(t, out.Saved)
	assert.Equal(t, StageGradedAndSaved, StageAfterSubmit(out, err))

	assert.Equal(t, []string{"물이 증발한다."}, g.calls)
	rec := repo.rows["10130"]
	assert.Equal(t, "물이 증발한다.", rec.answer)
	assert.False(t, rec.opinion.IsSet())

	p, err := model.DecodeFeedback(rec.feedback)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackPayload{
		Score:    2,
		Max:      7,
		Reason:   "증발만 언급",
		Feedback: "열 흡수도 함께 써 보세요.",
		Detected: model.Detected{Evaporation: true},
	}, p)
}

func TestOpinionFlow(t *testing.T) {
	g := &fakeGrader{result: evaporationOnly()}
	repo := newMemRepo()
	svc := New(g, repo, quiz.Default())
	ctx := context.Background()

	out, err := svc.Submit(ctx, "10130", "물이 증발해서 시원해진다")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Result.Score)
	before := repo.rows["10130"]

	require.NoError(t, svc.SubmitOpinion(ctx, "10130", "도움이 되었습니다"))
	assert.Equal(t, StageOpinionSaved, StageAfterOpinion(nil))

	after := repo.rows["10130"]
	assert.Equal(t, model.OpinionOf("도움이 되었습니다"), after.opinion)
	assert.Equal(t, before.answer, after.answer)
	assert.Equal(t, before.feedback, after.feedback)

	// Resubmitting keeps the opinion.
	g.result = &model.GradingResult{Score: 7, Detected: model.Detected{Evaporation: true, HeatAbsorb: true}}
	_, err = svc.Submit(ctx, "10130", "증발하면서 주변의 열을 흡수한다")
	require.NoError(t, err)
	assert.Equal(t, model.OpinionOf("도움이 되었습니다"), repo.rows["10130"].opinion)
	assert.Equal(t, "증발하면서 주변의 열을 흡수한다", repo.rows["10130"].answer)
}

func TestSubmitOpinionValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		opinion string
		wantErr error
	}{
		{"blank opinion", "10130", "   ", ErrBlankOpinion},
		{"blank opinion wins over bad id", "x", "", ErrBlankOpinion},
		{"bad id", "1234", "좋아요", ErrInvalidStudentID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(&fakeGrader{}, newMemRepo(), quiz.Default())
			err := svc.SubmitOpinion(context.Background(), tt.id, tt.opinion)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StageAwaitingOpinion, StageAfterOpinion(err))
		})
	}
}

func TestSubmitOpinionUnknownID(t *testing.T) {
	repo := newMemRepo()
	svc := New(&fakeGrader{}, repo, quiz.Default())

	require.NoError(t, svc.SubmitOpinion(context.Background(), "55555", "좋아요"))
	assert.Empty(t, repo.rows, "no row is created")
}

func TestSubmitOpinionStorageFailure(t *testing.T) {
	repo := newMemRepo()
	repo.opinionErr = errors.New("timeout")
	svc := New(&fakeGrader{}, repo, quiz.Default())

	err := svc.SubmitOpinion(context.Background(), "10130", "좋아요")
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, StageAwaitingOpinion, StageAfterOpinion(err))
}
