package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/shortgrade/internal/model"
)

// List returns all submissions ordered by student ID.
func (s *Store) List(ctx context.Context) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.list)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ExportAll builds export-ready records from all stored submissions.
func (s *Store) ExportAll(ctx context.Context) ([]model.SubmissionExport, error) {
	subs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.SubmissionExport, 0, len(subs))
	for _, sub := range subs {
		out = append(out, model.NewSubmissionExport(sub))
	}
	return out, nil
}
