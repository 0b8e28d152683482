package model

import "time"

// Export is the top-level JSON structure written by the export command.
type Export struct {
	ExportedAt  time.Time          `json:"exported_at"`
	Question    string             `json:"question"`
	MaxScore    int                `json:"max_score"`
	Submissions []SubmissionExport `json:"submissions"`
}

// SubmissionExport holds one student's stored record for export.
type SubmissionExport struct {
	StudentID string           `json:"student_id"`
	Answer    string           `json:"answer"`
	Feedback  *FeedbackPayload `json:"feedback,omitempty"`
	// RawFeedback is set instead of Feedback when the stored payload does not decode.
	RawFeedback string    `json:"raw_feedback,omitempty"`
	Opinion     *string   `json:"opinion"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewSubmissionExport converts a stored submission into its export form.
func NewSubmissionExport(s Submission) SubmissionExport {
	out := SubmissionExport{
		StudentID: s.StudentID,
		Answer:    s.Answer,
		UpdatedAt: s.UpdatedAt,
	}
	if p, err := DecodeFeedback(s.Feedback); err == nil {
		out.Feedback = &p
	} else {
		out.RawFeedback = s.Feedback
	}
	if v, ok := s.Opinion.Value(); ok {
		out.Opinion = &v
	}
	return out
}
