package report

import "time"

// SubmissionPayload is the final snapshot sent to the form endpoint.
type SubmissionPayload struct {
	ChataID           ChataID        `json:"chataId"`
	ClinicianInfo     *ClinicianInfo `json:"clinicianInfo"`
	FormData          FormData       `json:"formData"`
	Assessments       AssessmentData `json:"assessments"`
	Progress          int            `json:"progress"`
	CompletedSections int            `json:"completedSections"`
	LastUpdated       time.Time      `json:"lastUpdated"`
	SubmittedAt       time.Time      `json:"submittedAt"`
}

// NewSubmissionPayload builds the payload for s. A report needs an
// identifier and clinician info before it can be submitted.
func NewSubmissionPayload(s GlobalFormState, at time.Time) (SubmissionPayload, error) {
	if s.ChataID == "" {
		return SubmissionPayload{}, invalid("chataId", "cannot submit a report without an identifier")
	}
	if s.ClinicianInfo == nil {
		return SubmissionPayload{}, invalid("clinicianInfo", "clinician info is required before submission")
	}
	s = s.Clone()
	return SubmissionPayload{
		ChataID:           s.ChataID,
		ClinicianInfo:     s.ClinicianInfo,
		FormData:          s.FormData,
		Assessments:       s.Assessments,
		Progress:          OverallProgress(s.FormData.ComponentProgress),
		CompletedSections: CompletedSections(s.FormData.ComponentProgress),
		LastUpdated:       s.LastUpdated,
		SubmittedAt:       at.UTC(),
	}, nil
}
