package report

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is one state transition. Actions never mutate the state they are
// given; Reduce hands them a private copy.
type Action interface {
	apply(s GlobalFormState, now time.Time) (GlobalFormState, error)
}

// Reduce applies a to s and returns the next state. On error the original
// state is returned unchanged.
func Reduce(s GlobalFormState, a Action, now time.Time) (GlobalFormState, error) {
	if a == nil {
		return s, errors.New("nil action")
	}
	if _, isClear := a.(ClearAction); !isClear && s.IsSubmitted {
		return s, ErrAlreadySubmitted
	}
	next, err := a.apply(s.Clone(), now.UTC())
	if err != nil {
		return s, err
	}
	return next, nil
}

// FormDataPatch carries the FormData fields to overwrite. Nil fields are
// left alone; ComponentProgress entries are merged per section.
type FormDataPatch struct {
	ClinicalObservations  *string                    `json:"clinicalObservations,omitempty"`
	ASCStatus             *DiagnosisStatus           `json:"ascStatus,omitempty"`
	ADHDStatus            *DiagnosisStatus           `json:"adhdStatus,omitempty"`
	Referrals             *Referrals                 `json:"referrals,omitempty"`
	Strengths             *string                    `json:"strengths,omitempty"`
	PrioritySupports      *string                    `json:"prioritySupports,omitempty"`
	Recommendations       *string                    `json:"recommendations,omitempty"`
	DifferentialDiagnosis *string                    `json:"differentialDiagnosis,omitempty"`
	AssessmentSummary     *string                    `json:"assessmentSummary,omitempty"`
	ComponentProgress     map[string]SectionProgress `json:"componentProgress,omitempty"`
}

// AssessmentPatch replaces whole categories.
type AssessmentPatch struct {
	SensoryProfile      *RatedProfile      `json:"sensoryProfile,omitempty"`
	SocialCommunication *RatedProfile      `json:"socialCommunication,omitempty"`
	BehaviorInterests   *RatedProfile      `json:"behaviorInterests,omitempty"`
	Milestones          *MilestoneTimeline `json:"milestones,omitempty"`
	AssessmentLog       *AssessmentLog     `json:"assessmentLog,omitempty"`
}

// UpdateAction merges a partial patch into the report and stamps
// lastUpdated.
type UpdateAction struct {
	FormData    *FormDataPatch   `json:"formData,omitempty"`
	Assessments *AssessmentPatch `json:"assessments,omitempty"`
}

func (a UpdateAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	if err := a.validate(); err != nil {
		return s, err
	}
	if p := a.FormData; p != nil {
		fd := &s.FormData
		setString(&fd.ClinicalObservations, p.ClinicalObservations)
		setString(&fd.Strengths, p.Strengths)
		setString(&fd.PrioritySupports, p.PrioritySupports)
		setString(&fd.Recommendations, p.Recommendations)
		setString(&fd.DifferentialDiagnosis, p.DifferentialDiagnosis)
		setString(&fd.AssessmentSummary, p.AssessmentSummary)
		if p.ASCStatus != nil {
			fd.ASCStatus = *p.ASCStatus
		}
		if p.ADHDStatus != nil {
			fd.ADHDStatus = *p.ADHDStatus
		}
		if p.Referrals != nil {
			fd.Referrals = *p.Referrals
		}
		if len(p.ComponentProgress) > 0 {
			if fd.ComponentProgress == nil {
				fd.ComponentProgress = make(map[string]SectionProgress, len(p.ComponentProgress))
			}
			for k, v := range p.ComponentProgress {
				fd.ComponentProgress[k] = v
			}
		}
	}
	if p := a.Assessments; p != nil {
		// Clone the incoming categories so the caller's patch stays detached
		// from the new state.
		in := AssessmentData{
			SensoryProfile:      p.SensoryProfile,
			SocialCommunication: p.SocialCommunication,
			BehaviorInterests:   p.BehaviorInterests,
			Milestones:          p.Milestones,
			AssessmentLog:       p.AssessmentLog,
		}.clone()
		as := &s.Assessments
		if in.SensoryProfile != nil {
			as.SensoryProfile = in.SensoryProfile
		}
		if in.SocialCommunication != nil {
			as.SocialCommunication = in.SocialCommunication
		}
		if in.BehaviorInterests != nil {
			as.BehaviorInterests = in.BehaviorInterests
		}
		if in.Milestones != nil {
			as.Milestones = in.Milestones
		}
		if in.AssessmentLog != nil {
			as.AssessmentLog = in.AssessmentLog
		}
	}
	s.LastUpdated = now
	return s, nil
}

func (a UpdateAction) validate() error {
	if p := a.FormData; p != nil {
		if p.ASCStatus != nil && !p.ASCStatus.Valid() {
			return invalid("formData.ascStatus", "unknown status %q", *p.ASCStatus)
		}
		if p.ADHDStatus != nil && !p.ADHDStatus.Valid() {
			return invalid("formData.adhdStatus", "unknown status %q", *p.ADHDStatus)
		}
		for name, sec := range p.ComponentProgress {
			if strings.TrimSpace(name) == "" {
				return invalid("formData.componentProgress", "section name is required")
			}
			if sec.Progress < 0 || sec.Progress > 100 {
				return invalid("formData.componentProgress."+name, "progress must be between 0 and 100")
			}
		}
	}
	if p := a.Assessments; p != nil {
		if err := validateProfile("assessments.sensoryProfile", p.SensoryProfile); err != nil {
			return err
		}
		if err := validateProfile("assessments.socialCommunication", p.SocialCommunication); err != nil {
			return err
		}
		if err := validateProfile("assessments.behaviorInterests", p.BehaviorInterests); err != nil {
			return err
		}
		if p.Milestones != nil {
			seen := make(map[string]bool, len(p.Milestones.Items))
			for _, m := range p.Milestones.Items {
				if err := ValidateMilestone(m); err != nil {
					return err
				}
				if m.ID == "" {
					return invalid("milestone.id", "id is required")
				}
				if seen[m.ID] {
					return invalid("milestone.id", "duplicate milestone %q", m.ID)
				}
				seen[m.ID] = true
			}
		}
		if p.AssessmentLog != nil {
			for _, e := range p.AssessmentLog.Entries {
				if strings.TrimSpace(e.Type) == "" {
					return invalid("assessments.assessmentLog.type", "entry type is required")
				}
			}
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func validateProfile(field string, p *RatedProfile) error {
	if p == nil {
		return nil
	}
	for aspect, r := range p.Ratings {
		if r.Value < 0 || r.Value > 5 {
			return invalid(field+"."+aspect, "rating must be between 0 and 5")
		}
	}
	return nil
}

// ValidateMilestone checks the enumerations and age invariants.
func ValidateMilestone(m Milestone) error {
	if strings.TrimSpace(m.Title) == "" {
		return invalid("milestone.title", "title is required")
	}
	if !m.Domain.Valid() {
		return invalid("milestone.domain", "unknown domain %q", m.Domain)
	}
	if !m.Status.Valid() {
		return invalid("milestone.status", "status must be achieved, partial or not-achieved")
	}
	if m.Source != "" && !m.Source.Valid() {
		return invalid("milestone.source", "unknown source %q", m.Source)
	}
	if m.ExpectedAge.MinMonths < 0 || m.ExpectedAge.MaxMonths < 0 {
		return invalid("milestone.expectedAge", "ages must be non-negative")
	}
	if m.ExpectedAge.MinMonths > m.ExpectedAge.MaxMonths {
		return invalid("milestone.expectedAge", "minMonths must not exceed maxMonths")
	}
	if m.ActualAgeMonths != nil && *m.ActualAgeMonths < 0 {
		return invalid("milestone.actualAgeMonths", "age must be non-negative")
	}
	return nil
}

// ClearAction resets the report to the initial empty state.
type ClearAction struct{}

func (ClearAction) apply(_ GlobalFormState, _ time.Time) (GlobalFormState, error) {
	return NewState(), nil
}

// SetClinicianAction attaches clinician metadata and generates the
// identifier when the state has none yet.
type SetClinicianAction struct {
	Info ClinicianInfo
	IDs  IDGenerator
}

func (a SetClinicianAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	if s.ClinicianInfo != nil {
		return s, ErrClinicianAlreadySet
	}
	if err := ValidateClinician(a.Info); err != nil {
		return s, err
	}
	info := a.Info
	info.Name = strings.TrimSpace(info.Name)
	s.ClinicianInfo = &info
	if s.ChataID == "" {
		gen := a.IDs
		if gen.Now == nil {
			gen.Now = func() time.Time { return now }
		}
		id, err := gen.Generate(info.Name)
		if err != nil {
			return s, err
		}
		s.ChataID = id
	}
	s.LastUpdated = now
	return s, nil
}

// ValidateClinician checks the fields required to start a report.
func ValidateClinician(info ClinicianInfo) error {
	if strings.TrimSpace(info.Name) == "" {
		return invalid("clinicianInfo.name", "clinician name is required")
	}
	if info.Email != "" && !strings.Contains(info.Email, "@") {
		return invalid("clinicianInfo.email", "invalid email address")
	}
	if info.ChildAge < 0 {
		return invalid("clinicianInfo.childAge", "age must be non-negative")
	}
	return nil
}

// AddMilestoneAction appends a milestone to the timeline, assigning an id
// when none is given.
type AddMilestoneAction struct {
	Milestone Milestone
}

func (a AddMilestoneAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	m := a.Milestone.clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := ValidateMilestone(m); err != nil {
		return s, err
	}
	if s.Assessments.Milestones == nil {
		s.Assessments.Milestones = &MilestoneTimeline{}
	}
	for _, existing := range s.Assessments.Milestones.Items {
		if existing.ID == m.ID {
			return s, invalid("milestone.id", "duplicate milestone %q", m.ID)
		}
	}
	s.Assessments.Milestones.Items = append(s.Assessments.Milestones.Items, m)
	s.LastUpdated = now
	return s, nil
}

// MilestonePatch covers drag-and-drop placement (actual age, domain) and
// status/notes edits.
type MilestonePatch struct {
	Title           *string          `json:"title,omitempty"`
	Domain          *Domain          `json:"domain,omitempty"`
	ExpectedAge     *AgeRange        `json:"expectedAge,omitempty"`
	ActualAgeMonths *int             `json:"actualAgeMonths,omitempty"`
	ClearActualAge  bool             `json:"clearActualAge,omitempty"`
	Status          *MilestoneStatus `json:"status,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
	Source          *InfoSource      `json:"source,omitempty"`
}

type UpdateMilestoneAction struct {
	ID    string
	Patch MilestonePatch
}

func (a UpdateMilestoneAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	idx := s.milestoneIndex(a.ID)
	if idx < 0 {
		return s, ErrMilestoneNotFound
	}
	m := s.Assessments.Milestones.Items[idx]
	p := a.Patch
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Domain != nil {
		m.Domain = *p.Domain
	}
	if p.ExpectedAge != nil {
		m.ExpectedAge = *p.ExpectedAge
	}
	if p.ClearActualAge {
		m.ActualAgeMonths = nil
	} else if p.ActualAgeMonths != nil {
		v := *p.ActualAgeMonths
		m.ActualAgeMonths = &v
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Notes != nil {
		m.Notes = *p.Notes
	}
	if p.Source != nil {
		m.Source = *p.Source
	}
	if err := ValidateMilestone(m); err != nil {
		return s, err
	}
	s.Assessments.Milestones.Items[idx] = m
	s.LastUpdated = now
	return s, nil
}

type RemoveMilestoneAction struct {
	ID string
}

func (a RemoveMilestoneAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	idx := s.milestoneIndex(a.ID)
	if idx < 0 {
		return s, ErrMilestoneNotFound
	}
	items := s.Assessments.Milestones.Items
	s.Assessments.Milestones.Items = append(items[:idx], items[idx+1:]...)
	s.LastUpdated = now
	return s, nil
}

// MarkSubmittedAction flips the report to submitted. The transition is
// one-way; Reduce rejects it on an already submitted report.
type MarkSubmittedAction struct{}

func (MarkSubmittedAction) apply(s GlobalFormState, now time.Time) (GlobalFormState, error) {
	if s.ChataID == "" {
		return s, invalid("chataId", "cannot submit a report without an identifier")
	}
	s.IsSubmitted = true
	s.LastUpdated = now
	return s, nil
}

func (s GlobalFormState) milestoneIndex(id string) int {
	if s.Assessments.Milestones == nil {
		return -1
	}
	for i, m := range s.Assessments.Milestones.Items {
		if m.ID == id {
			return i
		}
	}
	return -1
}
