package report

import (
	"time"
)

// ChataID is the human-readable report identifier, e.g. "JS-202401-1234".
type ChataID string

func (id ChataID) String() string { return string(id) }

// Domain is a developmental domain a milestone belongs to.
type Domain string

const (
	DomainSocialCommunication Domain = "social-communication"
	DomainMotorSkills         Domain = "motor-skills"
	DomainLanguageSpeech      Domain = "language-speech"
	DomainPlaySocial          Domain = "play-social"
	DomainAdaptiveSkills      Domain = "adaptive-skills"
	DomainSensoryProcessing   Domain = "sensory-processing"
)

var domainLabels = map[Domain]string{
	DomainSocialCommunication: "Social Communication",
	DomainMotorSkills:         "Motor Skills",
	DomainLanguageSpeech:      "Language & Speech",
	DomainPlaySocial:          "Play & Social Interaction",
	DomainAdaptiveSkills:      "Adaptive Skills",
	DomainSensoryProcessing:   "Sensory Processing",
}

// Domains returns every developmental domain in display order.
func Domains() []Domain {
	return []Domain{
		DomainSocialCommunication,
		DomainMotorSkills,
		DomainLanguageSpeech,
		DomainPlaySocial,
		DomainAdaptiveSkills,
		DomainSensoryProcessing,
	}
}

func (d Domain) Valid() bool {
	_, ok := domainLabels[d]
	return ok
}

// Label returns the display name, or the raw value for unknown domains.
func (d Domain) Label() string {
	if l, ok := domainLabels[d]; ok {
		return l
	}
	return string(d)
}

type MilestoneStatus string

const (
	StatusAchieved    MilestoneStatus = "achieved"
	StatusPartial     MilestoneStatus = "partial"
	StatusNotAchieved MilestoneStatus = "not-achieved"
)

func (s MilestoneStatus) Valid() bool {
	switch s {
	case StatusAchieved, StatusPartial, StatusNotAchieved:
		return true
	}
	return false
}

// InfoSource records who reported a milestone.
type InfoSource string

const (
	SourceParent    InfoSource = "parent"
	SourceClinician InfoSource = "clinician"
	SourceTeacher   InfoSource = "teacher"
	SourceRecords   InfoSource = "records"
)

func (s InfoSource) Valid() bool {
	switch s {
	case SourceParent, SourceClinician, SourceTeacher, SourceRecords:
		return true
	}
	return false
}

// DiagnosisStatus is the ASC / ADHD outcome recorded on the report body.
type DiagnosisStatus string

const (
	DiagnosisUnset        DiagnosisStatus = ""
	DiagnosisConfirmed    DiagnosisStatus = "confirmed"
	DiagnosisNotConfirmed DiagnosisStatus = "not-confirmed"
	DiagnosisQuery        DiagnosisStatus = "query"
)

func (s DiagnosisStatus) Valid() bool {
	switch s {
	case DiagnosisUnset, DiagnosisConfirmed, DiagnosisNotConfirmed, DiagnosisQuery:
		return true
	}
	return false
}

// ReportStatus is the two-state lifecycle flag of a report.
type ReportStatus string

const (
	ReportDraft     ReportStatus = "draft"
	ReportSubmitted ReportStatus = "submitted"
)

// ClinicianInfo is captured when a report is started and is read-only after.
type ClinicianInfo struct {
	Name        string  `json:"name"`
	Email       string  `json:"email,omitempty"`
	Role        string  `json:"role,omitempty"`
	ClinicName  string  `json:"clinicName,omitempty"`
	ChildName   string  `json:"childName,omitempty"`
	ChildAge    float64 `json:"childAge,omitempty"`
	ChildGender string  `json:"childGender,omitempty"`
}

// AgeRange is an expected age window in months.
type AgeRange struct {
	MinMonths int `json:"minMonths"`
	MaxMonths int `json:"maxMonths"`
}

type Milestone struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Domain          Domain          `json:"domain"`
	ExpectedAge     AgeRange        `json:"expectedAge"`
	ActualAgeMonths *int            `json:"actualAgeMonths,omitempty"`
	Status          MilestoneStatus `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	Source          InfoSource      `json:"source,omitempty"`
	IsCustom        bool            `json:"isCustom,omitempty"`
}

// Rating is a single scored aspect of a profile. Value runs 0..5 where 0
// means not observed.
type Rating struct {
	Value        int      `json:"value"`
	Observations []string `json:"observations,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// RatedProfile backs the sensory, social-communication and
// behavior/interests categories.
type RatedProfile struct {
	Ratings map[string]Rating `json:"ratings"`
	Notes   string            `json:"notes,omitempty"`
}

type MilestoneTimeline struct {
	Items []Milestone `json:"items"`
}

type LogEntry struct {
	ID        string    `json:"id"`
	Date      time.Time `json:"date"`
	Type      string    `json:"type"`
	Notes     string    `json:"notes,omitempty"`
	Completed bool      `json:"completed"`
}

type AssessmentLog struct {
	Entries []LogEntry `json:"entries"`
}

// AssessmentData maps the profile categories to their substructures. Any
// category may be absent while the report is being edited.
type AssessmentData struct {
	SensoryProfile      *RatedProfile      `json:"sensoryProfile,omitempty"`
	SocialCommunication *RatedProfile      `json:"socialCommunication,omitempty"`
	BehaviorInterests   *RatedProfile      `json:"behaviorInterests,omitempty"`
	Milestones          *MilestoneTimeline `json:"milestones,omitempty"`
	AssessmentLog       *AssessmentLog     `json:"assessmentLog,omitempty"`
}

type Referrals struct {
	SpeechPathology     bool   `json:"speechPathology"`
	OccupationalTherapy bool   `json:"occupationalTherapy"`
	Psychology          bool   `json:"psychology"`
	Paediatrician       bool   `json:"paediatrician"`
	Psychiatry          bool   `json:"psychiatry"`
	Audiology           bool   `json:"audiology"`
	Other               bool   `json:"other"`
	OtherDetails        string `json:"otherDetails,omitempty"`
}

// SectionProgress is the per-section completion metadata reported by the UI.
type SectionProgress struct {
	Progress   int  `json:"progress"`
	IsComplete bool `json:"isComplete"`
}

type FormData struct {
	ClinicalObservations  string                     `json:"clinicalObservations,omitempty"`
	ASCStatus             DiagnosisStatus            `json:"ascStatus,omitempty"`
	ADHDStatus            DiagnosisStatus            `json:"adhdStatus,omitempty"`
	Referrals             Referrals                  `json:"referrals"`
	Strengths             string                     `json:"strengths,omitempty"`
	PrioritySupports      string                     `json:"prioritySupports,omitempty"`
	Recommendations       string                     `json:"recommendations,omitempty"`
	DifferentialDiagnosis string                     `json:"differentialDiagnosis,omitempty"`
	AssessmentSummary     string                     `json:"assessmentSummary,omitempty"`
	ComponentProgress     map[string]SectionProgress `json:"componentProgress"`
}

// GlobalFormState is the aggregate of one report. Its JSON form is the
// persisted record.
type GlobalFormState struct {
	ChataID       ChataID        `json:"chataId"`
	ClinicianInfo *ClinicianInfo `json:"clinicianInfo,omitempty"`
	FormData      FormData       `json:"formData"`
	Assessments   AssessmentData `json:"assessments"`
	LastUpdated   time.Time      `json:"lastUpdated"`
	IsSubmitted   bool           `json:"isSubmitted"`
}

// NewState returns the initial empty state.
func NewState() GlobalFormState {
	return GlobalFormState{}
}

func (s GlobalFormState) Status() ReportStatus {
	if s.IsSubmitted {
		return ReportSubmitted
	}
	return ReportDraft
}

// Clone returns a deep copy so reducer outputs never share mutable
// structure with their inputs.
func (s GlobalFormState) Clone() GlobalFormState {
	out := s
	if s.ClinicianInfo != nil {
		ci := *s.ClinicianInfo
		out.ClinicianInfo = &ci
	}
	out.FormData = s.FormData.clone()
	out.Assessments = s.Assessments.clone()
	return out
}

func (f FormData) clone() FormData {
	out := f
	if f.ComponentProgress != nil {
		out.ComponentProgress = make(map[string]SectionProgress, len(f.ComponentProgress))
		for k, v := range f.ComponentProgress {
			out.ComponentProgress[k] = v
		}
	}
	return out
}

func (a AssessmentData) clone() AssessmentData {
	out := AssessmentData{
		SensoryProfile:      a.SensoryProfile.clone(),
		SocialCommunication: a.SocialCommunication.clone(),
		BehaviorInterests:   a.BehaviorInterests.clone(),
	}
	if a.Milestones != nil {
		items := make([]Milestone, len(a.Milestones.Items))
		for i, m := range a.Milestones.Items {
			items[i] = m.clone()
		}
		out.Milestones = &MilestoneTimeline{Items: items}
	}
	if a.AssessmentLog != nil {
		entries := make([]LogEntry, len(a.AssessmentLog.Entries))
		copy(entries, a.AssessmentLog.Entries)
		out.AssessmentLog = &AssessmentLog{Entries: entries}
	}
	return out
}

func (p *RatedProfile) clone() *RatedProfile {
	if p == nil {
		return nil
	}
	out := &RatedProfile{Notes: p.Notes}
	if p.Ratings != nil {
		out.Ratings = make(map[string]Rating, len(p.Ratings))
		for k, r := range p.Ratings {
			if r.Observations != nil {
				r.Observations = append([]string(nil), r.Observations...)
			}
			out.Ratings[k] = r
		}
	}
	return out
}

func (m Milestone) clone() Milestone {
	if m.ActualAgeMonths != nil {
		v := *m.ActualAgeMonths
		m.ActualAgeMonths = &v
	}
	return m
}
