package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/chata/chata/internal/platform/submission"
	"github.com/chata/chata/internal/platform/websocket"
	"github.com/chata/chata/pkg/pagination"
)

// Submitter is the outbound side of the report service.
type Submitter interface {
	SubmitFormData(ctx context.Context, payload interface{}) (*submission.FormSubmissionResponse, error)
	MakeAppsScriptCall(ctx context.Context, url, chataID string) submission.ScriptResult
}

// Script names a document-processing script.
type Script string

const (
	ScriptReport Script = "report"
	ScriptEmail  Script = "email"
	ScriptSheets Script = "sheets"
)

var validScripts = map[Script]bool{
	ScriptReport: true,
	ScriptEmail:  true,
	ScriptSheets: true,
}

// ScriptURLs holds the processing endpoint of each script.
type ScriptURLs struct {
	Report string
	Email  string
	Sheets string
}

func (u ScriptURLs) url(s Script) string {
	switch s {
	case ScriptReport:
		return u.Report
	case ScriptEmail:
		return u.Email
	case ScriptSheets:
		return u.Sheets
	}
	return ""
}

// ProgressSummary is the computed completion of one report.
type ProgressSummary struct {
	ChataID           ChataID                    `json:"chataId"`
	Overall           int                        `json:"overall"`
	CompletedSections int                        `json:"completedSections"`
	TotalSections     int                        `json:"totalSections"`
	Sections          map[string]SectionProgress `json:"sections"`
	Status            ReportStatus               `json:"status"`
}

func summarize(s GlobalFormState) ProgressSummary {
	sections := s.FormData.ComponentProgress
	if sections == nil {
		sections = map[string]SectionProgress{}
	}
	return ProgressSummary{
		ChataID:           s.ChataID,
		Overall:           OverallProgress(sections),
		CompletedSections: CompletedSections(sections),
		TotalSections:     len(sections),
		Sections:          sections,
		Status:            s.Status(),
	}
}

// SubmissionResult is returned by SubmitReport.
type SubmissionResult struct {
	ChataID  ChataID                            `json:"chataId"`
	Response *submission.FormSubmissionResponse `json:"response"`
	Report   GlobalFormState                    `json:"report"`
	// Warning is set when the form endpoint accepted the report but the
	// local state could not be marked submitted.
	Warning string `json:"warning,omitempty"`
}

var (
	ErrSubmissionNotConfigured = errors.New("form submission is not configured")
	ErrSubmissionFailed        = errors.New("report submission failed")
)

type Service struct {
	sessions  *SessionStore
	bridge    *Bridge
	submitter Submitter
	events    websocket.EventPublisher
	poller    *submission.Poller
	scripts   ScriptURLs
	catalog   *Catalog
	ids       IDGenerator
	now       func() time.Time
	logger    zerolog.Logger
	inflight  singleflight.Group
}

func NewService(sessions *SessionStore, bridge *Bridge, logger zerolog.Logger) *Service {
	return &Service{
		sessions: sessions,
		bridge:   bridge,
		ids:      DefaultIDGenerator(),
		now:      time.Now,
		logger:   logger.With().Str("component", "report-service").Logger(),
	}
}

// SetSubmitter attaches the outbound submission client.
func (s *Service) SetSubmitter(sub Submitter, scripts ScriptURLs) {
	s.submitter = sub
	s.scripts = scripts
}

// SetEventPublisher attaches an optional publisher for lifecycle events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetPoller attaches the poller used by AwaitDocument.
func (s *Service) SetPoller(p *submission.Poller) {
	s.poller = p
}

// SetCatalog seeds the milestone timeline of every new report.
func (s *Service) SetCatalog(c *Catalog) {
	s.catalog = c
}

func (s *Service) SetIDGenerator(g IDGenerator) {
	s.ids = g
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) publish(ctx context.Context, eventType string, id ChataID, data interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, websocket.NewReportEvent(eventType, string(id), data)); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("chata_id", string(id)).Msg("event publish failed")
	}
}

func (s *Service) mirror(ctx context.Context, state GlobalFormState) {
	// Failures are logged by the bridge; the session stays authoritative.
	_ = s.bridge.SaveForm(ctx, state.ChataID, state)
}

const maxIDAttempts = 5

// StartReport creates a report for the given clinician and returns its
// initial state.
func (s *Service) StartReport(ctx context.Context, info ClinicianInfo) (GlobalFormState, error) {
	var (
		state GlobalFormState
		err   error
	)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		state, err = Reduce(NewState(), SetClinicianAction{Info: info, IDs: s.ids}, s.now())
		if err != nil {
			return GlobalFormState{}, err
		}
		if !s.sessions.Has(state.ChataID) {
			break
		}
		if attempt == maxIDAttempts-1 {
			return GlobalFormState{}, fmt.Errorf("could not allocate a unique identifier for %q", info.Name)
		}
	}
	if state.FormData.ComponentProgress == nil {
		state.FormData.ComponentProgress = map[string]SectionProgress{}
	}
	if s.catalog != nil && state.Assessments.Milestones == nil {
		state.Assessments.Milestones = &MilestoneTimeline{Items: s.catalog.Milestones()}
	}
	state = s.sessions.Hydrate(state)
	s.mirror(ctx, state)
	s.logger.Info().Str("chata_id", string(state.ChataID)).Msg("report started")
	s.publish(ctx, websocket.EventReportStarted, state.ChataID, summarize(state))
	return state, nil
}

// GetReport returns the live state, loading it from the backend on a
// session miss.
func (s *Service) GetReport(ctx context.Context, id ChataID) (GlobalFormState, error) {
	if st, ok := s.sessions.Get(id); ok {
		return st, nil
	}
	got := s.bridge.GetForm(ctx, id)
	if got.Value == nil {
		// Absent and unreadable records both read as unknown.
		return GlobalFormState{}, ErrNotFound
	}
	return s.sessions.Hydrate(*got.Value), nil
}

// ListReports merges live sessions with persisted records, most recently
// updated first.
func (s *Service) ListReports(ctx context.Context, limit, offset int) ([]GlobalFormState, int, error) {
	merged := s.sessions.List()
	seen := make(map[ChataID]bool, len(merged))
	for _, st := range merged {
		seen[st.ChataID] = true
	}
	if stored := s.bridge.ListForms(ctx); stored.OK() {
		for _, st := range stored.Value {
			if !seen[st.ChataID] {
				merged = append(merged, *st)
				seen[st.ChataID] = true
			}
		}
	}
	sortByLastUpdated(merged)

	return pagination.Window(merged, offset, limit), len(merged), nil
}

// apply runs an action through the reducer under the session lock and
// mirrors the new state.
func (s *Service) apply(ctx context.Context, id ChataID, a Action) (GlobalFormState, error) {
	if _, err := s.GetReport(ctx, id); err != nil {
		return GlobalFormState{}, err
	}
	next, err := s.sessions.Update(id, func(cur GlobalFormState) (GlobalFormState, error) {
		return Reduce(cur, a, s.now())
	})
	if err != nil {
		return GlobalFormState{}, err
	}
	s.mirror(ctx, next)
	s.publish(ctx, websocket.EventProgressUpdated, id, summarize(next))
	return next, nil
}

func (s *Service) UpdateReport(ctx context.Context, id ChataID, a UpdateAction) (GlobalFormState, error) {
	return s.apply(ctx, id, a)
}

func (s *Service) AddMilestone(ctx context.Context, id ChataID, m Milestone) (GlobalFormState, error) {
	return s.apply(ctx, id, AddMilestoneAction{Milestone: m})
}

func (s *Service) UpdateMilestone(ctx context.Context, id ChataID, milestoneID string, p MilestonePatch) (GlobalFormState, error) {
	return s.apply(ctx, id, UpdateMilestoneAction{ID: milestoneID, Patch: p})
}

func (s *Service) RemoveMilestone(ctx context.Context, id ChataID, milestoneID string) (GlobalFormState, error) {
	return s.apply(ctx, id, RemoveMilestoneAction{ID: milestoneID})
}

// ClearReport resets a report to the initial state and discards its
// session and persisted record. The cleared event carries the reset
// progress so subscribers can drop their view of the report.
func (s *Service) ClearReport(ctx context.Context, id ChataID) error {
	cur, err := s.GetReport(ctx, id)
	if err != nil {
		return err
	}
	cleared, err := Reduce(cur, ClearAction{}, s.now())
	if err != nil {
		return err
	}
	s.sessions.Delete(id)
	_ = s.bridge.DeleteForm(ctx, id)
	s.logger.Info().Str("chata_id", string(id)).Msg("report cleared")
	sum := summarize(cleared)
	sum.ChataID = id
	s.publish(ctx, websocket.EventReportCleared, id, sum)
	return nil
}

func (s *Service) Progress(ctx context.Context, id ChataID) (ProgressSummary, error) {
	st, err := s.GetReport(ctx, id)
	if err != nil {
		return ProgressSummary{}, err
	}
	return summarize(st), nil
}

// SubmitReport sends the final snapshot to the form endpoint and marks the
// report submitted. Concurrent calls for the same report share one
// request. Failures leave the report in draft so the user can retry.
func (s *Service) SubmitReport(ctx context.Context, id ChataID) (*SubmissionResult, error) {
	v, err, _ := s.inflight.Do(string(id), func() (interface{}, error) {
		return s.submit(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubmissionResult), nil
}

func (s *Service) submit(ctx context.Context, id ChataID) (*SubmissionResult, error) {
	if s.submitter == nil {
		return nil, ErrSubmissionNotConfigured
	}
	st, err := s.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsSubmitted {
		return nil, ErrAlreadySubmitted
	}
	payload, err := NewSubmissionPayload(st, s.now())
	if err != nil {
		return nil, err
	}

	resp, err := s.submitter.SubmitFormData(ctx, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("chata_id", string(id)).Msg("report submission failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrSubmissionFailed, id, err)
	}

	result := &SubmissionResult{ChataID: id, Response: resp}
	next, err := s.sessions.Update(id, func(cur GlobalFormState) (GlobalFormState, error) {
		return Reduce(cur, MarkSubmittedAction{}, s.now())
	})
	if err != nil {
		// Accepted remotely, so this is never reported as a failure.
		s.logger.Warn().Err(err).Str("chata_id", string(id)).Msg("report submitted but local state was not updated")
		next = st
		next.IsSubmitted = true
		result.Warning = fmt.Sprintf("report was submitted but its local state could not be updated: %v", err)
	} else if res := s.bridge.MarkAsSubmitted(ctx, id); !res.OK() {
		s.mirror(ctx, next)
	}
	result.Report = next
	s.logger.Info().Str("chata_id", string(id)).Msg("report submitted")
	s.publish(ctx, websocket.EventReportSubmitted, id, summarize(next))
	return result, nil
}

// ProcessReport triggers one processing script for the report. Processing
// failures come back inside the result; the error is reserved for bad
// input and missing configuration.
func (s *Service) ProcessReport(ctx context.Context, id ChataID, script Script) (submission.ScriptResult, error) {
	if !validScripts[script] {
		return submission.ScriptResult{}, invalid("script", "unknown processing script %q", script)
	}
	if s.submitter == nil {
		return submission.ScriptResult{}, ErrSubmissionNotConfigured
	}
	return s.submitter.MakeAppsScriptCall(ctx, s.scripts.url(script), string(id)), nil
}

// AwaitDocument polls a processing script until it reports a document
// link or gives up.
func (s *Service) AwaitDocument(ctx context.Context, id ChataID, script Script) (submission.PollOutcome, error) {
	if !validScripts[script] {
		return submission.PollOutcome{}, invalid("script", "unknown processing script %q", script)
	}
	if s.poller == nil {
		return submission.PollOutcome{}, ErrSubmissionNotConfigured
	}
	return s.poller.Poll(ctx, s.scripts.url(script), string(id)), nil
}

// CleanupOldForms removes persisted records and live sessions older than
// maxAgeDays and returns the number of persisted records removed.
func (s *Service) CleanupOldForms(ctx context.Context, maxAgeDays int) (int, error) {
	res := s.bridge.CleanupOldForms(ctx, maxAgeDays)
	if !res.OK() {
		return 0, res.Err
	}
	cutoff := s.now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	if evicted := s.sessions.EvictOlderThan(cutoff); len(evicted) > 0 {
		s.logger.Info().Int("evicted", len(evicted)).Msg("stale sessions evicted")
	}
	return res.Value, nil
}

// StartCleanup runs CleanupOldForms every interval until ctx is done.
func (s *Service) StartCleanup(ctx context.Context, interval time.Duration, maxAgeDays int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupOldForms(ctx, maxAgeDays); err != nil {
					s.logger.Error().Err(err).Msg("scheduled cleanup failed")
				}
			}
		}
	}()
}
