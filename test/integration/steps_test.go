package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chata/chata/internal/domain/report"
	"github.com/chata/chata/internal/platform/auth"
	"github.com/chata/chata/internal/platform/hipaa"
	"github.com/chata/chata/internal/platform/kvstore"
	"github.com/chata/chata/internal/platform/middleware"
	"github.com/chata/chata/internal/platform/submission"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// clock is a settable time source shared by the service and the bridge.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testContext holds state for a single scenario.
type testContext struct {
	tmpDir  string
	engine  string
	encrypt bool
	clock   *clock

	store kvstore.Store
	svc   *report.Service
	e     *echo.Echo

	formAPI    *httptest.Server
	formStatus int
	formBody   string
	formSeen   map[string]json.RawMessage

	scriptAPI    *httptest.Server
	scriptCalls  int
	pendingPolls int

	mu      sync.Mutex
	chataID string
	status  int
	body    string
	removed int
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "chata-integration-*")
		if err != nil {
			return ctx, err
		}
		*tc = testContext{
			tmpDir:     tmpDir,
			clock:      &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
			formStatus: http.StatusOK,
			formBody:   `{"success":true}`,
		}
		tc.startFakes()
		return ctx, nil
	})

	sc.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		tc.formAPI.Close()
		tc.scriptAPI.Close()
		if tc.store != nil {
			tc.store.Close()
		}
		os.RemoveAll(tc.tmpDir)
		return ctx, nil
	})

	sc.Step(`^a report server backed by the "([^"]*)" store$`, tc.aReportServer)
	sc.Step(`^a report server backed by the "([^"]*)" store with encryption$`, tc.anEncryptedReportServer)
	sc.Step(`^the form endpoint answers (\d+) with "(.*)"$`, tc.theFormEndpointAnswers)
	sc.Step(`^the report script finishes after (\d+) pending polls$`, tc.theReportScriptFinishesAfter)
	sc.Step(`^I start a report for clinician "([^"]*)"$`, tc.iStartAReport)
	sc.Step(`^I mark section "([^"]*)" as (\d+)% complete$`, tc.iMarkSectionPartial)
	sc.Step(`^I mark section "([^"]*)" as complete$`, tc.iMarkSectionComplete)
	sc.Step(`^I submit the report$`, tc.iSubmitTheReport)
	sc.Step(`^I request the "([^"]*)" document and wait$`, tc.iRequestTheDocument)
	sc.Step(`^the server restarts$`, tc.theServerRestarts)
	sc.Step(`^(\d+) days pass$`, tc.daysPass)
	sc.Step(`^old reports are cleaned up with a retention of (\d+) days$`, tc.oldReportsAreCleanedUp)
	sc.Step(`^the response status should be (\d+)$`, tc.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, tc.theResponseShouldContain)
	sc.Step(`^the report ID should be a valid CHATA ID$`, tc.theReportIDShouldBeValid)
	sc.Step(`^the report status should be "([^"]*)"$`, tc.theReportStatusShouldBe)
	sc.Step(`^the overall progress should be (\d+)$`, tc.theOverallProgressShouldBe)
	sc.Step(`^the form endpoint should have received the report under "([^"]*)"$`, tc.theFormEndpointShouldHaveReceived)
	sc.Step(`^the document URL should be "([^"]*)"$`, tc.theDocumentURLShouldBe)
	sc.Step(`^the stored record should not contain "([^"]*)"$`, tc.theStoredRecordShouldNotContain)
	sc.Step(`^(\d+) reports? should have been removed$`, tc.reportsShouldHaveBeenRemoved)
	sc.Step(`^the report should not be found$`, tc.theReportShouldNotBeFound)
}

func (tc *testContext) startFakes() {
	tc.formAPI = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &tc.formSeen)
		w.WriteHeader(tc.formStatus)
		io.WriteString(w, tc.formBody)
	}))

	tc.scriptAPI = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.scriptCalls++
		if tc.scriptCalls <= tc.pendingPolls {
			io.WriteString(w, `{"success":true,"progress":{"details":{}}}`)
			return
		}
		io.WriteString(w, `{"success":true,"progress":{"details":{"documentUrl":"https://docs.example/`+strings.TrimPrefix(r.URL.Path, "/")+`.pdf"}}}`)
	}))
}

// boot wires a fresh service over the scenario's store, the way the server
// command does, minus the network listener.
func (tc *testContext) boot() error {
	if tc.store == nil {
		path := filepath.Join(tc.tmpDir, "forms.db")
		if tc.engine == kvstore.EngineFile {
			path = filepath.Join(tc.tmpDir, "forms.json")
		}
		store, err := kvstore.Open(kvstore.Options{Engine: tc.engine, Path: path})
		if err != nil {
			return err
		}
		tc.store = store
	}

	logger := zerolog.Nop()
	keyCfg := hipaa.KeyConfig{}
	if tc.encrypt {
		keyCfg.Key = testKey
	}
	enc, err := hipaa.NewEncryptionService(keyCfg, logger)
	if err != nil {
		return err
	}

	catalog, err := report.DefaultCatalog()
	if err != nil {
		return err
	}

	bridge := report.NewBridge(tc.store, logger, report.WithCipher(enc), report.WithClock(tc.clock.now))
	svc := report.NewService(report.NewSessionStore(), bridge, logger)
	svc.SetClock(tc.clock.now)
	svc.SetCatalog(catalog)

	client := submission.NewClient(submission.Config{
		FormAPIURL: tc.formAPI.URL,
		PayloadKey: submission.PayloadKeyCanonical,
		Timeout:    5 * time.Second,
	}, logger)
	svc.SetSubmitter(client, report.ScriptURLs{
		Report: tc.scriptAPI.URL + "/report",
		Email:  tc.scriptAPI.URL + "/email",
		Sheets: tc.scriptAPI.URL + "/sheets",
	})
	svc.SetPoller(&submission.Poller{Caller: client, Interval: 5 * time.Millisecond, MaxAttempts: 5})

	e := echo.New()
	e.Use(middleware.RequestID())
	e.Use(auth.DevAuthMiddleware())
	report.NewHandler(svc, catalog).RegisterRoutes(e.Group("/api/v1", middleware.BodyLimit("1M")))

	tc.svc, tc.e = svc, e
	return nil
}

func (tc *testContext) do(method, path, body string) {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	tc.e.ServeHTTP(rec, req)
	tc.status, tc.body = rec.Code, rec.Body.String()
}

func (tc *testContext) reportPath(suffix string) string {
	return "/api/v1/reports/" + tc.chataID + suffix
}

func (tc *testContext) aReportServer(engine string) error {
	tc.engine = engine
	return tc.boot()
}

func (tc *testContext) anEncryptedReportServer(engine string) error {
	tc.encrypt = true
	return tc.aReportServer(engine)
}

func (tc *testContext) theFormEndpointAnswers(status int, body string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.formStatus = status
	tc.formBody = strings.ReplaceAll(body, `\"`, `"`)
	return nil
}

func (tc *testContext) theReportScriptFinishesAfter(n int) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.pendingPolls = n
	return nil
}

func (tc *testContext) iStartAReport(name string) error {
	body, _ := json.Marshal(map[string]string{"name": name})
	tc.do(http.MethodPost, "/api/v1/reports", string(body))
	if tc.status != http.StatusCreated {
		return nil
	}
	var created struct {
		ChataID string `json:"chataId"`
	}
	if err := json.Unmarshal([]byte(tc.body), &created); err != nil {
		return fmt.Errorf("decode created report: %w", err)
	}
	tc.chataID = created.ChataID
	return nil
}

func (tc *testContext) markSection(name string, progress int, complete bool) error {
	body, _ := json.Marshal(map[string]interface{}{
		"formData": map[string]interface{}{
			"componentProgress": map[string]interface{}{
				name: map[string]interface{}{"progress": progress, "isComplete": complete},
			},
		},
	})
	tc.do(http.MethodPatch, tc.reportPath(""), string(body))
	return nil
}

func (tc *testContext) iMarkSectionPartial(name string, progress int) error {
	return tc.markSection(name, progress, false)
}

func (tc *testContext) iMarkSectionComplete(name string) error {
	return tc.markSection(name, 100, true)
}

func (tc *testContext) iSubmitTheReport() error {
	tc.do(http.MethodPost, tc.reportPath("/submit"), "")
	return nil
}

func (tc *testContext) iRequestTheDocument(script string) error {
	tc.do(http.MethodPost, tc.reportPath("/processing/"+script+"?wait=true"), "")
	return nil
}

func (tc *testContext) theServerRestarts() error {
	if tc.engine == kvstore.EngineMemory {
		return fmt.Errorf("the memory store does not survive a restart")
	}
	if err := tc.store.Close(); err != nil {
		return err
	}
	tc.store = nil
	return tc.boot()
}

func (tc *testContext) daysPass(n int) error {
	tc.clock.advance(time.Duration(n) * 24 * time.Hour)
	return nil
}

func (tc *testContext) oldReportsAreCleanedUp(days int) error {
	n, err := tc.svc.CleanupOldForms(context.Background(), days)
	if err != nil {
		return err
	}
	tc.removed = n
	return nil
}

func (tc *testContext) theResponseStatusShouldBe(code int) error {
	if tc.status != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, tc.status, tc.body)
	}
	return nil
}

func (tc *testContext) theResponseShouldContain(s string) error {
	if !strings.Contains(tc.body, s) {
		return fmt.Errorf("response does not contain %q: %s", s, tc.body)
	}
	return nil
}

func (tc *testContext) theReportIDShouldBeValid() error {
	if !report.ValidateChataID(tc.chataID) {
		return fmt.Errorf("%q is not a valid CHATA ID", tc.chataID)
	}
	return nil
}

func (tc *testContext) theReportStatusShouldBe(want string) error {
	tc.do(http.MethodGet, tc.reportPath(""), "")
	if tc.status != http.StatusOK {
		return fmt.Errorf("get report: status %d: %s", tc.status, tc.body)
	}
	var got struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(tc.body), &got); err != nil {
		return err
	}
	if got.Status != want {
		return fmt.Errorf("expected status %q, got %q", want, got.Status)
	}
	return nil
}

func (tc *testContext) theOverallProgressShouldBe(want int) error {
	tc.do(http.MethodGet, tc.reportPath("/progress"), "")
	if tc.status != http.StatusOK {
		return fmt.Errorf("get progress: status %d: %s", tc.status, tc.body)
	}
	var got struct {
		Overall int `json:"overall"`
	}
	if err := json.Unmarshal([]byte(tc.body), &got); err != nil {
		return err
	}
	if got.Overall != want {
		return fmt.Errorf("expected overall progress %d, got %d", want, got.Overall)
	}
	return nil
}

func (tc *testContext) theFormEndpointShouldHaveReceived(key string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	raw, ok := tc.formSeen[key]
	if !ok {
		return fmt.Errorf("form endpoint did not receive %q (keys: %v)", key, keysOf(tc.formSeen))
	}
	if !strings.Contains(string(raw), tc.chataID) {
		return fmt.Errorf("payload does not mention %s", tc.chataID)
	}
	return nil
}

func (tc *testContext) theDocumentURLShouldBe(want string) error {
	var got struct {
		Result   submission.ScriptResult `json:"result"`
		Attempts int                     `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(tc.body), &got); err != nil {
		return err
	}
	if got.Result.DocumentURL() != want {
		return fmt.Errorf("expected document %q, got %q (%s)", want, got.Result.DocumentURL(), got.Result.Error)
	}
	return nil
}

func (tc *testContext) theStoredRecordShouldNotContain(s string) error {
	raw, err := tc.store.Get(context.Background(), report.FormKeyPrefix+tc.chataID)
	if err != nil {
		return fmt.Errorf("read stored record: %w", err)
	}
	if strings.Contains(raw, s) {
		return fmt.Errorf("stored record contains %q in clear text", s)
	}
	return nil
}

func (tc *testContext) reportsShouldHaveBeenRemoved(n int) error {
	if tc.removed != n {
		return fmt.Errorf("expected %d removed, got %d", n, tc.removed)
	}
	return nil
}

func (tc *testContext) theReportShouldNotBeFound() error {
	tc.do(http.MethodGet, tc.reportPath(""), "")
	if tc.status != http.StatusNotFound {
		return fmt.Errorf("expected 404, got %d: %s", tc.status, tc.body)
	}
	return nil
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
