package report

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/chata/chata/internal/platform/hipaa"
	"github.com/chata/chata/internal/platform/kvstore"
)

func newTestBridge(store kvstore.Store, opts ...BridgeOption) *Bridge {
	return NewBridge(store, zerolog.Nop(), opts...)
}

func richState(t *testing.T) GlobalFormState {
	t.Helper()
	s := startedState(t)
	asc := DiagnosisConfirmed
	s, err := Reduce(s, UpdateAction{
		FormData: &FormDataPatch{
			ClinicalObservations: strPtr("Limited eye contact during play."),
			ASCStatus:            &asc,
			Referrals:            &Referrals{SpeechPathology: true, Other: true, OtherDetails: "Dietitian"},
			ComponentProgress: map[string]SectionProgress{
				"clinicalObservations": {Progress: 100, IsComplete: true},
				"referrals":            {Progress: 40},
			},
		},
		Assessments: &AssessmentPatch{
			SensoryProfile: &RatedProfile{Ratings: map[string]Rating{
				"auditory": {Value: 4, Observations: []string{"covers ears"}},
			}},
			Milestones: &MilestoneTimeline{Items: []Milestone{{
				ID: "walks", Title: "Walks independently", Domain: DomainMotorSkills,
				ExpectedAge: AgeRange{MinMonths: 9, MaxMonths: 15}, ActualAgeMonths: intPtr(14),
				Status: StatusAchieved, Source: SourceParent,
			}}},
			AssessmentLog: &AssessmentLog{Entries: []LogEntry{{
				ID: "e1", Date: testNow, Type: "observation", Completed: true,
			}}},
		},
	}, testNow)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	return s
}

func TestBridge_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(kvstore.NewMemoryStore(0))
	state := richState(t)

	if res := b.SaveForm(ctx, state.ChataID, state); !res.OK() {
		t.Fatalf("save: %v", res.Err)
	}
	got := b.GetForm(ctx, state.ChataID)
	if !got.OK() || got.Value == nil {
		t.Fatalf("get: %+v", got)
	}
	if diff := cmp.Diff(state, *got.Value); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBridge_RoundTripEmptySections(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(kvstore.NewMemoryStore(0))
	state := startedState(t)
	state.FormData.ComponentProgress = map[string]SectionProgress{}
	state.Assessments.SensoryProfile = &RatedProfile{Ratings: map[string]Rating{}}

	if res := b.SaveForm(ctx, state.ChataID, state); !res.OK() {
		t.Fatalf("save: %v", res.Err)
	}
	got := b.GetForm(ctx, state.ChataID)
	if got.Value == nil {
		t.Fatalf("get: %v", got.Err)
	}
	if diff := cmp.Diff(state, *got.Value); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.Value.FormData.ComponentProgress == nil {
		t.Error("empty componentProgress read back as nil")
	}
}

func TestBridge_GetMissing(t *testing.T) {
	got := newTestBridge(kvstore.NewMemoryStore(0)).GetForm(context.Background(), "JS-202401-1234")
	if !got.OK() || got.Value != nil {
		t.Errorf("expected empty OK result, got %+v", got)
	}
}

func TestBridge_QuotaFailureIsReportedNotRaised(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(kvstore.NewMemoryStore(64))
	state := richState(t)

	res := b.SaveForm(ctx, state.ChataID, state)
	if res.OK() {
		t.Fatal("expected quota failure")
	}
	if res.Err.Kind != StorageWrite || !errors.Is(res.Err, kvstore.ErrQuotaExceeded) {
		t.Errorf("err = %v", res.Err)
	}
	got := b.GetForm(ctx, state.ChataID)
	if got.Value != nil {
		t.Error("failed write must read back as absent")
	}
}

func TestBridge_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	store.Put(ctx, FormKeyPrefix+"JS-202401-1234", "{not json")
	b := newTestBridge(store)

	got := b.GetForm(ctx, "JS-202401-1234")
	if got.Value != nil || got.OK() {
		t.Fatalf("expected corrupt error, got %+v", got)
	}
	if got.Err.Kind != StorageCorrupt {
		t.Errorf("kind = %s", got.Err.Kind)
	}
}

func TestBridge_IdentifierMismatch(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	b := newTestBridge(store)
	state := richState(t)
	b.SaveForm(ctx, state.ChataID, state)

	raw, _ := store.Get(ctx, FormKeyPrefix+string(state.ChataID))
	store.Put(ctx, FormKeyPrefix+"AB-202401-9999", raw)

	got := b.GetForm(ctx, "AB-202401-9999")
	if got.Value != nil || got.Err == nil || got.Err.Kind != StorageCorrupt {
		t.Errorf("expected mismatch to be corrupt, got %+v", got)
	}

	res := b.SaveForm(ctx, "CD-202401-5555", state)
	if res.OK() || res.Err.Kind != StorageWrite {
		t.Fatalf("expected save under a foreign key to fail, got %+v", res)
	}
	if _, err := store.Get(ctx, FormKeyPrefix+"CD-202401-5555"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("rejected save left an entry behind: %v", err)
	}
}

func TestBridge_MarkAsSubmitted(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(kvstore.NewMemoryStore(0))
	state := richState(t)
	b.SaveForm(ctx, state.ChataID, state)

	if res := b.MarkAsSubmitted(ctx, state.ChataID); !res.OK() {
		t.Fatalf("mark: %v", res.Err)
	}
	got := b.GetForm(ctx, state.ChataID)
	if got.Value == nil || !got.Value.IsSubmitted {
		t.Errorf("expected submitted record, got %+v", got.Value)
	}

	if res := b.MarkAsSubmitted(ctx, "ZZ-202401-0000"); res.OK() || !errors.Is(res.Err, ErrNotFound) {
		t.Errorf("expected not found for unknown id, got %+v", res)
	}
}

func TestBridge_DeleteForm(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(kvstore.NewMemoryStore(0))
	state := richState(t)
	b.SaveForm(ctx, state.ChataID, state)

	if res := b.DeleteForm(ctx, state.ChataID); !res.OK() {
		t.Fatalf("delete: %v", res.Err)
	}
	if got := b.GetForm(ctx, state.ChataID); got.Value != nil {
		t.Error("expected record gone")
	}
	if res := b.DeleteForm(ctx, state.ChataID); !res.OK() {
		t.Error("deleting twice should succeed")
	}
}

func TestBridge_CleanupOldForms(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore(0)
	b := newTestBridge(store, WithClock(func() time.Time { return now }))

	day := 24 * time.Hour
	put := func(id ChataID, age time.Duration) {
		b.SaveForm(ctx, id, GlobalFormState{ChataID: id, LastUpdated: now.Add(-age)})
	}
	put("AA-202401-1000", 31*day)
	put("BB-202401-1000", 30*day+time.Second)
	put("CC-202401-1000", 30*day)
	put("DD-202401-1000", 29*day)
	put("EE-202401-1000", 0)
	store.Put(ctx, FormKeyPrefix+"FF-202401-1000", "garbage")
	store.Put(ctx, "unrelated", "kept")

	res := b.CleanupOldForms(ctx, 30)
	if !res.OK() {
		t.Fatalf("cleanup: %v", res.Err)
	}
	if res.Value != 3 {
		t.Errorf("removed = %d, want 3", res.Value)
	}

	keys, _ := store.Keys(ctx, "")
	want := []string{
		FormKeyPrefix + "CC-202401-1000",
		FormKeyPrefix + "DD-202401-1000",
		FormKeyPrefix + "EE-202401-1000",
		"unrelated",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("remaining keys (-want +got):\n%s", diff)
	}

	if res := b.CleanupOldForms(ctx, -1); res.OK() {
		t.Error("negative age should be rejected")
	}
}

func TestBridge_ListForms(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	b := newTestBridge(store)
	b.SaveForm(ctx, "AA-202401-1000", GlobalFormState{ChataID: "AA-202401-1000", LastUpdated: testNow})
	b.SaveForm(ctx, "BB-202401-1000", GlobalFormState{ChataID: "BB-202401-1000", LastUpdated: testNow.Add(time.Hour)})
	store.Put(ctx, FormKeyPrefix+"CC-202401-1000", "garbage")

	res := b.ListForms(ctx)
	if !res.OK() {
		t.Fatalf("list: %v", res.Err)
	}
	if len(res.Value) != 2 {
		t.Fatalf("expected 2 readable forms, got %d", len(res.Value))
	}
	if res.Value[0].ChataID != "BB-202401-1000" {
		t.Errorf("expected most recent first, got %s", res.Value[0].ChataID)
	}
}

// base64Cipher stands in for the PHI encryptor.
type base64Cipher struct{ fail bool }

func (c base64Cipher) EncryptField(v string) (string, error) {
	if c.fail {
		return "", errors.New("no key")
	}
	return base64.StdEncoding.EncodeToString([]byte(v)), nil
}

func (c base64Cipher) DecryptField(v string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	return string(raw), err
}

func TestBridge_Cipher(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	b := newTestBridge(store, WithCipher(base64Cipher{}))
	state := richState(t)

	if res := b.SaveForm(ctx, state.ChataID, state); !res.OK() {
		t.Fatalf("save: %v", res.Err)
	}
	raw, _ := store.Get(ctx, FormKeyPrefix+string(state.ChataID))
	if strings.Contains(raw, "Limited eye contact") {
		t.Error("stored value is plaintext")
	}
	got := b.GetForm(ctx, state.ChataID)
	if got.Value == nil {
		t.Fatalf("get: %v", got.Err)
	}
	if diff := cmp.Diff(state, *got.Value); diff != "" {
		t.Errorf("mismatch:\n%s", diff)
	}

	failing := newTestBridge(store, WithCipher(base64Cipher{fail: true}))
	if res := failing.SaveForm(ctx, state.ChataID, state); res.OK() || res.Err.Kind != StorageCrypto {
		t.Errorf("expected crypto failure, got %+v", res)
	}

	store.Put(ctx, FormKeyPrefix+"ZZ-202401-0000", "%%%")
	if got := b.GetForm(ctx, "ZZ-202401-0000"); got.Err == nil || got.Err.Kind != StorageCrypto {
		t.Errorf("expected crypto error on undecodable value, got %+v", got)
	}
}

// prefixCipher marks values with the key generation that sealed them.
type prefixCipher struct{ gen string }

func (c prefixCipher) EncryptField(v string) (string, error) { return c.gen + ":" + v, nil }

func (c prefixCipher) DecryptField(v string) (string, error) {
	_, rest, ok := strings.Cut(v, ":")
	if !ok {
		return "", errors.New("unsealed value")
	}
	return rest, nil
}

func (c prefixCipher) NeedsRotation(v string) bool { return !strings.HasPrefix(v, c.gen+":") }

func TestBridge_RotateKeys(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	old := newTestBridge(store, WithCipher(prefixCipher{gen: "g1"}))
	old.SaveForm(ctx, "AA-202401-1000", GlobalFormState{ChataID: "AA-202401-1000", LastUpdated: testNow})
	old.SaveForm(ctx, "BB-202401-1000", GlobalFormState{ChataID: "BB-202401-1000", LastUpdated: testNow})

	current := newTestBridge(store, WithCipher(prefixCipher{gen: "g2"}))
	current.SaveForm(ctx, "CC-202401-1000", GlobalFormState{ChataID: "CC-202401-1000", LastUpdated: testNow})

	res := current.RotateKeys(ctx)
	if !res.OK() || res.Value != 2 {
		t.Fatalf("rotate = %+v", res)
	}
	for _, id := range []string{"AA-202401-1000", "BB-202401-1000", "CC-202401-1000"} {
		raw, _ := store.Get(ctx, FormKeyPrefix+id)
		if !strings.HasPrefix(raw, "g2:") {
			t.Errorf("%s still sealed as %q", id, raw)
		}
	}

	if res := newTestBridge(store).RotateKeys(ctx); !res.OK() || res.Value != 0 {
		t.Errorf("plain bridge should not rotate, got %+v", res)
	}
}

func testEncryption(t *testing.T, key string, previous ...string) *hipaa.EncryptionService {
	t.Helper()
	svc, err := hipaa.NewEncryptionService(hipaa.KeyConfig{Key: key, Version: len(previous) + 1, Previous: previous}, zerolog.Nop())
	if err != nil {
		t.Fatalf("encryption: %v", err)
	}
	return svc
}

var (
	keyA = strings.Repeat("a1", 32)
	keyB = strings.Repeat("b2", 32)
)

func TestBridge_PlaintextRecordUnderCipher(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	clock := WithClock(func() time.Time { return testNow })
	state := richState(t)

	if res := newTestBridge(store, clock).SaveForm(ctx, state.ChataID, state); !res.OK() {
		t.Fatalf("plaintext save: %v", res.Err)
	}

	b := newTestBridge(store, clock, WithCipher(testEncryption(t, keyA)))
	got := b.GetForm(ctx, state.ChataID)
	if got.Value == nil {
		t.Fatalf("plaintext record unreadable after enabling encryption: %v", got.Err)
	}

	if res := b.CleanupOldForms(ctx, 30); !res.OK() || res.Value != 0 {
		t.Fatalf("cleanup removed a current plaintext record: %+v", res)
	}

	if res := b.RotateKeys(ctx); !res.OK() || res.Value != 1 {
		t.Fatalf("rotate = %+v", res)
	}
	raw, _ := store.Get(ctx, FormKeyPrefix+string(state.ChataID))
	if strings.Contains(raw, "Limited eye contact") {
		t.Error("record still stored in plaintext after rotation")
	}
	got = b.GetForm(ctx, state.ChataID)
	if got.Value == nil {
		t.Fatalf("get after rotation: %v", got.Err)
	}
	if diff := cmp.Diff(state, *got.Value); diff != "" {
		t.Errorf("mismatch after rotation (-want +got):\n%s", diff)
	}
}

func TestBridge_CleanupKeepsUndecryptable(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(0)
	clock := WithClock(func() time.Time { return testNow })
	state := richState(t)

	sealedA := newTestBridge(store, clock, WithCipher(testEncryption(t, keyA)))
	if res := sealedA.SaveForm(ctx, state.ChataID, state); !res.OK() {
		t.Fatalf("save: %v", res.Err)
	}

	// Key A was retired without being listed as a previous key.
	b := newTestBridge(store, clock, WithCipher(testEncryption(t, keyB)))
	if got := b.GetForm(ctx, state.ChataID); got.Err == nil || got.Err.Kind != StorageCrypto {
		t.Fatalf("expected crypto error, got %+v", got)
	}
	if res := b.CleanupOldForms(ctx, 30); !res.OK() || res.Value != 0 {
		t.Errorf("cleanup removed an undecryptable record: %+v", res)
	}
	if _, err := store.Get(ctx, FormKeyPrefix+string(state.ChataID)); err != nil {
		t.Fatalf("record lost: %v", err)
	}

	// Listing key A again makes the record readable and rotatable.
	restored := newTestBridge(store, clock, WithCipher(testEncryption(t, keyB, "1:"+keyA)))
	if res := restored.RotateKeys(ctx); !res.OK() || res.Value != 1 {
		t.Fatalf("rotate = %+v", res)
	}
	if got := restored.GetForm(ctx, state.ChataID); got.Value == nil {
		t.Errorf("record unreadable after rotation: %v", got.Err)
	}
}
