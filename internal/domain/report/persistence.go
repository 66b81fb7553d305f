package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chata/chata/internal/platform/kvstore"
)

// FormKeyPrefix namespaces report snapshots inside the key-value store.
const FormKeyPrefix = "chata-form-"

// Result carries the outcome of a best-effort storage call. Err is non-nil
// when the operation failed; Value then holds the zero value.
type Result[T any] struct {
	Value T
	Err   *StorageError
}

func (r Result[T]) OK() bool { return r.Err == nil }

// FieldCipher encrypts persisted snapshots. hipaa.EncryptionService
// satisfies it and passes values through when encryption is disabled.
type FieldCipher interface {
	EncryptField(value string) (string, error)
	DecryptField(value string) (string, error)
}

// Bridge mirrors report state to and from a key-value store. Every failure
// is logged and reported in the returned Result; nothing here is allowed to
// become load-bearing for the caller.
type Bridge struct {
	store  kvstore.Store
	cipher FieldCipher
	logger zerolog.Logger
	now    func() time.Time
}

type BridgeOption func(*Bridge)

// WithCipher encrypts snapshots at rest.
func WithCipher(c FieldCipher) BridgeOption {
	return func(b *Bridge) { b.cipher = c }
}

// WithClock overrides the clock used by CleanupOldForms.
func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

func NewBridge(store kvstore.Store, logger zerolog.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		store:  store,
		logger: logger.With().Str("component", "persistence-bridge").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func formKey(id ChataID) string {
	return FormKeyPrefix + string(id)
}

func (b *Bridge) fail(op string, id ChataID, kind StorageErrorKind, err error) *StorageError {
	se := &StorageError{Op: op, ID: id, Kind: kind, Err: err}
	b.logger.Warn().Err(err).
		Str("op", op).
		Str("chata_id", string(id)).
		Str("kind", string(kind)).
		Msg("storage operation failed")
	return se
}

// SaveForm serializes state and writes it under the identifier's key.
func (b *Bridge) SaveForm(ctx context.Context, id ChataID, state GlobalFormState) Result[struct{}] {
	if id == "" {
		return Result[struct{}]{Err: b.fail("save", id, StorageWrite, errors.New("identifier is required"))}
	}
	if state.ChataID != id {
		return Result[struct{}]{Err: b.fail("save", id, StorageWrite,
			fmt.Errorf("record identifier %q does not match key", state.ChataID))}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return Result[struct{}]{Err: b.fail("save", id, StorageWrite, err)}
	}
	value := string(raw)
	if b.cipher != nil {
		if value, err = b.cipher.EncryptField(value); err != nil {
			return Result[struct{}]{Err: b.fail("save", id, StorageCrypto, err)}
		}
	}
	if err := b.store.Put(ctx, formKey(id), value); err != nil {
		return Result[struct{}]{Err: b.fail("save", id, StorageWrite, err)}
	}
	return Result[struct{}]{}
}

// GetForm reads and decodes a snapshot. A missing entry yields a nil value
// and no error; an unreadable one yields a nil value and a StorageError.
func (b *Bridge) GetForm(ctx context.Context, id ChataID) Result[*GlobalFormState] {
	value, err := b.store.Get(ctx, formKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Result[*GlobalFormState]{}
	}
	if err != nil {
		return Result[*GlobalFormState]{Err: b.fail("get", id, StorageRead, err)}
	}
	state, kind, err := b.decode(value)
	if err != nil {
		return Result[*GlobalFormState]{Err: b.fail("get", id, kind, err)}
	}
	if state.ChataID != id {
		return Result[*GlobalFormState]{Err: b.fail("get", id, StorageCorrupt,
			fmt.Errorf("record identifier %q does not match key", state.ChataID))}
	}
	return Result[*GlobalFormState]{Value: state}
}

func (b *Bridge) decode(value string) (*GlobalFormState, StorageErrorKind, error) {
	if b.cipher != nil {
		plain, err := b.cipher.DecryptField(value)
		switch {
		case err == nil:
			value = plain
		case !isPlaintextRecord(value):
			return nil, StorageCrypto, err
		}
	}
	var state GlobalFormState
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, StorageCorrupt, err
	}
	return &state, "", nil
}

// isPlaintextRecord reports whether value is an unsealed JSON object, as
// written before encryption was enabled. Sealed values are base64 or
// version-prefixed and never start with a brace.
func isPlaintextRecord(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed))
}

// MarkAsSubmitted flips the submission flag on the stored record.
func (b *Bridge) MarkAsSubmitted(ctx context.Context, id ChataID) Result[struct{}] {
	got := b.GetForm(ctx, id)
	if !got.OK() {
		return Result[struct{}]{Err: got.Err}
	}
	if got.Value == nil {
		return Result[struct{}]{Err: b.fail("mark-submitted", id, StorageRead, ErrNotFound)}
	}
	state := *got.Value
	state.IsSubmitted = true
	return b.SaveForm(ctx, id, state)
}

// DeleteForm removes a snapshot. Deleting a missing entry is not an error.
func (b *Bridge) DeleteForm(ctx context.Context, id ChataID) Result[struct{}] {
	if err := b.store.Delete(ctx, formKey(id)); err != nil {
		return Result[struct{}]{Err: b.fail("delete", id, StorageWrite, err)}
	}
	return Result[struct{}]{}
}

// CleanupOldForms removes snapshots whose lastUpdated is more than
// maxAgeDays days in the past. A snapshot exactly maxAgeDays old is kept.
// Snapshots that are not valid JSON are removed as well; snapshots that
// cannot be decrypted are kept, since their age is unknown. The result is
// the number of entries removed.
func (b *Bridge) CleanupOldForms(ctx context.Context, maxAgeDays int) Result[int] {
	if maxAgeDays < 0 {
		return Result[int]{Err: b.fail("cleanup", "", StorageWrite, fmt.Errorf("maxAgeDays must not be negative, got %d", maxAgeDays))}
	}
	keys, err := b.store.Keys(ctx, FormKeyPrefix)
	if err != nil {
		return Result[int]{Err: b.fail("cleanup", "", StorageRead, err)}
	}
	cutoff := b.now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed := 0
	for _, key := range keys {
		id := ChataID(strings.TrimPrefix(key, FormKeyPrefix))
		value, err := b.store.Get(ctx, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			b.fail("cleanup", id, StorageRead, err)
			continue
		}
		state, kind, err := b.decode(value)
		if err != nil {
			b.fail("cleanup", id, kind, err)
			if kind != StorageCorrupt {
				continue
			}
		} else if !state.LastUpdated.Before(cutoff) {
			continue
		}
		if err := b.store.Delete(ctx, key); err != nil {
			b.fail("cleanup", id, StorageWrite, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info().Int("removed", removed).Int("max_age_days", maxAgeDays).Msg("old reports cleaned up")
	}
	return Result[int]{Value: removed}
}

// ListForms returns every readable snapshot, most recently updated first.
// Unreadable entries are logged and skipped.
func (b *Bridge) ListForms(ctx context.Context) Result[[]*GlobalFormState] {
	keys, err := b.store.Keys(ctx, FormKeyPrefix)
	if err != nil {
		return Result[[]*GlobalFormState]{Err: b.fail("list", "", StorageRead, err)}
	}
	out := make([]*GlobalFormState, 0, len(keys))
	for _, key := range keys {
		got := b.GetForm(ctx, ChataID(strings.TrimPrefix(key, FormKeyPrefix)))
		if got.OK() && got.Value != nil {
			out = append(out, got.Value)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return Result[[]*GlobalFormState]{Value: out}
}

// rotator is implemented by ciphers that can tell when a value was sealed
// under a retired key.
type rotator interface {
	NeedsRotation(value string) bool
}

// RotateKeys rewrites every snapshot sealed under a retired key, and every
// snapshot still stored in plaintext, so it is readable with the current
// key alone. It returns the number rewritten.
func (b *Bridge) RotateKeys(ctx context.Context) Result[int] {
	rot, ok := b.cipher.(rotator)
	if !ok {
		return Result[int]{}
	}
	keys, err := b.store.Keys(ctx, FormKeyPrefix)
	if err != nil {
		return Result[int]{Err: b.fail("rotate", "", StorageRead, err)}
	}
	rewritten := 0
	for _, key := range keys {
		id := ChataID(strings.TrimPrefix(key, FormKeyPrefix))
		value, err := b.store.Get(ctx, key)
		if err != nil {
			continue
		}
		if !rot.NeedsRotation(value) {
			continue
		}
		state, kind, err := b.decode(value)
		if err != nil {
			b.fail("rotate", id, kind, err)
			continue
		}
		if res := b.SaveForm(ctx, id, *state); res.OK() {
			rewritten++
		}
	}
	b.logger.Info().Int("rewritten", rewritten).Msg("report key rotation finished")
	return Result[int]{Value: rewritten}
}
