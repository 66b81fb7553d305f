package submission

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadKey is the envelope field the form endpoint reads the report from.
// Revisions of the endpoint disagree on its casing; r3Form is canonical and
// r3form is accepted as a legacy alias.
type PayloadKey string

const (
	PayloadKeyCanonical PayloadKey = "r3Form"
	PayloadKeyLegacy    PayloadKey = "r3form"
)

// ParsePayloadKey maps a configuration value to a PayloadKey. "legacy" is
// accepted as shorthand for the lowercase alias.
func ParsePayloadKey(s string) (PayloadKey, error) {
	switch s {
	case "", string(PayloadKeyCanonical), "canonical":
		return PayloadKeyCanonical, nil
	case string(PayloadKeyLegacy), "legacy":
		return PayloadKeyLegacy, nil
	}
	return "", fmt.Errorf("unknown submission payload key %q (want r3Form or r3form)", s)
}

// FormSubmissionRequest is the body posted to the form endpoint.
type FormSubmissionRequest struct {
	Key  PayloadKey
	Form json.RawMessage
}

func (r FormSubmissionRequest) MarshalJSON() ([]byte, error) {
	key := r.Key
	if key == "" {
		key = PayloadKeyCanonical
	}
	form := r.Form
	if len(form) == 0 {
		form = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{string(key): form})
}

// UnmarshalJSON accepts either casing, preferring the canonical one when a
// body carries both.
func (r *FormSubmissionRequest) UnmarshalJSON(data []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if v, ok := env[string(PayloadKeyCanonical)]; ok {
		r.Key, r.Form = PayloadKeyCanonical, v
		return nil
	}
	if v, ok := env[string(PayloadKeyLegacy)]; ok {
		r.Key, r.Form = PayloadKeyLegacy, v
		return nil
	}
	return errors.New("submission body has neither r3Form nor r3form")
}

// FormSubmissionResponse is the parsed 2xx answer of the form endpoint. The
// endpoint answers with JSON or with plain text; Raw always holds the body.
type FormSubmissionResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     string          `json:"-"`
}

// ScriptRequest is the body posted to a processing script.
type ScriptRequest struct {
	ChataID string `json:"chataId"`
}

// ScriptDetails is the progress detail block returned by a processing
// script.
type ScriptDetails struct {
	DocumentURL string `json:"documentUrl,omitempty"`
	EmailStatus string `json:"emailStatus,omitempty"`
}

type ScriptProgress struct {
	Details ScriptDetails `json:"details"`
}

// ScriptResult is what MakeAppsScriptCall returns. A false Success with a
// populated Error means the call or the processing failed; it is never
// raised as a Go error.
type ScriptResult struct {
	Success  bool            `json:"success"`
	Progress *ScriptProgress `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// DocumentURL returns the generated document link, if any.
func (r ScriptResult) DocumentURL() string {
	if r.Progress == nil {
		return ""
	}
	return r.Progress.Details.DocumentURL
}

// SubmissionError reports a failed form submission. Body holds the
// response text for diagnostics.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("form submission failed: HTTP %d: %s", e.StatusCode, e.Body)
}
