// Package submission talks to the remote form-submission endpoint and the
// document-processing scripts that run after a report is submitted.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrChataIDRequired is the message returned for a processing call without
// an identifier.
const ErrChataIDRequired = "CHATA ID is required"

const maxResponseBody = 1 << 20

type Config struct {
	FormAPIURL string
	PayloadKey PayloadKey
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	formAPIURL string
	payloadKey PayloadKey
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.PayloadKey == "" {
		cfg.PayloadKey = PayloadKeyCanonical
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		formAPIURL: strings.TrimSpace(cfg.FormAPIURL),
		payloadKey: cfg.PayloadKey,
		httpClient: hc,
		logger:     logger.With().Str("component", "submission-client").Logger(),
	}
}

// SubmitFormData posts payload to the form endpoint wrapped in the
// configured envelope. Any non-2xx answer becomes a *SubmissionError that
// carries the response text.
func (c *Client) SubmitFormData(ctx context.Context, payload interface{}) (*FormSubmissionResponse, error) {
	if c.formAPIURL == "" {
		return nil, errors.New("form submission endpoint is not configured")
	}
	form, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode submission payload: %w", err)
	}
	body, err := json.Marshal(FormSubmissionRequest{Key: c.payloadKey, Form: form})
	if err != nil {
		return nil, fmt.Errorf("encode submission envelope: %w", err)
	}

	start := time.Now()
	status, text, err := c.post(ctx, c.formAPIURL, body)
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.formAPIURL).Msg("form submission request failed")
		return nil, fmt.Errorf("submit form: %w", err)
	}
	c.logger.Info().
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("payload_key", string(c.payloadKey)).
		Msg("form submitted")

	if status < 200 || status > 299 {
		return nil, &SubmissionError{StatusCode: status, Body: text}
	}
	return parseSubmissionResponse(status, text)
}

func parseSubmissionResponse(status int, text string) (*FormSubmissionResponse, error) {
	resp := &FormSubmissionResponse{Success: true, Raw: text}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		resp.Message = trimmed
		return resp, nil
	}
	var parsed struct {
		Success *bool           `json:"success"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		resp.Message = trimmed
		return resp, nil
	}
	if parsed.Success != nil && !*parsed.Success {
		return nil, &SubmissionError{StatusCode: status, Body: text}
	}
	resp.Message = parsed.Message
	resp.Data = parsed.Data
	return resp, nil
}

// MakeAppsScriptCall asks a processing script about (or to act on) the
// given report. It never returns an error: every failure is folded into a
// ScriptResult with Success false.
func (c *Client) MakeAppsScriptCall(ctx context.Context, url, chataID string) ScriptResult {
	if strings.TrimSpace(chataID) == "" {
		return ScriptResult{Success: false, Error: ErrChataIDRequired}
	}
	if strings.TrimSpace(url) == "" {
		return ScriptResult{Success: false, Error: "processing endpoint is not configured"}
	}
	body, err := json.Marshal(ScriptRequest{ChataID: chataID})
	if err != nil {
		return ScriptResult{Success: false, Error: err.Error()}
	}

	status, text, err := c.post(ctx, url, body)
	if err != nil {
		c.logger.Warn().Err(err).Str("chata_id", chataID).Msg("processing call failed")
		return ScriptResult{Success: false, Error: err.Error()}
	}
	if status < 200 || status > 299 {
		c.logger.Warn().Int("status", status).Str("chata_id", chataID).Msg("processing call rejected")
		return ScriptResult{Success: false, Error: fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(text))}
	}

	var result ScriptResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return ScriptResult{Success: false, Error: fmt.Sprintf("invalid processing response: %v", err)}
	}
	if !result.Success && result.Error == "" {
		result.Error = "processing failed"
	}
	return result
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(raw), nil
}
