package submission

import (
	"context"
	"fmt"
	"time"
)

// ScriptCaller is the part of Client the poller needs.
type ScriptCaller interface {
	MakeAppsScriptCall(ctx context.Context, url, chataID string) ScriptResult
}

// Poller repeats a processing call until the script reports a document,
// reports a failure, the attempt budget runs out, or ctx ends. Each call
// completes before the next one is issued.
type Poller struct {
	Caller      ScriptCaller
	Interval    time.Duration
	MaxAttempts int
}

// PollOutcome is the last result seen and how many calls were made.
type PollOutcome struct {
	Result   ScriptResult
	Attempts int
}

// Done reports whether polling finished with a document link.
func (o PollOutcome) Done() bool {
	return o.Result.Success && o.Result.DocumentURL() != ""
}

func (p *Poller) Poll(ctx context.Context, url, chataID string) PollOutcome {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out PollOutcome
	timer := time.NewTimer(0)
	defer timer.Stop()

	for out.Attempts < maxAttempts {
		select {
		case <-ctx.Done():
			out.Result = ScriptResult{Success: false, Error: ctx.Err().Error()}
			return out
		case <-timer.C:
		}

		out.Attempts++
		out.Result = p.Caller.MakeAppsScriptCall(ctx, url, chataID)
		if !out.Result.Success || out.Result.DocumentURL() != "" {
			return out
		}
		timer.Reset(interval)
	}

	out.Result = ScriptResult{
		Success:  false,
		Progress: out.Result.Progress,
		Error:    fmt.Sprintf("no document after %d attempts", out.Attempts),
	}
	return out
}
