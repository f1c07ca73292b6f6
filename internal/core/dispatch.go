package core

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

// Backend performs one analysis request.  Implementations live in
// internal/backend: a multipart HTTP client for the remote service and a
// direct OpenAI client.
type Backend interface {
	Process(ctx context.Context, state pkg.ProcessState, attachment *pkg.Attachment) (*pkg.AgentPayload, error)
}

// DispatchResult is the normalised outcome of a dispatch.  Payload is always
// usable: on failure it is the cautionary fallback.  Profile is set only when
// a successful response carried one.
type DispatchResult struct {
	Payload pkg.AgentPayload
	Profile *pkg.Profile
	Failed  bool
	Err     error
}

// Dispatcher turns a user question into a backend request and normalises the
// answer.  It keeps no state between calls.
type Dispatcher struct {
	Backend Backend
	Logger  *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(backend Backend, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Backend: backend, Logger: logger}
}

// ComposeQuery prepends the memory digest to the question when there is one.
func ComposeQuery(memory, query string) string {
	if memory == "" {
		return query
	}
	return memory + query
}

// Dispatch sends one request.  Failures are not returned as errors: they are
// folded into a fallback payload and flagged in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, query string, attachment *pkg.Attachment, profile pkg.Profile, memory string) DispatchResult {
	state := pkg.ProcessState{
		UserQuery:      ComposeQuery(memory, query),
		UserProfile:    profile.Clone(),
		ImageData:      nil,
		NextSuggestion: []string{},
	}
	payload, err := d.Backend.Process(ctx, state, attachment)
	if err == nil && payload == nil {
		err = fmt.Errorf("backend returned an empty response")
	}
	if err != nil {
		d.Logger.Warn("backend request failed", zap.Error(err))
		return DispatchResult{Payload: FallbackPayload(err), Failed: true, Err: err}
	}

	out := payload.Clone()
	res := DispatchResult{}
	if out.Profile != nil {
		p := out.Profile.Clone()
		res.Profile = &p
	} else {
		echo := profile.Clone()
		out.Profile = &echo
	}
	if attachment != nil {
		preview := attachment.Preview
		out.ImageData = &preview
	}
	res.Payload = out
	return res
}

// FallbackPayload is what an agent turn shows when its request failed: a
// cautionary verdict, the failure detail, and no product.
func FallbackPayload(err error) pkg.AgentPayload {
	verdict := FallbackVerdict
	reasoning := fmt.Sprintf(FallbackReasoning, err)
	return pkg.AgentPayload{
		Verdict:   &verdict,
		Reasoning: &reasoning,
		Subject:   json.RawMessage("null"),
	}
}
