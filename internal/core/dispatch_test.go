package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"labelcheck-assistant/pkg"
)

func TestDispatchComposesState(t *testing.T) {
	var got pkg.ProcessState
	var gotAttachment *pkg.Attachment
	d := NewDispatcher(backendFunc(func(_ context.Context, state pkg.ProcessState, att *pkg.Attachment) (*pkg.AgentPayload, error) {
		got, gotAttachment = state, att
		return &pkg.AgentPayload{Verdict: strp("SAFE")}, nil
	}), zaptest.NewLogger(t))

	profile := pkg.Profile{Allergies: []string{"peanuts"}}
	att := pkg.NewAttachment([]byte("img"), "l.jpg", "image/jpeg")
	res := d.Dispatch(context.Background(), "Is X safe?", att, profile, "memory\n")

	assert.Equal(t, "memory\nIs X safe?", got.UserQuery)
	assert.Equal(t, []string{"peanuts"}, got.UserProfile.Allergies)
	assert.Nil(t, got.ImageData)
	assert.Equal(t, []string{}, got.NextSuggestion)
	assert.Same(t, att, gotAttachment)

	assert.False(t, res.Failed)
	assert.Nil(t, res.Profile, "no profile in the response means no replacement")
	require.NotNil(t, res.Payload.ImageData)
	assert.Equal(t, att.Preview, *res.Payload.ImageData, "the local preview is attached")
	require.NotNil(t, res.Payload.Profile)
	assert.Equal(t, []string{"peanuts"}, res.Payload.Profile.Allergies, "the sent profile is echoed")
}

func TestDispatchReturnsProfileUpdate(t *testing.T) {
	updated := pkg.Profile{Conditions: []string{"diabetes"}}
	d := NewDispatcher(backendFunc(func(context.Context, pkg.ProcessState, *pkg.Attachment) (*pkg.AgentPayload, error) {
		return &pkg.AgentPayload{Profile: &updated, ImageData: strp("echoed")}, nil
	}), nil)

	res := d.Dispatch(context.Background(), "I have diabetes", nil, pkg.Profile{}, "")
	require.NotNil(t, res.Profile)
	assert.Equal(t, []string{"diabetes"}, res.Profile.Conditions)
	assert.Equal(t, "echoed", *res.Payload.ImageData, "without an attachment the response is left as is")
}

func TestDispatchFailureYieldsFallback(t *testing.T) {
	d := NewDispatcher(backendFunc(func(context.Context, pkg.ProcessState, *pkg.Attachment) (*pkg.AgentPayload, error) {
		return nil, errors.New(`backend returned HTTP 500: {"detail":"model overloaded"}`)
	}), zaptest.NewLogger(t))

	res := d.Dispatch(context.Background(), "q", nil, pkg.Profile{}, "")
	assert.True(t, res.Failed)
	assert.Error(t, res.Err)
	assert.Nil(t, res.Profile)
	assert.Equal(t, FallbackVerdict, *res.Payload.Verdict)
	assert.Contains(t, *res.Payload.Reasoning, "model overloaded")
	assert.Nil(t, SelectSubject(res.Payload.Subject))
	assert.Equal(t, "null", string(res.Payload.Subject))
}

func TestDispatchNilPayloadIsFailure(t *testing.T) {
	d := NewDispatcher(backendFunc(func(context.Context, pkg.ProcessState, *pkg.Attachment) (*pkg.AgentPayload, error) {
		return nil, nil
	}), nil)
	res := d.Dispatch(context.Background(), "q", nil, pkg.Profile{}, "")
	assert.True(t, res.Failed)
}
