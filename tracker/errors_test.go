package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/onnwee/streamwatch/discord"
	"github.com/onnwee/streamwatch/holodex"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassRetryable},
		{"context canceled", context.Canceled, ErrorClassRetryable},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"discord 500", &discord.APIError{Status: 500}, ErrorClassRetryable},
		{"discord 429", &discord.APIError{Status: 429}, ErrorClassRetryable},
		{"discord 403", &discord.APIError{Status: 403}, ErrorClassFatal},
		{"discord 404", &discord.APIError{Status: 404}, ErrorClassFatal},
		{"wrapped discord error", fmt.Errorf("create channel: %w", &discord.APIError{Status: 403}), ErrorClassFatal},
		{"rate limited", &holodex.RateLimitError{}, ErrorClassRetryable},
		{"holodex 503", &holodex.APIError{Status: 503}, ErrorClassRetryable},
		{"holodex 401", &holodex.APIError{Status: 401}, ErrorClassFatal},
		{"unauthorized text", errors.New("request unauthorized"), ErrorClassFatal},
		{"unknown channel text", errors.New("Unknown Channel"), ErrorClassFatal},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorClassRetryable},
		{"unknown error", errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkActionFailed(t *testing.T) {
	var r StreamRecord
	if r.ActionFailed(ActionPostAlert) {
		t.Error("fresh record has failure flag")
	}
	r.MarkActionFailed(ActionPostAlert)
	r.MarkActionFailed(ActionPostAlert)
	if r.FailedActions != ActionPostAlert {
		t.Errorf("FailedActions = %q, want single entry", r.FailedActions)
	}
	r.MarkActionFailed(ActionArchiveChat)
	if !r.ActionFailed(ActionPostAlert) || !r.ActionFailed(ActionArchiveChat) {
		t.Errorf("flags lost: %q", r.FailedActions)
	}
	if r.ActionFailed(ActionCreateChat) {
		t.Error("unflagged action reported failed")
	}
}
