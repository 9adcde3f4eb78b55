package plugauth_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/panyam/plugauth"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("lookup: %w", plugauth.ErrUnknownMethod), "unknown_method"},
		{plugauth.ErrInvalidCredentials, "invalid_credentials"},
		{plugauth.NewProviderError("google", "exchange", context.DeadlineExceeded), "provider_error"},
		{&plugauth.ConfigError{Plugin: "x", Op: "setup", Err: errors.New("boom")}, "configuration"},
		{fmt.Errorf("wrapped: %w", plugauth.ErrReplayedFlow), "replayed_flow"},
		{plugauth.ErrPossibleCloneDetected, "possible_clone"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, plugauth.ErrorCode(tt.err))
		})
	}
}

func TestProviderErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("callback: %w", plugauth.NewProviderError("github", "exchange", context.DeadlineExceeded))
	assert.ErrorIs(t, err, plugauth.ErrProviderError)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var perr *plugauth.ProviderError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "github", perr.Provider)
}
