package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusTooManyRequests, CodeRateLimited, true},
		{http.StatusInternalServerError, CodeServerError, true},
		{http.StatusBadGateway, CodeServerError, true},
		{http.StatusServiceUnavailable, CodeServerError, true},
		{http.StatusBadRequest, CodeBadRequest, false},
		{http.StatusUnauthorized, CodeUnauthorized, false},
		{http.StatusForbidden, CodeForbidden, false},
		{http.StatusNotFound, CodeNotFound, false},
		{http.StatusRequestEntityTooLarge, CodePayloadTooLarge, false},
		{http.StatusUnprocessableEntity, CodeUnprocessable, false},
		{http.StatusConflict, CodeRejected, false},
		{http.StatusTeapot, CodeRejected, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			pe := ClassifyStatus(ProviderSendGrid, tt.status, "boom")
			require.Equal(t, tt.code, pe.Code)
			require.Equal(t, tt.retryable, pe.Retryable())
			require.Equal(t, tt.status, pe.StatusCode)
			require.Equal(t, tt.retryable, IsRetryable(pe))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	pe := ClassifyTransportError(ProviderMailgun, context.DeadlineExceeded)
	require.Equal(t, CodeTimeout, pe.Code)
	require.True(t, pe.IsRetryable)

	pe = ClassifyTransportError(ProviderMailgun, errors.New("connection reset"))
	require.Equal(t, CodeNetwork, pe.Code)
	require.True(t, pe.IsRetryable)

	pe = ClassifyTransportError(ProviderMailgun, context.Canceled)
	require.False(t, pe.IsRetryable)

	orig := ClassifyStatus(ProviderMailgun, 401, "nope")
	require.Same(t, orig, ClassifyTransportError(ProviderMailgun, fmt.Errorf("wrapped: %w", orig)))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("-5", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, ParseRetryAfter(date, now))

	past := now.Add(-time.Minute).Format(http.TimeFormat)
	require.Equal(t, time.Duration(0), ParseRetryAfter(past, now))
}

func TestGetRetryAfter(t *testing.T) {
	pe := ClassifyStatus(ProviderPostmark, 429, "slow down")
	pe.RetryAfterDuration = 2 * time.Second

	wrapped := fmt.Errorf("attempt 1: %w", pe)
	require.Equal(t, 2*time.Second, GetRetryAfter(wrapped))
	require.Equal(t, time.Duration(0), GetRetryAfter(errors.New("plain")))
	require.False(t, IsRetryable(nil))
}

func TestProviderErrorIs(t *testing.T) {
	err := fmt.Errorf("send: %w", ClassifyStatus(ProviderSES, 429, "throttled"))
	require.True(t, errors.Is(err, &ProviderError{Provider: ProviderSES, Code: CodeRateLimited}))
	require.False(t, errors.Is(err, &ProviderError{Provider: ProviderSendGrid, Code: CodeRateLimited}))
}
