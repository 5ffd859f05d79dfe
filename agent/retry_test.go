package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/stretchr/testify/require"
)

func testRetrier(initialMs, maxMs, retries int) *retrier {
	return newRetrier(config.ConnectionConfig{RetryInitialMs: initialMs, RetryMaxMs: maxMs, RetryMaxRetries: retries})
}

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	ceiling := 800 * time.Millisecond
	for retry := 0; retry < 6; retry++ {
		wait := backoffWithJitter(initial, ceiling, retry)
		require.GreaterOrEqual(t, wait, initial/2)
		require.LessOrEqual(t, wait, ceiling)
	}
}

func TestNewRetrierNormalisesConfig(t *testing.T) {
	r := testRetrier(0, 10, -1)
	require.Equal(t, 500*time.Millisecond, r.initial)
	require.Equal(t, r.initial, r.ceiling)
	require.Zero(t, r.attempts)
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := testRetrier(1, 2, 3)
	var sends int
	err := r.do(context.Background(), "heartbeat", func() error {
		sends++
		if sends < 2 {
			return transientError{status: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, sends)
}

func TestRetrierGivesUpOnPermanentError(t *testing.T) {
	r := testRetrier(1, 2, 5)
	var sends int
	rejected := &checkinError{Status: http.StatusUnauthorized, Message: "Invalid or expired enrollment token"}
	err := r.do(context.Background(), "enroll", func() error {
		sends++
		return rejected
	})
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, sends)
}

func TestRetrierHonoursContext(t *testing.T) {
	r := testRetrier(1000, 1000, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.do(ctx, "heartbeat", func() error { return transientError{status: http.StatusBadGateway} })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetrierWaitsForRetryAfter(t *testing.T) {
	r := testRetrier(1, 2, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var sends int
	err := r.do(ctx, "enroll", func() error {
		sends++
		return transientError{status: http.StatusTooManyRequests, retryAfter: time.Minute}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, sends)
}

func TestTransientStatus(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"60"}}}
	var te transientError
	require.ErrorAs(t, transientStatus(resp), &te)
	require.Equal(t, time.Minute, te.retryAfter)

	require.Error(t, transientStatus(&http.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}}))
	require.NoError(t, transientStatus(&http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}))
	require.NoError(t, transientStatus(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}}))
}

func TestIsTransient(t *testing.T) {
	require.False(t, isTransient(nil))
	require.True(t, isTransient(transientError{status: http.StatusServiceUnavailable}))
	require.False(t, isTransient(errors.New("generic")))
	require.True(t, isTransient(&net.DNSError{IsTemporary: true}))
	require.False(t, isTransient(context.Canceled))
}
